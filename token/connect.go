package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectTokenTTL bounds how long a link token stays consumable.
const ConnectTokenTTL = 15 * time.Minute

const redisKeyPrefix = "connect-token:"

type (
	// ConnectToken ties an externally-driven start event back to a user. It
	// is opaque, single-use, and expiring.
	ConnectToken struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}

	// Store issues and consumes connect tokens. Consume is atomic single-use:
	// the second consumer of the same token gets ok=false.
	Store interface {
		CreateConnectToken(ctx context.Context, userID int64) (ConnectToken, error)
		ConsumeConnectToken(ctx context.Context, token string) (userID int64, ok bool, err error)
	}
)

// newToken returns 32 hex characters of CSPRNG output.
func newToken() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// redisStore keeps tokens in Redis so consumes stay atomic across replicas.
type redisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed token store.
func NewRedisStore(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb}
}

func (s *redisStore) CreateConnectToken(ctx context.Context, userID int64) (ConnectToken, error) {
	token, err := newToken()
	if err != nil {
		return ConnectToken{}, err
	}
	if err := s.rdb.Set(ctx, redisKeyPrefix+token, userID, ConnectTokenTTL).Err(); err != nil {
		return ConnectToken{}, fmt.Errorf("failed to store token: %w", err)
	}
	return ConnectToken{Token: token, ExpiresAt: time.Now().Add(ConnectTokenTTL)}, nil
}

// ConsumeConnectToken reads and deletes in one round trip; GETDEL guarantees
// exactly one consumer wins.
func (s *redisStore) ConsumeConnectToken(ctx context.Context, token string) (int64, bool, error) {
	value, err := s.rdb.GetDel(ctx, redisKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to consume token: %w", err)
	}
	userID, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed token value: %w", err)
	}
	return userID, true, nil
}

// memoryStore is the single-process fallback used when Redis is not
// configured.
type memoryStore struct {
	mtx    sync.Mutex
	tokens map[string]memoryEntry
}

type memoryEntry struct {
	userID    int64
	expiresAt time.Time
}

// NewMemoryStore creates an in-process token store.
func NewMemoryStore() Store {
	return &memoryStore{tokens: make(map[string]memoryEntry)}
}

func (s *memoryStore) CreateConnectToken(_ context.Context, userID int64) (ConnectToken, error) {
	token, err := newToken()
	if err != nil {
		return ConnectToken{}, err
	}

	now := time.Now()
	s.mtx.Lock()
	defer s.mtx.Unlock()

	// lazy purge keeps the map bounded without a janitor task
	for t, entry := range s.tokens {
		if now.After(entry.expiresAt) {
			delete(s.tokens, t)
		}
	}
	expiresAt := now.Add(ConnectTokenTTL)
	s.tokens[token] = memoryEntry{userID: userID, expiresAt: expiresAt}
	return ConnectToken{Token: token, ExpiresAt: expiresAt}, nil
}

func (s *memoryStore) ConsumeConnectToken(_ context.Context, token string) (int64, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	entry, ok := s.tokens[token]
	if !ok {
		return 0, false, nil
	}
	delete(s.tokens, token)
	if time.Now().After(entry.expiresAt) {
		return 0, false, nil
	}
	return entry.userID, true, nil
}
