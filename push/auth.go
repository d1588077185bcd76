package push

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuth is the uniform authentication failure; callers never leak the
// underlying parse detail to the client.
var ErrAuth = errors.New("authentication error")

// Authenticator validates the bearer credential presented during the push
// handshake and resolves the stable user identity.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator over the HMAC signing secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

type accessClaims struct {
	UserID int64 `json:"userId"`
	jwt.RegisteredClaims
}

// UserID validates a bearer token and returns the user it belongs to. The
// token may arrive with or without the "Bearer " prefix.
func (a *Authenticator) UserID(token string) (int64, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return 0, ErrAuth
	}

	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return 0, ErrAuth
	}

	if claims.UserID > 0 {
		return claims.UserID, nil
	}
	// older tokens carry the user id in the subject only
	if id, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil && id > 0 {
		return id, nil
	}
	return 0, ErrAuth
}
