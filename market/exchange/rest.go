package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/coinpulse/alertfeed/market/types"
)

const (
	restMaxAttempts  = 3
	restInitialDelay = 500 * time.Millisecond

	klineCacheSize = 512
	klineCacheTTL  = 10 * time.Second
)

// restClient wraps the venue REST surface shared by every adapter: a
// per-venue rate limiter, a circuit breaker, bounded retries with exponential
// backoff on transport and 429 failures, and a small TTL'd LRU over kline
// responses.
type restClient struct {
	exchange types.ExchangeName
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	klines   *lru.Cache
	logger   zerolog.Logger
}

type klineCacheEntry struct {
	candles   []types.Candle
	fetchedAt time.Time
}

func newRestClient(exchange types.ExchangeName, logger zerolog.Logger) *restClient {
	settings := gobreaker.Settings{
		Name:     string(exchange) + "-rest",
		Interval: time.Minute,
		Timeout:  time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	cache, _ := lru.New(klineCacheSize)

	return &restClient{
		exchange: exchange,
		client:   &http.Client{Timeout: defaultTimeout},
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		klines:   cache,
		logger:   logger,
	}
}

// getJSON fetches url and decodes the response body into out. Failures are
// reported as *types.UpstreamError carrying the advisory status code.
func (rc *restClient) getJSON(ctx context.Context, url string, out interface{}) error {
	body, err := rc.get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", rc.exchange, err)
	}
	return nil
}

func (rc *restClient) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	delay := restInitialDelay
	for attempt := 0; attempt < restMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, types.NewUpstreamError(rc.exchange, 0, ctx.Err())
			}
			delay *= 2
		}

		if err := rc.limiter.Wait(ctx); err != nil {
			return nil, types.NewUpstreamError(rc.exchange, 0, err)
		}

		body, err := rc.doOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		// Retry only transport failures and rate limiting; other statuses
		// will not improve on a tight retry loop.
		if !types.IsUpstreamUnavailable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (rc *restClient) doOnce(ctx context.Context, url string) ([]byte, error) {
	result, err := rc.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			return nil, types.NewUpstreamError(rc.exchange, 0, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return nil, types.NewUpstreamError(
				rc.exchange,
				resp.StatusCode,
				fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url),
			)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, types.NewUpstreamError(rc.exchange, 0, err)
		}
		return nil, err
	}
	return result.([]byte), nil
}

// cachedKlines returns a previously fetched kline response when it is still
// fresh.
func (rc *restClient) cachedKlines(key string) ([]types.Candle, bool) {
	v, ok := rc.klines.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(klineCacheEntry)
	if time.Since(entry.fetchedAt) > klineCacheTTL {
		rc.klines.Remove(key)
		return nil, false
	}
	return entry.candles, true
}

func (rc *restClient) storeKlines(key string, candles []types.Candle) {
	rc.klines.Add(key, klineCacheEntry{candles: candles, fetchedAt: time.Now()})
}
