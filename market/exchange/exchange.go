package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/coinpulse/alertfeed/market/types"
)

const (
	defaultTimeout = 15 * time.Second

	// snapshotTTL bounds how long a REST last-price snapshot may serve reads
	// before a refetch.
	snapshotTTL = 2 * time.Second

	// activeSymbolsTTL bounds the cached universe of USDT-quoted instruments.
	activeSymbolsTTL = time.Hour

	defaultPingDuration  = 20 * time.Second
	disabledPingDuration = time.Duration(0)
)

type (
	// CandleSink receives every candle update an adapter decodes from its
	// upstream stream. Set once at adapter construction; adapters never hold
	// a back-reference to the subscription manager.
	CandleSink func(
		exchange types.ExchangeName,
		symbol string,
		interval types.Interval,
		market types.MarketType,
		candle types.Candle,
	)

	// Adapter defines the uniform contract each venue implements.
	Adapter interface {
		// Name returns the venue identifier.
		Name() types.ExchangeName

		// Normalize rewrites a venue or user symbol form into the canonical
		// key, or returns empty if the input cannot be interpreted.
		Normalize(symbol string) string

		// TickerPrice fetches a single-symbol ticker, the cheapest resolution
		// path. The symbol must already be canonical.
		TickerPrice(ctx context.Context, symbol string, market types.MarketType) (types.TickerPrice, error)

		// LastPrices returns canonicalSymbol -> last price for the requested
		// symbols, honoring the short-lived snapshot cache. When strict, an
		// unavailable upstream fails with a types.UpstreamError; otherwise a
		// possibly partial best-effort map is returned.
		LastPrices(ctx context.Context, symbols []string, market types.MarketType, strict bool) (map[string]float64, error)

		// ActiveSymbols returns the cached set of USDT-quoted instruments
		// currently traded on the venue.
		ActiveSymbols(ctx context.Context, market types.MarketType) (map[string]struct{}, error)

		// Klines returns up to limit bars oldest-first. Sub-minute intervals
		// are synthesized by deterministic resampling of 1m bars. A zero
		// endBefore means "up to now".
		Klines(ctx context.Context, symbol string, market types.MarketType, interval types.Interval, limit int, endBefore time.Time) ([]types.Candle, error)

		// SubscribeKline adds a reference to the upstream kline stream,
		// dialing the venue subscription only on the 0 -> 1 transition.
		SubscribeKline(symbol string, market types.MarketType, interval types.Interval) error

		// UnsubscribeKline drops a reference, tearing the upstream
		// subscription down only on the 1 -> 0 transition.
		UnsubscribeKline(symbol string, market types.MarketType, interval types.Interval) error

		// StartConnections starts the websocket connections.
		StartConnections()

		// Close tears down websocket connections and cancels read loops.
		Close()
	}

	// Endpoint defines an override setting in our config for the hardcoded
	// rest and websocket api endpoints of one venue market segment.
	Endpoint struct {
		Name      types.ExchangeName `mapstructure:"name"`
		Market    types.MarketType   `mapstructure:"market"`
		Rest      string             `mapstructure:"rest"`
		Websocket string             `mapstructure:"websocket"`
	}

	// Registry maps exchange names to adapter instances. The registry owns
	// adapter lifetimes; clients never do.
	Registry struct {
		adapters map[types.ExchangeName]Adapter
		order    []types.ExchangeName
	}
)

// NewRegistry builds a registry over the given adapters, preserving their
// order for cross-exchange fallback iteration.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[types.ExchangeName]Adapter, len(adapters)),
		order:    make([]types.ExchangeName, 0, len(adapters)),
	}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
		r.order = append(r.order, a.Name())
	}
	return r
}

// Get returns the adapter for the named exchange. Unknown exchanges are a
// typed error, not a default fallback.
func (r *Registry) Get(name types.ExchangeName) (Adapter, error) {
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownExchange, name)
	}
	return adapter, nil
}

// Names returns the registered exchanges in registration order.
func (r *Registry) Names() []types.ExchangeName {
	return r.order
}

// StartConnections starts the websocket connections of every adapter.
func (r *Registry) StartConnections() {
	for _, name := range r.order {
		r.adapters[name].StartConnections()
	}
}

// Close closes every adapter.
func (r *Registry) Close() {
	for _, name := range r.order {
		r.adapters[name].Close()
	}
}
