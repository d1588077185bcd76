package market

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/coinpulse/alertfeed/market/exchange"
	"github.com/coinpulse/alertfeed/market/types"
)

// Unresolved reasons carried back to callers; the creation API maps both to
// a 400 while the alert sweep skips the tick.
const (
	ReasonUpstreamUnavailable = "UPSTREAM_PRICE_UNAVAILABLE"
	ReasonSymbolUnresolved    = "SYMBOL_UNRESOLVED"
)

type (
	// ResolveResult is the typed outcome of a price resolution. Either
	// Resolved with a positive finite Price, or a Reason.
	ResolveResult struct {
		Resolved bool
		Price    float64
		Symbol   string // canonical symbol that yielded the price
		Source   types.ExchangeName
		Reason   string
	}

	// Resolver maps an (exchange, market, user symbol) request to a live
	// price. It is stateless; all caching lives in the adapters. The resolver
	// never reaches a different exchange than requested; cross-exchange
	// escalation is the caller's policy.
	Resolver struct {
		logger   zerolog.Logger
		registry *exchange.Registry
	}
)

// NewResolver creates a resolver over the adapter registry.
func NewResolver(logger zerolog.Logger, registry *exchange.Registry) *Resolver {
	return &Resolver{
		logger:   logger.With().Str("module", "resolver").Logger(),
		registry: registry,
	}
}

// Candidates expands a user-supplied symbol into the ordered canonical
// candidate list: the canonical form first, then quote-alias rewrites.
func (r *Resolver) Candidates(symbol string) []string {
	canonical := types.Canonicalize(symbol)
	if canonical == "" {
		return nil
	}
	return types.QuoteAliases(canonical)
}

// Resolve attempts each candidate with a direct single-symbol ticker fetch
// first, then falls back to a strict batch snapshot read. Upstream
// unavailability on the strict path is distinguished from an unknown symbol.
func (r *Resolver) Resolve(ctx context.Context, exchangeName types.ExchangeName, market types.MarketType, symbol string) ResolveResult {
	candidates := r.Candidates(symbol)
	if len(candidates) == 0 {
		return ResolveResult{Reason: ReasonSymbolUnresolved}
	}

	adapter, err := r.registry.Get(exchangeName)
	if err != nil {
		return ResolveResult{Reason: ReasonSymbolUnresolved}
	}

	for _, candidate := range candidates {
		ticker, err := adapter.TickerPrice(ctx, candidate, market)
		if err != nil {
			continue
		}
		if types.PositiveFinite(ticker.Price) {
			return ResolveResult{Resolved: true, Price: ticker.Price, Symbol: candidate, Source: exchangeName}
		}
	}

	prices, err := adapter.LastPrices(ctx, candidates, market, true)
	if err != nil {
		if types.IsUpstreamUnavailable(err) {
			return ResolveResult{Reason: ReasonUpstreamUnavailable}
		}
		r.logger.Debug().Err(err).Str("symbol", symbol).Msg("batch price read failed")
		return ResolveResult{Reason: ReasonSymbolUnresolved}
	}
	for _, candidate := range candidates {
		if price, ok := prices[candidate]; ok && types.PositiveFinite(price) {
			return ResolveResult{Resolved: true, Price: price, Symbol: candidate, Source: exchangeName}
		}
	}

	return ResolveResult{Reason: ReasonSymbolUnresolved}
}

// ResolveAny iterates the supported venues in canonical order and returns the
// first resolved price. Used only to seed an alert's initial price at
// creation time when its own exchange cannot serve one; the sweep always
// evaluates against the alert's own exchange.
func (r *Resolver) ResolveAny(ctx context.Context, market types.MarketType, symbol string) ResolveResult {
	sawUnavailable := false
	for _, name := range r.registry.Names() {
		result := r.Resolve(ctx, name, market, symbol)
		if result.Resolved {
			return result
		}
		if result.Reason == ReasonUpstreamUnavailable {
			sawUnavailable = true
		}
	}
	if sawUnavailable {
		return ResolveResult{Reason: ReasonUpstreamUnavailable}
	}
	return ResolveResult{Reason: ReasonSymbolUnresolved}
}
