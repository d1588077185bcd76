package exchange

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coinpulse/alertfeed/market/types"
)

// NewAdapter constructs the adapter for one venue. The endpoints map carries
// per-market overrides for the hardcoded REST and websocket hosts and may be
// nil.
func NewAdapter(
	ctx context.Context,
	name types.ExchangeName,
	logger zerolog.Logger,
	sink CandleSink,
	endpoints map[types.MarketType]Endpoint,
) (Adapter, error) {
	switch name {
	case types.ExchangeBinance:
		return NewBinanceAdapter(ctx, logger, sink, endpoints), nil
	case types.ExchangeBybit:
		return NewBybitAdapter(ctx, logger, sink, endpoints), nil
	case types.ExchangeOkx:
		return NewOkxAdapter(ctx, logger, sink, endpoints), nil
	case types.ExchangeGate:
		return NewGateAdapter(ctx, logger, sink, endpoints), nil
	case types.ExchangeBitget:
		return NewBitgetAdapter(ctx, logger, sink, endpoints), nil
	case types.ExchangeMexc:
		return NewMexcAdapter(ctx, logger, sink, endpoints), nil
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownExchange, name)
	}
}

// NewDefaultRegistry constructs adapters for every supported venue in
// canonical order and registers them. The overrides slice comes straight from
// configuration.
func NewDefaultRegistry(
	ctx context.Context,
	logger zerolog.Logger,
	sink CandleSink,
	overrides []Endpoint,
) (*Registry, error) {
	byVenue := make(map[types.ExchangeName]map[types.MarketType]Endpoint)
	for _, e := range overrides {
		if byVenue[e.Name] == nil {
			byVenue[e.Name] = make(map[types.MarketType]Endpoint)
		}
		market := e.Market
		if market == "" {
			market = types.MarketFutures
		}
		byVenue[e.Name][market] = e
	}

	adapters := make([]Adapter, 0, len(types.SupportedExchanges))
	for _, name := range types.SupportedExchanges {
		adapter, err := NewAdapter(ctx, name, logger, sink, byVenue[name])
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return NewRegistry(adapters...), nil
}
