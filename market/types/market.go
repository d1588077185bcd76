package types

import "fmt"

// ExchangeName identifies one of the supported upstream venues.
type ExchangeName string

const (
	ExchangeBinance ExchangeName = "binance"
	ExchangeBybit   ExchangeName = "bybit"
	ExchangeOkx     ExchangeName = "okx"
	ExchangeGate    ExchangeName = "gate"
	ExchangeBitget  ExchangeName = "bitget"
	ExchangeMexc    ExchangeName = "mexc"
)

// SupportedExchanges is the closed set of venues the service speaks to, in
// the order used for cross-exchange fallback at alert creation.
var SupportedExchanges = []ExchangeName{
	ExchangeBinance,
	ExchangeBybit,
	ExchangeOkx,
	ExchangeGate,
	ExchangeBitget,
	ExchangeMexc,
}

// String cast ExchangeName to string.
func (n ExchangeName) String() string {
	return string(n)
}

// ParseExchangeName validates a raw exchange identifier against the supported
// set.
func ParseExchangeName(raw string) (ExchangeName, error) {
	name := ExchangeName(raw)
	for _, supported := range SupportedExchanges {
		if name == supported {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownExchange, raw)
}

// MarketType distinguishes the derivatives and spot segments of a venue.
type MarketType string

const (
	MarketFutures MarketType = "futures"
	MarketSpot    MarketType = "spot"
)

// String cast MarketType to string.
func (m MarketType) String() string {
	return string(m)
}

// ParseMarketType validates a raw market segment identifier. An empty input
// defaults to futures, which is what chart clients send when they omit the
// exchange type.
func ParseMarketType(raw string) (MarketType, error) {
	switch MarketType(raw) {
	case MarketFutures, "":
		return MarketFutures, nil
	case MarketSpot:
		return MarketSpot, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownMarket, raw)
	}
}
