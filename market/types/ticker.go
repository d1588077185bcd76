package types

// TickerPrice defines last price and 24h statistics for a symbol on one
// venue. All values are decoded as float64; downstream comparisons use a
// per-value tolerance rather than exact equality.
type TickerPrice struct {
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"lastPrice"`
	High24h      float64 `json:"highPrice24h"`
	Low24h       float64 `json:"lowPrice24h"`
	ChangePct24h float64 `json:"priceChangePercent24h"`
	QuoteVolume  float64 `json:"quoteVolume"`
	Time         int64   `json:"time"`
}

// SubscriptionKey identifies one logical client-facing kline stream. Identity
// is structural equality of the tuple, so the type is usable as a map key.
type SubscriptionKey struct {
	Exchange ExchangeName
	Symbol   string
	Interval Interval
	Market   MarketType
}

// String implements the Stringer interface for logging.
func (k SubscriptionKey) String() string {
	return string(k.Exchange) + ":" + k.Symbol + ":" + string(k.Interval) + ":" + string(k.Market)
}
