package types

// Candle defines one OHLCV bar. Time is the bar open in epoch seconds;
// Closed is true once the bar's window has ended and no further updates will
// arrive for this Time.
type Candle struct {
	Time     int64   `json:"time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Turnover float64 `json:"turnover,omitempty"`
	Closed   bool    `json:"closed"`
}

// Valid reports whether the bar satisfies the OHLC ordering invariant and has
// non-negative sizes.
func (c Candle) Valid() bool {
	lo, hi := c.Open, c.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	return c.Low <= lo && hi <= c.High && c.Volume >= 0 && c.Turnover >= 0
}
