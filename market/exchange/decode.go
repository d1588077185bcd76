package exchange

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/coinpulse/alertfeed/market/types"
)

// parseFloat decodes an exchange numeric string; malformed values become 0
// and are filtered out downstream by the positive-finite checks.
func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// asFloat coerces the mixed string/number cells of array-style kline rows.
func asFloat(v interface{}) float64 {
	switch value := v.(type) {
	case float64:
		return value
	case string:
		return parseFloat(value)
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// markLastOpen clears the closed flag on the newest bar when its window has
// not ended yet. REST kline endpoints include the currently forming bar.
func markLastOpen(candles []types.Candle, interval types.Interval) {
	if len(candles) == 0 {
		return
	}
	last := &candles[len(candles)-1]
	if last.Time+int64(interval.Duration().Seconds()) > time.Now().Unix() {
		last.Closed = false
	}
}
