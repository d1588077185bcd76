package exchange

import (
	"github.com/coinpulse/alertfeed/market/types"
)

// ResampleCandle splits a 1m source bar into the sub-minute bars of interval.
// The split is deterministic given the source bar timestamp: the bar's high
// and low are pinned to interior boundaries chosen from the source minute,
// and boundary prices are interpolated linearly between the anchors. The
// aggregate of the group reproduces the source bar exactly: the first
// sub-bar opens at the source open, the last closes at the source close, the
// group max/min equal the source high/low, and volume is evenly distributed.
func ResampleCandle(source types.Candle, interval types.Interval) []types.Candle {
	n := interval.BarsPerMinute()
	if n <= 1 {
		return []types.Candle{source}
	}

	step := int64(interval.Duration().Seconds())
	minute := source.Time / 60

	// interior boundaries carrying the low and the high; rotated by the
	// source minute so consecutive bars do not all peak in the same place.
	lowAt := 1 + int(minute)%(n-1)
	highAt := 1 + int(minute+1)%(n-1)

	boundaries := interpolateBoundaries(source, n, lowAt, highAt)

	subVolume := source.Volume / float64(n)
	subTurnover := source.Turnover / float64(n)

	bars := make([]types.Candle, n)
	for i := 0; i < n; i++ {
		open, close := boundaries[i], boundaries[i+1]
		high, low := open, close
		if high < low {
			high, low = low, high
		}
		bars[i] = types.Candle{
			Time:     source.Time + int64(i)*step,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    close,
			Volume:   subVolume,
			Turnover: subTurnover,
			Closed:   true,
		}
	}
	bars[n-1].Closed = source.Closed
	return bars
}

// interpolateBoundaries returns the n+1 boundary prices of the sub-bar grid.
// Anchors: open at 0, low at lowAt, high at highAt, close at n.
func interpolateBoundaries(source types.Candle, n, lowAt, highAt int) []float64 {
	type anchor struct {
		index int
		value float64
	}
	anchors := []anchor{{0, source.Open}}
	if lowAt < highAt {
		anchors = append(anchors, anchor{lowAt, source.Low}, anchor{highAt, source.High})
	} else {
		anchors = append(anchors, anchor{highAt, source.High}, anchor{lowAt, source.Low})
	}
	anchors = append(anchors, anchor{n, source.Close})

	boundaries := make([]float64, n+1)
	for seg := 0; seg < len(anchors)-1; seg++ {
		from, to := anchors[seg], anchors[seg+1]
		span := to.index - from.index
		for k := from.index; k <= to.index; k++ {
			if span == 0 {
				boundaries[k] = to.value
				continue
			}
			frac := float64(k-from.index) / float64(span)
			boundaries[k] = from.value + (to.value-from.value)*frac
		}
	}
	return boundaries
}

// ResampleSeries expands a series of 1m bars into interval bars, oldest
// first, trimming the head so at most limit bars are returned.
func ResampleSeries(source []types.Candle, interval types.Interval, limit int) []types.Candle {
	out := make([]types.Candle, 0, len(source)*interval.BarsPerMinute())
	for _, bar := range source {
		out = append(out, ResampleCandle(bar, interval)...)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
