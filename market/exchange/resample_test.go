package exchange

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coinpulse/alertfeed/market/types"
)

func sourceBar(openTime int64) types.Candle {
	return types.Candle{
		Time:     openTime,
		Open:     100,
		High:     112,
		Low:      95,
		Close:    108,
		Volume:   60,
		Turnover: 6300,
		Closed:   true,
	}
}

// requireAggregates checks that the sub-bar group reproduces the source bar.
func requireAggregates(t *testing.T, source types.Candle, bars []types.Candle) {
	t.Helper()
	require.NotEmpty(t, bars)

	require.Equal(t, source.Open, bars[0].Open)
	require.InDelta(t, source.Close, bars[len(bars)-1].Close, 1e-9)

	maxHigh, minLow := bars[0].High, bars[0].Low
	var volume, turnover float64
	for _, bar := range bars {
		require.True(t, bar.Valid(), "bar at %d violates OHLC ordering", bar.Time)
		if bar.High > maxHigh {
			maxHigh = bar.High
		}
		if bar.Low < minLow {
			minLow = bar.Low
		}
		volume += bar.Volume
		turnover += bar.Turnover
	}
	require.Equal(t, source.High, maxHigh)
	require.Equal(t, source.Low, minLow)
	require.InDelta(t, source.Volume, volume, 1e-9)
	require.InDelta(t, source.Turnover, turnover, 1e-9)
}

func TestResampleCandleAggregates(t *testing.T) {
	intervals := []types.Interval{types.Interval1s, types.Interval5s, types.Interval15s}
	openTimes := []int64{1700000040, 1700000100, 1700003580, 1700086260}

	for _, interval := range intervals {
		for _, openTime := range openTimes {
			source := sourceBar(openTime)
			bars := ResampleCandle(source, interval)

			require.Len(t, bars, interval.BarsPerMinute())
			requireAggregates(t, source, bars)

			step := int64(interval.Duration().Seconds())
			for i, bar := range bars {
				require.Equal(t, source.Time+int64(i)*step, bar.Time)
			}
		}
	}
}

func TestResampleCandleDeterministic(t *testing.T) {
	source := sourceBar(1700000040)
	first := ResampleCandle(source, types.Interval5s)
	second := ResampleCandle(source, types.Interval5s)
	require.Equal(t, first, second)
}

func TestResampleCandleClosedFlag(t *testing.T) {
	source := sourceBar(1700000040)
	source.Closed = false

	bars := ResampleCandle(source, types.Interval15s)
	for _, bar := range bars[:len(bars)-1] {
		require.True(t, bar.Closed, "displaced sub-bars are final")
	}
	require.False(t, bars[len(bars)-1].Closed, "the newest sub-bar tracks the forming source bar")
}

func TestResampleCandlePassThrough(t *testing.T) {
	source := sourceBar(1700000040)
	bars := ResampleCandle(source, types.Interval1m)
	require.Equal(t, []types.Candle{source}, bars)
}

func TestResampleSeries(t *testing.T) {
	series := []types.Candle{sourceBar(1700000040), sourceBar(1700000100), sourceBar(1700000160)}

	out := ResampleSeries(series, types.Interval15s, 0)
	require.Len(t, out, 12)
	require.Equal(t, series[0].Time, out[0].Time)
	require.Equal(t, series[2].Time+45, out[len(out)-1].Time)

	// the head is trimmed, never the tail
	limited := ResampleSeries(series, types.Interval15s, 5)
	require.Len(t, limited, 5)
	require.Equal(t, out[len(out)-5:], limited)
}
