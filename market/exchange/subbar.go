package exchange

import (
	"sync"
	"time"

	"github.com/coinpulse/alertfeed/market/types"
)

// subBarState tracks the sub-minute bar being built for one stream along
// with the cumulative volume of the 1m source bar feeding it, so volume can
// be apportioned as deltas between updates.
type subBarState struct {
	bar       types.Candle
	sourceAt  int64
	sourceVol float64
}

// subBarBuilder turns live 1m bar updates into sub-minute bars: each update
// extends the sub-bar covering the current wall-clock window and rolls the
// previous one over as closed when the window advances.
type subBarBuilder struct {
	mtx  sync.Mutex
	bars map[streamKey]*subBarState
}

func newSubBarBuilder() *subBarBuilder {
	return &subBarBuilder{bars: make(map[streamKey]*subBarState)}
}

// feed returns the candles to emit for key given a live 1m source bar:
// the displaced sub-bar marked closed (when the window advanced) followed by
// the current open sub-bar.
func (sb *subBarBuilder) feed(key streamKey, source types.Candle, now time.Time) []types.Candle {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()

	step := int64(key.interval.Duration().Seconds())
	barTime := now.Unix() / step * step
	price := source.Close

	volumeDelta := source.Volume
	state, ok := sb.bars[key]
	if ok && state.sourceAt == source.Time {
		volumeDelta = source.Volume - state.sourceVol
		if volumeDelta < 0 {
			volumeDelta = 0
		}
	}

	var out []types.Candle
	if !ok || barTime > state.bar.Time {
		if ok {
			closed := state.bar
			closed.Closed = true
			out = append(out, closed)
		}
		state = &subBarState{
			bar: types.Candle{
				Time:  barTime,
				Open:  price,
				High:  price,
				Low:   price,
				Close: price,
			},
		}
		sb.bars[key] = state
	} else {
		if price > state.bar.High {
			state.bar.High = price
		}
		if price < state.bar.Low {
			state.bar.Low = price
		}
		state.bar.Close = price
	}

	state.bar.Volume += volumeDelta
	state.sourceAt = source.Time
	state.sourceVol = source.Volume

	out = append(out, state.bar)
	return out
}

// drop clears builder state for a stream that lost its last subscriber.
func (sb *subBarBuilder) drop(key streamKey) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	delete(sb.bars, key)
}
