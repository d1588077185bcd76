package exchange

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coinpulse/alertfeed/market/types"
)

func TestPriceStoreStreamRefs(t *testing.T) {
	ps := newPriceStore()
	key := streamKey{symbol: "BTCUSDT", market: types.MarketFutures, interval: types.Interval1m}

	require.True(t, ps.addStreamRef(key), "0 -> 1 requires an upstream subscribe")
	require.False(t, ps.addStreamRef(key), "1 -> 2 must not resubscribe")
	require.Equal(t, 2, ps.refCount(key))

	require.False(t, ps.dropStreamRef(key), "2 -> 1 must not unsubscribe")
	require.True(t, ps.dropStreamRef(key), "1 -> 0 requires an upstream unsubscribe")
	require.Zero(t, ps.refCount(key))

	require.False(t, ps.dropStreamRef(key), "dropping an unknown stream is a no-op")
}

func TestPriceStoreLiveStreams(t *testing.T) {
	ps := newPriceStore()
	a := streamKey{symbol: "BTCUSDT", market: types.MarketFutures, interval: types.Interval1m}
	b := streamKey{symbol: "ETHUSDT", market: types.MarketSpot, interval: types.Interval5m}

	ps.addStreamRef(a)
	ps.addStreamRef(a)
	ps.addStreamRef(b)
	require.ElementsMatch(t, []streamKey{a, b}, ps.liveStreams())

	ps.dropStreamRef(b)
	require.ElementsMatch(t, []streamKey{a}, ps.liveStreams())
}

func TestPriceStoreRotateBar(t *testing.T) {
	ps := newPriceStore()
	key := streamKey{symbol: "BTCUSDT", market: types.MarketSpot, interval: types.Interval1m}
	ps.addStreamRef(key)

	first := types.Candle{Time: 60, Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 10}
	_, rotated := ps.rotateBar(key, first)
	require.False(t, rotated, "the first bar on a stream displaces nothing")

	// in-place updates of the same bar replace the stored values
	firstFinal := first
	firstFinal.Close, firstFinal.Volume = 1.8, 25
	_, rotated = ps.rotateBar(key, firstFinal)
	require.False(t, rotated)

	// a late update for an older bar is dropped entirely
	stale := types.Candle{Time: 0, Open: 9, High: 9, Low: 9, Close: 9}
	_, rotated = ps.rotateBar(key, stale)
	require.False(t, rotated)

	// a newer bar displaces the stored one with its final values
	second := types.Candle{Time: 120, Open: 1.8, High: 1.9, Low: 1.7, Close: 1.85, Volume: 4}
	previous, rotated := ps.rotateBar(key, second)
	require.True(t, rotated)
	require.Equal(t, firstFinal, previous)

	// dropping the last reference clears the tracked bar
	ps.dropStreamRef(key)
	_, rotated = ps.rotateBar(key, types.Candle{Time: 180})
	require.False(t, rotated)
}

func TestPriceStoreTickerSnapshot(t *testing.T) {
	ps := newPriceStore()
	require.False(t, ps.snapshotFresh(types.MarketFutures))

	ps.setTickerSnapshot(types.MarketFutures, map[string]types.TickerPrice{
		"BTCUSDT": {Symbol: "BTCUSDT", Price: 50000},
		"ETHUSDT": {Symbol: "ETHUSDT", Price: 3000},
		"BADUSDT": {Symbol: "BADUSDT", Price: 0},
	})
	require.True(t, ps.snapshotFresh(types.MarketFutures))
	require.False(t, ps.snapshotFresh(types.MarketSpot), "snapshots are per market segment")

	ticker, ok := ps.ticker(types.MarketFutures, "BTCUSDT")
	require.True(t, ok)
	require.Equal(t, 50000.0, ticker.Price)

	prices := ps.pricesFor(types.MarketFutures, []string{"BTCUSDT", "BADUSDT", "MISSING"})
	require.Equal(t, map[string]float64{"BTCUSDT": 50000}, prices)

	ps.setTicker(types.MarketFutures, types.TickerPrice{Symbol: "SOLUSDT", Price: 150})
	ticker, ok = ps.ticker(types.MarketFutures, "SOLUSDT")
	require.True(t, ok)
	require.Equal(t, 150.0, ticker.Price)
}
