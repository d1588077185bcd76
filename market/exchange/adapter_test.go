package exchange

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/alertfeed/market/types"
)

// newHookedAdapter builds a base adapter with scripted venue hooks and an
// unstarted websocket controller, so subscribe sends take the deferred path.
func newHookedAdapter(t *testing.T, sink CandleSink) (*baseAdapter, *[]klineFetch) {
	t.Helper()

	fetches := &[]klineFetch{}
	adapter := newBaseAdapter(types.ExchangeBinance, zerolog.Nop(), sink)
	adapter.fetchTickers = func(context.Context, types.MarketType) (map[string]types.TickerPrice, error) {
		return map[string]types.TickerPrice{
			"BTCUSDT": {Symbol: "BTCUSDT", Price: 50000},
			"ETHUSDT": {Symbol: "ETHUSDT", Price: 3000},
		}, nil
	}
	adapter.fetchTicker = func(_ context.Context, symbol string, _ types.MarketType) (types.TickerPrice, error) {
		return types.TickerPrice{}, types.ErrTickerNotFound
	}
	adapter.fetchKlines = func(_ context.Context, symbol string, _ types.MarketType, interval types.Interval, limit int, _ time.Time) ([]types.Candle, error) {
		*fetches = append(*fetches, klineFetch{interval: interval, limit: limit})
		candles := make([]types.Candle, limit)
		for i := range candles {
			candles[i] = types.Candle{
				Time: int64(1700000040 + i*60),
				Open: 100, High: 110, Low: 90, Close: 105, Volume: 12,
				Closed: true,
			}
		}
		return candles, nil
	}
	adapter.subscribeMsg = func(key streamKey) interface{} { return key.symbol }
	adapter.unsubscribeMsg = func(key streamKey) interface{} { return key.symbol }

	wsURL := url.URL{Scheme: "wss", Host: "example.invalid", Path: "/ws"}
	adapter.wsc[types.MarketFutures] = NewWebsocketController(
		context.Background(),
		adapter.name,
		wsURL,
		func() []interface{} { return adapter.subscriptionMsgsFor(types.MarketFutures) },
		func(int, []byte) {},
		disabledPingDuration,
		nil,
		0,
		zerolog.Nop(),
	)
	return &adapter, fetches
}

type klineFetch struct {
	interval types.Interval
	limit    int
}

func TestAdapterKlinesSubMinuteSynthesis(t *testing.T) {
	adapter, fetches := newHookedAdapter(t, func(types.ExchangeName, string, types.Interval, types.MarketType, types.Candle) {})

	klines, err := adapter.Klines(context.Background(), "BTCUSDT", types.MarketFutures, types.Interval15s, 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, klines, 10)

	// the venue is asked for just enough 1m bars to cover the request
	require.Len(t, *fetches, 1)
	require.Equal(t, types.Interval1m, (*fetches)[0].interval)
	require.Equal(t, 3, (*fetches)[0].limit)

	for i := 1; i < len(klines); i++ {
		require.Equal(t, klines[i-1].Time+15, klines[i].Time)
	}
}

func TestAdapterKlinesLimitBounds(t *testing.T) {
	adapter, fetches := newHookedAdapter(t, func(types.ExchangeName, string, types.Interval, types.MarketType, types.Candle) {})
	ctx := context.Background()

	_, err := adapter.Klines(ctx, "BTCUSDT", types.MarketFutures, types.Interval1h, 0, time.Time{})
	require.NoError(t, err)
	require.Equal(t, defaultKlineLimit, (*fetches)[0].limit)

	_, err = adapter.Klines(ctx, "BTCUSDT", types.MarketFutures, types.Interval1h, 10_000, time.Time{})
	require.NoError(t, err)
	require.Equal(t, maxKlineLimit, (*fetches)[1].limit)

	_, err = adapter.Klines(ctx, "  ", types.MarketFutures, types.Interval1h, 10, time.Time{})
	require.ErrorIs(t, err, types.ErrSymbolEmpty)
}

func TestAdapterSubscribeRejectsUnlistedSymbol(t *testing.T) {
	adapter, _ := newHookedAdapter(t, func(types.ExchangeName, string, types.Interval, types.MarketType, types.Candle) {})

	// warm the universe cache
	_, err := adapter.ActiveSymbols(context.Background(), types.MarketFutures)
	require.NoError(t, err)

	err = adapter.SubscribeKline("NOPEUSDT", types.MarketFutures, types.Interval1m)
	require.ErrorIs(t, err, types.ErrSymbolNotListed)
	require.Zero(t, adapter.refCount(streamKey{symbol: "NOPEUSDT", market: types.MarketFutures, interval: types.Interval1m}))

	require.NoError(t, adapter.SubscribeKline("BTCUSDT", types.MarketFutures, types.Interval1m))
}

func TestAdapterSubscribeRidesUpstreamMinuteStream(t *testing.T) {
	adapter, _ := newHookedAdapter(t, func(types.ExchangeName, string, types.Interval, types.MarketType, types.Candle) {})

	require.NoError(t, adapter.SubscribeKline("BTCUSDT", types.MarketFutures, types.Interval5s))

	minuteKey := streamKey{symbol: "BTCUSDT", market: types.MarketFutures, interval: types.Interval1m}
	require.Equal(t, 1, adapter.refCount(minuteKey), "sub-minute streams hold a 1m upstream reference")

	// the reconnect replay set carries one frame for the shared 1m stream
	require.Len(t, adapter.subscriptionMsgsFor(types.MarketFutures), 1)

	require.NoError(t, adapter.UnsubscribeKline("BTCUSDT", types.MarketFutures, types.Interval5s))
	require.Zero(t, adapter.refCount(minuteKey))
}

func TestAdapterEmitCandleSynthClosed(t *testing.T) {
	var emitted []types.Candle
	adapter, _ := newHookedAdapter(t, func(_ types.ExchangeName, _ string, interval types.Interval, _ types.MarketType, candle types.Candle) {
		if interval == types.Interval1m {
			emitted = append(emitted, candle)
		}
	})

	forming := types.Candle{Time: 60, Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 3}
	adapter.emitCandleSynthClosed("BTCUSDT", types.MarketFutures, types.Interval1m, forming)
	require.Len(t, emitted, 1)
	require.False(t, emitted[0].Closed)

	final := forming
	final.Close, final.Volume = 1.8, 9
	adapter.emitCandleSynthClosed("BTCUSDT", types.MarketFutures, types.Interval1m, final)
	require.Len(t, emitted, 2)

	// the bar that starts the next window re-emits the displaced bar closed
	next := types.Candle{Time: 120, Open: 1.8, High: 1.9, Low: 1.7, Close: 1.85, Volume: 1}
	adapter.emitCandleSynthClosed("BTCUSDT", types.MarketFutures, types.Interval1m, next)
	require.Len(t, emitted, 4)

	closed := emitted[2]
	require.True(t, closed.Closed)
	require.Equal(t, final.Time, closed.Time)
	require.Equal(t, final.Close, closed.Close)
	require.Equal(t, final.Volume, closed.Volume)
	require.False(t, emitted[3].Closed)
	require.Equal(t, next.Time, emitted[3].Time)
}
