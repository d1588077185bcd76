package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/alertfeed/market/exchange"
	"github.com/coinpulse/alertfeed/market/types"
)

// fakeAdapter is a scriptable in-memory exchange.Adapter.
type fakeAdapter struct {
	name types.ExchangeName

	mtx           sync.Mutex
	subscribes    []types.SubscriptionKey
	unsubscribes  []types.SubscriptionKey
	subscribeErr  error
	subscribeGate chan struct{}

	tickers    map[string]types.TickerPrice
	tickerErr  error
	prices     map[string]float64
	pricesErr  error
	priceCalls int
}

func newFakeAdapter(name types.ExchangeName) *fakeAdapter {
	return &fakeAdapter{
		name:    name,
		tickers: make(map[string]types.TickerPrice),
		prices:  make(map[string]float64),
	}
}

func (f *fakeAdapter) Name() types.ExchangeName { return f.name }

func (f *fakeAdapter) Normalize(symbol string) string { return types.Canonicalize(symbol) }

func (f *fakeAdapter) TickerPrice(_ context.Context, symbol string, _ types.MarketType) (types.TickerPrice, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.priceCalls++
	if f.tickerErr != nil {
		return types.TickerPrice{}, f.tickerErr
	}
	ticker, ok := f.tickers[symbol]
	if !ok {
		return types.TickerPrice{}, types.ErrTickerNotFound
	}
	return ticker, nil
}

func (f *fakeAdapter) LastPrices(_ context.Context, symbols []string, _ types.MarketType, _ bool) (map[string]float64, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.pricesErr != nil {
		return nil, f.pricesErr
	}
	out := make(map[string]float64)
	for _, symbol := range symbols {
		if price, ok := f.prices[symbol]; ok {
			out[symbol] = price
		}
	}
	return out, nil
}

func (f *fakeAdapter) ActiveSymbols(context.Context, types.MarketType) (map[string]struct{}, error) {
	return nil, nil
}

func (f *fakeAdapter) Klines(context.Context, string, types.MarketType, types.Interval, int, time.Time) ([]types.Candle, error) {
	return nil, nil
}

func (f *fakeAdapter) SubscribeKline(symbol string, market types.MarketType, interval types.Interval) error {
	f.mtx.Lock()
	gate := f.subscribeGate
	f.mtx.Unlock()
	if gate != nil {
		<-gate
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribes = append(f.subscribes, types.SubscriptionKey{
		Exchange: f.name, Symbol: symbol, Interval: interval, Market: market,
	})
	return nil
}

func (f *fakeAdapter) UnsubscribeKline(symbol string, market types.MarketType, interval types.Interval) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.unsubscribes = append(f.unsubscribes, types.SubscriptionKey{
		Exchange: f.name, Symbol: symbol, Interval: interval, Market: market,
	})
	return nil
}

func (f *fakeAdapter) StartConnections() {}
func (f *fakeAdapter) Close()            {}

func (f *fakeAdapter) setTicker(symbol string, price float64) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.tickers[symbol] = types.TickerPrice{Symbol: symbol, Price: price}
}

func (f *fakeAdapter) subscribeCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.subscribes)
}

func (f *fakeAdapter) unsubscribeCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.unsubscribes)
}

// fakeBroadcaster records every push for assertions.
type fakeBroadcaster struct {
	mtx    sync.Mutex
	klines map[string][]KlineUpdate
	errors map[string][]string
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{
		klines: make(map[string][]KlineUpdate),
		errors: make(map[string][]string),
	}
}

func (b *fakeBroadcaster) PushKline(clientIDs []string, update KlineUpdate) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, id := range clientIDs {
		b.klines[id] = append(b.klines[id], update)
	}
}

func (b *fakeBroadcaster) PushKlineError(clientID string, message string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.errors[clientID] = append(b.errors[clientID], message)
}

func (b *fakeBroadcaster) klinesFor(clientID string) []KlineUpdate {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.klines[clientID]
}

func (b *fakeBroadcaster) errorsFor(clientID string) []string {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.errors[clientID]
}

func newTestManager(adapters ...exchange.Adapter) (*Manager, *fakeBroadcaster) {
	broadcaster := newFakeBroadcaster()
	manager := NewManager(zerolog.Nop(), broadcaster)
	manager.BindRegistry(exchange.NewRegistry(adapters...))
	return manager, broadcaster
}

func TestManagerMultiplexesSubscribers(t *testing.T) {
	adapter := newFakeAdapter(types.ExchangeBinance)
	manager, broadcaster := newTestManager(adapter)

	key := types.SubscriptionKey{
		Exchange: types.ExchangeBinance,
		Symbol:   "BTCUSDT",
		Interval: types.Interval1m,
		Market:   types.MarketFutures,
	}

	require.NoError(t, manager.Subscribe("client-a", key))
	require.NoError(t, manager.Subscribe("client-b", key))
	require.Equal(t, 1, adapter.subscribeCount(), "one upstream stream serves both clients")
	require.Equal(t, 2, manager.SubscriberCount(key))

	candle := types.Candle{Time: 60, Open: 1, High: 2, Low: 1, Close: 1.5, Closed: true}
	manager.OnCandle(key.Exchange, key.Symbol, key.Interval, key.Market, candle)
	require.Len(t, broadcaster.klinesFor("client-a"), 1)
	require.Len(t, broadcaster.klinesFor("client-b"), 1)
	require.Equal(t, candle, broadcaster.klinesFor("client-a")[0].Kline)

	// first unsubscribe keeps the upstream stream alive
	require.NoError(t, manager.Unsubscribe("client-a", key))
	require.Zero(t, adapter.unsubscribeCount())

	manager.OnCandle(key.Exchange, key.Symbol, key.Interval, key.Market, candle)
	require.Len(t, broadcaster.klinesFor("client-a"), 1, "unsubscribed clients receive nothing")
	require.Len(t, broadcaster.klinesFor("client-b"), 2)

	// last unsubscribe tears the upstream stream down
	require.NoError(t, manager.Unsubscribe("client-b", key))
	require.Equal(t, 1, adapter.unsubscribeCount())
	require.Zero(t, manager.SubscriberCount(key))
}

func TestManagerCanonicalizesKeys(t *testing.T) {
	adapter := newFakeAdapter(types.ExchangeBybit)
	manager, _ := newTestManager(adapter)

	// heterogeneous symbol forms of the same stream share one upstream subscription
	require.NoError(t, manager.Subscribe("client-a", types.SubscriptionKey{
		Exchange: types.ExchangeBybit, Symbol: "btc-usdt", Interval: types.Interval1m,
	}))
	require.NoError(t, manager.Subscribe("client-b", types.SubscriptionKey{
		Exchange: types.ExchangeBybit, Symbol: "BTCUSDT.P", Interval: types.Interval1m, Market: types.MarketFutures,
	}))

	require.Equal(t, 1, adapter.subscribeCount())
	require.Equal(t, 2, manager.SubscriberCount(types.SubscriptionKey{
		Exchange: types.ExchangeBybit, Symbol: "BTCUSDT", Interval: types.Interval1m, Market: types.MarketFutures,
	}))
}

func TestManagerSubscribeFailureRollsBack(t *testing.T) {
	adapter := newFakeAdapter(types.ExchangeOkx)
	adapter.subscribeErr = types.NewUpstreamError(types.ExchangeOkx, 503, types.ErrWebsocketSend)
	manager, broadcaster := newTestManager(adapter)

	key := types.SubscriptionKey{
		Exchange: types.ExchangeOkx, Symbol: "BTCUSDT", Interval: types.Interval1m, Market: types.MarketSpot,
	}
	require.Error(t, manager.Subscribe("client-a", key))
	require.Zero(t, manager.SubscriberCount(key), "failed subscribe leaves no index entry")
	require.NotEmpty(t, broadcaster.errorsFor("client-a"))

	// the stream is retryable once the upstream recovers
	adapter.subscribeErr = nil
	require.NoError(t, manager.Subscribe("client-a", key))
	require.Equal(t, 1, manager.SubscriberCount(key))
}

func TestManagerFailedDialRollsBackPiggybackedSubscribers(t *testing.T) {
	adapter := newFakeAdapter(types.ExchangeOkx)
	adapter.subscribeGate = make(chan struct{})
	adapter.subscribeErr = types.NewUpstreamError(types.ExchangeOkx, 503, types.ErrWebsocketSend)
	manager, broadcaster := newTestManager(adapter)

	key := types.SubscriptionKey{
		Exchange: types.ExchangeOkx, Symbol: "BTCUSDT", Interval: types.Interval1m, Market: types.MarketFutures,
	}

	// the first subscriber's upstream dial hangs on the gate
	dialDone := make(chan error, 1)
	go func() {
		dialDone <- manager.Subscribe("client-a", key)
	}()
	require.Eventually(t, func() bool {
		return manager.SubscriberCount(key) == 1
	}, time.Second, time.Millisecond)

	// the second subscriber piggybacks on the pending dial and returns success
	require.NoError(t, manager.Subscribe("client-b", key))
	require.Equal(t, 2, manager.SubscriberCount(key))

	// the dial fails: both subscribers are rolled back and both hear about it
	close(adapter.subscribeGate)
	require.Error(t, <-dialDone)
	require.Zero(t, manager.SubscriberCount(key))
	require.NotEmpty(t, broadcaster.errorsFor("client-a"))
	require.NotEmpty(t, broadcaster.errorsFor("client-b"))
}

func TestManagerRejectsUnusableKeys(t *testing.T) {
	manager, broadcaster := newTestManager(newFakeAdapter(types.ExchangeBinance))

	err := manager.Subscribe("client-a", types.SubscriptionKey{
		Exchange: types.ExchangeBinance, Symbol: "-", Interval: types.Interval1m,
	})
	require.ErrorIs(t, err, types.ErrSymbolEmpty)

	err = manager.Subscribe("client-a", types.SubscriptionKey{
		Exchange: "unknown", Symbol: "BTCUSDT", Interval: types.Interval1m,
	})
	require.ErrorIs(t, err, types.ErrUnknownExchange)
	require.Len(t, broadcaster.errorsFor("client-a"), 2)
}

func TestManagerDisconnectClient(t *testing.T) {
	adapter := newFakeAdapter(types.ExchangeBinance)
	manager, broadcaster := newTestManager(adapter)

	btc := types.SubscriptionKey{
		Exchange: types.ExchangeBinance, Symbol: "BTCUSDT", Interval: types.Interval1m, Market: types.MarketFutures,
	}
	eth := types.SubscriptionKey{
		Exchange: types.ExchangeBinance, Symbol: "ETHUSDT", Interval: types.Interval5m, Market: types.MarketFutures,
	}

	require.NoError(t, manager.Subscribe("client-a", btc))
	require.NoError(t, manager.Subscribe("client-a", eth))
	require.NoError(t, manager.Subscribe("client-b", btc))

	manager.DisconnectClient("client-a")

	// only the stream that lost its last subscriber is torn down
	require.Equal(t, 1, adapter.unsubscribeCount())
	require.Equal(t, eth, adapter.unsubscribes[0])
	require.Equal(t, 1, manager.SubscriberCount(btc))

	candle := types.Candle{Time: 60, Open: 1, High: 1, Low: 1, Close: 1}
	manager.OnCandle(btc.Exchange, btc.Symbol, btc.Interval, btc.Market, candle)
	require.Empty(t, broadcaster.klinesFor("client-a"))
	require.Len(t, broadcaster.klinesFor("client-b"), 1)
}

func TestManagerDropsCandlesWithoutSubscribers(t *testing.T) {
	manager, broadcaster := newTestManager(newFakeAdapter(types.ExchangeBinance))

	manager.OnCandle(types.ExchangeBinance, "BTCUSDT", types.Interval1m, types.MarketFutures, types.Candle{Time: 60})
	require.Empty(t, broadcaster.klines)
}
