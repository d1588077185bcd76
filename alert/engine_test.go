package alert

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/alertfeed/market"
	"github.com/coinpulse/alertfeed/market/exchange"
	"github.com/coinpulse/alertfeed/market/types"
)

// scriptedAdapter serves one settable price for every symbol it lists.
type scriptedAdapter struct {
	name types.ExchangeName

	mtx    sync.Mutex
	prices map[string]float64
	err    error
}

func newScriptedAdapter(name types.ExchangeName) *scriptedAdapter {
	return &scriptedAdapter{name: name, prices: make(map[string]float64)}
}

func (s *scriptedAdapter) setPrice(symbol string, price float64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.prices[symbol] = price
}

func (s *scriptedAdapter) setErr(err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.err = err
}

func (s *scriptedAdapter) Name() types.ExchangeName       { return s.name }
func (s *scriptedAdapter) Normalize(symbol string) string { return types.Canonicalize(symbol) }

func (s *scriptedAdapter) TickerPrice(_ context.Context, symbol string, _ types.MarketType) (types.TickerPrice, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.err != nil {
		return types.TickerPrice{}, s.err
	}
	price, ok := s.prices[symbol]
	if !ok {
		return types.TickerPrice{}, types.ErrTickerNotFound
	}
	return types.TickerPrice{Symbol: symbol, Price: price}, nil
}

func (s *scriptedAdapter) LastPrices(_ context.Context, symbols []string, _ types.MarketType, _ bool) (map[string]float64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]float64)
	for _, symbol := range symbols {
		if price, ok := s.prices[symbol]; ok {
			out[symbol] = price
		}
	}
	return out, nil
}

func (s *scriptedAdapter) ActiveSymbols(context.Context, types.MarketType) (map[string]struct{}, error) {
	return nil, nil
}

func (s *scriptedAdapter) Klines(context.Context, string, types.MarketType, types.Interval, int, time.Time) ([]types.Candle, error) {
	return nil, nil
}

func (s *scriptedAdapter) SubscribeKline(string, types.MarketType, types.Interval) error { return nil }
func (s *scriptedAdapter) UnsubscribeKline(string, types.MarketType, types.Interval) error {
	return nil
}
func (s *scriptedAdapter) StartConnections() {}
func (s *scriptedAdapter) Close()            {}

// memStore is an in-memory Store with the same consume-once contract as the
// database implementation.
type memStore struct {
	mtx    sync.Mutex
	alerts map[int64]*Alert
}

func newMemStore(alerts ...*Alert) *memStore {
	s := &memStore{alerts: make(map[int64]*Alert)}
	for _, a := range alerts {
		s.alerts[a.ID] = a
	}
	return s
}

func (s *memStore) Create(_ context.Context, a *Alert) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	a.Active = true
	s.alerts[a.ID] = a
	return nil
}

func (s *memStore) ListActive(context.Context) ([]Alert, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if a.Active && !a.Triggered {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *memStore) Consume(_ context.Context, alertID int64) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	a, ok := s.alerts[alertID]
	if !ok || a.Triggered {
		return false, nil
	}
	a.Triggered = true
	a.Active = false
	return true, nil
}

// gatedStore blocks Consume on a gate so tests can hold an alert in the
// consume phase while another sweep observes it.
type gatedStore struct {
	*memStore
	gate         chan struct{}
	consumeCalls int32
}

func (s *gatedStore) Consume(ctx context.Context, alertID int64) (bool, error) {
	<-s.gate
	atomic.AddInt32(&s.consumeCalls, 1)
	return s.memStore.Consume(ctx, alertID)
}

// memNotifier records delivered trigger payloads.
type memNotifier struct {
	mtx      sync.Mutex
	payloads []TriggerPayload
}

func (n *memNotifier) PushAlertTriggered(_ int64, payload TriggerPayload) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.payloads = append(n.payloads, payload)
}

func (n *memNotifier) delivered() []TriggerPayload {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([]TriggerPayload(nil), n.payloads...)
}

func priceAlert(id int64, initial, target float64) *Alert {
	return &Alert{
		ID:           id,
		UserID:       7,
		Name:         "btc breakout",
		Exchange:     types.ExchangeBinance,
		Market:       types.MarketFutures,
		Symbols:      pq.StringArray{"BTCUSDT"},
		TargetValue:  target,
		InitialPrice: sql.NullFloat64{Float64: initial, Valid: true},
		Active:       true,
	}
}

func newTestEngine(adapter exchange.Adapter, store Store, notifier Notifier) *Engine {
	resolver := market.NewResolver(zerolog.Nop(), exchange.NewRegistry(adapter))
	return NewEngine(zerolog.Nop(), store, resolver, notifier, time.Hour)
}

func TestEngineTriggersOnceOnUpwardCrossing(t *testing.T) {
	adapter := newScriptedAdapter(types.ExchangeBinance)
	store := newMemStore(priceAlert(1, 99, 100))
	notifier := &memNotifier{}
	engine := newTestEngine(adapter, store, notifier)
	ctx := context.Background()

	// below target: observe, do not fire
	adapter.setPrice("BTCUSDT", 99.5)
	engine.sweep(ctx)
	require.Empty(t, notifier.delivered())

	// crossing fires exactly once
	adapter.setPrice("BTCUSDT", 100.2)
	engine.sweep(ctx)
	engine.sweep(ctx)
	engine.sweep(ctx)

	delivered := notifier.delivered()
	require.Len(t, delivered, 1)
	payload := delivered[0]
	require.Equal(t, int64(1), payload.AlertID)
	require.True(t, payload.Triggered)
	require.Equal(t, 100.2, payload.CurrentPrice)
	require.Equal(t, 100.0, payload.TargetValue)
	require.Equal(t, CondAbove, payload.Condition)
	require.Equal(t, "BTCUSDT", payload.Symbol)
	require.Equal(t, "BTC", payload.Coin)
	require.Equal(t, "price", payload.AlertType)
	require.NotEmpty(t, payload.ID)
}

func TestEngineDownwardCrossing(t *testing.T) {
	adapter := newScriptedAdapter(types.ExchangeBinance)
	store := newMemStore(priceAlert(2, 105, 100))
	notifier := &memNotifier{}
	engine := newTestEngine(adapter, store, notifier)
	ctx := context.Background()

	adapter.setPrice("BTCUSDT", 101)
	engine.sweep(ctx)
	require.Empty(t, notifier.delivered())

	adapter.setPrice("BTCUSDT", 99.7)
	engine.sweep(ctx)

	delivered := notifier.delivered()
	require.Len(t, delivered, 1)
	require.Equal(t, CondBelow, delivered[0].Condition)
}

func TestEngineSkipsUnresolvedThenRecovers(t *testing.T) {
	adapter := newScriptedAdapter(types.ExchangeBinance)
	store := newMemStore(priceAlert(3, 99, 100))
	notifier := &memNotifier{}
	engine := newTestEngine(adapter, store, notifier)
	ctx := context.Background()

	// venue down: the tick is skipped without consuming the alert
	adapter.setErr(types.NewUpstreamError(types.ExchangeBinance, 503, types.ErrTickerNotFound))
	engine.sweep(ctx)
	require.Empty(t, notifier.delivered())

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	// recovery: no price was observed during the outage, so the crossing is
	// evaluated against the initial price
	adapter.setErr(nil)
	adapter.setPrice("BTCUSDT", 100.2)
	engine.sweep(ctx)
	require.Len(t, notifier.delivered(), 1)
}

func TestEngineOverlappingSweepsTriggerOnce(t *testing.T) {
	adapter := newScriptedAdapter(types.ExchangeBinance)
	adapter.setPrice("BTCUSDT", 100.2)
	a := priceAlert(7, 99, 100)
	store := &gatedStore{memStore: newMemStore(a), gate: make(chan struct{})}
	notifier := &memNotifier{}
	engine := newTestEngine(adapter, store, notifier)
	ctx := context.Background()

	// the first sweep crosses and parks in the consume phase
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.sweep(ctx)
	}()
	require.Eventually(t, func() bool {
		engine.mtx.Lock()
		defer engine.mtx.Unlock()
		_, busy := engine.inflight[a.ID]
		return busy
	}, time.Second, time.Millisecond)

	// an overlapping sweep sees the alert in flight and passes it by
	engine.sweep(ctx)
	require.Empty(t, notifier.delivered())

	close(store.gate)
	wg.Wait()

	require.Len(t, notifier.delivered(), 1)
	require.EqualValues(t, 1, atomic.LoadInt32(&store.consumeCalls))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestEngineDropsTriggerWhenConsumeLosesRace(t *testing.T) {
	adapter := newScriptedAdapter(types.ExchangeBinance)
	a := priceAlert(4, 99, 100)
	store := newMemStore(a)
	notifier := &memNotifier{}
	engine := newTestEngine(adapter, store, notifier)
	ctx := context.Background()

	// another replica consumed the alert after this sweep loaded it
	adapter.setPrice("BTCUSDT", 100.2)
	snapshot := *a
	consumed, err := store.Consume(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, consumed)

	engine.processAlert(ctx, &snapshot)
	require.Empty(t, notifier.delivered())
}

func TestEngineCheckNowKicksAndCoalesces(t *testing.T) {
	adapter := newScriptedAdapter(types.ExchangeBinance)
	adapter.setPrice("BTCUSDT", 100.2)
	store := newMemStore(priceAlert(8, 99, 100))
	notifier := &memNotifier{}
	// hour-long cadence: only the kick can plausibly drive the sweep below
	engine := newTestEngine(adapter, store, notifier)

	engine.CheckNow()
	engine.CheckNow()
	engine.CheckNow()
	require.Len(t, engine.kick, 1, "pending kicks coalesce")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	require.Eventually(t, func() bool {
		return len(notifier.delivered()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngineSkipsUnusableAlerts(t *testing.T) {
	adapter := newScriptedAdapter(types.ExchangeBinance)
	adapter.setPrice("BTCUSDT", 100.2)

	noSeed := priceAlert(5, 99, 100)
	noSeed.InitialPrice = sql.NullFloat64{}
	noSymbol := priceAlert(6, 99, 100)
	noSymbol.Symbols = nil

	store := newMemStore(noSeed, noSymbol)
	notifier := &memNotifier{}
	engine := newTestEngine(adapter, store, notifier)

	engine.sweep(context.Background())
	require.Empty(t, notifier.delivered())
}
