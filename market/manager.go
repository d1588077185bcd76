package market

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/coinpulse/alertfeed/market/exchange"
	"github.com/coinpulse/alertfeed/market/types"
)

type (
	// KlineUpdate is the payload pushed to every subscriber of one stream.
	KlineUpdate struct {
		Exchange     types.ExchangeName `json:"exchange"`
		Symbol       string             `json:"symbol"`
		Interval     types.Interval     `json:"interval"`
		ExchangeType types.MarketType   `json:"exchangeType"`
		Kline        types.Candle       `json:"kline"`
	}

	// Broadcaster is the push-fabric surface the manager needs: fan a kline
	// update out to a set of clients, or report a subscription failure to one
	// client. Implementations must not block; the manager calls these from
	// adapter read loops.
	Broadcaster interface {
		PushKline(clientIDs []string, update KlineUpdate)
		PushKlineError(clientID string, message string)
	}

	// Manager multiplexes N client subscriptions onto M upstream streams. It
	// owns two inverted indices guarded by a single mutex; critical sections
	// are hash-set operations only, and candle fan-out snapshots the
	// subscriber set under the lock and sends outside it.
	Manager struct {
		logger      zerolog.Logger
		broadcaster Broadcaster

		registryMtx sync.RWMutex
		registry    *exchange.Registry

		mtx      sync.Mutex
		byClient map[string]map[types.SubscriptionKey]struct{}
		byKey    map[types.SubscriptionKey]map[string]struct{}
	}
)

// NewManager creates an unbound manager. BindRegistry must be called before
// Subscribe; the split exists because adapters need the manager's OnCandle
// sink at construction time.
func NewManager(logger zerolog.Logger, broadcaster Broadcaster) *Manager {
	return &Manager{
		logger:      logger.With().Str("module", "kline-manager").Logger(),
		broadcaster: broadcaster,
		byClient:    make(map[string]map[types.SubscriptionKey]struct{}),
		byKey:       make(map[types.SubscriptionKey]map[string]struct{}),
	}
}

// BindRegistry attaches the adapter registry the manager subscribes through.
func (m *Manager) BindRegistry(registry *exchange.Registry) {
	m.registryMtx.Lock()
	defer m.registryMtx.Unlock()
	m.registry = registry
}

func (m *Manager) adapter(name types.ExchangeName) (exchange.Adapter, error) {
	m.registryMtx.RLock()
	defer m.registryMtx.RUnlock()
	if m.registry == nil {
		return nil, types.ErrUnknownExchange
	}
	return m.registry.Get(name)
}

// normalizeKey rewrites the key's symbol into canonical form so structurally
// equal subscriptions land on the same index entry.
func normalizeKey(key types.SubscriptionKey) types.SubscriptionKey {
	key.Symbol = types.Canonicalize(key.Symbol)
	if key.Market == "" {
		key.Market = types.MarketFutures
	}
	return key
}

// Subscribe adds the client to both indices and dials the upstream stream on
// the 0 -> 1 subscriber transition. Upstream failures are surfaced to the
// client as a kline-error and the index entries are rolled back.
func (m *Manager) Subscribe(clientID string, key types.SubscriptionKey) error {
	key = normalizeKey(key)
	if key.Symbol == "" {
		m.broadcaster.PushKlineError(clientID, types.ErrSymbolEmpty.Error())
		return types.ErrSymbolEmpty
	}

	adapter, err := m.adapter(key.Exchange)
	if err != nil {
		m.broadcaster.PushKlineError(clientID, err.Error())
		return err
	}

	m.mtx.Lock()
	if m.byClient[clientID] == nil {
		m.byClient[clientID] = make(map[types.SubscriptionKey]struct{})
	}
	m.byClient[clientID][key] = struct{}{}

	first := len(m.byKey[key]) == 0
	if m.byKey[key] == nil {
		m.byKey[key] = make(map[string]struct{})
	}
	m.byKey[key][clientID] = struct{}{}
	m.mtx.Unlock()

	if !first {
		return nil
	}

	if err := adapter.SubscribeKline(key.Symbol, key.Market, key.Interval); err != nil {
		m.logger.Err(err).Str("key", key.String()).Msg("upstream subscribe failed")
		for _, id := range m.failSubscribers(key) {
			m.broadcaster.PushKlineError(id, err.Error())
		}
		return err
	}

	m.logger.Debug().Str("key", key.String()).Msg("upstream stream opened")
	return nil
}

// failSubscribers removes every subscriber of key after a failed upstream
// dial and returns them so the failure reaches each one, including clients
// that piggybacked on the stream while the dial was still pending.
func (m *Manager) failSubscribers(key types.SubscriptionKey) []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	ids := make([]string, 0, len(m.byKey[key]))
	for clientID := range m.byKey[key] {
		ids = append(ids, clientID)
		delete(m.byClient[clientID], key)
		if len(m.byClient[clientID]) == 0 {
			delete(m.byClient, clientID)
		}
	}
	delete(m.byKey, key)
	return ids
}

// Unsubscribe removes the client from both indices and tears the upstream
// stream down on the 1 -> 0 transition. Missing entries are no-ops.
func (m *Manager) Unsubscribe(clientID string, key types.SubscriptionKey) error {
	key = normalizeKey(key)

	m.mtx.Lock()
	if _, ok := m.byKey[key][clientID]; !ok {
		m.mtx.Unlock()
		return nil
	}

	delete(m.byClient[clientID], key)
	if len(m.byClient[clientID]) == 0 {
		delete(m.byClient, clientID)
	}
	delete(m.byKey[key], clientID)
	last := len(m.byKey[key]) == 0
	if last {
		delete(m.byKey, key)
	}
	m.mtx.Unlock()

	if !last {
		return nil
	}
	return m.teardown(key)
}

func (m *Manager) teardown(key types.SubscriptionKey) error {
	adapter, err := m.adapter(key.Exchange)
	if err != nil {
		return err
	}
	if err := adapter.UnsubscribeKline(key.Symbol, key.Market, key.Interval); err != nil {
		m.logger.Err(err).Str("key", key.String()).Msg("upstream unsubscribe failed")
		return err
	}
	m.logger.Debug().Str("key", key.String()).Msg("upstream stream closed")
	return nil
}

// DisconnectClient drops every subscription the client holds, tearing down
// the upstream streams that lose their last subscriber.
func (m *Manager) DisconnectClient(clientID string) {
	m.mtx.Lock()
	keys := make([]types.SubscriptionKey, 0, len(m.byClient[clientID]))
	orphaned := make([]types.SubscriptionKey, 0)
	for key := range m.byClient[clientID] {
		keys = append(keys, key)
		delete(m.byKey[key], clientID)
		if len(m.byKey[key]) == 0 {
			delete(m.byKey, key)
			orphaned = append(orphaned, key)
		}
	}
	delete(m.byClient, clientID)
	m.mtx.Unlock()

	for _, key := range orphaned {
		//nolint:errcheck // teardown already logs; the client is gone
		m.teardown(key)
	}
	if len(keys) > 0 {
		m.logger.Debug().Str("client", clientID).Int("subscriptions", len(keys)).Msg("client disconnected")
	}
}

// OnCandle is the sink every adapter emits into. Candles for streams that
// lost all subscribers while the update was in flight are dropped.
func (m *Manager) OnCandle(
	exchangeName types.ExchangeName,
	symbol string,
	interval types.Interval,
	market types.MarketType,
	candle types.Candle,
) {
	key := types.SubscriptionKey{Exchange: exchangeName, Symbol: symbol, Interval: interval, Market: market}

	m.mtx.Lock()
	subscribers := make([]string, 0, len(m.byKey[key]))
	for clientID := range m.byKey[key] {
		subscribers = append(subscribers, clientID)
	}
	m.mtx.Unlock()

	if len(subscribers) == 0 {
		return
	}
	m.broadcaster.PushKline(subscribers, KlineUpdate{
		Exchange:     exchangeName,
		Symbol:       symbol,
		Interval:     interval,
		ExchangeType: market,
		Kline:        candle,
	})
}

// SubscriberCount returns the number of clients on one stream.
func (m *Manager) SubscriberCount(key types.SubscriptionKey) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.byKey[normalizeKey(key)])
}
