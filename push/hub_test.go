package push

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/alertfeed/alert"
	"github.com/coinpulse/alertfeed/market"
	"github.com/coinpulse/alertfeed/market/types"
)

// newTestClient builds a session without a network connection so the queue
// contract can be observed directly on the out channel.
func newTestClient(h *Hub, userID int64, queueSize int) *Client {
	c := &Client{
		id:     uuid.NewString(),
		userID: userID,
		logger: zerolog.Nop(),
		hub:    h,
		out:    make(chan ServerFrame, queueSize),
		done:   make(chan struct{}),
	}
	h.register(c)
	return c
}

func klineUpdate(symbol string) market.KlineUpdate {
	return market.KlineUpdate{
		Exchange:     types.ExchangeBinance,
		Symbol:       symbol,
		Interval:     types.Interval1m,
		ExchangeType: types.MarketFutures,
		Kline:        types.Candle{Close: 100.5},
	}
}

func TestHubPushKlineDelivery(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newTestClient(hub, 1, sendQueueSize)

	hub.PushKline([]string{c.id, "no-such-client"}, klineUpdate("BTCUSDT"))

	require.Len(t, c.out, 1)
	frame := <-c.out
	require.Equal(t, EventKlineUpdate, frame.Event)
	update, ok := frame.Data.(market.KlineUpdate)
	require.True(t, ok)
	require.Equal(t, "BTCUSDT", update.Symbol)
}

func TestHubPushKlineShedsOnSaturatedQueue(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newTestClient(hub, 1, 1)

	// the first update fills the queue; the second is shed, not queued behind
	hub.PushKline([]string{c.id}, klineUpdate("BTCUSDT"))
	hub.PushKline([]string{c.id}, klineUpdate("ETHUSDT"))
	require.Len(t, c.out, 1)

	frame := <-c.out
	update := frame.Data.(market.KlineUpdate)
	require.Equal(t, "BTCUSDT", update.Symbol)

	// once the queue drains, updates flow again
	hub.PushKline([]string{c.id}, klineUpdate("ETHUSDT"))
	require.Len(t, c.out, 1)
}

func TestHubPushKlineError(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newTestClient(hub, 1, sendQueueSize)

	hub.PushKlineError("no-such-client", "ignored")
	hub.PushKlineError(c.id, "symbol not listed")

	require.Len(t, c.out, 1)
	frame := <-c.out
	require.Equal(t, EventKlineError, frame.Event)
	require.Equal(t, klineError{Error: "symbol not listed"}, frame.Data)
}

func TestHubPushAlertTriggeredReachesEverySession(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	first := newTestClient(hub, 7, sendQueueSize)
	second := newTestClient(hub, 7, sendQueueSize)
	other := newTestClient(hub, 8, sendQueueSize)

	hub.PushAlertTriggered(7, alert.TriggerPayload{AlertID: 42, Triggered: true})

	for _, c := range []*Client{first, second} {
		require.Len(t, c.out, 1)
		frame := <-c.out
		require.Equal(t, EventAlertTriggered, frame.Event)
		payload := frame.Data.(alert.TriggerPayload)
		require.Equal(t, int64(42), payload.AlertID)
	}
	require.Empty(t, other.out)

	// a user with no live session is a no-op
	hub.PushAlertTriggered(99, alert.TriggerPayload{AlertID: 43})
}

func TestHubPushAlertTriggeredWaitsForQueueSpace(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newTestClient(hub, 7, 1)

	// queue saturated with a candle update; the trigger must still arrive
	hub.PushKline([]string{c.id}, klineUpdate("BTCUSDT"))

	pushed := make(chan struct{})
	go func() {
		hub.PushAlertTriggered(7, alert.TriggerPayload{AlertID: 42})
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("trigger delivery completed against a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	frame := <-c.out
	require.Equal(t, EventKlineUpdate, frame.Event)

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("trigger delivery did not resume after the queue drained")
	}
	frame = <-c.out
	require.Equal(t, EventAlertTriggered, frame.Event)
}

func TestHubPushAlertTriggeredSkipsClosedSession(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newTestClient(hub, 7, 1)

	hub.PushKline([]string{c.id}, klineUpdate("BTCUSDT"))
	close(c.done)

	start := time.Now()
	hub.PushAlertTriggered(7, alert.TriggerPayload{AlertID: 42})
	require.Less(t, time.Since(start), alertSendGrace)
	require.Len(t, c.out, 1, "only the pre-close frame remains")
}

func TestHubUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	first := newTestClient(hub, 7, sendQueueSize)
	second := newTestClient(hub, 7, sendQueueSize)
	require.Equal(t, 2, hub.ClientCount())

	hub.unregister(first)
	hub.unregister(first)
	require.Equal(t, 1, hub.ClientCount())

	hub.PushAlertTriggered(7, alert.TriggerPayload{AlertID: 42})
	require.Empty(t, first.out)
	require.Len(t, second.out, 1)

	hub.unregister(second)
	require.Equal(t, 0, hub.ClientCount())
}
