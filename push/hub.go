package push

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/coinpulse/alertfeed/alert"
	"github.com/coinpulse/alertfeed/market"
	"github.com/coinpulse/alertfeed/market/types"
)

// Server->client event names.
const (
	EventKlineUpdate    = "kline-update"
	EventAlertTriggered = "alert-triggered"
	EventKlineError     = "kline-error"
)

var (
	connectionGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alertfeed_push_connections",
		Help: "Live push connections.",
	})
	droppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertfeed_push_dropped_frames_total",
		Help: "Outbound frames dropped on saturated client queues.",
	}, []string{"event"})
)

type (
	// ServerFrame is the envelope of every server->client message.
	ServerFrame struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data"`
	}

	// klineError is the payload of a kline-error frame.
	klineError struct {
		Error string `json:"error"`
	}

	// Subscriptions is the manager surface the fabric drives on behalf of a
	// client.
	Subscriptions interface {
		Subscribe(clientID string, key types.SubscriptionKey) error
		Unsubscribe(clientID string, key types.SubscriptionKey) error
		DisconnectClient(clientID string)
	}

	// Hub tracks live client sessions and their per-user rooms. It implements
	// both the manager's Broadcaster and the alert engine's Notifier.
	Hub struct {
		logger zerolog.Logger

		mtx     sync.RWMutex
		clients map[string]*Client
		rooms   map[int64]map[*Client]struct{}
	}
)

var (
	_ market.Broadcaster = (*Hub)(nil)
	_ alert.Notifier     = (*Hub)(nil)
)

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("module", "push-hub").Logger(),
		clients: make(map[string]*Client),
		rooms:   make(map[int64]map[*Client]struct{}),
	}
}

func (h *Hub) register(c *Client) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	h.clients[c.id] = c
	if h.rooms[c.userID] == nil {
		h.rooms[c.userID] = make(map[*Client]struct{})
	}
	h.rooms[c.userID][c] = struct{}{}
	connectionGauge.Inc()
}

func (h *Hub) unregister(c *Client) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	delete(h.rooms[c.userID], c)
	if len(h.rooms[c.userID]) == 0 {
		delete(h.rooms, c.userID)
	}
	connectionGauge.Dec()
}

// PushKline fans a candle update out to the listed clients. Saturated client
// queues drop the frame; candle updates are idempotent replacements.
func (h *Hub) PushKline(clientIDs []string, update market.KlineUpdate) {
	frame := ServerFrame{Event: EventKlineUpdate, Data: update}

	h.mtx.RLock()
	targets := make([]*Client, 0, len(clientIDs))
	for _, id := range clientIDs {
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mtx.RUnlock()

	for _, c := range targets {
		if !c.trySend(frame) {
			droppedFrames.WithLabelValues(EventKlineUpdate).Inc()
		}
	}
}

// PushKlineError reports a subscription failure to one client.
func (h *Hub) PushKlineError(clientID string, message string) {
	h.mtx.RLock()
	c, ok := h.clients[clientID]
	h.mtx.RUnlock()
	if !ok {
		return
	}
	if !c.trySend(ServerFrame{Event: EventKlineError, Data: klineError{Error: message}}) {
		droppedFrames.WithLabelValues(EventKlineError).Inc()
	}
}

// PushAlertTriggered delivers one trigger payload to every live session of a
// user. Unlike kline updates this send blocks until the client drains its
// queue or disconnects; the event must not be shed under backpressure.
func (h *Hub) PushAlertTriggered(userID int64, payload alert.TriggerPayload) {
	frame := ServerFrame{Event: EventAlertTriggered, Data: payload}

	h.mtx.RLock()
	targets := make([]*Client, 0, len(h.rooms[userID]))
	for c := range h.rooms[userID] {
		targets = append(targets, c)
	}
	h.mtx.RUnlock()

	if len(targets) == 0 {
		// no live session; the durable trigger record remains in the database
		h.logger.Debug().Int64("user", userID).Msg("alert trigger with no live session")
		return
	}
	for _, c := range targets {
		c.send(frame)
	}
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return len(h.clients)
}
