package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/coinpulse/alertfeed/market/types"
)

const (
	MessageTypeCandle = MessageType("candle")
	MessageTypeTicker = MessageType("ticker")
)

type (
	MessageType string
)

// String cast MessageType to string.
func (mt MessageType) String() string {
	return string(mt)
}

var (
	websocketMessageCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alertfeed",
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Decoded upstream websocket messages by exchange and type.",
		},
		[]string{"exchange", "type"},
	)

	websocketReconnectCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alertfeed",
			Subsystem: "websocket",
			Name:      "reconnects_total",
			Help:      "Upstream websocket reconnect attempts by exchange.",
		},
		[]string{"exchange"},
	)

	websocketSubscribeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alertfeed",
			Subsystem: "websocket",
			Name:      "subscriptions_total",
			Help:      "Upstream stream subscribe operations by exchange.",
		},
		[]string{"exchange"},
	)
)

// telemetryWebsocketMessage counts a decoded upstream message.
func telemetryWebsocketMessage(n types.ExchangeName, mt MessageType) {
	websocketMessageCounter.WithLabelValues(n.String(), mt.String()).Inc()
}

// telemetryWebsocketReconnect counts a reconnect attempt.
func telemetryWebsocketReconnect(n types.ExchangeName) {
	websocketReconnectCounter.WithLabelValues(n.String()).Inc()
}

// telemetryWebsocketSubscribe counts an upstream subscribe operation.
func telemetryWebsocketSubscribe(n types.ExchangeName) {
	websocketSubscribeCounter.WithLabelValues(n.String()).Inc()
}
