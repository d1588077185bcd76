package exchange

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coinpulse/alertfeed/market/types"
	"github.com/coinpulse/alertfeed/util"
)

const (
	// reconnect backoff bounds; each failed dial doubles the wait and a
	// healthy connection resets it.
	reconnectInitialBackoff = 5 * time.Second
	reconnectMaxBackoff     = 60 * time.Second
	reconnectJitterFraction = 0.25

	// healthyConnDuration is how long a connection must stay up before the
	// backoff progression restarts from the initial value.
	healthyConnDuration = 90 * time.Second

	// confirmationTimeout is the subscription-confirmation watchdog; a venue
	// that does not acknowledge within it forces a reconnect.
	confirmationTimeout = 10 * time.Second

	defaultReadTimeout  = 90 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

type (
	// MessageHandler defines a callback function for handling received
	// messages from a websocket connection.
	MessageHandler func(messageType int, bz []byte)

	// SubscriptionMessages returns the messages that (re)establish every
	// stream currently referenced on the adapter. Called on each connect so a
	// reconnect re-issues exactly the live subset.
	SubscriptionMessages func() []interface{}

	// WebsocketController defines a provider agnostic websocket handler that
	// manages one long-lived connection to a venue endpoint: dialing,
	// subscription framing, ping cadence, reconnection with exponential
	// backoff and jitter, and the subscription-confirmation watchdog.
	WebsocketController struct {
		parentCtx       context.Context
		exchange        types.ExchangeName
		websocketURL    url.URL
		subscriptionMsg SubscriptionMessages
		messageHandler  MessageHandler
		pingDuration    time.Duration
		pingMessage     []byte
		pingMessageType int
		logger          zerolog.Logger

		mtx       sync.Mutex
		conn      *websocket.Conn
		connCtx   context.Context
		connStop  context.CancelFunc
		closed    bool
		watchdogs map[string]*time.Timer
	}
)

// NewWebsocketController returns a stopped controller; StartConnections
// begins dialing.
func NewWebsocketController(
	ctx context.Context,
	exchange types.ExchangeName,
	websocketURL url.URL,
	subscriptionMsg SubscriptionMessages,
	messageHandler MessageHandler,
	pingDuration time.Duration,
	pingMessage []byte,
	pingMessageType int,
	logger zerolog.Logger,
) *WebsocketController {
	return &WebsocketController{
		parentCtx:       ctx,
		exchange:        exchange,
		websocketURL:    websocketURL,
		subscriptionMsg: subscriptionMsg,
		messageHandler:  messageHandler,
		pingDuration:    pingDuration,
		pingMessage:     pingMessage,
		pingMessageType: pingMessageType,
		logger:          logger,
		watchdogs:       make(map[string]*time.Timer),
	}
}

// StartConnections spawns the connection loop. The loop redials with
// exponential backoff until the parent context is cancelled or Close is
// called.
func (wsc *WebsocketController) StartConnections() {
	go wsc.run()
}

func (wsc *WebsocketController) run() {
	var backoff time.Duration
	for {
		if wsc.parentCtx.Err() != nil || wsc.isClosed() {
			return
		}

		connectedAt := time.Now()
		err := wsc.connectAndRead()
		if wsc.parentCtx.Err() != nil || wsc.isClosed() {
			return
		}
		if err != nil {
			wsc.logger.Err(err).Msg("websocket disconnected, reconnecting")
		}
		telemetryWebsocketReconnect(wsc.exchange)

		backoff = reconnectDelay(backoff, time.Since(connectedAt))
		wait := util.Jitter(backoff, reconnectJitterFraction)
		select {
		case <-time.After(wait):
		case <-wsc.parentCtx.Done():
			return
		}
	}
}

// reconnectDelay returns the wait before the next dial: the doubled previous
// delay capped at the maximum. A connection that stayed up past
// healthyConnDuration restarts the progression from the initial backoff.
func reconnectDelay(previous, connectedFor time.Duration) time.Duration {
	if previous <= 0 || connectedFor >= healthyConnDuration {
		return reconnectInitialBackoff
	}
	next := previous * 2
	if next > reconnectMaxBackoff {
		next = reconnectMaxBackoff
	}
	return next
}

// connectAndRead dials the venue, replays the current subscription messages
// and pumps inbound frames into the message handler until the connection
// drops.
func (wsc *WebsocketController) connectAndRead() error {
	dialer := websocket.Dialer{HandshakeTimeout: defaultWriteTimeout}
	conn, resp, err := dialer.DialContext(wsc.parentCtx, wsc.websocketURL.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrWebsocketDial, wsc.exchange, err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	connCtx, connStop := context.WithCancel(wsc.parentCtx)

	wsc.mtx.Lock()
	wsc.conn = conn
	wsc.connCtx = connCtx
	wsc.connStop = connStop
	wsc.mtx.Unlock()

	defer func() {
		connStop()
		wsc.mtx.Lock()
		if wsc.conn == conn {
			wsc.conn = nil
		}
		wsc.mtx.Unlock()
		conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	})

	for _, msg := range wsc.subscriptionMsg() {
		if err := wsc.SendJSON(msg); err != nil {
			return err
		}
	}

	if wsc.pingDuration != disabledPingDuration {
		go wsc.pingLoop(connCtx, conn)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		messageType, bz, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", types.ErrWebsocketRead, wsc.exchange, err)
		}
		if len(bz) > 0 {
			wsc.messageHandler(messageType, bz)
		}
	}
}

func (wsc *WebsocketController) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsc.pingDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wsc.mtx.Lock()
			if wsc.conn == conn {
				conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
				if err := conn.WriteMessage(wsc.pingMessageType, wsc.pingMessage); err != nil {
					wsc.logger.Err(err).Msg("failed to send ping")
				}
			}
			wsc.mtx.Unlock()
		}
	}
}

// SendJSON writes msg to the current connection. Writes are serialized; a
// missing connection is reported as a send error so callers can roll back.
func (wsc *WebsocketController) SendJSON(msg interface{}) error {
	wsc.mtx.Lock()
	defer wsc.mtx.Unlock()

	if wsc.conn == nil {
		return fmt.Errorf("%w: %s: no active connection", types.ErrWebsocketSend, wsc.exchange)
	}

	wsc.logger.Debug().Interface("msg", msg).Msg("sending websocket message")
	wsc.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := wsc.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrWebsocketSend, wsc.exchange, err)
	}
	return nil
}

// ExpectConfirmation arms the subscription watchdog for id. If Confirm is not
// called before the timeout the connection is forced down so the reconnect
// path can re-issue every live subscription.
func (wsc *WebsocketController) ExpectConfirmation(id string) {
	wsc.mtx.Lock()
	defer wsc.mtx.Unlock()

	if timer, ok := wsc.watchdogs[id]; ok {
		timer.Stop()
	}
	wsc.watchdogs[id] = time.AfterFunc(confirmationTimeout, func() {
		wsc.logger.Warn().Str("subscription", id).Msg("subscription unconfirmed, forcing reconnect")
		wsc.dropConnection()
	})
}

// Confirm disarms the watchdog for id.
func (wsc *WebsocketController) Confirm(id string) {
	wsc.mtx.Lock()
	defer wsc.mtx.Unlock()

	if timer, ok := wsc.watchdogs[id]; ok {
		timer.Stop()
		delete(wsc.watchdogs, id)
	}
}

// dropConnection closes the active connection, which unblocks the read loop
// and lets run() reconnect.
func (wsc *WebsocketController) dropConnection() {
	wsc.mtx.Lock()
	defer wsc.mtx.Unlock()

	if wsc.conn != nil {
		wsc.conn.Close()
		wsc.conn = nil
	}
	if wsc.connStop != nil {
		wsc.connStop()
	}
}

func (wsc *WebsocketController) isClosed() bool {
	wsc.mtx.Lock()
	defer wsc.mtx.Unlock()
	return wsc.closed
}

// Close permanently tears the controller down.
func (wsc *WebsocketController) Close() {
	wsc.mtx.Lock()
	wsc.closed = true
	for id, timer := range wsc.watchdogs {
		timer.Stop()
		delete(wsc.watchdogs, id)
	}
	conn := wsc.conn
	wsc.conn = nil
	stop := wsc.connStop
	wsc.mtx.Unlock()

	if conn != nil {
		conn.Close()
	}
	if stop != nil {
		stop()
	}
}
