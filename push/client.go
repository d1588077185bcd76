package push

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coinpulse/alertfeed/market/types"
)

// Client->server event names.
const (
	eventAuth             = "auth"
	eventSubscribeKline   = "subscribe-kline"
	eventUnsubscribeKline = "unsubscribe-kline"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	authWait       = 10 * time.Second
	alertSendGrace = 5 * time.Second
	maxMessageSize = 4 << 10
	sendQueueSize  = 256
)

type (
	// ClientFrame is the envelope of every client->server message.
	ClientFrame struct {
		Event        string `json:"event"`
		Token        string `json:"token,omitempty"`
		Exchange     string `json:"exchange,omitempty"`
		Symbol       string `json:"symbol,omitempty"`
		Interval     string `json:"interval,omitempty"`
		ExchangeType string `json:"exchangeType,omitempty"`
	}

	// Client is one authenticated push session. Its lifetime is bounded by
	// the connection; subscriptions die with it.
	Client struct {
		id     string
		userID int64
		logger zerolog.Logger

		hub  *Hub
		subs Subscriptions
		conn *websocket.Conn

		out       chan ServerFrame
		done      chan struct{}
		closeOnce sync.Once
	}
)

// Handler upgrades push connections, runs the credential handshake, and
// hands the session to its read and write pumps. The bearer credential comes
// from the Authorization header or, failing that, the first auth frame.
func Handler(
	logger zerolog.Logger,
	hub *Hub,
	subs Subscriptions,
	auth *Authenticator,
	checkOrigin func(r *http.Request) bool,
) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}

		userID, err := handshake(conn, r, auth)
		if err != nil {
			//nolint:errcheck // the connection is going away either way
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ErrAuth.Error()),
				time.Now().Add(writeWait),
			)
			conn.Close()
			return
		}

		c := &Client{
			id:     uuid.NewString(),
			userID: userID,
			logger: logger.With().Str("module", "push-client").Int64("user", userID).Logger(),
			hub:    hub,
			subs:   subs,
			conn:   conn,
			out:    make(chan ServerFrame, sendQueueSize),
			done:   make(chan struct{}),
		}
		hub.register(c)
		c.logger.Debug().Str("client", c.id).Msg("push session opened")

		go c.writePump()
		go c.readPump()
	}
}

// handshake resolves the user identity from the Authorization header or the
// first frame.
func handshake(conn *websocket.Conn, r *http.Request, auth *Authenticator) (int64, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		return auth.UserID(header)
	}

	if err := conn.SetReadDeadline(time.Now().Add(authWait)); err != nil {
		return 0, err
	}
	_, bz, err := conn.ReadMessage()
	if err != nil {
		return 0, ErrAuth
	}
	var frame ClientFrame
	if err := json.Unmarshal(bz, &frame); err != nil || frame.Event != eventAuth {
		return 0, ErrAuth
	}
	return auth.UserID(frame.Token)
}

// close tears the session down exactly once: the connection, the pumps, the
// hub registration, and every subscription the session held.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.hub.unregister(c)
		c.subs.DisconnectClient(c.id)
		c.logger.Debug().Str("client", c.id).Msg("push session closed")
	})
}

// trySend enqueues a frame without blocking; a saturated queue sheds it.
func (c *Client) trySend(frame ServerFrame) bool {
	select {
	case c.out <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// send enqueues a frame, waiting for queue space up to a short grace. Used
// for events that must not be shed while the connection is alive.
func (c *Client) send(frame ServerFrame) {
	timer := time.NewTimer(alertSendGrace)
	defer timer.Stop()

	select {
	case c.out <- frame:
	case <-c.done:
	case <-timer.C:
		c.logger.Warn().Str("event", frame.Event).Msg("dropping frame on stalled session")
	}
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	//nolint:errcheck // deadline errors surface on the next read
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, bz, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read pump terminated")
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(bz, &frame); err != nil {
			c.trySend(ServerFrame{Event: EventKlineError, Data: klineError{Error: "malformed frame"}})
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame ClientFrame) {
	switch frame.Event {
	case eventSubscribeKline, eventUnsubscribeKline:
		key, err := frame.subscriptionKey()
		if err != nil {
			c.trySend(ServerFrame{Event: EventKlineError, Data: klineError{Error: err.Error()}})
			return
		}
		if frame.Event == eventSubscribeKline {
			//nolint:errcheck // the manager reports failures through PushKlineError
			c.subs.Subscribe(c.id, key)
			return
		}
		//nolint:errcheck // idempotent; missing entries are no-ops
		c.subs.Unsubscribe(c.id, key)
	case eventAuth:
		// re-auth after the handshake is a no-op
	default:
		c.trySend(ServerFrame{Event: EventKlineError, Data: klineError{Error: "unknown event " + frame.Event}})
	}
}

// subscriptionKey validates and converts the frame's stream coordinates.
func (f ClientFrame) subscriptionKey() (types.SubscriptionKey, error) {
	exchangeName, err := types.ParseExchangeName(f.Exchange)
	if err != nil {
		return types.SubscriptionKey{}, err
	}
	interval, err := types.ParseInterval(f.Interval)
	if err != nil {
		return types.SubscriptionKey{}, err
	}
	market, err := types.ParseMarketType(f.ExchangeType)
	if err != nil {
		return types.SubscriptionKey{}, err
	}
	return types.SubscriptionKey{
		Exchange: exchangeName,
		Symbol:   f.Symbol,
		Interval: interval,
		Market:   market,
	}, nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.out:
			//nolint:errcheck // a failed deadline fails the write right after
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Debug().Err(err).Msg("write pump terminated")
				return
			}
		case <-ticker.C:
			//nolint:errcheck
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
