package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bagoltermann/momentum-trader-charting/internal/relay"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	MessageQuote        = "quote"
	MessageStatus       = "status"
	MessageSubscribed   = "subscribed"
	MessageUnsubscribed = "unsubscribed"
	MessageError        = "error"

	maxClientMessage = 4096
	replyBuffer      = 16
)

type wsSettings struct {
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	upgrader   websocket.Upgrader
}

func defaultWSSettings() wsSettings {
	return wsSettings{
		writeWait:  10 * time.Second,
		pongWait:   60 * time.Second,
		pingPeriod: 54 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// WithWebSocketTimeouts overrides the downstream keepalive. pingPeriod
// must be shorter than pongWait.
func WithWebSocketTimeouts(writeWait, pongWait, pingPeriod time.Duration) Option {
	return func(a *API) {
		if writeWait > 0 {
			a.ws.writeWait = writeWait
		}
		if pongWait > 0 {
			a.ws.pongWait = pongWait
		}
		if pingPeriod > 0 && pingPeriod < a.ws.pongWait {
			a.ws.pingPeriod = pingPeriod
		}
	}
}

type clientMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

type serverMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Connected *bool           `json:"connected,omitempty"`
	Symbols   []string        `json:"symbols,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type wsClient struct {
	conn     *websocket.Conn
	consumer *relay.Consumer
	hub      *relay.Hub
	settings wsSettings
	replies  chan serverMessage
	closed   chan struct{}
	logger   *slog.Logger
}

func (a *API) serveQuotes(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, http.StatusServiceUnavailable, errRelayDisabled)
		return
	}

	conn, err := a.ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	consumer := a.hub.Attach()
	c := &wsClient{
		conn:     conn,
		consumer: consumer,
		hub:      a.hub,
		settings: a.ws,
		replies:  make(chan serverMessage, replyBuffer),
		closed:   make(chan struct{}),
		logger:   a.logger.With(slog.String("consumer", consumer.ID)),
	}

	go c.writePump()
	c.readPump()
}

// readPump applies subscription requests until the client goes away, then
// detaches the consumer.
func (c *wsClient) readPump() {
	defer func() {
		if err := c.hub.Detach(c.consumer.ID); err != nil {
			c.logger.Debug("Detach reported an error", slog.String("error", err.Error()))
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxClientMessage)
	c.conn.SetReadDeadline(time.Now().Add(c.settings.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.settings.pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		if !c.reply(c.apply(msg)) {
			return
		}
	}
}

func (c *wsClient) apply(msg clientMessage) serverMessage {
	var (
		changed []string
		err     error
		kind    string
	)

	switch msg.Action {
	case ActionSubscribe:
		kind = MessageSubscribed
		changed, err = c.hub.Subscribe(c.consumer.ID, msg.Symbols)
	case ActionUnsubscribe:
		kind = MessageUnsubscribed
		changed, err = c.hub.Unsubscribe(c.consumer.ID, msg.Symbols)
	default:
		return serverMessage{Type: MessageError, Error: "unknown action " + msg.Action}
	}

	// The registry change stands even if forwarding failed; it is replayed
	// on reconnect.
	if err != nil {
		c.logger.Warn("Subscription change not forwarded",
			slog.String("action", msg.Action),
			slog.String("error", err.Error()))
	}
	return serverMessage{Type: kind, Symbols: changed}
}

func (c *wsClient) reply(msg serverMessage) bool {
	select {
	case c.replies <- msg:
		return true
	case <-c.closed:
		return false
	}
}

// writePump is the only writer on the connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.settings.pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.closed)
		c.conn.Close()
	}()

	for {
		var msg serverMessage

		select {
		case quote := <-c.consumer.Data():
			msg = serverMessage{Type: MessageQuote, Data: quote}
		case status := <-c.consumer.Status():
			connected := status.Connected
			msg = serverMessage{Type: MessageStatus, Connected: &connected}
		case msg = <-c.replies:
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.writeWait)); err != nil {
				return
			}
			continue
		case <-c.consumer.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.settings.writeWait))
			return
		}

		c.conn.SetWriteDeadline(time.Now().Add(c.settings.writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			c.logger.Debug("WebSocket write failed", slog.String("error", err.Error()))
			return
		}
	}
}
