package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultPingInterval     = 30 * time.Second
	DefaultPongTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	maxMessageSize = 64 * 1024
)

type WSDialerConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
}

// WSDialer connects to the peer's quote stream over a WebSocket carrying
// JSON envelopes.
type WSDialer struct {
	url    string
	cfg    WSDialerConfig
	dialer websocket.Dialer
}

func NewWSDialer(cfg WSDialerConfig) *WSDialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	return &WSDialer{
		// localhost may resolve to ::1 while the peer only binds IPv4.
		url: strings.Replace(cfg.URL, "localhost", "127.0.0.1", 1),
		cfg: cfg,
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

func (d *WSDialer) URL() string {
	return d.url
}

func (d *WSDialer) Dial(ctx context.Context) (PeerConn, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", d.url, err)
	}

	p := &wsPeer{
		conn: conn,
		cfg:  d.cfg,
		stop: make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(d.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.cfg.PongTimeout))
	})

	go p.pingLoop()
	return p, nil
}

type wsPeer struct {
	conn      *websocket.Conn
	cfg       WSDialerConfig
	writeMu   sync.Mutex
	stop      chan struct{}
	closeOnce sync.Once
}

func (p *wsPeer) ReadEnvelope() (Envelope, error) {
	var env Envelope
	if err := p.conn.ReadJSON(&env); err != nil {
		return Envelope{}, err
	}
	p.conn.SetReadDeadline(time.Now().Add(p.cfg.PongTimeout))
	return env, nil
}

func (p *wsPeer) WriteEnvelope(env Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	return p.conn.WriteJSON(env)
}

func (p *wsPeer) pingLoop() {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(p.cfg.WriteTimeout)
			if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-p.stop:
			return
		}
	}
}

func (p *wsPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		deadline := time.Now().Add(time.Second)
		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = p.conn.Close()
	})
	return err
}
