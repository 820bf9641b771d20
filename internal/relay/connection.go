package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bagoltermann/momentum-trader-charting/internal/metrics"
)

const DefaultReconnectDelay = 5 * time.Second

type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type ConnectionConfig struct {
	// PeerURL is reported in Stats only; the Dialer decides where to connect.
	PeerURL        string
	ReconnectDelay time.Duration
}

type ConnectionStats struct {
	Connected     bool     `json:"connected"`
	State         string   `json:"state"`
	Symbols       []string `json:"symbols"`
	QuotesRelayed int64    `json:"quotes_relayed"`
	PeerURL       string   `json:"trader_url"`
	UptimeSeconds float64  `json:"uptime_seconds"`
}

// Connection keeps one long-lived session with the peer application. It
// redials at a fixed delay for as long as it runs and replays the desired
// symbol set after every connect.
type Connection struct {
	dialer   Dialer
	registry *Registry
	bridge   *Bridge
	spikes   *SpikeStore
	cfg      ConnectionConfig
	events   chan<- metrics.MetricEvent
	logger   *slog.Logger

	// mutex guards state and peer, and serializes registry changes with
	// the replay that follows a connect.
	mutex sync.Mutex
	state ConnState
	peer  PeerConn

	quotesRelayed atomic.Int64
	startedAt     time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type ConnectionOption func(*Connection)

func WithSpikeStore(spikes *SpikeStore) ConnectionOption {
	return func(c *Connection) {
		c.spikes = spikes
	}
}

func WithMetrics(events chan<- metrics.MetricEvent) ConnectionOption {
	return func(c *Connection) {
		c.events = events
	}
}

func NewConnection(dialer Dialer, registry *Registry, bridge *Bridge, cfg ConnectionConfig, logger *slog.Logger, opts ...ConnectionOption) *Connection {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		dialer:   dialer,
		registry: registry,
		bridge:   bridge,
		cfg:      cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.spikes == nil {
		c.spikes = NewSpikeStore(DefaultSpikeExpiry, nil)
	}

	return c
}

// Start launches the connection goroutine. Later calls do nothing.
func (c *Connection) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.startedAt = time.Now()
		c.logger.Info("Quote relay starting", slog.String("peer", c.cfg.PeerURL))
		go c.run(ctx)
	})
}

// Stop ends the session and waits for the connection goroutine to exit.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		// Never started: nothing will close done.
		c.startOnce.Do(func() { close(c.done) })
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done
		c.logger.Info("Quote relay stopped", slog.Int64("quotes_relayed", c.quotesRelayed.Load()))
	})
}

func (c *Connection) State() ConnState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// Subscribe adds interest for consumer and, when connected, forwards the
// symbols that became desired. Returns those symbols.
func (c *Connection) Subscribe(consumer string, symbols []string) ([]string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	added := c.registry.Add(consumer, symbols)
	return added, c.forward(EventSubscribe, added)
}

// Unsubscribe drops interest for consumer and, when connected, forwards the
// symbols nobody wants any more.
func (c *Connection) Unsubscribe(consumer string, symbols []string) ([]string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	removed := c.registry.Remove(consumer, symbols)
	return removed, c.forward(EventUnsubscribe, removed)
}

func (c *Connection) RemoveConsumer(consumer string) ([]string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	removed := c.registry.RemoveConsumer(consumer)
	return removed, c.forward(EventUnsubscribe, removed)
}

// forward must be called with the mutex held. While disconnected the change
// waits for the next replay.
func (c *Connection) forward(event string, symbols []string) error {
	if len(symbols) == 0 || c.state != StateConnected || c.peer == nil {
		return nil
	}

	env, err := symbolsEnvelope(event, symbols)
	if err != nil {
		return err
	}
	if err := c.peer.WriteEnvelope(env); err != nil {
		c.logger.Warn("Failed to forward subscription change",
			slog.String("event", event),
			slog.Any("symbols", symbols),
			slog.String("error", err.Error()))
		return errors.Join(ErrConnectionLost, err)
	}

	c.logger.Debug("Forwarded subscription change", slog.String("event", event), slog.Any("symbols", symbols))
	return nil
}

func (c *Connection) Stats() ConnectionStats {
	c.mutex.Lock()
	state := c.state
	c.mutex.Unlock()

	var uptime float64
	if !c.startedAt.IsZero() {
		uptime = time.Since(c.startedAt).Seconds()
	}

	return ConnectionStats{
		Connected:     state == StateConnected,
		State:         state.String(),
		Symbols:       c.registry.Desired(),
		QuotesRelayed: c.quotesRelayed.Load(),
		PeerURL:       c.cfg.PeerURL,
		UptimeSeconds: uptime,
	}
}

func (c *Connection) Spikes() *SpikeStore {
	return c.spikes
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		peer, err := c.dialer.Dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			c.logger.Warn("Quote relay connect failed",
				slog.String("peer", c.cfg.PeerURL),
				slog.Duration("retry_in", c.cfg.ReconnectDelay),
				slog.String("error", err.Error()))
			if !c.wait(ctx) {
				return
			}
			continue
		}

		if err := c.onConnect(peer); err != nil {
			c.logger.Warn("Quote relay replay failed", slog.String("error", err.Error()))
		} else {
			err = c.readLoop(ctx, peer)
		}

		c.onDisconnect(err)
		peer.Close()

		if !c.wait(ctx) {
			return
		}
	}
}

func (c *Connection) onConnect(peer PeerConn) error {
	c.mutex.Lock()
	c.peer = peer
	c.state = StateConnected

	var err error
	desired := c.registry.Desired()
	if len(desired) > 0 {
		var env Envelope
		env, err = symbolsEnvelope(EventSubscribe, desired)
		if err == nil {
			err = peer.WriteEnvelope(env)
		}
	}
	c.mutex.Unlock()

	c.logger.Info("Connected to quote peer",
		slog.String("peer", c.cfg.PeerURL),
		slog.Int("symbols", len(desired)))
	c.bridge.DispatchStatus(NewStatus(true))
	metrics.Publish(c.events, metrics.MetricEvent{Type: metrics.EventRelayStatus, Healthy: true})

	return err
}

func (c *Connection) onDisconnect(cause error) {
	c.mutex.Lock()
	wasConnected := c.state == StateConnected
	c.peer = nil
	c.state = StateDisconnected
	c.mutex.Unlock()

	if !wasConnected {
		return
	}

	attrs := []any{slog.String("peer", c.cfg.PeerURL)}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	c.logger.Info("Disconnected from quote peer", attrs...)
	c.bridge.DispatchStatus(NewStatus(false))
	metrics.Publish(c.events, metrics.MetricEvent{Type: metrics.EventRelayStatus, Healthy: false})
}

func (c *Connection) readLoop(ctx context.Context, peer PeerConn) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			peer.Close()
		case <-stop:
		}
	}()

	for {
		env, err := peer.ReadEnvelope()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Join(ErrConnectionLost, err)
		}
		c.handle(env)
	}
}

func (c *Connection) handle(env Envelope) {
	switch env.Event {
	case EventQuoteUpdate:
		c.quotesRelayed.Add(1)
		c.bridge.DispatchQuote(env.Data)
		metrics.Publish(c.events, metrics.MetricEvent{Type: metrics.EventQuoteRelayed})

	case EventVolumeSpike:
		if spike, ok := c.spikes.Record(env.Data); ok {
			c.logger.Info("Volume spike",
				slog.String("symbol", spike.Symbol),
				slog.String("ratio", spike.Ratio.String()))
		}

	case EventSubscribeResponse, EventUnsubscribeResponse:
		c.logger.Debug("Peer acknowledged subscription", slog.String("event", env.Event), slog.String("data", string(env.Data)))

	default:
		c.logger.Debug("Ignoring peer event", slog.String("event", env.Event))
	}
}

func (c *Connection) setState(state ConnState) {
	c.mutex.Lock()
	c.state = state
	c.mutex.Unlock()
}

// wait sleeps for the reconnect delay. It reports false once ctx is done.
func (c *Connection) wait(ctx context.Context) bool {
	timer := time.NewTimer(c.cfg.ReconnectDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
