package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type OverflowPolicy string

const (
	DropNewest OverflowPolicy = "drop_newest"
	DropOldest OverflowPolicy = "drop_oldest"
)

type HubConfig struct {
	DataBuffer   int
	StatusBuffer int
	Overflow     OverflowPolicy
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		DataBuffer:   256,
		StatusBuffer: 8,
		Overflow:     DropOldest,
	}
}

// Consumer is one downstream client attached to the relay. Quotes and
// status changes arrive on buffered channels that the client drains at its
// own pace; when a buffer is full the overflow policy decides what is lost.
type Consumer struct {
	ID string

	data     chan json.RawMessage
	status   chan Status
	done     chan struct{}
	closed   atomic.Bool
	dropped  atomic.Int64
	overflow OverflowPolicy

	dataListener   ListenerID
	statusListener ListenerID
}

func (c *Consumer) Data() <-chan json.RawMessage {
	return c.data
}

func (c *Consumer) Status() <-chan Status {
	return c.status
}

// Done is closed once the consumer is detached.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Consumer) pushQuote(quote json.RawMessage) {
	if c.closed.Load() {
		return
	}
	if !offer(c.data, quote, c.overflow) {
		c.dropped.Add(1)
	}
}

// Only the latest status matters, so older ones are always dropped first.
func (c *Consumer) pushStatus(status Status) {
	if c.closed.Load() {
		return
	}
	offer(c.status, status, DropOldest)
}

// offer never blocks. It reports false when a message was lost.
func offer[T any](ch chan T, v T, policy OverflowPolicy) bool {
	select {
	case ch <- v:
		return true
	default:
	}

	if policy != DropOldest {
		return false
	}

	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
	return false
}

type HubStats struct {
	ConnectionStats
	Consumers int   `json:"consumers"`
	Dropped   int64 `json:"dropped"`
}

// Hub is the downstream face of the relay: consumers attach, declare the
// symbols they care about and receive the relayed quote stream.
type Hub struct {
	conn   *Connection
	bridge *Bridge
	cfg    HubConfig
	logger *slog.Logger

	mutex     sync.RWMutex
	consumers map[string]*Consumer
	detached  atomic.Int64
}

func NewHub(conn *Connection, bridge *Bridge, cfg HubConfig, logger *slog.Logger) *Hub {
	def := DefaultHubConfig()
	if cfg.DataBuffer < 1 {
		cfg.DataBuffer = def.DataBuffer
	}
	if cfg.StatusBuffer < 1 {
		cfg.StatusBuffer = def.StatusBuffer
	}
	if cfg.Overflow != DropNewest && cfg.Overflow != DropOldest {
		cfg.Overflow = def.Overflow
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		conn:      conn,
		bridge:    bridge,
		cfg:       cfg,
		logger:    logger,
		consumers: make(map[string]*Consumer),
	}
}

// Attach registers a consumer. Its status channel already holds the current
// relay status.
func (h *Hub) Attach() *Consumer {
	c := &Consumer{
		ID:       uuid.NewString(),
		data:     make(chan json.RawMessage, h.cfg.DataBuffer),
		status:   make(chan Status, h.cfg.StatusBuffer),
		done:     make(chan struct{}),
		overflow: h.cfg.Overflow,
	}

	c.dataListener = h.bridge.AddDataListener(c.pushQuote)
	c.statusListener = h.bridge.AddStatusListener(c.pushStatus)

	h.mutex.Lock()
	h.consumers[c.ID] = c
	total := len(h.consumers)
	h.mutex.Unlock()

	h.logger.Info("Consumer attached", slog.String("consumer", c.ID), slog.Int("consumers", total))
	return c
}

// Detach removes the consumer and releases its symbols.
func (h *Hub) Detach(id string) error {
	h.mutex.Lock()
	c, ok := h.consumers[id]
	delete(h.consumers, id)
	total := len(h.consumers)
	h.mutex.Unlock()

	if !ok {
		return ErrUnknownConsumer
	}

	c.closed.Store(true)
	h.bridge.RemoveDataListener(c.dataListener)
	h.bridge.RemoveStatusListener(c.statusListener)
	close(c.done)
	h.detached.Add(c.dropped.Load())

	removed, err := h.conn.RemoveConsumer(id)
	h.logger.Info("Consumer detached",
		slog.String("consumer", id),
		slog.Int("consumers", total),
		slog.Any("released", removed),
		slog.Int64("dropped", c.dropped.Load()))
	return err
}

func (h *Hub) Subscribe(id string, symbols []string) ([]string, error) {
	if !h.known(id) {
		return nil, ErrUnknownConsumer
	}
	return h.conn.Subscribe(id, symbols)
}

func (h *Hub) Unsubscribe(id string, symbols []string) ([]string, error) {
	if !h.known(id) {
		return nil, ErrUnknownConsumer
	}
	return h.conn.Unsubscribe(id, symbols)
}

func (h *Hub) known(id string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	_, ok := h.consumers[id]
	return ok
}

func (h *Hub) Stats() HubStats {
	h.mutex.RLock()
	consumers := len(h.consumers)
	dropped := h.detached.Load()
	for _, c := range h.consumers {
		dropped += c.dropped.Load()
	}
	h.mutex.RUnlock()

	return HubStats{
		ConnectionStats: h.conn.Stats(),
		Consumers:       consumers,
		Dropped:         dropped,
	}
}

func (h *Hub) ActiveSpikes() map[string]Spike {
	return h.conn.Spikes().Active()
}
