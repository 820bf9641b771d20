package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventFetchCompleted   EventType = "fetch_completed"
	EventUpstreamResponse EventType = "upstream_response"
	EventAdmissionTimeout EventType = "admission_timeout"
	EventBreakerRejected  EventType = "breaker_rejected"
	EventQuoteRelayed     EventType = "quote_relayed"
	EventRelayStatus      EventType = "relay_status"
	EventPeerHealth       EventType = "peer_health"
)

// Source values for EventFetchCompleted.
const (
	SourceCache    = "cache"
	SourceUpstream = "upstream"
	SourceNone     = "none"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Symbol     string
	Timeframe  string
	Source     string
	Duration   time.Duration
	StatusCode int
	Attempts   int
	Healthy    bool
}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	logger  *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Publish sends event without blocking. It reports false when ch is nil or
// full and the event was dropped.
func Publish(ch chan<- MetricEvent, event MetricEvent) bool {
	if ch == nil {
		return false
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventFetchCompleted:
		c.metrics.RecordFetch(event.Timeframe, event.Source, event.Attempts)

	case EventUpstreamResponse:
		c.metrics.RecordUpstream(event.Duration, event.StatusCode)

	case EventAdmissionTimeout:
		c.metrics.IncrementAdmissionTimeouts()

	case EventBreakerRejected:
		c.metrics.IncrementBreakerRejects()

	case EventQuoteRelayed:
		c.metrics.IncrementQuotesRelayed()

	case EventRelayStatus:
		c.metrics.UpdateRelayStatus(event.Healthy)

	case EventPeerHealth:
		c.metrics.UpdatePeerHealth(event.Healthy)

	default:
		c.logger.Debug("Unknown metric event", slog.String("type", string(event.Type)))
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
