package healthcheck

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bagoltermann/momentum-trader-charting/internal/metrics"
)

const DefaultTimeout = 5 * time.Second

type options struct {
	client *http.Client
	events chan<- metrics.MetricEvent
}

type Option func(*options)

func WithClient(client *http.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithMetrics publishes a peer health event after every probe.
func WithMetrics(events chan<- metrics.MetricEvent) Option {
	return func(o *options) {
		o.events = events
	}
}

// HealthCheck probes target right away and then every interval until ctx is
// cancelled. A target is healthy while it answers 200.
func HealthCheck(
	ctx context.Context,
	target *Target,
	interval time.Duration,
	logger *slog.Logger,
	opts ...Option,
) {
	o := options{
		client: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(&o)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		probe(ctx, o, target, logger)

		select {
		case <-ctx.Done():
			logger.Info("Health check stopped",
				slog.String("target", target.URL().String()))
			return

		case <-ticker.C:
		}
	}
}

func probe(ctx context.Context, o options, target *Target, logger *slog.Logger) {
	err := check(ctx, o.client, target.URL().String())
	if ctx.Err() != nil {
		return
	}

	healthy := err == nil
	changed := target.SetHealthy(healthy, err)
	metrics.Publish(o.events, metrics.MetricEvent{Type: metrics.EventPeerHealth, Healthy: healthy})

	if changed {
		if healthy {
			logger.Info("Peer is up",
				slog.String("target", target.URL().String()))
		} else {
			logger.Warn("Peer is down",
				slog.String("target", target.URL().String()),
				slog.String("error", err.Error()))
		}
	}
}

func check(ctx context.Context, client *http.Client, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	return nil
}
