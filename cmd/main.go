package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/bagoltermann/momentum-trader-charting/config"
	"github.com/bagoltermann/momentum-trader-charting/internal/cache"
	"github.com/bagoltermann/momentum-trader-charting/internal/circuitbreaker"
	"github.com/bagoltermann/momentum-trader-charting/internal/executor"
	"github.com/bagoltermann/momentum-trader-charting/internal/fetcher"
	"github.com/bagoltermann/momentum-trader-charting/internal/handler"
	"github.com/bagoltermann/momentum-trader-charting/internal/healthcheck"
	"github.com/bagoltermann/momentum-trader-charting/internal/httpserver"
	"github.com/bagoltermann/momentum-trader-charting/internal/marketdata"
	"github.com/bagoltermann/momentum-trader-charting/internal/metrics"
	"github.com/bagoltermann/momentum-trader-charting/internal/relay"
	"github.com/bagoltermann/momentum-trader-charting/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.AddSource, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	collector := metrics.NewCollector(cfg.Metrics.BufferSize, logger.Component(log, "metrics"))
	collector.Start(ctx)

	exec := newExecutor(cfg, log)
	exec.Start()

	dataFetcher, err := newFetcher(cfg, log, exec, collector.EventChannel())
	if err != nil {
		log.Error("Failed to create market data fetcher", slog.Any("err", err))
		os.Exit(1)
	}

	opts := []handler.Option{}

	var conn *relay.Connection
	if cfg.Relay.Enabled {
		var hub *relay.Hub
		conn, hub = newRelay(cfg, log, collector.EventChannel())
		conn.Start(ctx)
		opts = append(opts, handler.WithRelay(hub))

		target, err := startPeerHealthCheck(ctx, cfg, log, collector.EventChannel())
		if err != nil {
			log.Error("Failed to start peer health check", slog.Any("err", err))
			os.Exit(1)
		}
		opts = append(opts, handler.WithPeerTarget(target))
	}

	api := handler.NewAPI(logger.Component(log, "api"), dataFetcher, opts...)

	srv, err := httpserver.New(cfg.Server.Address,
		handler.LogRequests(logger.Component(log, "http"), setupRouter(api, collector)),
		httpserver.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, 0),
		httpserver.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)

	go func() {
		log.Info("Market data layer listening",
			slog.String("addr", srv.Addr()),
			slog.Bool("relay", cfg.Relay.Enabled))
		srvErrCh <- srv.Start()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting server", slog.Any("err", err))
			exitCode = 1
		}
	}

	if conn != nil {
		conn.Stop()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := exec.Shutdown(shutdownCtx); err != nil {
		log.Warn("Request executor did not stop in time", slog.Any("err", err))
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func newExecutor(cfg *config.Config, log *slog.Logger) *executor.Executor {
	return executor.New(executor.Config{
		Workers:           cfg.Executor.Workers,
		AdmissionCapacity: cfg.Executor.AdmissionCapacity,
		AdmissionTimeout:  cfg.Executor.AdmissionTimeout,
		CallDeadline:      cfg.Executor.CallDeadline,
		Completion:        executor.CompletionMode(cfg.Executor.Completion),
		PollInterval:      cfg.Executor.PollInterval,
	}, logger.Component(log, "executor"))
}

// newTokenSource prefers an inline token over the token file.
func newTokenSource(cfg config.UpstreamConfig) marketdata.TokenSource {
	if cfg.Token != "" {
		return marketdata.StaticToken(cfg.Token)
	}
	return marketdata.NewFileTokenStore(cfg.TokenFile, cfg.TokenTTL)
}

func newFetcher(cfg *config.Config, log *slog.Logger, exec *executor.Executor, events chan<- metrics.MetricEvent) (*fetcher.Fetcher, error) {
	client, err := marketdata.NewClient(
		cfg.Upstream.BaseURL,
		newTokenSource(cfg.Upstream),
		cfg.Upstream.Timeout,
		logger.Component(log, "marketdata"),
	)
	if err != nil {
		return nil, err
	}

	breaker := circuitbreaker.NewCircuitBreaker(
		cfg.Breaker.FailureThreshold,
		cfg.Breaker.Cooldown,
		circuitbreaker.WithLogger(logger.Component(log, "circuitbreaker")),
	)

	return fetcher.New(
		client,
		breaker,
		exec,
		cache.New[string, []marketdata.Candle](cfg.Cache.CandleTTL),
		cache.New[string, *marketdata.Quote](cfg.Cache.QuoteTTL),
		fetcher.WithMaxAttempts(cfg.Retry.MaxAttempts),
		fetcher.WithBackoff(cfg.Retry.BaseDelay, cfg.Retry.MaxBackoff),
		fetcher.WithMetrics(events),
		fetcher.WithLogger(logger.Component(log, "fetcher")),
	), nil
}

func newRelay(cfg *config.Config, log *slog.Logger, events chan<- metrics.MetricEvent) (*relay.Connection, *relay.Hub) {
	relayLog := logger.Component(log, "relay")

	dialer := relay.NewWSDialer(relay.WSDialerConfig{
		URL:          cfg.Relay.PeerURL,
		PingInterval: cfg.Relay.PingInterval,
		PongTimeout:  cfg.Relay.PongTimeout,
	})

	bridge := relay.NewBridge(relayLog)
	conn := relay.NewConnection(dialer, relay.NewRegistry(), bridge, relay.ConnectionConfig{
		PeerURL:        cfg.Relay.PeerURL,
		ReconnectDelay: cfg.Relay.ReconnectDelay,
	}, relayLog,
		relay.WithSpikeStore(relay.NewSpikeStore(cfg.Relay.SpikeExpiry, nil)),
		relay.WithMetrics(events),
	)

	hubCfg := relay.DefaultHubConfig()
	hubCfg.DataBuffer = cfg.Relay.ConsumerBuffer
	hubCfg.Overflow = relay.OverflowPolicy(cfg.Relay.Overflow)

	return conn, relay.NewHub(conn, bridge, hubCfg, relayLog)
}

// startPeerHealthCheck probes the peer's status endpoint in the background
// so /api/health can report it.
func startPeerHealthCheck(ctx context.Context, cfg *config.Config, log *slog.Logger, events chan<- metrics.MetricEvent) (*healthcheck.Target, error) {
	u, err := url.Parse(cfg.HealthCheck.URL)
	if err != nil {
		return nil, err
	}

	target := healthcheck.NewTarget(u)
	go healthcheck.HealthCheck(ctx, target, cfg.HealthCheck.Interval, logger.Component(log, "healthcheck"),
		healthcheck.WithClient(&http.Client{Timeout: cfg.HealthCheck.Timeout}),
		healthcheck.WithMetrics(events),
	)
	return target, nil
}
