package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bagoltermann/momentum-trader-charting/internal/circuitbreaker"
	"github.com/bagoltermann/momentum-trader-charting/internal/fetcher"
	"github.com/bagoltermann/momentum-trader-charting/internal/healthcheck"
	"github.com/bagoltermann/momentum-trader-charting/internal/marketdata"
	"github.com/bagoltermann/momentum-trader-charting/internal/relay"
)

const DefaultTimeframe = marketdata.Timeframe1m

var errRelayDisabled = errors.New("handler: quote relay is disabled")

// DataSource is the cached, breaker-guarded view of the upstream API.
type DataSource interface {
	Fetch(ctx context.Context, symbol string, tf marketdata.Timeframe) (*fetcher.Result, error)
	Status() fetcher.Status
}

type API struct {
	logger *slog.Logger
	source DataSource
	hub    *relay.Hub
	peer   *healthcheck.Target
	ws     wsSettings
}

type Option func(*API)

// WithRelay enables the relay endpoints. Without it they answer 503.
func WithRelay(hub *relay.Hub) Option {
	return func(a *API) {
		a.hub = hub
	}
}

// WithPeerTarget reports the peer health probe in /api/health.
func WithPeerTarget(target *healthcheck.Target) Option {
	return func(a *API) {
		a.peer = target
	}
}

func NewAPI(logger *slog.Logger, source DataSource, opts ...Option) *API {
	if logger == nil {
		logger = slog.Default()
	}

	a := &API{
		logger: logger,
		source: source,
		ws:     defaultWSSettings(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register mounts every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", a.health)
	mux.HandleFunc("GET /api/candles/{symbol}", a.candles)
	mux.HandleFunc("GET /api/quote/{symbol}", a.quote)
	mux.HandleFunc("GET /api/relay/stats", a.relayStats)
	mux.HandleFunc("GET /api/relay/spikes", a.relaySpikes)
	mux.HandleFunc("GET /ws/quotes", a.serveQuotes)
}

type healthResponse struct {
	Status   string                    `json:"status"`
	Upstream fetcher.Status            `json:"upstream"`
	Relay    *relay.HubStats           `json:"relay,omitempty"`
	Peer     *healthcheck.TargetStatus `json:"peer,omitempty"`
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Upstream: a.source.Status(),
	}
	if resp.Upstream.Breaker.State != circuitbreaker.StateClosed.String() {
		resp.Status = "degraded"
	}
	if a.hub != nil {
		stats := a.hub.Stats()
		resp.Relay = &stats
	}
	if a.peer != nil {
		status := a.peer.Status()
		resp.Peer = &status
	}

	writeJSON(w, http.StatusOK, resp)
}

type candlesResponse struct {
	Symbol    string              `json:"symbol"`
	Timeframe string              `json:"timeframe"`
	Source    string              `json:"source"`
	Candles   []marketdata.Candle `json:"candles"`
}

func (a *API) candles(w http.ResponseWriter, r *http.Request) {
	tf := marketdata.Timeframe(r.URL.Query().Get("timeframe"))
	if tf == "" {
		tf = DefaultTimeframe
	}
	if tf == marketdata.TimeframeQuote {
		writeError(w, http.StatusBadRequest, fetcher.ErrInvalidTimeframe)
		return
	}

	res, err := a.source.Fetch(r.Context(), r.PathValue("symbol"), tf)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	candles := res.Candles
	if candles == nil {
		candles = []marketdata.Candle{}
	}
	writeJSON(w, http.StatusOK, candlesResponse{
		Symbol:    res.Symbol,
		Timeframe: string(res.Timeframe),
		Source:    res.Source,
		Candles:   candles,
	})
}

type quoteResponse struct {
	Symbol string            `json:"symbol"`
	Source string            `json:"source"`
	Quote  *marketdata.Quote `json:"quote"`
}

func (a *API) quote(w http.ResponseWriter, r *http.Request) {
	res, err := a.source.Fetch(r.Context(), r.PathValue("symbol"), marketdata.TimeframeQuote)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, quoteResponse{
		Symbol: res.Symbol,
		Source: res.Source,
		Quote:  res.Quote,
	})
}

func (a *API) relayStats(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, http.StatusServiceUnavailable, errRelayDisabled)
		return
	}
	writeJSON(w, http.StatusOK, a.hub.Stats())
}

func (a *API) relaySpikes(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, http.StatusServiceUnavailable, errRelayDisabled)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spikes": a.hub.ActiveSpikes()})
}

// fail maps fetch errors onto status codes. Unavailable data is a 503 so
// callers can tell it apart from bad input.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fetcher.ErrInvalidSymbol), errors.Is(err, fetcher.ErrInvalidTimeframe):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, fetcher.ErrUnavailable):
		a.logger.Warn("Market data unavailable",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		a.logger.Error("Request failed", slog.String("path", r.URL.Path), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	r.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// LogRequests logs every request with its status and duration.
func LogRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		logger.Info("Handled request",
			slog.String("from", extractClientIP(r)),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", wrapped.statusCode),
			slog.Duration("duration", time.Since(start)),
			slog.String("user_agent", r.UserAgent()))
	})
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
