package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bagoltermann/momentum-trader-charting/internal/cache"
	"github.com/bagoltermann/momentum-trader-charting/internal/circuitbreaker"
	"github.com/bagoltermann/momentum-trader-charting/internal/executor"
	"github.com/bagoltermann/momentum-trader-charting/internal/marketdata"
	"github.com/bagoltermann/momentum-trader-charting/internal/metrics"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxBackoff  = 30 * time.Second

	SourceCache    = metrics.SourceCache
	SourceUpstream = metrics.SourceUpstream
)

// Upstream is the market-data REST API. Implementations return a fully
// decoded Response; a non-200 status is not an error.
type Upstream interface {
	PriceHistory(ctx context.Context, symbol string, tf marketdata.Timeframe) (*marketdata.Response, error)
	Quote(ctx context.Context, symbol string) (*marketdata.Response, error)
}

type CandleCache = cache.TTLCache[string, []marketdata.Candle]
type QuoteCache = cache.TTLCache[string, *marketdata.Quote]

type Result struct {
	Symbol    string               `json:"symbol"`
	Timeframe marketdata.Timeframe `json:"timeframe"`
	Candles   []marketdata.Candle  `json:"candles,omitempty"`
	Quote     *marketdata.Quote    `json:"quote,omitempty"`
	Source    string               `json:"source"`
}

type Fetcher struct {
	upstream    Upstream
	breaker     *circuitbreaker.CircuitBreaker
	exec        *executor.Executor
	candles     *CandleCache
	quotes      *QuoteCache
	maxAttempts int
	baseDelay   time.Duration
	maxBackoff  time.Duration
	sleep       func(context.Context, time.Duration) error
	events      chan<- metrics.MetricEvent
	logger      *slog.Logger
}

type Option func(*Fetcher)

func WithMaxAttempts(n int) Option {
	return func(f *Fetcher) {
		f.maxAttempts = n
	}
}

func WithBackoff(base, maxDelay time.Duration) Option {
	return func(f *Fetcher) {
		f.baseDelay = base
		f.maxBackoff = maxDelay
	}
}

// WithSleeper replaces the wait between attempts, mainly for tests.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(f *Fetcher) {
		f.sleep = sleep
	}
}

func WithMetrics(events chan<- metrics.MetricEvent) Option {
	return func(f *Fetcher) {
		f.events = events
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

func New(upstream Upstream, breaker *circuitbreaker.CircuitBreaker, exec *executor.Executor, candles *CandleCache, quotes *QuoteCache, opts ...Option) *Fetcher {
	f := &Fetcher{
		upstream:    upstream,
		breaker:     breaker,
		exec:        exec,
		candles:     candles,
		quotes:      quotes,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxBackoff:  DefaultMaxBackoff,
		sleep:       sleepContext,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.maxAttempts < 1 {
		f.maxAttempts = DefaultMaxAttempts
	}
	if f.baseDelay <= 0 {
		f.baseDelay = DefaultBaseDelay
	}
	if f.maxBackoff < f.baseDelay {
		f.maxBackoff = f.baseDelay
	}

	return f
}

// Candles returns bars for symbol at a candle timeframe.
func (f *Fetcher) Candles(ctx context.Context, symbol string, tf marketdata.Timeframe) ([]marketdata.Candle, error) {
	if tf == marketdata.TimeframeQuote {
		return nil, fmt.Errorf("%w: %q is not a candle timeframe", ErrInvalidTimeframe, tf)
	}
	res, err := f.Fetch(ctx, symbol, tf)
	if err != nil {
		return nil, err
	}
	return res.Candles, nil
}

func (f *Fetcher) Quote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	res, err := f.Fetch(ctx, symbol, marketdata.TimeframeQuote)
	if err != nil {
		return nil, err
	}
	return res.Quote, nil
}

// Fetch serves symbol/tf from cache, or from upstream behind the circuit
// breaker and executor with bounded retries. Every failure is an
// *UnavailableError.
func (f *Fetcher) Fetch(ctx context.Context, symbol string, tf marketdata.Timeframe) (*Result, error) {
	symbol = marketdata.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, ErrInvalidSymbol
	}
	if !tf.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}

	key := cacheKey(symbol, tf)
	if res, ok := f.cached(symbol, tf, key); ok {
		f.publishFetch(symbol, tf, SourceCache, 0)
		return res, nil
	}

	if !f.breaker.CanExecute() {
		f.publish(metrics.MetricEvent{Type: metrics.EventBreakerRejected, Symbol: symbol, Timeframe: string(tf)})
		return nil, f.unavailable(symbol, tf, 0, ErrCircuitOpen)
	}

	var lastErr error
	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		if attempt > 0 && !f.breaker.CanExecute() {
			f.publish(metrics.MetricEvent{Type: metrics.EventBreakerRejected, Symbol: symbol, Timeframe: string(tf)})
			return nil, f.unavailable(symbol, tf, attempt, fmt.Errorf("%w: %w", ErrCircuitOpen, lastErr))
		}

		start := time.Now()
		resp, err := executor.Do(ctx, f.exec, func(ctx context.Context) (*marketdata.Response, error) {
			return f.call(ctx, symbol, tf)
		})

		retry, err := f.classify(ctx, resp, err, tf, time.Since(start))
		if err == nil {
			if ctx.Err() == nil {
				f.store(tf, key, resp)
			}
			f.publishFetch(symbol, tf, SourceUpstream, attempt+1)
			return &Result{
				Symbol:    symbol,
				Timeframe: tf,
				Candles:   resp.Candles,
				Quote:     resp.Quote,
				Source:    SourceUpstream,
			}, nil
		}
		if !retry {
			return nil, f.unavailable(symbol, tf, attempt+1, err)
		}
		lastErr = err

		if attempt+1 < f.maxAttempts {
			delay := f.backoff(attempt)
			f.logger.Warn("Upstream request failed, retrying",
				slog.String("symbol", symbol),
				slog.String("timeframe", string(tf)),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))

			if err := f.sleep(ctx, delay); err != nil {
				return nil, f.unavailable(symbol, tf, attempt+1, err)
			}
		}
	}

	return nil, f.unavailable(symbol, tf, f.maxAttempts, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr))
}

// classify records the attempt with the breaker and decides whether to
// retry. A nil error means resp carries usable data.
func (f *Fetcher) classify(ctx context.Context, resp *marketdata.Response, err error, tf marketdata.Timeframe, elapsed time.Duration) (bool, error) {
	switch {
	case err == nil:
	case errors.Is(err, executor.ErrAdmissionTimeout):
		f.breaker.ReleaseProbe()
		f.publish(metrics.MetricEvent{Type: metrics.EventAdmissionTimeout, Timeframe: string(tf)})
		return false, err
	case ctx.Err() != nil:
		f.breaker.ReleaseProbe()
		return false, ctx.Err()
	case errors.Is(err, executor.ErrStopped), errors.Is(err, marketdata.ErrToken):
		f.breaker.ReleaseProbe()
		return false, err
	case errors.Is(err, marketdata.ErrDecode):
		f.breaker.RecordFailure()
		return false, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	default:
		// Deadline or transport failure.
		f.breaker.RecordFailure()
		return true, err
	}

	f.publish(metrics.MetricEvent{Type: metrics.EventUpstreamResponse, Timeframe: string(tf), Duration: elapsed, StatusCode: resp.StatusCode})

	if resp.StatusCode == http.StatusOK {
		if tf == marketdata.TimeframeQuote && resp.Quote == nil {
			f.breaker.RecordFailure()
			return false, fmt.Errorf("%w: empty quote", ErrInvalidResponse)
		}
		f.breaker.RecordSuccess()
		return false, nil
	}

	f.breaker.RecordFailure()
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: resp.Body}
	if statusErr.Retryable() {
		return true, statusErr
	}
	return false, fmt.Errorf("%w: %w", ErrInvalidResponse, statusErr)
}

func (f *Fetcher) call(ctx context.Context, symbol string, tf marketdata.Timeframe) (*marketdata.Response, error) {
	if tf == marketdata.TimeframeQuote {
		return f.upstream.Quote(ctx, symbol)
	}
	return f.upstream.PriceHistory(ctx, symbol, tf)
}

func (f *Fetcher) cached(symbol string, tf marketdata.Timeframe, key string) (*Result, bool) {
	res := &Result{Symbol: symbol, Timeframe: tf, Source: SourceCache}

	if tf == marketdata.TimeframeQuote {
		quote, ok := f.quotes.Get(key)
		if !ok {
			return nil, false
		}
		res.Quote = quote
		return res, true
	}

	candles, ok := f.candles.Get(key)
	if !ok {
		return nil, false
	}
	res.Candles = candles
	return res, true
}

func (f *Fetcher) store(tf marketdata.Timeframe, key string, resp *marketdata.Response) {
	if tf == marketdata.TimeframeQuote {
		f.quotes.Put(key, resp.Quote)
		return
	}
	f.candles.Put(key, resp.Candles)
}

// backoff is baseDelay * 2^attempt, capped at maxBackoff.
func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := f.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= f.maxBackoff {
			return f.maxBackoff
		}
	}
	return delay
}

func (f *Fetcher) unavailable(symbol string, tf marketdata.Timeframe, attempts int, reason error) error {
	f.logger.Error("Market data unavailable",
		slog.String("symbol", symbol),
		slog.String("timeframe", string(tf)),
		slog.Int("attempts", attempts),
		slog.String("reason", reason.Error()),
		slog.String("breaker", f.breaker.Status()))

	f.publishFetch(symbol, tf, metrics.SourceNone, attempts)
	return &UnavailableError{
		Symbol:    symbol,
		Timeframe: string(tf),
		Attempts:  attempts,
		Reason:    reason,
	}
}

func (f *Fetcher) publishFetch(symbol string, tf marketdata.Timeframe, source string, attempts int) {
	f.publish(metrics.MetricEvent{
		Type:      metrics.EventFetchCompleted,
		Symbol:    symbol,
		Timeframe: string(tf),
		Source:    source,
		Attempts:  attempts,
	})
}

func (f *Fetcher) publish(event metrics.MetricEvent) {
	metrics.Publish(f.events, event)
}

// cacheKey follows the upstream's naming: SYMBOL:frequencyType:frequency
// for candles and SYMBOL:quote for quotes.
func cacheKey(symbol string, tf marketdata.Timeframe) string {
	series, ok := marketdata.SeriesFor(tf)
	if !ok {
		return symbol + ":" + string(tf)
	}
	return symbol + ":" + series.FrequencyType + ":" + strconv.Itoa(series.Frequency)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
