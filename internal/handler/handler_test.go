package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/bagoltermann/momentum-trader-charting/internal/circuitbreaker"
	"github.com/bagoltermann/momentum-trader-charting/internal/fetcher"
	"github.com/bagoltermann/momentum-trader-charting/internal/handler"
	"github.com/bagoltermann/momentum-trader-charting/internal/healthcheck"
	"github.com/bagoltermann/momentum-trader-charting/internal/marketdata"
	"github.com/bagoltermann/momentum-trader-charting/internal/relay"
)

type fetchCall struct {
	symbol string
	tf     marketdata.Timeframe
}

type fakeSource struct {
	mutex  sync.Mutex
	calls  []fetchCall
	result *fetcher.Result
	err    error
	status fetcher.Status
}

func (f *fakeSource) Fetch(_ context.Context, symbol string, tf marketdata.Timeframe) (*fetcher.Result, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls = append(f.calls, fetchCall{symbol: symbol, tf: tf})
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSource) Status() fetcher.Status {
	return f.status
}

func (f *fakeSource) lastCall() fetchCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestHub(log *slog.Logger) (*relay.Hub, *relay.Bridge, *relay.Connection) {
	bridge := relay.NewBridge(log)
	conn := relay.NewConnection(nil, relay.NewRegistry(), bridge, relay.ConnectionConfig{
		PeerURL: "ws://127.0.0.1:8080/ws/quotes",
	}, log)
	return relay.NewHub(conn, bridge, relay.DefaultHubConfig(), log), bridge, conn
}

func getJSON(rawURL string, into any) int {
	res, err := http.Get(rawURL)
	Expect(err).NotTo(HaveOccurred())
	defer res.Body.Close()

	Expect(res.Header.Get("Content-Type")).To(Equal("application/json"))
	Expect(json.NewDecoder(res.Body).Decode(into)).To(Succeed())
	return res.StatusCode
}

var _ = Describe("API", func() {
	var (
		log    *slog.Logger
		source *fakeSource
		server *httptest.Server
		opts   []handler.Option
	)

	start := func() {
		mux := http.NewServeMux()
		handler.NewAPI(log, source, opts...).Register(mux)
		server = httptest.NewServer(handler.LogRequests(log, mux))
	}

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		source = &fakeSource{
			status: fetcher.Status{Breaker: circuitbreaker.Snapshot{State: "CLOSED"}},
		}
		opts = nil
	})

	AfterEach(func() {
		if server != nil {
			server.Close()
			server = nil
		}
	})

	Describe("GET /api/candles/{symbol}", func() {
		BeforeEach(func() {
			source.result = &fetcher.Result{
				Symbol:    "ABC",
				Timeframe: marketdata.Timeframe5m,
				Source:    fetcher.SourceUpstream,
				Candles: []marketdata.Candle{
					{Timestamp: 1709301600000, Open: decimal.RequireFromString("2.10"), Close: decimal.RequireFromString("2.25"), Volume: 1500},
				},
			}
			start()
		})

		It("should return the candles for the requested timeframe", func() {
			var body map[string]any
			status := getJSON(server.URL+"/api/candles/abc?timeframe=5m", &body)

			Expect(status).To(Equal(http.StatusOK))
			Expect(source.lastCall()).To(Equal(fetchCall{symbol: "abc", tf: marketdata.Timeframe5m}))
			Expect(body).To(HaveKeyWithValue("symbol", "ABC"))
			Expect(body).To(HaveKeyWithValue("source", "upstream"))
			Expect(body["candles"]).To(HaveLen(1))
		})

		It("should default to one-minute candles", func() {
			var body map[string]any
			getJSON(server.URL+"/api/candles/ABC", &body)
			Expect(source.lastCall().tf).To(Equal(marketdata.Timeframe1m))
		})

		It("should reject the quote timeframe without fetching", func() {
			var body map[string]any
			status := getJSON(server.URL+"/api/candles/ABC?timeframe=quote", &body)

			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(source.calls).To(BeEmpty())
		})

		It("should answer 400 for an invalid timeframe", func() {
			source.err = fmt.Errorf("%w: %q", fetcher.ErrInvalidTimeframe, "2h")

			var body map[string]string
			status := getJSON(server.URL+"/api/candles/ABC?timeframe=2h", &body)

			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(body["error"]).To(ContainSubstring("invalid timeframe"))
		})

		It("should answer 503 when data is unavailable", func() {
			source.err = &fetcher.UnavailableError{
				Symbol:    "ABC",
				Timeframe: "5m",
				Reason:    fetcher.ErrCircuitOpen,
			}

			var body map[string]string
			status := getJSON(server.URL+"/api/candles/ABC?timeframe=5m", &body)

			Expect(status).To(Equal(http.StatusServiceUnavailable))
			Expect(body["error"]).To(ContainSubstring("circuit breaker open"))
		})

		It("should answer 500 for anything else", func() {
			source.err = errors.New("boom")

			var body map[string]string
			Expect(getJSON(server.URL+"/api/candles/ABC", &body)).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("GET /api/quote/{symbol}", func() {
		It("should fetch the quote timeframe", func() {
			source.result = &fetcher.Result{
				Symbol:    "ABC",
				Timeframe: marketdata.TimeframeQuote,
				Source:    fetcher.SourceCache,
				Quote:     &marketdata.Quote{Symbol: "ABC", Last: decimal.RequireFromString("2.31")},
			}
			start()

			var body map[string]any
			status := getJSON(server.URL+"/api/quote/ABC", &body)

			Expect(status).To(Equal(http.StatusOK))
			Expect(source.lastCall().tf).To(Equal(marketdata.TimeframeQuote))
			Expect(body).To(HaveKeyWithValue("source", "cache"))
			Expect(body).To(HaveKey("quote"))
		})

		It("should answer 400 for an empty symbol", func() {
			source.err = fetcher.ErrInvalidSymbol
			start()

			var body map[string]string
			Expect(getJSON(server.URL+"/api/quote/%20", &body)).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/health", func() {
		It("should report ok while the breaker is closed", func() {
			start()

			var body map[string]any
			Expect(getJSON(server.URL+"/api/health", &body)).To(Equal(http.StatusOK))
			Expect(body).To(HaveKeyWithValue("status", "ok"))
			Expect(body).To(HaveKey("upstream"))
			Expect(body).NotTo(HaveKey("relay"))
			Expect(body).NotTo(HaveKey("peer"))
		})

		It("should report degraded while the breaker is not closed", func() {
			source.status.Breaker.State = "OPEN"
			start()

			var body map[string]any
			getJSON(server.URL+"/api/health", &body)
			Expect(body).To(HaveKeyWithValue("status", "degraded"))
		})

		It("should include relay and peer state when configured", func() {
			hub, _, _ := newTestHub(log)
			target := healthcheck.NewTarget(&url.URL{Scheme: "http", Host: "127.0.0.1:8080", Path: "/api/streaming/quotes/status"})
			opts = []handler.Option{handler.WithRelay(hub), handler.WithPeerTarget(target)}
			start()

			var body struct {
				Relay relay.HubStats           `json:"relay"`
				Peer  healthcheck.TargetStatus `json:"peer"`
			}
			getJSON(server.URL+"/api/health", &body)
			Expect(body.Relay.State).To(Equal("disconnected"))
			Expect(body.Peer.URL).To(Equal("http://127.0.0.1:8080/api/streaming/quotes/status"))
			Expect(body.Peer.Healthy).To(BeFalse())
		})
	})

	Describe("relay endpoints", func() {
		It("should answer 503 when the relay is disabled", func() {
			start()

			var body map[string]string
			Expect(getJSON(server.URL+"/api/relay/stats", &body)).To(Equal(http.StatusServiceUnavailable))
			Expect(getJSON(server.URL+"/api/relay/spikes", &body)).To(Equal(http.StatusServiceUnavailable))
		})

		It("should report relay statistics", func() {
			hub, _, _ := newTestHub(log)
			opts = []handler.Option{handler.WithRelay(hub)}
			start()

			var stats relay.HubStats
			Expect(getJSON(server.URL+"/api/relay/stats", &stats)).To(Equal(http.StatusOK))
			Expect(stats.PeerURL).To(Equal("ws://127.0.0.1:8080/ws/quotes"))
			Expect(stats.Connected).To(BeFalse())
			Expect(stats.Consumers).To(BeZero())
		})

		It("should list active volume spikes", func() {
			hub, _, conn := newTestHub(log)
			_, ok := conn.Spikes().Record(json.RawMessage(`{"symbol":"abc","spike_ratio":4.5}`))
			Expect(ok).To(BeTrue())
			opts = []handler.Option{handler.WithRelay(hub)}
			start()

			var body struct {
				Spikes map[string]relay.Spike `json:"spikes"`
			}
			Expect(getJSON(server.URL+"/api/relay/spikes", &body)).To(Equal(http.StatusOK))
			Expect(body.Spikes).To(HaveKey("ABC"))
			Expect(body.Spikes["ABC"].Ratio.String()).To(Equal("4.5"))
		})
	})
})
