package metrics_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bagoltermann/momentum-trader-charting/internal/metrics"
)

var _ = Describe("Collector", func() {
	var (
		collector *metrics.Collector
		log       *slog.Logger
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Suppress logs in tests
		}))
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, log)
	})

	AfterEach(func() {
		cancel()
	})

	Describe("Publish", func() {
		It("should not block when the channel is full", func() {
			ch := make(chan metrics.MetricEvent, 1)
			Expect(metrics.Publish(ch, metrics.MetricEvent{Type: metrics.EventQuoteRelayed})).To(BeTrue())
			Expect(metrics.Publish(ch, metrics.MetricEvent{Type: metrics.EventQuoteRelayed})).To(BeFalse())
		})

		It("should ignore a nil channel", func() {
			Expect(metrics.Publish(nil, metrics.MetricEvent{Type: metrics.EventQuoteRelayed})).To(BeFalse())
		})

		It("should stamp events without a timestamp", func() {
			ch := make(chan metrics.MetricEvent, 1)
			metrics.Publish(ch, metrics.MetricEvent{Type: metrics.EventQuoteRelayed})
			Expect((<-ch).Timestamp).NotTo(BeZero())
		})
	})

	Describe("Start and event processing", func() {
		It("should count fetches by source", func() {
			collector.Start(ctx)

			ch := collector.EventChannel()
			ch <- metrics.MetricEvent{Type: metrics.EventFetchCompleted, Timeframe: "1m", Source: metrics.SourceCache, Attempts: 0}
			ch <- metrics.MetricEvent{Type: metrics.EventFetchCompleted, Timeframe: "1m", Source: metrics.SourceUpstream, Attempts: 3}
			ch <- metrics.MetricEvent{Type: metrics.EventFetchCompleted, Timeframe: "D", Source: metrics.SourceNone, Attempts: 1}

			Eventually(func() int64 {
				return collector.Snapshot().TotalFetches
			}).Should(Equal(int64(3)))

			snap := collector.Snapshot()
			Expect(snap.Timeframes["1m"].CacheHits).To(Equal(int64(1)))
			Expect(snap.Timeframes["1m"].Upstream).To(Equal(int64(1)))
			Expect(snap.Timeframes["1m"].Retries).To(Equal(int64(2)))
			Expect(snap.Timeframes["D"].Unavailable).To(Equal(int64(1)))
		})

		It("should record upstream responses", func() {
			collector.Start(ctx)

			collector.EventChannel() <- metrics.MetricEvent{
				Type:       metrics.EventUpstreamResponse,
				Duration:   100 * time.Millisecond,
				StatusCode: 429,
			}

			Eventually(func() int64 {
				return collector.Snapshot().Upstream.Requests
			}).Should(Equal(int64(1)))
			Expect(collector.Snapshot().Upstream.StatusCodes[429]).To(Equal(int64(1)))
			Expect(collector.Snapshot().Upstream.AvgResponse).To(Equal(100 * time.Millisecond))
		})

		It("should track relay and peer status", func() {
			collector.Start(ctx)

			collector.EventChannel() <- metrics.MetricEvent{Type: metrics.EventRelayStatus, Healthy: true}
			collector.EventChannel() <- metrics.MetricEvent{Type: metrics.EventPeerHealth, Healthy: true}
			collector.EventChannel() <- metrics.MetricEvent{Type: metrics.EventQuoteRelayed, Symbol: "ABC"}

			Eventually(func() int64 {
				return collector.Snapshot().QuotesRelayed
			}).Should(Equal(int64(1)))
			Expect(collector.Snapshot().RelayConnected).To(BeTrue())
			Expect(collector.Snapshot().PeerHealthy).To(BeTrue())
		})

		It("should drain events on context cancellation", func() {
			collector.Start(ctx)

			for i := 0; i < 5; i++ {
				collector.EventChannel() <- metrics.MetricEvent{Type: metrics.EventAdmissionTimeout}
			}
			cancel()

			Eventually(func() int64 {
				return collector.Snapshot().AdmissionTimeouts
			}).Should(Equal(int64(5)))
		})
	})

	Describe("Handler", func() {
		It("should serve the snapshot as JSON", func() {
			collector.Start(ctx)
			collector.EventChannel() <- metrics.MetricEvent{Type: metrics.EventBreakerRejected}
			Eventually(func() int64 {
				return collector.Snapshot().BreakerRejects
			}).Should(Equal(int64(1)))

			rec := httptest.NewRecorder()
			collector.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

			var snap metrics.Snapshot
			Expect(json.Unmarshal(rec.Body.Bytes(), &snap)).To(Succeed())
			Expect(snap.BreakerRejects).To(Equal(int64(1)))
		})
	})
})
