package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bagoltermann/momentum-trader-charting/internal/metrics"
)

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.NewMetrics()
	})

	Describe("RecordFetch", func() {
		It("should track timeframes separately", func() {
			m.RecordFetch("1m", metrics.SourceUpstream, 1)
			m.RecordFetch("5m", metrics.SourceUpstream, 1)
			m.RecordFetch("1m", metrics.SourceCache, 0)

			snap := m.Snapshot()
			Expect(snap.TotalFetches).To(Equal(int64(3)))
			Expect(snap.Timeframes["1m"].Fetches).To(Equal(int64(2)))
			Expect(snap.Timeframes["5m"].Fetches).To(Equal(int64(1)))
			Expect(snap.Timeframes["1m"].Retries).To(BeZero())
		})
	})

	Describe("RecordUpstream", func() {
		It("should record response time and status code", func() {
			m.RecordUpstream(100*time.Millisecond, 200)
			m.RecordUpstream(200*time.Millisecond, 200)

			snap := m.Snapshot()
			Expect(snap.Upstream.Requests).To(Equal(int64(2)))
			Expect(snap.Upstream.AvgResponse).To(Equal(150 * time.Millisecond))
			Expect(snap.Upstream.StatusCodes[200]).To(Equal(int64(2)))
		})

		It("should track different status codes", func() {
			m.RecordUpstream(100*time.Millisecond, 200)
			m.RecordUpstream(150*time.Millisecond, 429)
			m.RecordUpstream(200*time.Millisecond, 500)

			codes := m.Snapshot().Upstream.StatusCodes
			Expect(codes[200]).To(Equal(int64(1)))
			Expect(codes[429]).To(Equal(int64(1)))
			Expect(codes[500]).To(Equal(int64(1)))
		})

		It("should calculate percentiles", func() {
			for i := 1; i <= 100; i++ {
				m.RecordUpstream(time.Duration(i)*time.Millisecond, 200)
			}

			snap := m.Snapshot()
			Expect(snap.Upstream.P50Response).To(Equal(51 * time.Millisecond))
			Expect(snap.Upstream.P95Response).To(Equal(96 * time.Millisecond))
			Expect(snap.Upstream.P99Response).To(Equal(100 * time.Millisecond))
		})

		It("should keep a bounded sample window", func() {
			for i := 0; i < 100; i++ {
				m.RecordUpstream(time.Second, 200)
			}
			for i := 0; i < 1000; i++ {
				m.RecordUpstream(time.Millisecond, 200)
			}

			snap := m.Snapshot()
			Expect(snap.Upstream.Requests).To(Equal(int64(1100)))
			Expect(snap.Upstream.AvgResponse).To(Equal(time.Millisecond))
		})
	})

	Describe("Snapshot", func() {
		It("should not share maps with the live metrics", func() {
			m.RecordUpstream(time.Millisecond, 200)
			snap := m.Snapshot()
			snap.Upstream.StatusCodes[200] = 99

			Expect(m.Snapshot().Upstream.StatusCodes[200]).To(Equal(int64(1)))
		})

		It("should report uptime", func() {
			time.Sleep(5 * time.Millisecond)
			Expect(m.Snapshot().Uptime).To(BeNumerically(">=", 5*time.Millisecond))
		})
	})
})
