package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type Metrics struct {
	mutex             sync.RWMutex
	fetches           map[string]*TimeframeMetrics
	responseTimes     []time.Duration
	statusCodes       map[int]int64
	upstreamRequests  int64
	admissionTimeouts int64
	breakerRejects    int64
	quotesRelayed     int64
	relayConnected    bool
	peerHealthy       bool
	startTime         time.Time
}

type Snapshot struct {
	TotalFetches      int64                       `json:"total_fetches"`
	Uptime            time.Duration               `json:"uptime"`
	Timeframes        map[string]TimeframeMetrics `json:"timeframes"`
	Upstream          UpstreamMetrics             `json:"upstream"`
	AdmissionTimeouts int64                       `json:"admission_timeouts"`
	BreakerRejects    int64                       `json:"breaker_rejects"`
	QuotesRelayed     int64                       `json:"quotes_relayed"`
	RelayConnected    bool                        `json:"relay_connected"`
	PeerHealthy       bool                        `json:"peer_healthy"`
}

type TimeframeMetrics struct {
	Fetches     int64 `json:"fetches"`
	CacheHits   int64 `json:"cache_hits"`
	Upstream    int64 `json:"upstream"`
	Unavailable int64 `json:"unavailable"`
	Retries     int64 `json:"retries"`
}

type UpstreamMetrics struct {
	Requests    int64         `json:"requests"`
	AvgResponse time.Duration `json:"avg_response"`
	P50Response time.Duration `json:"p50_response"`
	P95Response time.Duration `json:"p95_response"`
	P99Response time.Duration `json:"p99_response"`
	StatusCodes map[int]int64 `json:"status_codes"`
}

// RecordFetch counts one finished fetch. attempts beyond the first are
// counted as retries.
func (m *Metrics) RecordFetch(timeframe, source string, attempts int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	tm := m.fetches[timeframe]
	if tm == nil {
		tm = &TimeframeMetrics{}
		m.fetches[timeframe] = tm
	}

	tm.Fetches++
	switch source {
	case SourceCache:
		tm.CacheHits++
	case SourceUpstream:
		tm.Upstream++
	default:
		tm.Unavailable++
	}
	if attempts > 1 {
		tm.Retries += int64(attempts - 1)
	}
}

func (m *Metrics) RecordUpstream(duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.upstreamRequests++
	m.responseTimes = append(m.responseTimes, duration)
	if len(m.responseTimes) > maxSamples {
		m.responseTimes = m.responseTimes[1:]
	}

	m.statusCodes[statusCode]++
}

func (m *Metrics) IncrementAdmissionTimeouts() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.admissionTimeouts++
}

func (m *Metrics) IncrementBreakerRejects() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.breakerRejects++
}

func (m *Metrics) IncrementQuotesRelayed() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.quotesRelayed++
}

func (m *Metrics) UpdateRelayStatus(connected bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.relayConnected = connected
}

func (m *Metrics) UpdatePeerHealth(healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.peerHealthy = healthy
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:            time.Since(m.startTime),
		Timeframes:        make(map[string]TimeframeMetrics, len(m.fetches)),
		AdmissionTimeouts: m.admissionTimeouts,
		BreakerRejects:    m.breakerRejects,
		QuotesRelayed:     m.quotesRelayed,
		RelayConnected:    m.relayConnected,
		PeerHealthy:       m.peerHealthy,
	}

	for tf, tm := range m.fetches {
		snap.TotalFetches += tm.Fetches
		snap.Timeframes[tf] = *tm
	}

	snap.Upstream = UpstreamMetrics{
		Requests:    m.upstreamRequests,
		StatusCodes: make(map[int]int64, len(m.statusCodes)),
	}
	for code, n := range m.statusCodes {
		snap.Upstream.StatusCodes[code] = n
	}

	if len(m.responseTimes) > 0 {
		sorted := make([]time.Duration, len(m.responseTimes))
		copy(sorted, m.responseTimes)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i] < sorted[j]
		})

		snap.Upstream.AvgResponse = average(sorted)
		snap.Upstream.P50Response = percentile(sorted, 0.50)
		snap.Upstream.P95Response = percentile(sorted, 0.95)
		snap.Upstream.P99Response = percentile(sorted, 0.99)
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		fetches:     make(map[string]*TimeframeMetrics),
		statusCodes: make(map[int]int64),
		startTime:   time.Now(),
	}
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
