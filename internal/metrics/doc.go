// Package metrics collects counters about market-data fetches and the quote
// relay.
//
// Producers publish MetricEvents onto a buffered channel with Publish, which
// never blocks; a single collector goroutine folds them into Metrics:
//   - fetch outcomes per timeframe (cache hit, upstream, unavailable, retries)
//   - upstream response times with P50/P95/P99 and status code distribution
//   - admission timeouts and circuit breaker rejections
//   - quotes relayed and relay / peer connectivity
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	metrics.Publish(collector.EventChannel(), metrics.MetricEvent{
//		Type:       metrics.EventUpstreamResponse,
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
//
// Cancelling the collector's context drains whatever is still buffered.
package metrics
