// Package fetcher serves candles and quotes from the market-data API with
// caching, a circuit breaker and bounded retries.
//
// A fetch first probes the TTL cache. On a miss it asks the breaker, then
// runs the upstream call on the executor's worker pool. Rate limits (429),
// server errors and timeouts are retried with exponential backoff; every
// failed attempt counts against the breaker, and the breaker is consulted
// again before each retry. Other failures end the fetch at once.
//
// Callers only ever see data or an *UnavailableError.
package fetcher
