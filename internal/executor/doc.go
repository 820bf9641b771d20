// Package executor runs blocking upstream calls on a dedicated, fixed-size
// worker pool so request goroutines never perform network I/O themselves.
//
// Every call passes an admission gate (a weighted semaphore) that bounds how
// many upstream calls are in flight regardless of the pool size. Acquiring the
// gate has its own timeout, reported as ErrAdmissionTimeout: that outcome means
// local saturation and must not be counted against the upstream.
//
// The waiting side enforces a hard wall-clock deadline independent of any
// timeout inside the task. On expiry the task context is cancelled on a best
// effort basis and ErrRequestTimeout is returned; a late result is dropped.
//
// Completion is observed either by blocking on the task's done channel
// (CompletionNotify) or by a non-blocking check every PollInterval
// (CompletionPoll). Polling trades up to one interval of latency for never
// needing a cross-goroutine wake-up of the waiter.
//
// Example usage:
//
//	exec := executor.New(executor.DefaultConfig(), logger)
//	exec.Start()
//	defer exec.Shutdown(context.Background())
//
//	resp, err := executor.Do(ctx, exec, func(ctx context.Context) (*marketdata.Response, error) {
//		return client.PriceHistory(ctx, req)
//	})
package executor
