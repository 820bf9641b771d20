// Package circuitbreaker implements the health gate in front of the upstream
// market-data API.
//
// The breaker has three states:
//
//   - CLOSED: Normal operation, calls pass through
//   - OPEN: Upstream failing, calls rejected without queuing
//   - HALF-OPEN: Cooldown elapsed, exactly one probe call admitted
//
// Usage:
//
//	cb := circuitbreaker.NewCircuitBreaker(3, 60*time.Second)
//	if cb.CanExecute() {
//	    // Make request...
//	    if err != nil {
//	        cb.RecordFailure()
//	    } else {
//	        cb.RecordSuccess()
//	    }
//	}
//
// One breaker instance is constructed at startup and shared by every fetch so
// it keeps a single view of upstream health.
package circuitbreaker
