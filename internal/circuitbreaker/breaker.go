package circuitbreaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing fast
	StateHalfOpen              // One probe call in flight
)

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 60 * time.Second
)

type CircuitBreaker struct {
	mutex            sync.Mutex
	state            State
	failures         int
	lastFailure      time.Time
	probeInFlight    bool
	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

type Option func(*CircuitBreaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithLogger logs state transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// Snapshot is a point-in-time view of the breaker, safe to serialize.
type Snapshot struct {
	State       string    `json:"state"`
	Status      string    `json:"status"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	Threshold   int       `json:"threshold"`
	Cooldown    string    `json:"cooldown"`
}

func NewCircuitBreaker(threshold int, cooldown time.Duration, opts ...Option) *CircuitBreaker {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: threshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

// CanExecute reports whether a call may go upstream. An OPEN breaker whose
// cooldown has elapsed moves to HALF-OPEN and admits exactly one probe;
// everything else is rejected until that probe is recorded.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.cooldown {
			cb.transition(StateHalfOpen)
			cb.probeInFlight = true
			return true
		}

		return false
	case StateHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	cb.probeInFlight = false

	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures = 0
	cb.probeInFlight = false
	cb.transition(StateClosed)
}

// ReleaseProbe gives back a HALF-OPEN probe that ended without reaching the
// upstream, so the next caller may probe instead.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.failures
}

// Status renders the state for humans, including the remaining cooldown
// while OPEN.
func (cb *CircuitBreaker) Status() string {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.status()
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return Snapshot{
		State:       cb.state.String(),
		Status:      cb.status(),
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		Threshold:   cb.failureThreshold,
		Cooldown:    cb.cooldown.String(),
	}
}

func (cb *CircuitBreaker) status() string {
	if cb.state == StateOpen {
		remaining := cb.cooldown - cb.now().Sub(cb.lastFailure)
		if remaining > 0 {
			return fmt.Sprintf("OPEN (recovery in %ds)", int(remaining.Seconds()))
		}
	}
	return cb.state.String()
}

// transition must be called with the mutex held.
func (cb *CircuitBreaker) transition(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next

	if cb.logger == nil {
		return
	}
	switch next {
	case StateOpen:
		cb.logger.Warn("Circuit breaker opened",
			slog.String("from", prev.String()),
			slog.Int("failures", cb.failures),
			slog.Duration("cooldown", cb.cooldown))
	case StateHalfOpen:
		cb.logger.Info("Circuit breaker attempting recovery", slog.String("state", next.String()))
	case StateClosed:
		cb.logger.Info("Circuit breaker recovered", slog.String("from", prev.String()))
	}
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}
