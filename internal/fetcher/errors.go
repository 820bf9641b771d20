package fetcher

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable      = errors.New("fetcher: data unavailable")
	ErrCircuitOpen      = errors.New("fetcher: circuit breaker open")
	ErrInvalidResponse  = errors.New("fetcher: invalid upstream response")
	ErrRetriesExhausted = errors.New("fetcher: retries exhausted")
	ErrInvalidTimeframe = errors.New("fetcher: invalid timeframe")
	ErrInvalidSymbol    = errors.New("fetcher: invalid symbol")
)

// UnavailableError is returned for every fetch that produced no data.
// errors.Is(err, ErrUnavailable) holds for it, and Reason says why.
type UnavailableError struct {
	Symbol    string
	Timeframe string
	Attempts  int
	Reason    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("fetcher: %s %s unavailable after %d attempt(s): %v", e.Symbol, e.Timeframe, e.Attempts, e.Reason)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Reason
}

// StatusError is an upstream reply with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt: rate
// limiting or a server error.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
