package healthcheck

import (
	"net/url"
	"sync"
	"time"
)

// Target is an endpoint whose availability is probed periodically.
type Target struct {
	url       *url.URL
	mutex     sync.Mutex
	healthy   bool
	lastCheck time.Time
	lastError string
}

type TargetStatus struct {
	URL       string    `json:"url"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// NewTarget creates a Target that starts out unhealthy until the first
// successful probe.
func NewTarget(u *url.URL) *Target {
	return &Target{url: u}
}

func (t *Target) URL() *url.URL {
	return t.url
}

func (t *Target) IsHealthy() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.healthy
}

// SetHealthy records a probe result.
// Returns true if the status changed, false if it was already in that state.
func (t *Target) SetHealthy(healthy bool, cause error) (changed bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.lastCheck = time.Now()
	t.lastError = ""
	if cause != nil {
		t.lastError = cause.Error()
	}

	if t.healthy == healthy {
		return false
	}

	t.healthy = healthy
	return true
}

func (t *Target) Status() TargetStatus {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return TargetStatus{
		URL:       t.url.String(),
		Healthy:   t.healthy,
		LastCheck: t.lastCheck,
		LastError: t.lastError,
	}
}
