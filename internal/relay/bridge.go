package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
)

type ListenerID uint64

// Status is the relay connectivity message handed to status listeners.
type Status struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

func NewStatus(connected bool) Status {
	return Status{Type: "status", Connected: connected}
}

type DataListener func(quote json.RawMessage)
type StatusListener func(status Status)

type dataEntry struct {
	id ListenerID
	fn DataListener
}

type statusEntry struct {
	id ListenerID
	fn StatusListener
}

// Bridge fans relay events out to listeners. Each dispatch works on a
// snapshot of the listener list, and a panicking listener is logged and
// skipped.
type Bridge struct {
	mutex  sync.RWMutex
	nextID ListenerID
	data   []dataEntry
	status []statusEntry

	// statusMutex orders status deliveries so a new listener never sees an
	// older status after a newer one.
	statusMutex sync.Mutex
	current     Status

	logger *slog.Logger
}

func NewBridge(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		current: NewStatus(false),
		logger:  logger,
	}
}

func (b *Bridge) AddDataListener(fn DataListener) ListenerID {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.nextID++
	b.data = append(b.data, dataEntry{id: b.nextID, fn: fn})
	return b.nextID
}

func (b *Bridge) RemoveDataListener(id ListenerID) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for i, e := range b.data {
		if e.id == id {
			b.data = append(b.data[:i:i], b.data[i+1:]...)
			return
		}
	}
}

// AddStatusListener registers fn and immediately hands it the current status.
func (b *Bridge) AddStatusListener(fn StatusListener) ListenerID {
	b.statusMutex.Lock()
	defer b.statusMutex.Unlock()

	b.mutex.Lock()
	b.nextID++
	id := b.nextID
	b.status = append(b.status, statusEntry{id: id, fn: fn})
	current := b.current
	b.mutex.Unlock()

	b.callStatus(fn, current)
	return id
}

func (b *Bridge) RemoveStatusListener(id ListenerID) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for i, e := range b.status {
		if e.id == id {
			b.status = append(b.status[:i:i], b.status[i+1:]...)
			return
		}
	}
}

func (b *Bridge) DispatchQuote(quote json.RawMessage) {
	b.mutex.RLock()
	listeners := b.data
	b.mutex.RUnlock()

	for _, e := range listeners {
		b.callData(e.fn, quote)
	}
}

func (b *Bridge) DispatchStatus(status Status) {
	b.statusMutex.Lock()
	defer b.statusMutex.Unlock()

	b.mutex.Lock()
	b.current = status
	listeners := b.status
	b.mutex.Unlock()

	for _, e := range listeners {
		b.callStatus(e.fn, status)
	}
}

func (b *Bridge) CurrentStatus() Status {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.current
}

func (b *Bridge) Listeners() (data, status int) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.data), len(b.status)
}

func (b *Bridge) callData(fn DataListener, quote json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Quote listener panicked", slog.Any("panic", r))
		}
	}()
	fn(quote)
}

func (b *Bridge) callStatus(fn StatusListener, status Status) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Status listener panicked", slog.Any("panic", r))
		}
	}()
	fn(status)
}
