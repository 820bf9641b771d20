package relay

import (
	"sort"
	"sync"

	"github.com/bagoltermann/momentum-trader-charting/internal/marketdata"
)

// Registry reference-counts symbol interest across consumers. A symbol is
// desired while at least one consumer holds it.
type Registry struct {
	mutex     sync.RWMutex
	consumers map[string]map[string]struct{}
	counts    map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		consumers: make(map[string]map[string]struct{}),
		counts:    make(map[string]int),
	}
}

// Add records interest and returns the symbols that became desired.
func (r *Registry) Add(consumer string, symbols []string) []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	held := r.consumers[consumer]
	if held == nil {
		held = make(map[string]struct{})
		r.consumers[consumer] = held
	}

	var added []string
	for _, symbol := range normalize(symbols) {
		if _, ok := held[symbol]; ok {
			continue
		}
		held[symbol] = struct{}{}
		r.counts[symbol]++
		if r.counts[symbol] == 1 {
			added = append(added, symbol)
		}
	}
	return added
}

// Remove drops interest and returns the symbols no longer desired by anyone.
func (r *Registry) Remove(consumer string, symbols []string) []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	held := r.consumers[consumer]
	if held == nil {
		return nil
	}

	var removed []string
	for _, symbol := range normalize(symbols) {
		if _, ok := held[symbol]; !ok {
			continue
		}
		delete(held, symbol)
		if r.release(symbol) {
			removed = append(removed, symbol)
		}
	}
	if len(held) == 0 {
		delete(r.consumers, consumer)
	}
	return removed
}

func (r *Registry) RemoveConsumer(consumer string) []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var removed []string
	for symbol := range r.consumers[consumer] {
		if r.release(symbol) {
			removed = append(removed, symbol)
		}
	}
	delete(r.consumers, consumer)

	sort.Strings(removed)
	return removed
}

// release must be called with the mutex held.
func (r *Registry) release(symbol string) bool {
	r.counts[symbol]--
	if r.counts[symbol] > 0 {
		return false
	}
	delete(r.counts, symbol)
	return true
}

// Desired returns every symbol with at least one holder, sorted.
func (r *Registry) Desired() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	desired := make([]string, 0, len(r.counts))
	for symbol := range r.counts {
		desired = append(desired, symbol)
	}
	sort.Strings(desired)
	return desired
}

func (r *Registry) Symbols(consumer string) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	symbols := make([]string, 0, len(r.consumers[consumer]))
	for symbol := range r.consumers[consumer] {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.counts)
}

func normalize(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = marketdata.NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
