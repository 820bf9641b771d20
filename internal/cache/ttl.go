package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// TTLCache is safe for concurrent use. Put replaces whole entries, so a
// reader sees either the previous value or the new one.
type TTLCache[K comparable, V any] struct {
	mutex     sync.RWMutex
	entries   map[K]entry[V]
	ttl       time.Duration
	now       func() time.Time
	hits      int64
	misses    int64
	evictions int64
}

type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type Option func(*config)

type config struct {
	now func() time.Time
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

func New[K comparable, V any](ttl time.Duration, opts ...Option) *TTLCache[K, V] {
	cfg := config{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &TTLCache[K, V]{
		entries: make(map[K]entry[V]),
		ttl:     ttl,
		now:     cfg.now,
	}
}

// Get returns the value stored under key unless it is missing or at least
// ttl old. Expired entries are removed on the way out.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V

	c.mutex.RLock()
	e, ok := c.entries[key]
	c.mutex.RUnlock()

	if !ok {
		c.mutex.Lock()
		c.misses++
		c.mutex.Unlock()
		return zero, false
	}

	if c.now().Sub(e.insertedAt) >= c.ttl {
		c.mutex.Lock()
		// Only drop the entry we judged stale; a concurrent Put may have replaced it.
		if cur, exists := c.entries[key]; exists && cur.insertedAt.Equal(e.insertedAt) {
			delete(c.entries, key)
			c.evictions++
		}
		c.misses++
		c.mutex.Unlock()
		return zero, false
	}

	c.mutex.Lock()
	c.hits++
	c.mutex.Unlock()

	return e.value, true
}

func (c *TTLCache[K, V]) Put(key K, value V) {
	e := entry[V]{value: value, insertedAt: c.now()}

	c.mutex.Lock()
	c.entries[key] = e
	c.mutex.Unlock()
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.mutex.Lock()
	delete(c.entries, key)
	c.mutex.Unlock()
}

// Items returns every live entry and removes the expired ones.
func (c *TTLCache[K, V]) Items() map[K]V {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	items := make(map[K]V, len(c.entries))
	for key, e := range c.entries {
		if now.Sub(e.insertedAt) >= c.ttl {
			delete(c.entries, key)
			c.evictions++
			continue
		}
		items[key] = e.value
	}
	return items
}

// Len counts stored entries, including expired ones not yet read.
func (c *TTLCache[K, V]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}

func (c *TTLCache[K, V]) TTL() time.Duration {
	return c.ttl
}

func (c *TTLCache[K, V]) Stats() Stats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
