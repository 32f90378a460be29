// Package cache holds the most recent kept value of every codename.
package cache

import (
	"sync"
	"time"
)

// Entry is one cached data point. Arrival is the wall-clock time at which it
// was placed in the cache.
type Entry struct {
	Time    time.Time `json:"time"`
	Value   float64   `json:"value"`
	Arrival time.Time `json:"arrival"`
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache has no eviction: the key set is bounded by configuration.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Put(codename string, at time.Time, value float64) {
	if codename == "" {
		return
	}
	entry := Entry{Time: at, Value: value, Arrival: c.now()}
	c.mu.Lock()
	c.entries[codename] = entry
	c.mu.Unlock()
}

func (c *Cache) Get(codename string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[codename]
	return e, ok
}

// Snapshot returns a point-in-time copy of all entries.
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
