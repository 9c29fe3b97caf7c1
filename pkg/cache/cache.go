// Package cache is a small in-process KV with per-entry TTL and atomic
// counters, shared by the rate limiters.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     int64
	expiresAt time.Time
}

// TTL is a concurrency-safe counter map. Entries expire lazily on
// access and eagerly via the janitor.
type TTL struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewTTL() *TTL {
	return &TTL{
		entries: map[string]*entry{},
		now:     time.Now,
	}
}

// Incr atomically increments key and returns the new value. The first
// increment in a window arms the TTL; later ones do not extend it.
func (c *TTL) Incr(key string, ttl time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e, ok := c.entries[key]
	if !ok || now.After(e.expiresAt) {
		e = &entry{expiresAt: now.Add(ttl)}
		c.entries[key] = e
	}
	e.value++
	return e.value
}

// Get returns the current value of key, zero when absent or expired.
func (c *TTL) Get(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		return 0
	}
	return e.value
}

// RunJanitor evicts expired entries every interval until stop is closed.
func (c *TTL) RunJanitor(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
