package engine

import (
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/cds-ctf/cds-server/pkg/metrics"
)

// unit is one compiled script shared across VMs. goja Programs are
// immutable, so concurrent RunProgram calls are safe.
type unit struct {
	prog       *goja.Program
	compiledAt time.Time
	lastAccess time.Time
}

type unitCache struct {
	mu    sync.RWMutex
	units map[string]*unit
}

func newUnitCache() *unitCache {
	return &unitCache{units: map[string]*unit{}}
}

func (c *unitCache) get(key string) *unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.units[key]
	if !ok {
		return nil
	}
	u.lastAccess = time.Now()
	return u
}

func (c *unitCache) put(key string, prog *goja.Program) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units[key] = &unit{prog: prog, compiledAt: now, lastAccess: now}
	metrics.ScriptUnitsCached.WithLabelValues().Set(float64(len(c.units)))
}

func (c *unitCache) drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.units, key)
	metrics.ScriptUnitsCached.WithLabelValues().Set(float64(len(c.units)))
}

func (c *unitCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.units)
}

// sweep removes units idle longer than ttl and returns the count.
func (c *unitCache) sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, u := range c.units {
		if u.lastAccess.Before(cutoff) {
			delete(c.units, key)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.ScriptUnitsCached.WithLabelValues().Set(float64(len(c.units)))
	}
	return evicted
}
