// Package dedupe suppresses redelivered events. Both transports can
// deliver the same event twice — gateway resume replays and webhook
// retries — so dispatch is gated on a bounded recent-ID cache.
//
// Eviction is by age, not count: memory stays bounded by the delivery
// rate over the window, and the window matches the platform's
// redelivery horizon. An ID seen again after the window expires is
// treated as a new delivery; that trade-off is deliberate.
package dedupe

import (
	"sync"
	"time"
)

// DefaultWindow covers the platform's observed redelivery horizon.
const DefaultWindow = 5 * time.Minute

// Cache is an age-evicted set of recently seen event IDs.
// Safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time

	// sweep bookkeeping: full scans are amortized instead of running
	// a background goroutine.
	lastSweep time.Time
}

// New creates a cache. window <= 0 selects DefaultWindow.
func New(window time.Duration) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Cache{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Seen records id and reports whether it was already present within the
// window. The first delivery returns false; duplicates return true.
func (c *Cache) Seen(id string) bool {
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.seen[id]; ok && now.Sub(at) <= c.window {
		return true
	}
	c.seen[id] = now

	if now.Sub(c.lastSweep) > c.window {
		c.sweepLocked(now)
		c.lastSweep = now
	}
	return false
}

// Len returns the current number of tracked IDs, expired ones included
// until the next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) sweepLocked(now time.Time) {
	for id, at := range c.seen {
		if now.Sub(at) > c.window {
			delete(c.seen, id)
		}
	}
}
