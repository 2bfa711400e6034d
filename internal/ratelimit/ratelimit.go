// Package ratelimit throttles command dispatch per sender. Each sender
// draws from an independent quota that regenerates continuously; a
// sender who stays idle long enough to be back at full quota is
// forgotten, so the tracking map does not grow with every sender ever
// seen.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a sender has spent their quota.
var ErrRateLimited = errors.New("rate limit exceeded")

// sweepEvery bounds how often Allow scans for forgettable senders.
const sweepEvery = time.Minute

// Config configures the limiter.
type Config struct {
	CommandsPerMinute int // Sustained commands per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Commands allowed back-to-back. 0 = defaults to CommandsPerMinute.
}

// Limiter tracks per-sender command quotas. Safe for concurrent use.
// No background goroutines: regeneration and cleanup both piggyback on
// Allow calls.
type Limiter struct {
	perMinute float64
	burst     float64

	mu        sync.Mutex
	quotas    map[string]*quota
	lastSweep time.Time

	now func() time.Time
}

// quota is one sender's remaining allowance, regenerated lazily from
// the time since the last Allow.
type quota struct {
	remaining float64
	touched   time.Time
}

// NewLimiter creates a limiter. A zero CommandsPerMinute disables
// limiting entirely.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.CommandsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		perMinute: float64(cfg.CommandsPerMinute),
		burst:     float64(burst),
		quotas:    make(map[string]*quota),
		now:       time.Now,
	}
}

// Allow spends one unit of senderID's quota. Returns ErrRateLimited
// when the sender has nothing left to spend.
func (l *Limiter) Allow(senderID string) error {
	if l.perMinute <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeSweep(now)

	q, ok := l.quotas[senderID]
	if !ok {
		// A sender starts at full quota.
		q = &quota{remaining: l.burst}
		l.quotas[senderID] = q
	} else {
		q.remaining += now.Sub(q.touched).Minutes() * l.perMinute
		if q.remaining > l.burst {
			q.remaining = l.burst
		}
	}
	q.touched = now

	if q.remaining < 1 {
		return ErrRateLimited
	}
	q.remaining--
	return nil
}

// maybeSweep drops senders whose quota has fully regenerated. Such an
// entry is indistinguishable from an absent one, so forgetting it is
// free. Called with l.mu held.
func (l *Limiter) maybeSweep(now time.Time) {
	if now.Sub(l.lastSweep) < sweepEvery {
		return
	}
	l.lastSweep = now

	// Idle time after which a quota must be full again, regardless of
	// how empty it was when last touched.
	fullAfter := time.Duration(l.burst / l.perMinute * float64(time.Minute))
	for id, q := range l.quotas {
		if now.Sub(q.touched) > fullAfter {
			delete(l.quotas, id)
		}
	}
}

// tracked reports how many senders currently hold a quota entry.
func (l *Limiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.quotas)
}
