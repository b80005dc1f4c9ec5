package server

import (
	"sync"
	"time"

	"github.com/danmuck/pairctl/internal/identity"
	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

// limiter throttles login attempts per identity. A nil limiter allows all.
type limiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	entries   map[identity.Identity]*limiterEntry
	lastPrune time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLimiter(perSecond float64, burst int) *limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiter{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		entries:   make(map[identity.Identity]*limiterEntry),
		lastPrune: time.Now(),
	}
}

func (l *limiter) Allow(id identity.Identity) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastPrune) > time.Minute {
		for k, e := range l.entries {
			if now.Sub(e.seen) > limiterIdle {
				delete(l.entries, k)
			}
		}
		l.lastPrune = now
	}
	e, ok := l.entries[id]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[id] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}
