// Package ratelimit provides per-key token-bucket admission control,
// grounded on the teacher's scheduler/limiter.go.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out independent token buckets keyed by an arbitrary string
// (tenant ID, node ID, ...), lazily created on first use.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// New creates a Limiter where each key is allowed r events/sec with the
// given burst.
func New(r float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		burst:    burst,
	}
}

func (l *Limiter) get(key string) *rate.Limiter {
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// Allow reports whether an event for key may proceed right now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(key).Allow()
}

// Reserve reports whether key may proceed immediately; if not, it returns
// the delay until it would and does not consume a token.
func (l *Limiter) Reserve(key string) (allowed bool, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.get(key).Reserve()
	d := r.Delay()
	if d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

// Forget drops the bucket for key, freeing memory for tenants that have
// gone idle. Safe to call even if the key was never seen.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}
