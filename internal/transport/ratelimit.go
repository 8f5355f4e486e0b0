package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles messages per chat. Limiters of chats that have been
// quiet for a full window are evicted.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	window   time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute messages per chat, with bursts of the same
// size. A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	r := &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		window:   time.Minute,
	}
	if perMinute <= 0 {
		r.limit = rate.Inf
		return r
	}
	r.limit = rate.Every(time.Minute / time.Duration(perMinute))
	r.burst = perMinute
	return r
}

// Allow reports whether a message from key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	if r.limit == rate.Inf {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// Run evicts idle limiters every window until ctx is done.
func (r *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.evict(now)
		}
	}
}

func (r *RateLimiter) evict(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.window)
	for key, e := range r.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
		}
	}
}

func (r *RateLimiter) tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
