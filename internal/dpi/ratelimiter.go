package dpi

import (
	"sync"
	"time"
)

// RateLimiter admits at most limit calls per fixed one-second window.
type RateLimiter struct {
	mu          sync.Mutex
	limit       int
	count       int
	windowStart time.Time
	now         func() time.Time
}

// NewRateLimiter creates a limiter; a nil now uses time.Now.
func NewRateLimiter(limit int, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{limit: limit, now: now}
}

// Allow reports whether one more call fits into the current window.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.now()
	if r.windowStart.IsZero() || t.Sub(r.windowStart) >= time.Second {
		r.windowStart = t
		r.count = 0
	}
	if r.count >= r.limit {
		return false
	}
	r.count++
	return true
}
