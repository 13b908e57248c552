package ai

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	WebSearchRateLimit  = 10
	WebSearchRateWindow = time.Minute
)

// toolRateLimiter keeps one token bucket per key: up to limit calls at once,
// refilled at limit per window.
type toolRateLimiter struct {
	every rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *toolRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.every, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.AllowN(l.now(), 1)
}
