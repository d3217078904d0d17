// Package rate throttles outgoing requests per key.
package rate

import (
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter decides whether a request under key may be made now. It never
// blocks.
type Limiter interface {
	Allow(key string) (bool, error)
}

// NoLimiter allows every request.
type NoLimiter struct{}

func (NoLimiter) Allow(string) (bool, error) {
	return true, nil
}

// LocalLimiter keeps an in-process token bucket for each key.
type LocalLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalRateLimiter allows limit requests per second for each key, with a
// burst of one second's worth and never less than one.
func NewLocalRateLimiter(limit rate.Limit) *LocalLimiter {
	return &LocalLimiter{
		limit:   limit,
		burst:   int(math.Max(1, math.Ceil(float64(limit)))),
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) Allow(key string) (bool, error) {
	return l.bucket(key).Allow(), nil
}

func (l *LocalLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b
}
