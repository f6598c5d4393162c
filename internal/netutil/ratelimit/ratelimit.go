// Package ratelimit provides token-bucket limiting keyed on an
// arbitrary string, one bucket per key, created on first use. The
// dispatcher keys buckets on user identity; outbound venue clients key
// on host.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// PerKey is a map of token buckets sharing one refill configuration.
// Safe for concurrent use.
type PerKey struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// NewPerKey builds a limiter refilling rps tokens per second with the
// given burst capacity. rps <= 0 disables limiting entirely.
func NewPerKey(rps float64, burst int) *PerKey {
	return &PerKey{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *PerKey) bucket(key string) *rate.Limiter {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Another goroutine may have created it between the locks.
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b = rate.NewLimiter(l.rps, l.burst)
	l.buckets[key] = b
	return b
}

// Allow reports whether one event for key may proceed now.
func (l *PerKey) Allow(key string) bool {
	if l.rps <= 0 {
		return true
	}
	return l.bucket(key).Allow()
}

// Wait blocks until an event for key may proceed or ctx is done.
func (l *PerKey) Wait(ctx context.Context, key string) error {
	if l.rps <= 0 {
		return nil
	}
	return l.bucket(key).Wait(ctx)
}

// Forget drops the bucket for key, releasing its memory. The next use
// starts a fresh full bucket.
func (l *PerKey) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Len returns the number of live buckets.
func (l *PerKey) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
