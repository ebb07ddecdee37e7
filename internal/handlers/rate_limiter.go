package handlers

import (
	"strings"
	"sync"
	"time"
)

type rateLimiter interface {
	Allow(key string) bool
}

// createLimiter throttles order creation per user with a fixed window.
// Windows are tracked lazily; stale buckets are swept whenever a new
// window opens so the map stays bounded by active users.
type createLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

type rateBucket struct {
	used    int
	resetAt time.Time
}

func newSimpleRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &createLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		buckets: make(map[string]*rateBucket),
	}
}

func (l *createLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}

	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.buckets[key]
	if bucket == nil || !now.Before(bucket.resetAt) {
		l.sweep(now)
		l.buckets[key] = &rateBucket{used: 1, resetAt: now.Add(l.window)}
		return true
	}
	if bucket.used >= l.limit {
		return false
	}
	bucket.used++
	return true
}

// sweep drops buckets whose window has passed. Callers hold l.mu.
func (l *createLimiter) sweep(now time.Time) {
	for key, bucket := range l.buckets {
		if !now.Before(bucket.resetAt) {
			delete(l.buckets, key)
		}
	}
}
