package ratelimit

import (
	"sync"
	"time"
)

// bucket is an interval-refilled token bucket. golang.org/x/time/rate
// refills continuously, which would hand back quota during the day.
type bucket struct {
	mu          sync.Mutex
	capacity    int
	tokens      int
	windowStart time.Time
}

func newBucket(capacity int, now time.Time) *bucket {
	return &bucket{capacity: capacity, tokens: capacity, windowStart: now}
}

// take consumes one token if available and reports the tokens left and the
// end of the current window.
func (b *bucket) take(now time.Time, window time.Duration) (int, time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elapsed := now.Sub(b.windowStart); elapsed >= window {
		b.windowStart = b.windowStart.Add(elapsed / window * window)
		b.tokens = b.capacity
	}

	resetAt := b.windowStart.Add(window)
	if b.tokens <= 0 {
		return 0, resetAt, false
	}
	b.tokens--
	return b.tokens, resetAt, true
}

func (b *bucket) expired(now time.Time, window time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.windowStart) >= window
}
