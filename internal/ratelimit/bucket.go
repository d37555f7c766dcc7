package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket that admits at most capacity requests per window.
// Tokens refill continuously at capacity/window per second, never exceeding
// capacity. All state mutation happens under a short-held mutex; waiting is
// the caller's job so no lock is held across a sleep.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	window   time.Duration
	tokens   float64
	last     time.Time
}

// NewBucket returns a full bucket admitting capacity requests per window.
func NewBucket(capacity int, window time.Duration) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Bucket{
		capacity: float64(capacity),
		window:   window,
		tokens:   float64(capacity),
	}
}

// Acquire reserves one token and returns how long the caller must wait before
// proceeding. A zero return means the request is admitted immediately.
// Reservations may drive the balance negative, so queued callers each wait
// the minimum time for their own token to accrue.
func (b *Bucket) Acquire(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.last.IsZero() {
		b.last = now
	}
	rate := b.capacity / b.window.Seconds() // tokens per second
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens += elapsed.Seconds() * rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return 0
	}

	wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	b.tokens--
	return wait
}
