package ratelimit

import (
	"testing"
	"time"
)

func TestBucket_admitsUpToCapacity(t *testing.T) {
	b := NewBucket(5, time.Minute)
	now := time.Now()

	for i := 0; i < 5; i++ {
		if wait := b.Acquire(now); wait != 0 {
			t.Fatalf("acquire %d: expected zero wait, got %v", i, wait)
		}
	}
	if wait := b.Acquire(now); wait <= 0 {
		t.Errorf("sixth acquire at same instant should wait, got %v", wait)
	}
}

func TestBucket_waitIsTimeForOneToken(t *testing.T) {
	b := NewBucket(60, time.Minute) // one token per second
	now := time.Now()

	for i := 0; i < 60; i++ {
		b.Acquire(now)
	}
	wait := b.Acquire(now)
	if wait < 900*time.Millisecond || wait > 1100*time.Millisecond {
		t.Errorf("expected ~1s wait for next token, got %v", wait)
	}
}

func TestBucket_queuedCallersWaitLonger(t *testing.T) {
	b := NewBucket(60, time.Minute)
	now := time.Now()

	for i := 0; i < 60; i++ {
		b.Acquire(now)
	}
	first := b.Acquire(now)
	second := b.Acquire(now)
	if second <= first {
		t.Errorf("second queued caller should wait longer: first %v, second %v", first, second)
	}
}

func TestBucket_refillsOverTime(t *testing.T) {
	b := NewBucket(60, time.Minute)
	now := time.Now()

	for i := 0; i < 60; i++ {
		b.Acquire(now)
	}
	// After 2 seconds two tokens have accrued.
	later := now.Add(2 * time.Second)
	if wait := b.Acquire(later); wait != 0 {
		t.Errorf("expected zero wait after refill, got %v", wait)
	}
	if wait := b.Acquire(later); wait != 0 {
		t.Errorf("expected second token after 2s refill, got %v", wait)
	}
	if wait := b.Acquire(later); wait <= 0 {
		t.Errorf("third acquire should wait, got %v", wait)
	}
}

func TestBucket_neverExceedsCapacity(t *testing.T) {
	b := NewBucket(3, time.Minute)
	now := time.Now()
	b.Acquire(now)

	// A long quiet period must not bank more than capacity tokens.
	later := now.Add(time.Hour)
	zeroWaits := 0
	for i := 0; i < 10; i++ {
		if b.Acquire(later) == 0 {
			zeroWaits++
		}
	}
	if zeroWaits != 3 {
		t.Errorf("expected exactly 3 immediate admissions after refill, got %d", zeroWaits)
	}
}

func TestBucket_slidingWindowInvariant(t *testing.T) {
	// Over any 60s window, zero-wait admissions never exceed capacity.
	const capacity = 10
	b := NewBucket(capacity, time.Minute)
	start := time.Now()

	zeroWaits := 0
	for i := 0; i < 200; i++ {
		now := start.Add(time.Duration(i) * 250 * time.Millisecond) // 50s total
		if b.Acquire(now) == 0 {
			zeroWaits++
		}
	}
	// 50 seconds elapsed: at most capacity + refill (50s * 10/60 per s) tokens.
	maxAdmissions := capacity + (50*capacity)/60 + 1
	if zeroWaits > maxAdmissions {
		t.Errorf("admitted %d requests in 50s, limit %d", zeroWaits, maxAdmissions)
	}
}
