// Package ratelimit paces the synthetic load the bench CLI drives
// against a flashwal.Log. A bench tool's throttle has no durability
// requirement, so the bucket state is purely in-memory.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a simple refilling rate limiter: capacity tokens,
// refilling by amount every interval.
type TokenBucket struct {
	mu sync.Mutex

	capacity uint64
	amount   uint64
	interval time.Duration

	remaining  uint64
	lastRefill time.Time

	now func() time.Time
}

// New creates a TokenBucket starting full.
func New(capacity, refillAmount uint64, refillInterval time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		amount:     refillAmount,
		interval:   refillInterval,
		remaining:  capacity,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow reports whether a request may proceed, consuming one token if
// so.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.remaining == 0 {
		return false
	}
	b.remaining--
	return true
}

func (b *TokenBucket) refillLocked() {
	if b.interval <= 0 {
		return
	}
	elapsed := b.now().Sub(b.lastRefill)
	intervals := uint64(elapsed / b.interval)
	if intervals == 0 {
		return
	}

	b.remaining += intervals * b.amount
	if b.remaining > b.capacity {
		b.remaining = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * b.interval)
}

// Wait blocks, polling at a small fraction of the refill interval,
// until Allow succeeds. The bench CLI runs to completion and is fine
// blocking indefinitely here.
func (b *TokenBucket) Wait() {
	for !b.Allow() {
		time.Sleep(b.pollInterval())
	}
}

func (b *TokenBucket) pollInterval() time.Duration {
	if b.interval <= 0 {
		return time.Millisecond
	}
	d := b.interval / 20
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
