// Package ratelimit implements the per-connection signaling message rate
// limit. The bucket is deterministic: refill is computed from an injectable
// clock so tests never sleep.
package ratelimit

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Bucket is a token bucket refilling at rate tokens/sec up to capacity.
//
// Refill is tracked in nanoseconds of accumulated time rather than fractional
// tokens, so no float arithmetic is involved.
type Bucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64
	rate     int64 // tokens per second

	tokens     int64
	carryNanos int64 // elapsed time not yet converted into whole tokens
	last       time.Time
}

func NewBucket(clock Clock, capacity, rate int64) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &Bucket{
		clock:    clock,
		capacity: capacity,
		rate:     rate,
		tokens:   capacity,
		last:     clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *Bucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 || b.tokens >= b.capacity {
		b.carryNanos = 0
		return
	}

	total := b.carryNanos + elapsed
	nanosPerToken := int64(time.Second) / b.rate
	if nanosPerToken <= 0 {
		nanosPerToken = 1
	}

	minted := total / nanosPerToken
	b.carryNanos = total % nanosPerToken

	b.tokens += minted
	if b.tokens > b.capacity {
		b.tokens = b.capacity
		b.carryNanos = 0
	}
}
