package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBucketBurstAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBucket(clk, 5, 5)

	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("burst token %d denied", i)
		}
	}
	if b.Allow() {
		t.Fatalf("expected empty bucket")
	}

	clk.Advance(200 * time.Millisecond) // one token at 5 tokens/sec
	if !b.Allow() {
		t.Fatalf("expected refill after advance")
	}
	if b.Allow() {
		t.Fatalf("expected only one refilled token")
	}
}

func TestBucketClampsToCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBucket(clk, 2, 1)

	if !b.Allow() || !b.Allow() {
		t.Fatalf("expected initial capacity of 2")
	}

	clk.Advance(time.Hour)
	if !b.Allow() || !b.Allow() {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow() {
		t.Fatalf("expected capacity clamp")
	}
}

func TestBucketCarriesPartialRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBucket(clk, 1, 2) // one token per 500ms

	if !b.Allow() {
		t.Fatalf("expected initial token")
	}

	clk.Advance(300 * time.Millisecond)
	if b.Allow() {
		t.Fatalf("expected no token after 300ms")
	}
	clk.Advance(200 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected carry to mint a token at 500ms total")
	}
}

func TestBucketToleratesClockGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewBucket(clk, 1, 1)

	if !b.Allow() {
		t.Fatalf("expected initial token")
	}

	clk.Advance(-50 * time.Second)
	if b.Allow() {
		t.Fatalf("expected no refill when time goes backwards")
	}
	clk.Advance(time.Second)
	if !b.Allow() {
		t.Fatalf("expected refill after clock recovers")
	}
}
