package ratelimit

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestTokenBucket_StartsFull(t *testing.T) {
	clk := clock.NewMock()
	b := NewTokenBucket(clk, 3, 1)

	for i := 0; i < 3; i++ {
		if !b.Allow(1) {
			t.Fatalf("Allow #%d failed on a full bucket", i+1)
		}
	}
	if b.Allow(1) {
		t.Fatal("Allow succeeded on an empty bucket")
	}
}

func TestTokenBucket_RefillsAtRate(t *testing.T) {
	clk := clock.NewMock()
	b := NewTokenBucket(clk, 10, 2)

	if !b.Allow(10) {
		t.Fatal("draining the bucket failed")
	}
	if b.Allow(1) {
		t.Fatal("Allow succeeded immediately after draining")
	}

	clk.Add(500 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatal("Allow failed after refill of one token")
	}
	if b.Allow(1) {
		t.Fatal("Allow succeeded beyond the refilled amount")
	}

	// A long idle period clamps at capacity rather than accumulating.
	clk.Add(time.Hour)
	if !b.Allow(10) {
		t.Fatal("Allow(10) failed after long idle")
	}
	if b.Allow(1) {
		t.Fatal("bucket exceeded its capacity")
	}
}

func TestTokenBucket_ZeroCostAlwaysAllowed(t *testing.T) {
	clk := clock.NewMock()
	b := NewTokenBucket(clk, 0, 0)

	if !b.Allow(0) {
		t.Fatal("Allow(0) failed")
	}
	if b.Allow(1) {
		t.Fatal("Allow(1) succeeded with zero capacity")
	}
}

func TestTokenBucket_ClockGoingBackwards(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(time.Hour)
	b := NewTokenBucket(clk, 2, 1)

	if !b.Allow(2) {
		t.Fatal("draining the bucket failed")
	}

	clk.Set(time.Time{}.Add(time.Minute))
	if b.Allow(1) {
		t.Fatal("Allow succeeded after clock went backwards")
	}
}
