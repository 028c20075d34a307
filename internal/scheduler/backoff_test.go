package scheduler

import (
	"testing"
	"time"
)

func TestConstantBackoff(t *testing.T) {
	b := ConstantBackoff(3 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		if got := b(attempt); got != 3*time.Second {
			t.Errorf("b(%d) = %v, want 3s", attempt, got)
		}
	}
}

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	base := time.Second
	max := time.Minute
	b := ExponentialBackoff(base, max)

	within := func(attempt int, expected time.Duration) {
		t.Helper()
		got := b(attempt)
		lo := expected - expected/4
		hi := expected + expected/4
		if got < lo || got > hi {
			t.Errorf("b(%d) = %v, want within [%v, %v]", attempt, got, lo, hi)
		}
	}

	within(1, time.Second)
	within(2, 2*time.Second)
	within(3, 4*time.Second)
	// Past the cap everything jitters around max.
	within(10, time.Minute)
	within(100, time.Minute)
}

func TestExponentialBackoffHandlesLowAttempts(t *testing.T) {
	b := ExponentialBackoff(time.Second, time.Minute)
	for _, attempt := range []int{-1, 0, 1} {
		got := b(attempt)
		if got <= 0 || got > 2*time.Second {
			t.Errorf("b(%d) = %v, want around 1s", attempt, got)
		}
	}
}
