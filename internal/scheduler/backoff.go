package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// DefaultBackoff is the retry delay used when a handler does not set one.
var DefaultBackoff = ConstantBackoff(3 * time.Second)

// ConstantBackoff waits the same duration after every failed attempt.
func ConstantBackoff(d time.Duration) func(attempt int) time.Duration {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff doubles the delay per attempt up to max, with up to
// 25% jitter either way so retrying jobs do not stampede in lockstep.
func ExponentialBackoff(base, max time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
		if delay > max || delay <= 0 {
			delay = max
		}
		jitter := time.Duration(rand.Int63n(int64(delay/2))) - delay/4
		return delay + jitter
	}
}
