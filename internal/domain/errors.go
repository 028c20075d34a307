package domain

import "errors"

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrDuplicateJob    = errors.New("duplicate job")
	ErrJobFinished     = errors.New("job already finished")
	ErrJobNotDiscarded = errors.New("job is not discarded")

	ErrUnknownJobClass = errors.New("unknown job class")

	// Limiter outcomes. These are expected conditions, not faults: on
	// enqueue they surface to the producer, on perform the worker releases
	// the job back to the queue.
	ErrConcurrencyLimitExceeded    = errors.New("concurrency limit exceeded")
	ErrConcurrencyThrottleExceeded = errors.New("concurrency throttle exceeded")
	ErrConcurrencyLockFailed       = errors.New("concurrency key lock not acquired")
)
