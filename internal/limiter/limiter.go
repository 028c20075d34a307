// Package limiter holds the concurrency limit and throttle decision logic.
// The decisions are pure functions over counts; the caller gathers the
// counts inside a transaction that holds the concurrency key's
// transaction-scoped advisory lock, so the numbers cannot race.
package limiter

import (
	"github.com/queueworks/goodq/internal/domain"
)

// EnqueueCounts is the state observed under the key lock at enqueue time.
type EnqueueCounts struct {
	Unfinished       int // enqueued + performing
	Enqueued         int // enqueued only, not yet performing
	EnqueuedInWindow int // enqueues inside the throttle window
}

// PerformCounts is the state observed under the key lock before a run.
type PerformCounts struct {
	Unfinished        int
	Performing        int
	PerformedInWindow int // attempts started inside the throttle window
}

// EnqueueDecision returns nil when the producer may insert the job.
// Limits are checked before throttles.
func EnqueueDecision(cfg *domain.ConcurrencyConfig, c EnqueueCounts) error {
	if cfg == nil {
		return nil
	}
	if cfg.TotalLimit > 0 && c.Unfinished >= cfg.TotalLimit {
		return domain.ErrConcurrencyLimitExceeded
	}
	if cfg.EnqueueLimit > 0 && c.Enqueued >= cfg.EnqueueLimit {
		return domain.ErrConcurrencyLimitExceeded
	}
	if t := cfg.EnqueueThrottle; t != nil && t.Limit > 0 && c.EnqueuedInWindow >= t.Limit {
		return domain.ErrConcurrencyThrottleExceeded
	}
	return nil
}

// PerformDecision returns nil when the worker may run the job. A refusal
// sends the job back to the queue with a short snooze rather than failing
// it. The claiming job is already stamped when the counts are taken, so it
// appears in both Unfinished and Performing; the limit checks use > to
// leave room for it.
func PerformDecision(cfg *domain.ConcurrencyConfig, c PerformCounts) error {
	if cfg == nil {
		return nil
	}
	if cfg.TotalLimit > 0 && c.Unfinished > cfg.TotalLimit {
		return domain.ErrConcurrencyLimitExceeded
	}
	if cfg.PerformLimit > 0 && c.Performing > cfg.PerformLimit {
		return domain.ErrConcurrencyLimitExceeded
	}
	if t := cfg.PerformThrottle; t != nil && t.Limit > 0 && c.PerformedInWindow >= t.Limit {
		return domain.ErrConcurrencyThrottleExceeded
	}
	return nil
}

// NeedsEnqueueCheck reports whether the configuration constrains enqueues
// at all; callers skip the locking transaction when it does not.
func NeedsEnqueueCheck(cfg *domain.ConcurrencyConfig) bool {
	if cfg == nil {
		return false
	}
	return cfg.TotalLimit > 0 || cfg.EnqueueLimit > 0 ||
		(cfg.EnqueueThrottle != nil && cfg.EnqueueThrottle.Limit > 0)
}

// NeedsPerformCheck is the perform-side analogue of NeedsEnqueueCheck.
func NeedsPerformCheck(cfg *domain.ConcurrencyConfig) bool {
	if cfg == nil {
		return false
	}
	return cfg.TotalLimit > 0 || cfg.PerformLimit > 0 ||
		(cfg.PerformThrottle != nil && cfg.PerformThrottle.Limit > 0)
}
