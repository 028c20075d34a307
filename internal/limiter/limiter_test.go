package limiter

import (
	"errors"
	"testing"
	"time"

	"github.com/queueworks/goodq/internal/domain"
)

func TestEnqueueDecision(t *testing.T) {
	cfg := &domain.ConcurrencyConfig{
		TotalLimit:      5,
		EnqueueLimit:    2,
		EnqueueThrottle: &domain.Throttle{Limit: 10, Window: time.Minute},
	}

	if err := EnqueueDecision(cfg, EnqueueCounts{Unfinished: 1, Enqueued: 1}); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if err := EnqueueDecision(cfg, EnqueueCounts{Unfinished: 5}); !errors.Is(err, domain.ErrConcurrencyLimitExceeded) {
		t.Fatalf("total limit: got %v", err)
	}
	if err := EnqueueDecision(cfg, EnqueueCounts{Enqueued: 2}); !errors.Is(err, domain.ErrConcurrencyLimitExceeded) {
		t.Fatalf("enqueue limit: got %v", err)
	}
	if err := EnqueueDecision(cfg, EnqueueCounts{EnqueuedInWindow: 10}); !errors.Is(err, domain.ErrConcurrencyThrottleExceeded) {
		t.Fatalf("throttle: got %v", err)
	}
	if err := EnqueueDecision(nil, EnqueueCounts{Unfinished: 100}); err != nil {
		t.Fatalf("nil config must allow: got %v", err)
	}
}

// When both the limit and the throttle would reject, the limit wins: the
// checks run in declaration order.
func TestEnqueueDecisionLimitBeforeThrottle(t *testing.T) {
	cfg := &domain.ConcurrencyConfig{
		EnqueueLimit:    1,
		EnqueueThrottle: &domain.Throttle{Limit: 1, Window: time.Minute},
	}
	err := EnqueueDecision(cfg, EnqueueCounts{Enqueued: 1, EnqueuedInWindow: 1})
	if !errors.Is(err, domain.ErrConcurrencyLimitExceeded) {
		t.Fatalf("got %v, want limit exceeded", err)
	}
}

func TestPerformDecision(t *testing.T) {
	cfg := &domain.ConcurrencyConfig{
		PerformLimit:    1,
		PerformThrottle: &domain.Throttle{Limit: 3, Window: time.Minute},
	}

	if err := PerformDecision(cfg, PerformCounts{}); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if err := PerformDecision(cfg, PerformCounts{Performing: 2}); !errors.Is(err, domain.ErrConcurrencyLimitExceeded) {
		t.Fatalf("perform limit: got %v", err)
	}
	if err := PerformDecision(cfg, PerformCounts{PerformedInWindow: 3}); !errors.Is(err, domain.ErrConcurrencyThrottleExceeded) {
		t.Fatalf("perform throttle: got %v", err)
	}
}

// The claiming job is stamped before the counts are taken, so the sole job
// holding a key must still pass a perform limit of one.
func TestPerformDecisionPerformLimitCountsSelf(t *testing.T) {
	cfg := &domain.ConcurrencyConfig{PerformLimit: 1}
	if err := PerformDecision(cfg, PerformCounts{Unfinished: 1, Performing: 1}); err != nil {
		t.Fatalf("got %v, want ok", err)
	}
	if err := PerformDecision(cfg, PerformCounts{Unfinished: 2, Performing: 2}); !errors.Is(err, domain.ErrConcurrencyLimitExceeded) {
		t.Fatalf("got %v, want limit exceeded", err)
	}
}

// The claiming worker is already counted in Unfinished, so a total limit of
// N must still allow N in-flight jobs.
func TestPerformDecisionTotalLimitCountsSelf(t *testing.T) {
	cfg := &domain.ConcurrencyConfig{TotalLimit: 1}
	if err := PerformDecision(cfg, PerformCounts{Unfinished: 1}); err != nil {
		t.Fatalf("got %v, want ok", err)
	}
	if err := PerformDecision(cfg, PerformCounts{Unfinished: 2}); !errors.Is(err, domain.ErrConcurrencyLimitExceeded) {
		t.Fatalf("got %v, want limit exceeded", err)
	}
}

func TestNeedsChecks(t *testing.T) {
	if NeedsEnqueueCheck(nil) || NeedsPerformCheck(nil) {
		t.Fatal("nil config needs no checks")
	}
	if NeedsEnqueueCheck(&domain.ConcurrencyConfig{PerformLimit: 1}) {
		t.Fatal("perform-only config needs no enqueue check")
	}
	if !NeedsPerformCheck(&domain.ConcurrencyConfig{PerformLimit: 1}) {
		t.Fatal("perform limit requires perform check")
	}
	if !NeedsEnqueueCheck(&domain.ConcurrencyConfig{EnqueueThrottle: &domain.Throttle{Limit: 2, Window: time.Second}}) {
		t.Fatal("enqueue throttle requires enqueue check")
	}
}
