package repository

import (
	"context"
	"time"

	"github.com/queueworks/goodq/internal/domain"
)

// CandidatesInput selects the next window of fetchable jobs for one pool.
type CandidatesInput struct {
	// Queues is the include list; empty means all queues.
	Queues []string
	// Exclude lists queues to skip (used with an empty include list).
	Exclude []string
	// Ordered pins candidate lookup to the Queues order ahead of the
	// canonical priority ordering.
	Ordered bool
	Limit   int

	// Paused targets are excluded from the candidate set.
	PausedQueues     []string
	PausedJobClasses []string
}

// OutcomeInput is a terminal or retryable outcome persisted atomically with
// its execution record: the job-row update and the append-only history row
// commit in one transaction so a lifeline rescue can never undo a
// just-committed result.
type OutcomeInput struct {
	JobID string

	// Finished marks a terminal outcome (succeeded/discarded/cancelled).
	// When false the job is rescheduled: finished_at stays NULL,
	// performed_at is cleared and scheduled_at is set to RetryAt.
	Finished bool
	RetryAt  time.Time

	ErrMsg   *string
	ErrEvent *domain.ErrorEvent

	// Execution is the attempt history row, written in the same transaction.
	Execution *domain.Execution
}

// Stats is the per-queue breakdown of derived states.
type Stats map[string]map[domain.State]int

// UseCases depend on interfaces, not the pgx implementations, so tests can
// substitute in-memory fakes.
type JobRepository interface {
	// Enqueue inserts a row and returns it. A (cron_key, cron_at) unique
	// violation maps to domain.ErrDuplicateJob.
	Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, error)

	// EnqueueWithConcurrency checks cfg's enqueue limits and inserts the row
	// inside one transaction holding the concurrency key's transaction-scoped
	// advisory lock, so counts cannot race between cooperating producers.
	// Returns domain.ErrConcurrencyLimitExceeded,
	// domain.ErrConcurrencyThrottleExceeded or
	// domain.ErrConcurrencyLockFailed.
	EnqueueWithConcurrency(ctx context.Context, job *domain.Job, cfg *domain.ConcurrencyConfig) (*domain.Job, error)

	// CheckPerform decides whether a run for the key may start now, under
	// the same transaction-scoped key lock.
	CheckPerform(ctx context.Context, key string, cfg *domain.ConcurrencyConfig) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	GetByActiveJobID(ctx context.Context, activeJobID string) (*domain.Job, error)
	Delete(ctx context.Context, id string) error

	// Retry re-opens a discarded job: clears finished_at/error and queues it
	// immediately. Returns domain.ErrJobNotDiscarded otherwise.
	Retry(ctx context.Context, id string) (*domain.Job, error)

	// Candidates returns queued jobs (not paused, due now) in canonical
	// order: priority ASC NULLS LAST, COALESCE(scheduled_at, created_at)
	// ASC, created_at ASC, id ASC.
	Candidates(ctx context.Context, input CandidatesInput) ([]*domain.Job, error)

	// Stamp claims a queued job for processID: sets locked_by_id, locked_at
	// and performed_at, and increments executions_count both in the column
	// and inside the payload. Fails with domain.ErrJobNotFound if the row is
	// no longer queued (the caller then releases its advisory lock and moves
	// on).
	Stamp(ctx context.Context, id, processID string) (*domain.Job, error)

	// PersistOutcome writes the outcome and the execution record in a single
	// transaction. The update is guarded by finished_at IS NULL.
	PersistOutcome(ctx context.Context, input OutcomeInput) error

	// Release returns a claimed job to the queue without recording an
	// outcome: clears the lock columns and performed_at. decrementExecutions
	// undoes the Stamp increment (shutdown interrupt must not consume an
	// attempt). scheduledAt, when non-nil, pushes the job into the future
	// (limiter snooze).
	Release(ctx context.Context, id string, decrementExecutions bool, scheduledAt *time.Time) error

	Stats(ctx context.Context) (Stats, error)

	// DeleteFinishedBefore prunes terminal rows older than cutoff, at most
	// limit per call.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)

	// Stuck returns jobs that look abandoned: performing, unfinished, locked
	// before cutoff. The lifeline still verifies the advisory lock is free
	// before rescuing.
	Stuck(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error)

	// Rescue returns an abandoned job to queued. Guarded by finished_at IS
	// NULL; reports whether a row was changed.
	Rescue(ctx context.Context, id string) (bool, error)
}
