package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/queueworks/goodq/internal/domain"
	"github.com/queueworks/goodq/internal/limiter"
	"github.com/queueworks/goodq/internal/metrics"
	"github.com/queueworks/goodq/internal/queues"
	"github.com/queueworks/goodq/internal/repository"
)

// concurrencySnooze is how far a job is pushed back when its concurrency
// key refuses the run. Short enough to retry promptly, long enough that
// blocked jobs do not spin through the fetch loop.
const concurrencySnooze = 30 * time.Second

// Claimed pairs a stamped job with its held advisory lock. The caller must
// release the lock after the job settles.
type Claimed struct {
	Job  *domain.Job
	Lock repository.Lock
}

// Fetcher turns the candidate window into claimed jobs. Claiming is
// lock-first: the advisory lock is the ownership claim, the Stamp is the
// visible record of it.
type Fetcher struct {
	jobs      repository.JobRepository
	pauses    repository.PauseRepository
	locker    repository.AdvisoryLocker
	registry  *domain.Registry
	logger    *slog.Logger
	processID string
	pool      queues.Pool
}

func NewFetcher(
	jobs repository.JobRepository,
	pauses repository.PauseRepository,
	locker repository.AdvisoryLocker,
	registry *domain.Registry,
	logger *slog.Logger,
	processID string,
	pool queues.Pool,
) *Fetcher {
	return &Fetcher{
		jobs:      jobs,
		pauses:    pauses,
		locker:    locker,
		registry:  registry,
		logger:    logger.With("component", "fetcher"),
		processID: processID,
		pool:      pool,
	}
}

// Fetch claims up to limit jobs. The candidate window is wider than the
// ask because other processes race us for the same rows.
func (f *Fetcher) Fetch(ctx context.Context, limit int) ([]Claimed, error) {
	if limit <= 0 {
		return nil, nil
	}

	paused, err := f.pauses.Paused(ctx)
	if err != nil {
		return nil, err
	}

	window := 2 * limit
	if window < 5 {
		window = 5
	}
	input := repository.CandidatesInput{
		Exclude:          f.pool.Exclude,
		Ordered:          f.pool.Ordered,
		Limit:            window,
		PausedQueues:     paused.Queues,
		PausedJobClasses: paused.JobClasses,
	}
	if !f.pool.All() {
		input.Queues = f.pool.Names
	}
	candidates, err := f.jobs.Candidates(ctx, input)
	if err != nil {
		return nil, err
	}

	var claimed []Claimed
	for _, job := range candidates {
		if len(claimed) >= limit {
			break
		}
		c, ok := f.claim(ctx, job)
		if !ok {
			continue
		}
		claimed = append(claimed, c)
	}
	return claimed, nil
}

// claim takes the job's advisory lock, stamps the row, then lets the
// concurrency limiter veto the run. Every failure path releases the lock.
func (f *Fetcher) claim(ctx context.Context, job *domain.Job) (Claimed, bool) {
	lock, ok, err := f.locker.TryAcquire(ctx, f.locker.JobLockKey(job.ID))
	if err != nil {
		f.logger.Error("acquire job lock", "job_id", job.ID, "error", err)
		return Claimed{}, false
	}
	if !ok {
		// Another process owns it.
		return Claimed{}, false
	}

	stamped, err := f.jobs.Stamp(ctx, job.ID, f.processID)
	if err != nil {
		f.release(ctx, lock)
		if !errors.Is(err, domain.ErrJobNotFound) {
			f.logger.Error("stamp job", "job_id", job.ID, "error", err)
		}
		// ErrJobNotFound: the row was finished or claimed between the
		// candidate read and the stamp. Normal churn.
		return Claimed{}, false
	}

	if !f.admit(ctx, stamped) {
		f.release(ctx, lock)
		return Claimed{}, false
	}

	if ref := runnableAt(stamped); !ref.IsZero() {
		metrics.JobPickupLatency.Observe(time.Since(ref).Seconds())
	}
	return Claimed{Job: stamped, Lock: lock}, true
}

// admit applies the perform-side concurrency check. A refusal is not a
// failure: the job goes back to the queue with a snooze and its attempt
// refunded.
func (f *Fetcher) admit(ctx context.Context, job *domain.Job) bool {
	if job.ConcurrencyKey == nil {
		return true
	}
	handler, err := f.registry.Lookup(job.JobClass)
	if err != nil {
		// No handler registered; let the executor record the discard.
		return true
	}
	cfg := handler.Concurrency
	if !limiter.NeedsPerformCheck(cfg) {
		return true
	}

	err = f.jobs.CheckPerform(ctx, *job.ConcurrencyKey, cfg)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrConcurrencyLimitExceeded),
		errors.Is(err, domain.ErrConcurrencyThrottleExceeded),
		errors.Is(err, domain.ErrConcurrencyLockFailed):
		metrics.ConcurrencyRefusalsTotal.WithLabelValues("perform", refusalReason(err)).Inc()
		snoozeAt := time.Now().Add(concurrencySnooze)
		if rerr := f.jobs.Release(ctx, job.ID, true, &snoozeAt); rerr != nil {
			f.logger.Error("release limited job", "job_id", job.ID, "error", rerr)
		}
		f.logger.Debug("job deferred by concurrency limit",
			"job_id", job.ID,
			"concurrency_key", *job.ConcurrencyKey,
			"retry_at", snoozeAt,
		)
		return false
	default:
		f.logger.Error("concurrency perform check", "job_id", job.ID, "error", err)
		if rerr := f.jobs.Release(ctx, job.ID, true, nil); rerr != nil {
			f.logger.Error("release job after check failure", "job_id", job.ID, "error", rerr)
		}
		return false
	}
}

func (f *Fetcher) release(ctx context.Context, lock repository.Lock) {
	if err := lock.Release(ctx); err != nil {
		f.logger.Error("release advisory lock", "error", err)
	}
}

func refusalReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrConcurrencyThrottleExceeded):
		return "throttle"
	case errors.Is(err, domain.ErrConcurrencyLockFailed):
		return "lock"
	default:
		return "limit"
	}
}

// runnableAt is when the job became eligible to run, for pickup latency.
func runnableAt(job *domain.Job) time.Time {
	if job.ScheduledAt != nil {
		return *job.ScheduledAt
	}
	return job.CreatedAt
}
