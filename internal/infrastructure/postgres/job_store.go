package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/queueworks/goodq/internal/domain"
	"github.com/queueworks/goodq/internal/limiter"
	"github.com/queueworks/goodq/internal/repository"
)

const jobColumns = `id, active_job_id, job_class, queue_name, priority,
	serialized_params, scheduled_at, performed_at, finished_at,
	locked_by_id, locked_at, executions_count, error, error_event,
	concurrency_key, labels, cron_key, cron_at, batch_id, retried_from_id,
	created_at, updated_at`

type JobStore struct {
	pool *pgxpool.Pool
}

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

func (s *JobStore) Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	return enqueue(ctx, s.pool, job)
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func enqueue(ctx context.Context, q querier, job *domain.Job) (*domain.Job, error) {
	query := `
		INSERT INTO good_jobs (
			active_job_id, job_class, queue_name, priority, serialized_params,
			scheduled_at, executions_count, concurrency_key, labels,
			cron_key, cron_at, batch_id, retried_from_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + jobColumns

	row := q.QueryRow(ctx, query,
		job.ActiveJobID,
		job.JobClass,
		job.QueueName,
		job.Priority,
		job.SerializedParams,
		job.ScheduledAt,
		job.ExecutionsCount,
		job.ConcurrencyKey,
		job.Labels,
		job.CronKey,
		job.CronAt,
		job.BatchID,
		job.RetriedFromID,
	)

	created, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateJob
		}
		return nil, err
	}
	return created, nil
}

// EnqueueWithConcurrency inserts under the concurrency key's
// transaction-scoped advisory lock so the limit counts cannot race with
// other producers — including ones in other processes and languages.
func (s *JobStore) EnqueueWithConcurrency(ctx context.Context, job *domain.Job, cfg *domain.ConcurrencyConfig) (*domain.Job, error) {
	if job.ConcurrencyKey == nil || !limiter.NeedsEnqueueCheck(cfg) {
		return s.Enqueue(ctx, job)
	}
	key := *job.ConcurrencyKey

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := acquireKeyLockTx(ctx, tx, key); err != nil {
		return nil, err
	}

	counts := limiter.EnqueueCounts{}
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE finished_at IS NULL),
		       COUNT(*) FILTER (WHERE finished_at IS NULL AND performed_at IS NULL)
		FROM good_jobs WHERE concurrency_key = $1`, key,
	).Scan(&counts.Unfinished, &counts.Enqueued); err != nil {
		return nil, fmt.Errorf("count concurrency key %q: %w", key, err)
	}
	if t := cfg.EnqueueThrottle; t != nil && t.Limit > 0 {
		since := time.Now().Add(-t.Window)
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM good_jobs
			WHERE concurrency_key = $1 AND created_at >= $2`, key, since,
		).Scan(&counts.EnqueuedInWindow); err != nil {
			return nil, fmt.Errorf("count enqueue throttle window: %w", err)
		}
	}

	if err := limiter.EnqueueDecision(cfg, counts); err != nil {
		return nil, err
	}

	created, err := enqueue(ctx, tx, job)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return created, nil
}

// CheckPerform decides whether a run may start for the key right now. The
// counts are taken under the key's transaction advisory lock; the caller
// already holds the job's own session lock, which serializes the stamp.
func (s *JobStore) CheckPerform(ctx context.Context, key string, cfg *domain.ConcurrencyConfig) error {
	if key == "" || !limiter.NeedsPerformCheck(cfg) {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := acquireKeyLockTx(ctx, tx, key); err != nil {
		return err
	}

	counts := limiter.PerformCounts{}
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE finished_at IS NULL),
		       COUNT(*) FILTER (WHERE finished_at IS NULL AND performed_at IS NOT NULL AND locked_by_id IS NOT NULL)
		FROM good_jobs WHERE concurrency_key = $1`, key,
	).Scan(&counts.Unfinished, &counts.Performing); err != nil {
		return fmt.Errorf("count concurrency key %q: %w", key, err)
	}
	if t := cfg.PerformThrottle; t != nil && t.Limit > 0 {
		since := time.Now().Add(-t.Window)
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM good_job_executions e
			WHERE e.performed_at >= $2
			  AND e.active_job_id IN (
				SELECT active_job_id FROM good_jobs WHERE concurrency_key = $1
			  )`, key, since,
		).Scan(&counts.PerformedInWindow); err != nil {
			return fmt.Errorf("count perform throttle window: %w", err)
		}
	}

	if err := limiter.PerformDecision(cfg, counts); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func acquireKeyLockTx(ctx context.Context, tx pgx.Tx, key string) error {
	var acquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, lockKey(key)).Scan(&acquired); err != nil {
		return fmt.Errorf("try xact advisory lock: %w", err)
	}
	if !acquired {
		return domain.ErrConcurrencyLockFailed
	}
	return nil
}

func (s *JobStore) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM good_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *JobStore) GetByActiveJobID(ctx context.Context, activeJobID string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM good_jobs WHERE active_job_id = $1`, activeJobID)
	return scanJob(row)
}

func (s *JobStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM good_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *JobStore) Retry(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE good_jobs
		SET    finished_at  = NULL,
		       error        = NULL,
		       error_event  = NULL,
		       scheduled_at = NOW(),
		       performed_at = NULL,
		       locked_by_id = NULL,
		       locked_at    = NULL,
		       updated_at   = NOW()
		WHERE  id = $1 AND finished_at IS NOT NULL AND error IS NOT NULL
		RETURNING `+jobColumns, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			// Distinguish not-found from not-discarded.
			if _, getErr := s.GetByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrJobNotDiscarded
		}
		return nil, err
	}
	return job, nil
}

// Candidates returns the next fetchable window. The ordering here is the
// single source of truth for every fetcher sharing the table.
func (s *JobStore) Candidates(ctx context.Context, input repository.CandidatesInput) ([]*domain.Job, error) {
	args := []any{}
	where := []string{
		"finished_at IS NULL",
		"performed_at IS NULL",
		"(scheduled_at IS NULL OR scheduled_at <= NOW())",
	}

	orderPrefix := ""
	if len(input.Queues) > 0 {
		args = append(args, input.Queues)
		where = append(where, fmt.Sprintf("queue_name = ANY($%d)", len(args)))
		if input.Ordered {
			orderPrefix = fmt.Sprintf("array_position($%d::text[], queue_name) ASC, ", len(args))
		}
	}
	if len(input.Exclude) > 0 {
		args = append(args, input.Exclude)
		where = append(where, fmt.Sprintf("queue_name <> ALL($%d)", len(args)))
	}
	if len(input.PausedQueues) > 0 {
		args = append(args, input.PausedQueues)
		where = append(where, fmt.Sprintf("queue_name <> ALL($%d)", len(args)))
	}
	if len(input.PausedJobClasses) > 0 {
		args = append(args, input.PausedJobClasses)
		where = append(where, fmt.Sprintf("job_class <> ALL($%d)", len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT %s FROM good_jobs
		WHERE %s
		ORDER BY %spriority ASC NULLS LAST,
		         COALESCE(scheduled_at, created_at) ASC,
		         created_at ASC,
		         id ASC
		LIMIT $%d`,
		jobColumns, strings.Join(where, " AND "), orderPrefix, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Stamp claims the row for processID. The executions counter is bumped in
// the column and mirrored into the payload in the same statement, so the
// two can never diverge.
func (s *JobStore) Stamp(ctx context.Context, id, processID string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE good_jobs
		SET    locked_by_id      = $2,
		       locked_at         = NOW(),
		       performed_at      = NOW(),
		       executions_count  = executions_count + 1,
		       serialized_params = jsonb_set(serialized_params, '{executions}', to_jsonb(executions_count + 1)),
		       updated_at        = NOW()
		WHERE  id = $1 AND finished_at IS NULL AND performed_at IS NULL
		RETURNING `+jobColumns, id, processID)
	return scanJob(row)
}

// PersistOutcome writes the job-row update and the execution history row in
// one transaction. The finished_at IS NULL guard enforces terminal
// monotonicity: once a terminal outcome commits, nothing re-opens the row.
func (s *JobStore) PersistOutcome(ctx context.Context, input repository.OutcomeInput) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tag pgconn.CommandTag
	if input.Finished {
		tag, err = tx.Exec(ctx, `
			UPDATE good_jobs
			SET    finished_at  = NOW(),
			       scheduled_at = CASE WHEN $2::text IS NULL THEN scheduled_at ELSE NULL END,
			       error        = $2,
			       error_event  = $3,
			       locked_by_id = NULL,
			       locked_at    = NULL,
			       updated_at   = NOW()
			WHERE  id = $1 AND finished_at IS NULL`,
			input.JobID, input.ErrMsg, input.ErrEvent)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE good_jobs
			SET    scheduled_at = $2,
			       performed_at = NULL,
			       error        = $3,
			       error_event  = $4,
			       locked_by_id = NULL,
			       locked_at    = NULL,
			       updated_at   = NOW()
			WHERE  id = $1 AND finished_at IS NULL`,
			input.JobID, input.RetryAt, input.ErrMsg, input.ErrEvent)
	}
	if err != nil {
		return fmt.Errorf("persist outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobFinished
	}

	if e := input.Execution; e != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO good_job_executions (
				active_job_id, job_class, queue_name, serialized_params,
				scheduled_at, performed_at, finished_at, duration,
				error, error_event, error_backtrace, process_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			e.ActiveJobID, e.JobClass, e.QueueName, e.SerializedParams,
			e.ScheduledAt, e.PerformedAt, e.FinishedAt, e.Duration,
			e.Error, e.ErrorEvent, e.ErrorBacktrace, e.ProcessID)
		if err != nil {
			return fmt.Errorf("insert execution record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *JobStore) Release(ctx context.Context, id string, decrementExecutions bool, scheduledAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE good_jobs
		SET    locked_by_id      = NULL,
		       locked_at         = NULL,
		       performed_at      = NULL,
		       scheduled_at      = COALESCE($3, scheduled_at),
		       executions_count  = CASE WHEN $2 THEN executions_count - 1 ELSE executions_count END,
		       serialized_params = CASE WHEN $2
		                            THEN jsonb_set(serialized_params, '{executions}', to_jsonb(executions_count - 1))
		                            ELSE serialized_params END,
		       updated_at        = NOW()
		WHERE  id = $1 AND finished_at IS NULL`,
		id, decrementExecutions, scheduledAt)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobFinished
	}
	return nil
}

func (s *JobStore) Stats(ctx context.Context) (repository.Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue_name,
		       COUNT(*) FILTER (WHERE finished_at IS NULL AND scheduled_at IS NOT NULL AND scheduled_at > NOW()),
		       COUNT(*) FILTER (WHERE finished_at IS NULL AND (scheduled_at IS NULL OR scheduled_at <= NOW()) AND performed_at IS NULL),
		       COUNT(*) FILTER (WHERE finished_at IS NULL AND performed_at IS NOT NULL AND locked_by_id IS NOT NULL),
		       COUNT(*) FILTER (WHERE finished_at IS NOT NULL AND error IS NULL),
		       COUNT(*) FILTER (WHERE finished_at IS NOT NULL AND error IS NOT NULL)
		FROM good_jobs
		GROUP BY queue_name`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := repository.Stats{}
	for rows.Next() {
		var queue string
		var scheduled, queued, running, succeeded, discarded int
		if err := rows.Scan(&queue, &scheduled, &queued, &running, &succeeded, &discarded); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[queue] = map[domain.State]int{
			domain.StateScheduled: scheduled,
			domain.StateQueued:    queued,
			domain.StateRunning:   running,
			domain.StateSucceeded: succeeded,
			domain.StateDiscarded: discarded,
		}
	}
	return stats, rows.Err()
}

func (s *JobStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM good_jobs
		WHERE id IN (
			SELECT id FROM good_jobs
			WHERE finished_at IS NOT NULL AND finished_at < $1
			LIMIT $2
		)`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("prune finished jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobStore) Stuck(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM good_jobs
		WHERE  performed_at IS NOT NULL
		  AND  finished_at IS NULL
		  AND  locked_at IS NOT NULL
		  AND  locked_at < $1
		ORDER BY locked_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Rescue returns an abandoned row to the queue, recording the interruption
// so the history shows why the attempt vanished.
func (s *JobStore) Rescue(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE good_jobs
		SET    locked_by_id = NULL,
		       locked_at    = NULL,
		       performed_at = NULL,
		       error        = $2,
		       error_event  = $3,
		       updated_at   = NOW()
		WHERE  id = $1 AND finished_at IS NULL`,
		id, "interrupted after starting perform without finishing", domain.ErrorEventInterrupted)
	if err != nil {
		return false, fmt.Errorf("rescue job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Notify publishes a dispatch hint on the shared channel. Losing it is
// harmless: pollers cover the gap.
func (s *JobStore) Notify(ctx context.Context, channel string, payload []byte) error {
	_, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload))
	if err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// pgx.Row and pgx.Rows both implement this.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.ActiveJobID, &j.JobClass, &j.QueueName, &j.Priority,
		&j.SerializedParams, &j.ScheduledAt, &j.PerformedAt, &j.FinishedAt,
		&j.LockedByID, &j.LockedAt, &j.ExecutionsCount, &j.Error, &j.ErrorEvent,
		&j.ConcurrencyKey, &j.Labels, &j.CronKey, &j.CronAt, &j.BatchID, &j.RetriedFromID,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}
