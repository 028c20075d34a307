package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/queueworks/goodq/internal/domain"
)

const executionColumns = `id, active_job_id, job_class, queue_name,
	serialized_params, scheduled_at, performed_at, finished_at, duration,
	error, error_event, error_backtrace, process_id, created_at`

type ExecutionStore struct {
	pool *pgxpool.Pool
}

func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

func (s *ExecutionStore) ListByActiveJobID(ctx context.Context, activeJobID string) ([]*domain.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM good_job_executions
		WHERE active_job_id = $1
		ORDER BY performed_at ASC`, activeJobID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func (s *ExecutionStore) DeleteForFinishedJobsBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM good_job_executions
		WHERE id IN (
			SELECT id FROM good_job_executions
			WHERE finished_at IS NOT NULL AND finished_at < $1
			LIMIT $2
		)`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var e domain.Execution
	err := row.Scan(
		&e.ID, &e.ActiveJobID, &e.JobClass, &e.QueueName,
		&e.SerializedParams, &e.ScheduledAt, &e.PerformedAt, &e.FinishedAt, &e.Duration,
		&e.Error, &e.ErrorEvent, &e.ErrorBacktrace, &e.ProcessID, &e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	return &e, nil
}
