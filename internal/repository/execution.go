package repository

import (
	"context"
	"time"

	"github.com/queueworks/goodq/internal/domain"
)

type ExecutionRepository interface {
	// ListByActiveJobID returns all attempts for a job, ordered by
	// performed_at ASC.
	ListByActiveJobID(ctx context.Context, activeJobID string) ([]*domain.Execution, error)

	// DeleteForFinishedJobsBefore prunes history alongside the job pruner.
	DeleteForFinishedJobsBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}
