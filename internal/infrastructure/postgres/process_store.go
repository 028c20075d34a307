package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ProcessStore maintains the shared process registry. Rows are advisory:
// other processes (and the dashboard, if any) use them to attribute locks
// and display fleet state; a crashed process leaves a stale row that the
// next heartbeat sweep of any peer may remove.
type ProcessStore struct {
	pool *pgxpool.Pool
}

func NewProcessStore(pool *pgxpool.Pool) *ProcessStore {
	return &ProcessStore{pool: pool}
}

func (s *ProcessStore) Register(ctx context.Context, id string, state []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO good_job_processes (id, state)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`,
		id, state)
	if err != nil {
		return fmt.Errorf("register process: %w", err)
	}
	return nil
}

func (s *ProcessStore) Heartbeat(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE good_job_processes SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("process heartbeat: %w", err)
	}
	return nil
}

func (s *ProcessStore) Deregister(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM good_job_processes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deregister process: %w", err)
	}
	return nil
}
