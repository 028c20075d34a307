package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/queueworks/goodq/internal/repository"
)

const pausesKey = "pauses"

// PauseStore keeps the operator pause registry in good_job_settings under a
// single key, so pauses take effect across every process without a restart.
type PauseStore struct {
	pool *pgxpool.Pool
}

func NewPauseStore(pool *pgxpool.Pool) *PauseStore {
	return &PauseStore{pool: pool}
}

type pausesDoc struct {
	Queues     []string `json:"queues"`
	JobClasses []string `json:"job_classes"`
}

func (s *PauseStore) Paused(ctx context.Context) (repository.Pauses, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM good_job_settings WHERE key = $1`, pausesKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.Pauses{}, nil
	}
	if err != nil {
		return repository.Pauses{}, fmt.Errorf("read pauses: %w", err)
	}

	var doc pausesDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return repository.Pauses{}, fmt.Errorf("decode pauses: %w", err)
	}
	return repository.Pauses{Queues: doc.Queues, JobClasses: doc.JobClasses}, nil
}

func (s *PauseStore) PauseQueue(ctx context.Context, name string) error {
	return s.update(ctx, func(doc *pausesDoc) { doc.Queues = addName(doc.Queues, name) })
}

func (s *PauseStore) UnpauseQueue(ctx context.Context, name string) error {
	return s.update(ctx, func(doc *pausesDoc) { doc.Queues = removeName(doc.Queues, name) })
}

func (s *PauseStore) PauseJobClass(ctx context.Context, name string) error {
	return s.update(ctx, func(doc *pausesDoc) { doc.JobClasses = addName(doc.JobClasses, name) })
}

func (s *PauseStore) UnpauseJobClass(ctx context.Context, name string) error {
	return s.update(ctx, func(doc *pausesDoc) { doc.JobClasses = removeName(doc.JobClasses, name) })
}

// update applies fn under a row lock so concurrent operator actions cannot
// drop each other's changes.
func (s *PauseStore) update(ctx context.Context, fn func(*pausesDoc)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT value FROM good_job_settings WHERE key = $1 FOR UPDATE`, pausesKey).Scan(&raw)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read pauses: %w", err)
	}

	doc := pausesDoc{Queues: []string{}, JobClasses: []string{}}
	if raw != nil {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decode pauses: %w", err)
		}
	}
	fn(&doc)

	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode pauses: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO good_job_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		pausesKey, out); err != nil {
		return fmt.Errorf("write pauses: %w", err)
	}
	return tx.Commit(ctx)
}

func addName(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
