// Package cron turns static schedule entries into enqueued jobs. Multiple
// processes may run the same schedule: the unique (cron_key, cron_at) index
// makes concurrent enqueues of the same occurrence collapse to one row.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/queueworks/goodq/internal/domain"
)

// Reboot fires once when the manager starts instead of on a calendar
// schedule. Its occurrence time is the manager start time, so restarts
// within the same second still dedupe.
const Reboot = "@reboot"

// Entry is one line of the static cron schedule.
type Entry struct {
	// Key identifies the entry; it becomes the job row's cron_key.
	Key string
	// Expression is a five-field cron expression, a descriptor such as
	// "@hourly", or Reboot.
	Expression string
	Class      string
	Args       []any
	Queue      string
	Priority   *int
	// Enabled defaults to true when nil. Disabled entries stay in the
	// schedule definition but never fire.
	Enabled *bool
}

// Enqueuer inserts one occurrence of a schedule entry. Implementations set
// cron_key and cron_at from the arguments and surface
// domain.ErrDuplicateJob on the unique-index collision.
type Enqueuer interface {
	EnqueueCron(ctx context.Context, entry Entry, at time.Time) error
}

type scheduled struct {
	entry Entry
	sched cron.Schedule
	next  time.Time
}

// Manager owns the schedule loop for one process.
type Manager struct {
	enqueuer Enqueuer
	logger   *slog.Logger

	entries []scheduled
	reboots []Entry
}

// NewManager validates every expression up front; a bad schedule is a
// configuration error, not something to discover at 3am.
func NewManager(entries []Entry, enqueuer Enqueuer, logger *slog.Logger) (*Manager, error) {
	m := &Manager{enqueuer: enqueuer, logger: logger}
	for _, e := range entries {
		if e.Key == "" {
			return nil, fmt.Errorf("cron entry for class %q has no key", e.Class)
		}
		if e.Enabled != nil && !*e.Enabled {
			continue
		}
		if e.Expression == Reboot {
			m.reboots = append(m.reboots, e)
			continue
		}
		sched, err := cron.ParseStandard(e.Expression)
		if err != nil {
			return nil, fmt.Errorf("cron entry %q: parse %q: %w", e.Key, e.Expression, err)
		}
		m.entries = append(m.entries, scheduled{entry: e, sched: sched})
	}
	return m, nil
}

// Run blocks until ctx is cancelled. @reboot entries fire immediately, then
// the loop sleeps until the earliest upcoming occurrence.
func (m *Manager) Run(ctx context.Context) {
	start := time.Now().UTC().Truncate(time.Second)
	for _, e := range m.reboots {
		m.enqueue(ctx, e, start)
	}

	now := time.Now()
	for i := range m.entries {
		m.entries[i].next = m.entries[i].sched.Next(now)
	}

	for {
		next, ok := m.earliest()
		if !ok {
			<-ctx.Done()
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		now = time.Now()
		for i := range m.entries {
			e := &m.entries[i]
			for !e.next.After(now) {
				m.enqueue(ctx, e.entry, e.next)
				e.next = e.sched.Next(e.next)
			}
		}
	}
}

func (m *Manager) earliest() (time.Time, bool) {
	var next time.Time
	for _, e := range m.entries {
		if next.IsZero() || e.next.Before(next) {
			next = e.next
		}
	}
	return next, !next.IsZero()
}

func (m *Manager) enqueue(ctx context.Context, e Entry, at time.Time) {
	err := m.enqueuer.EnqueueCron(ctx, e, at.UTC())
	switch {
	case err == nil:
		m.logger.InfoContext(ctx, "enqueued cron job",
			slog.String("cron_key", e.Key),
			slog.String("job_class", e.Class),
			slog.Time("cron_at", at))
	case errors.Is(err, domain.ErrDuplicateJob):
		// Another process won the race for this occurrence.
		m.logger.DebugContext(ctx, "cron occurrence already enqueued",
			slog.String("cron_key", e.Key),
			slog.Time("cron_at", at))
	default:
		m.logger.ErrorContext(ctx, "failed to enqueue cron job",
			slog.String("cron_key", e.Key),
			slog.Any("error", err))
	}
}
