package domain

import (
	"time"
)

// State is the logical classification of a job row. It is always derived
// from the timestamp columns and never stored as an enum, so that every
// process sharing the table computes it identically.
type State string

const (
	StateScheduled State = "scheduled"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateDiscarded State = "discarded"
	StateRetried   State = "retried"
)

// ErrorEvent mirrors the wire-compatible enum persisted in
// good_jobs.error_event; the numeric values are shared with other-language
// workers and must not be reordered.
type ErrorEvent int16

const (
	ErrorEventInterrupted ErrorEvent = iota
	ErrorEventUnhandled
	ErrorEventHandled
	ErrorEventRetried
	ErrorEventRetryStopped
	ErrorEventDiscarded
)

// Job is one enqueueable unit of work: a single row in good_jobs.
// Ownership during execution is represented by the advisory lock plus the
// LockedByID marker, never by an in-memory object.
type Job struct {
	ID          string
	ActiveJobID string // externally visible UUID, distinct from ID
	JobClass    string // canonical wire name, e.g. "Namespace::Name"
	QueueName   string
	Priority    int

	// SerializedParams is the raw wire payload (JSONB). The executions
	// counter inside it is kept in sync with ExecutionsCount on every write.
	SerializedParams []byte

	ScheduledAt *time.Time
	PerformedAt *time.Time
	FinishedAt  *time.Time

	LockedByID *string // process UUID of the current owner
	LockedAt   *time.Time

	ExecutionsCount int
	Error           *string
	ErrorEvent      *ErrorEvent

	ConcurrencyKey *string
	Labels         []string

	CronKey *string
	CronAt  *time.Time

	BatchID       *string
	RetriedFromID *string // back-pointer to the row this one replaces

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StateAt derives the job's logical state as of now. Precedence matters:
// terminal states win, then running, then the retried marker, then the
// scheduled/queued split. Candidate selection in SQL uses the queued
// predicate directly and ignores the retried marker, so a replacement row
// is still fetchable.
func (j *Job) StateAt(now time.Time) State {
	if j.FinishedAt != nil {
		if j.Error != nil {
			return StateDiscarded
		}
		return StateSucceeded
	}
	if j.PerformedAt != nil && j.LockedByID != nil {
		return StateRunning
	}
	if j.RetriedFromID != nil && j.PerformedAt == nil && j.ExecutionsCount == 0 {
		return StateRetried
	}
	if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
		return StateScheduled
	}
	return StateQueued
}

func (j *Job) State() State {
	return j.StateAt(time.Now())
}
