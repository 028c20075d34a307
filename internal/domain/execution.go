package domain

import "time"

// Execution is one append-only history row: a single attempt at running a
// job. It is written in the same transaction as the job-row update so a
// lifeline rescue can never observe a half-recorded outcome.
type Execution struct {
	ID          string
	ActiveJobID string
	JobClass    string
	QueueName   string

	SerializedParams []byte
	ScheduledAt      *time.Time

	PerformedAt time.Time
	FinishedAt  *time.Time
	Duration    *time.Duration

	Error          *string
	ErrorEvent     *ErrorEvent
	ErrorBacktrace []string

	ProcessID string

	CreatedAt time.Time
}

// Process identifies one worker OS process in the shared registry. Other
// processes use it to attribute locks and to display fleet state.
type Process struct {
	ID        string
	State     []byte // jsonb blob: hostname, pid, queues, schedulers
	CreatedAt time.Time
	UpdatedAt time.Time
}
