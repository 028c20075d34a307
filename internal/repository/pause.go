package repository

import "context"

// Pauses is the operator-controlled exclusion set. Fetchers must skip both
// paused queues and paused job classes during candidate lookup.
type Pauses struct {
	Queues     []string
	JobClasses []string
}

func (p Pauses) QueuePaused(name string) bool {
	for _, q := range p.Queues {
		if q == name {
			return true
		}
	}
	return false
}

func (p Pauses) JobClassPaused(name string) bool {
	for _, c := range p.JobClasses {
		if c == name {
			return true
		}
	}
	return false
}

type PauseRepository interface {
	PauseQueue(ctx context.Context, name string) error
	UnpauseQueue(ctx context.Context, name string) error
	PauseJobClass(ctx context.Context, name string) error
	UnpauseJobClass(ctx context.Context, name string) error
	Paused(ctx context.Context) (Pauses, error)
}
