package domain

import (
	"testing"
	"time"
)

func TestStateAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	errMsg := "boom"
	owner := "c0ffee"
	retriedFrom := "previous-row"

	tests := []struct {
		name string
		job  Job
		want State
	}{
		{
			name: "finished without error is succeeded",
			job:  Job{FinishedAt: &past},
			want: StateSucceeded,
		},
		{
			name: "finished with error is discarded",
			job:  Job{FinishedAt: &past, Error: &errMsg},
			want: StateDiscarded,
		},
		{
			name: "performed and locked is running",
			job:  Job{PerformedAt: &past, LockedByID: &owner},
			want: StateRunning,
		},
		{
			name: "performed without lock falls through to queued",
			job:  Job{PerformedAt: &past},
			want: StateQueued,
		},
		{
			name: "fresh replacement row is retried",
			job:  Job{RetriedFromID: &retriedFrom},
			want: StateRetried,
		},
		{
			name: "replacement row with attempts is queued",
			job:  Job{RetriedFromID: &retriedFrom, ExecutionsCount: 1},
			want: StateQueued,
		},
		{
			name: "future scheduled_at is scheduled",
			job:  Job{ScheduledAt: &future},
			want: StateScheduled,
		},
		{
			name: "past scheduled_at is queued",
			job:  Job{ScheduledAt: &past},
			want: StateQueued,
		},
		{
			name: "bare row is queued",
			job:  Job{},
			want: StateQueued,
		},
		{
			name: "finished wins over running",
			job:  Job{FinishedAt: &past, PerformedAt: &past, LockedByID: &owner},
			want: StateSucceeded,
		},
		{
			name: "running wins over future schedule",
			job:  Job{PerformedAt: &past, LockedByID: &owner, ScheduledAt: &future},
			want: StateRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.StateAt(now); got != tt.want {
				t.Errorf("StateAt() = %q, want %q", got, tt.want)
			}
		})
	}
}
