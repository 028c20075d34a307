package scheduler

import (
	"log/slog"
	"testing"
	"time"

	"github.com/queueworks/goodq/internal/notify"
	"github.com/queueworks/goodq/internal/queues"
)

func TestRelevantFiltersWakeUps(t *testing.T) {
	pool, err := queues.Parse("high,default:2")
	if err != nil {
		t.Fatalf("parse queues: %v", err)
	}
	s := NewScheduler(nil, nil, nil, slog.Default(), pool[0], time.Second, time.Second)

	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Second)

	tests := []struct {
		name string
		n    notify.Notification
		want bool
	}{
		{name: "served queue", n: notify.Notification{QueueName: "high"}, want: true},
		{name: "other queue", n: notify.Notification{QueueName: "batch"}, want: false},
		{name: "no queue info", n: notify.Notification{}, want: true},
		{name: "future job", n: notify.Notification{QueueName: "high", ScheduledAt: &future}, want: false},
		{name: "past scheduled job", n: notify.Notification{QueueName: "high", ScheduledAt: &past}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.relevant(tt.n); got != tt.want {
				t.Errorf("relevant(%+v) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
}

func TestSchedulerDefaultConcurrency(t *testing.T) {
	pool, err := queues.Parse("*")
	if err != nil {
		t.Fatalf("parse queues: %v", err)
	}
	s := NewScheduler(nil, nil, nil, slog.Default(), pool[0], time.Second, time.Second)
	if cap(s.sem) != 5 {
		t.Errorf("default concurrency = %d, want 5", cap(s.sem))
	}
}
