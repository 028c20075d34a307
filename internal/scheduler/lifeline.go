package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/queueworks/goodq/internal/metrics"
	"github.com/queueworks/goodq/internal/repository"
)

const lifelineBatchSize = 100

// Lifeline returns jobs abandoned by dead processes to the queue. A job is
// only rescued when its advisory lock is free: a long-running job on a live
// process keeps its lock and is left alone no matter how old its stamp is.
type Lifeline struct {
	jobs   repository.JobRepository
	locker repository.AdvisoryLocker
	logger *slog.Logger

	interval   time.Duration
	staleAfter time.Duration
}

func NewLifeline(
	jobs repository.JobRepository,
	locker repository.AdvisoryLocker,
	logger *slog.Logger,
	interval time.Duration,
	staleAfter time.Duration,
) *Lifeline {
	return &Lifeline{
		jobs:       jobs,
		locker:     locker,
		logger:     logger.With("component", "lifeline"),
		interval:   interval,
		staleAfter: staleAfter,
	}
}

func (l *Lifeline) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("lifeline started", "interval", l.interval, "stale_after", l.staleAfter)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("lifeline shut down")
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

func (l *Lifeline) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-l.staleAfter)
	stuck, err := l.jobs.Stuck(ctx, cutoff, lifelineBatchSize)
	if err != nil {
		l.logger.Error("list stuck jobs", "error", err)
		return
	}

	rescued := 0
	for _, job := range stuck {
		held, err := l.locker.Held(ctx, l.locker.JobLockKey(job.ID))
		if err != nil {
			l.logger.Error("check advisory lock", "job_id", job.ID, "error", err)
			continue
		}
		if held {
			// Still owned by a live session.
			continue
		}
		ok, err := l.jobs.Rescue(ctx, job.ID)
		if err != nil {
			l.logger.Error("rescue job", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			rescued++
			metrics.LifelineRescuedTotal.Inc()
			l.logger.Warn("rescued abandoned job",
				"job_id", job.ID,
				"job_class", job.JobClass,
				"locked_by", job.LockedByID,
			)
		}
	}
	if rescued > 0 {
		l.logger.Info("lifeline sweep rescued jobs", "count", rescued)
	}
}
