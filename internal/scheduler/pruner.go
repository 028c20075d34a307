package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/queueworks/goodq/internal/metrics"
	"github.com/queueworks/goodq/internal/repository"
)

const pruneBatchSize = 1000

// Pruner deletes finished job rows and their execution history past the
// retention window, in batches so the table never takes one giant delete.
type Pruner struct {
	jobs       repository.JobRepository
	executions repository.ExecutionRepository
	logger     *slog.Logger

	interval  time.Duration
	retention time.Duration
}

func NewPruner(
	jobs repository.JobRepository,
	executions repository.ExecutionRepository,
	logger *slog.Logger,
	interval time.Duration,
	retention time.Duration,
) *Pruner {
	return &Pruner{
		jobs:       jobs,
		executions: executions,
		logger:     logger.With("component", "pruner"),
		interval:   interval,
		retention:  retention,
	}
}

func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("pruner started", "interval", p.interval, "retention", p.retention)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pruner shut down")
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	cutoff := time.Now().Add(-p.retention)

	// History first so execution rows never outlive a deleted job.
	for {
		n, err := p.executions.DeleteForFinishedJobsBefore(ctx, cutoff, pruneBatchSize)
		if err != nil {
			p.logger.Error("prune executions", "error", err)
			return
		}
		if n < pruneBatchSize {
			break
		}
	}

	total := 0
	for {
		n, err := p.jobs.DeleteFinishedBefore(ctx, cutoff, pruneBatchSize)
		if err != nil {
			p.logger.Error("prune jobs", "error", err)
			return
		}
		total += n
		metrics.PrunedJobsTotal.Add(float64(n))
		if n < pruneBatchSize {
			break
		}
	}
	if total > 0 {
		p.logger.Info("pruned finished jobs", "count", total, "cutoff", cutoff)
	}
}
