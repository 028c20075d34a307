// Package scheduler contains the per-process execution machinery: the
// fetch/claim loop, the executor, the lifeline and the pruner.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/queueworks/goodq/internal/log"
	"github.com/queueworks/goodq/internal/metrics"
	"github.com/queueworks/goodq/internal/notify"
	"github.com/queueworks/goodq/internal/queues"
)

// Scheduler supervises one queue pool: it wakes on notifications or the
// poll tick, fetches claims up to its free concurrency slots and runs each
// job on its own goroutine.
type Scheduler struct {
	fetcher  *Fetcher
	executor *Executor
	notifier *notify.Notifier
	logger   *slog.Logger
	pool     queues.Pool

	pollInterval    time.Duration
	shutdownTimeout time.Duration

	sem  chan struct{}
	wake chan notify.Notification
	wg   sync.WaitGroup
}

func NewScheduler(
	fetcher *Fetcher,
	executor *Executor,
	notifier *notify.Notifier,
	logger *slog.Logger,
	pool queues.Pool,
	pollInterval time.Duration,
	shutdownTimeout time.Duration,
) *Scheduler {
	concurrency := pool.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Scheduler{
		fetcher:         fetcher,
		executor:        executor,
		notifier:        notifier,
		logger:          logger.With("component", "scheduler", "queues", pool.String()),
		pool:            pool,
		pollInterval:    pollInterval,
		shutdownTimeout: shutdownTimeout,
		sem:             make(chan struct{}, concurrency),
		// cap 1: a wake-up while a dispatch is pending carries no extra
		// information.
		wake: make(chan notify.Notification, 1),
	}
}

// Run blocks until ctx is cancelled, then drains in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) {
	metrics.WorkerStartTime.SetToCurrentTime()

	if s.notifier != nil {
		unsubscribe := s.notifier.Subscribe(s.wake)
		defer unsubscribe()
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		"concurrency", cap(s.sem),
		"poll_interval", s.pollInterval,
	)

	for {
		select {
		case <-ctx.Done():
			metrics.WorkerShutdownsTotal.Inc()
			s.drain()
			s.logger.Info("scheduler shut down")
			return
		case <-ticker.C:
			s.dispatch(ctx)
		case n := <-s.wake:
			metrics.NotificationsReceivedTotal.Inc()
			if !s.relevant(n) {
				continue
			}
			s.dispatch(ctx)
		}
	}
}

// relevant filters wake-ups for queues this pool does not serve and for
// jobs scheduled into the future; the poll tick covers those.
func (s *Scheduler) relevant(n notify.Notification) bool {
	if n.QueueName != "" && !s.pool.Matches(n.QueueName) {
		return false
	}
	if n.ScheduledAt != nil && n.ScheduledAt.After(time.Now()) {
		return false
	}
	return true
}

// dispatch fills every free slot, refetching while full batches come back
// so one wake-up can drain a burst.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		free := cap(s.sem) - len(s.sem)
		if free == 0 {
			return
		}

		claimed, err := s.fetcher.Fetch(ctx, free)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("fetch jobs", "error", err)
			}
			return
		}
		if len(claimed) == 0 {
			return
		}

		for _, c := range claimed {
			s.sem <- struct{}{}
			s.wg.Add(1)
			go func(c Claimed) {
				defer s.wg.Done()
				defer func() { <-s.sem }()
				metrics.JobsInFlight.Inc()
				defer metrics.JobsInFlight.Dec()

				s.executor.Perform(log.WithJobID(ctx, c.Job.ID), c.Job)
				if err := c.Lock.Release(context.WithoutCancel(ctx)); err != nil {
					s.logger.Error("release job lock", "job_id", c.Job.ID, "error", err)
				}
			}(c)
		}

		if len(claimed) < free {
			return
		}
	}
}

// drain waits for in-flight jobs to settle. Jobs that outlive the timeout
// keep their rows stamped; the lifeline on another process rescues them.
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("shutdown timeout reached with jobs still in flight")
	}
}
