// Package goodq is a PostgreSQL-backed job queue wire-compatible with the
// good_jobs table family: jobs enqueued here can be performed by workers in
// other ecosystems sharing the database, and vice versa.
package goodq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/queueworks/goodq/config"
	"github.com/queueworks/goodq/internal/cron"
	"github.com/queueworks/goodq/internal/domain"
	"github.com/queueworks/goodq/internal/health"
	"github.com/queueworks/goodq/internal/infrastructure/postgres"
	"github.com/queueworks/goodq/internal/metrics"
	"github.com/queueworks/goodq/internal/notify"
	"github.com/queueworks/goodq/internal/ops"
	"github.com/queueworks/goodq/internal/queues"
	"github.com/queueworks/goodq/internal/repository"
	"github.com/queueworks/goodq/internal/scheduler"
)

// Re-exported domain types; handlers and outcomes are defined against
// these.
type (
	Job               = domain.Job
	Execution         = domain.Execution
	Handler           = domain.Handler
	Outcome           = domain.Outcome
	ConcurrencyConfig = domain.ConcurrencyConfig
	Throttle          = domain.Throttle
	State             = domain.State
	ErrorEvent        = domain.ErrorEvent
	QueueStats        = repository.Stats
	HealthResult      = health.HealthResult
)

// Outcome constructors for Perform funcs.
var (
	Ok      = domain.Ok
	Failed  = domain.Failed
	Cancel  = domain.Cancel
	Discard = domain.Discard
	Snooze  = domain.Snooze
)

const (
	StateScheduled = domain.StateScheduled
	StateQueued    = domain.StateQueued
	StateRunning   = domain.StateRunning
	StateSucceeded = domain.StateSucceeded
	StateDiscarded = domain.StateDiscarded
	StateRetried   = domain.StateRetried
)

var (
	ErrJobNotFound                 = domain.ErrJobNotFound
	ErrDuplicateJob                = domain.ErrDuplicateJob
	ErrJobNotDiscarded             = domain.ErrJobNotDiscarded
	ErrUnknownJobClass             = domain.ErrUnknownJobClass
	ErrConcurrencyLimitExceeded    = domain.ErrConcurrencyLimitExceeded
	ErrConcurrencyThrottleExceeded = domain.ErrConcurrencyThrottleExceeded
)

// Backoff strategies for Handler.Backoff.
var (
	ConstantBackoff    = scheduler.ConstantBackoff
	ExponentialBackoff = scheduler.ExponentialBackoff
)

// CronEntry is one line of the static schedule. Expression accepts
// five-field cron, descriptors like "@hourly", and "@reboot".
type CronEntry struct {
	Key        string
	Expression string
	Class      string
	Args       []any
	Queue      string
	Priority   *int
	// Enabled defaults to true when nil.
	Enabled *bool
}

// App owns one process's connection pool, handler registry and execution
// machinery.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool

	registry   *domain.Registry
	jobs       *postgres.JobStore
	executions *postgres.ExecutionStore
	pauses     *postgres.PauseStore
	processes  *postgres.ProcessStore
	advisory   *postgres.Advisory
	notifier   *notify.Notifier
	executor   *scheduler.Executor
	client     *Client

	processID string

	checker     *health.Checker
	checkerOnce sync.Once

	mu          sync.Mutex
	cronEntries []CronEntry
}

// New connects to the database and assembles the process. It does not start
// anything; call Run for that, or use Client for enqueue-only processes.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		registry:   domain.NewRegistry(),
		jobs:       postgres.NewJobStore(pool),
		executions: postgres.NewExecutionStore(pool),
		pauses:     postgres.NewPauseStore(pool),
		processes:  postgres.NewProcessStore(pool),
		advisory:   postgres.NewAdvisory(pool),
		processID:  uuid.NewString(),
	}
	if cfg.EnableListenNotify {
		a.notifier = notify.NewNotifier(pool, logger)
	}
	a.executor = scheduler.NewExecutor(a.registry, a.jobs, logger, a.processID, cfg.MaxAttempts, nil)

	a.client = &Client{
		jobs:     a.jobs,
		registry: a.registry,
		publish:  a.jobs.Notify,
		logger:   logger,
	}
	if cfg.ExecutionMode == "inline" {
		a.client.inline = a.performInline
	}
	return a, nil
}

// Register adds a handler. All registration must happen before Run.
func (a *App) Register(h *Handler) error {
	return a.registry.Register(h)
}

// Schedule appends entries to the static cron schedule. Takes effect on
// the next Run.
func (a *App) Schedule(entries ...CronEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cronEntries = append(a.cronEntries, entries...)
}

// Client returns the enqueue interface.
func (a *App) Client() *Client {
	return a.client
}

// Install applies the schema migrations.
func (a *App) Install(ctx context.Context) error {
	return postgres.Migrate(ctx, a.cfg.DatabaseURL)
}

// Stats returns per-queue derived-state counts.
func (a *App) Stats(ctx context.Context) (QueueStats, error) {
	return a.jobs.Stats(ctx)
}

// Ping verifies database connectivity.
func (a *App) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// HealthCheck pings dependencies and reports per-check status. The same
// checker backs the ops server's /readyz.
func (a *App) HealthCheck(ctx context.Context) HealthResult {
	return a.healthChecker().Readiness(ctx)
}

func (a *App) healthChecker() *health.Checker {
	a.checkerOnce.Do(func() {
		a.checker = health.NewChecker(a.pool, listenerOrNil(a.notifier), a.logger, prometheus.DefaultRegisterer)
	})
	return a.checker
}

// Close releases the connection pool.
func (a *App) Close() {
	a.pool.Close()
}

// Run starts the process's components and blocks until ctx is cancelled.
// In async mode that is the full execution machinery; in external and
// inline modes only the ops surface and the cron schedule run.
func (a *App) Run(ctx context.Context) error {
	registerMetricsOnce.Do(metrics.Register)
	checker := a.healthChecker()

	if err := a.registerProcess(ctx); err != nil {
		return err
	}
	defer a.deregisterProcess()

	var wg sync.WaitGroup
	start := func(name string, run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
		a.logger.Debug("component started", "component", name)
	}

	start("heartbeat", a.heartbeat)

	if a.notifier != nil {
		start("notifier", a.notifier.Run)
	}

	if a.cfg.ExecutionMode == "async" {
		pools, err := queues.Parse(a.cfg.Queues)
		if err != nil {
			return fmt.Errorf("parse queue specifier: %w", err)
		}
		for _, pool := range pools {
			if pool.Concurrency == 0 {
				pool.Concurrency = a.cfg.MaxThreads
			}
			fetcher := scheduler.NewFetcher(a.jobs, a.pauses, a.advisory, a.registry, a.logger, a.processID, pool)
			sched := scheduler.NewScheduler(fetcher, a.executor, a.notifier, a.logger, pool, a.cfg.PollInterval, a.cfg.ShutdownTimeout)
			start("scheduler", sched.Run)
		}

		lifeline := scheduler.NewLifeline(a.jobs, a.advisory, a.logger, time.Minute, a.cfg.RescueAfter)
		start("lifeline", lifeline.Run)

		pruner := scheduler.NewPruner(a.jobs, a.executions, a.logger, a.cfg.CleanupInterval, a.cfg.PreserveJobsFor)
		start("pruner", pruner.Run)
	}

	if a.cfg.EnableCron {
		entries := a.cronSchedule()
		manager, err := cron.NewManager(entries, a.client, a.logger)
		if err != nil {
			return err
		}
		start("cron", manager.Run)
	}

	var opsSrv *http.Server
	if a.cfg.OpsPort != "" {
		router := ops.NewRouter(a.logger, checker, a.jobs, a.executions, a.pauses)
		opsSrv = ops.NewServer(":"+a.cfg.OpsPort, router)
		go func() {
			a.logger.Info("ops server started", "port", a.cfg.OpsPort)
			if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("ops server", "error", err)
			}
		}()
	}

	<-ctx.Done()

	if opsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := opsSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("ops server shutdown", "error", err)
		}
	}

	wg.Wait()
	a.logger.Info("goodq shut down")
	return nil
}

// performInline claims and runs a just-inserted job at the enqueue call
// site. The advisory lock still applies: another process may legitimately
// grab the job first.
func (a *App) performInline(ctx context.Context, job *domain.Job) {
	if job.ScheduledAt != nil && job.ScheduledAt.After(time.Now()) {
		return
	}
	lock, ok, err := a.advisory.TryAcquire(ctx, a.advisory.JobLockKey(job.ID))
	if err != nil || !ok {
		return
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	stamped, err := a.jobs.Stamp(ctx, job.ID, a.processID)
	if err != nil {
		return
	}
	a.executor.Perform(ctx, stamped)
}

func (a *App) registerProcess(ctx context.Context) error {
	hostname, _ := os.Hostname()
	state, _ := json.Marshal(map[string]any{
		"hostname":  hostname,
		"pid":       os.Getpid(),
		"queues":    a.cfg.Queues,
		"proc_name": "goodq",
	})
	if err := a.processes.Register(ctx, a.processID, state); err != nil {
		return fmt.Errorf("register process: %w", err)
	}
	a.logger.Info("process registered", "process_id", a.processID, "hostname", hostname)
	return nil
}

func (a *App) deregisterProcess() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.processes.Deregister(ctx, a.processID); err != nil {
		a.logger.Warn("deregister process", "error", err)
	}
}

// heartbeat keeps the good_job_processes row fresh so other processes can
// tell live workers from dead ones.
func (a *App) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.processes.Heartbeat(ctx, a.processID); err != nil {
				a.logger.Warn("process heartbeat", "error", err)
			}
		}
	}
}

func (a *App) cronSchedule() []cron.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := make([]cron.Entry, 0, len(a.cronEntries))
	for _, e := range a.cronEntries {
		entries = append(entries, cron.Entry{
			Key:        e.Key,
			Expression: e.Expression,
			Class:      e.Class,
			Args:       e.Args,
			Queue:      e.Queue,
			Priority:   e.Priority,
			Enabled:    e.Enabled,
		})
	}
	return entries
}

// prometheus collectors may only register once per process even if several
// Apps are constructed in tests.
var registerMetricsOnce sync.Once

func listenerOrNil(n *notify.Notifier) health.Listener {
	if n == nil {
		return nil
	}
	return n
}
