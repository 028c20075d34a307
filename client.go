package goodq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/queueworks/goodq/internal/cron"
	"github.com/queueworks/goodq/internal/domain"
	"github.com/queueworks/goodq/internal/limiter"
	"github.com/queueworks/goodq/internal/metrics"
	"github.com/queueworks/goodq/internal/notify"
	"github.com/queueworks/goodq/internal/repository"
	"github.com/queueworks/goodq/internal/serialization"
)

// DefaultQueue receives jobs enqueued without an explicit queue.
const DefaultQueue = "default"

// EnqueueOptions tune a single Enqueue call. The zero value enqueues to the
// default queue for immediate execution.
type EnqueueOptions struct {
	Queue    string
	Priority *int

	// Wait delays execution by a duration; WaitUntil pins an absolute time.
	// WaitUntil wins when both are set.
	Wait      time.Duration
	WaitUntil time.Time

	Labels  []string
	BatchID string

	// SkipNotify suppresses the wake-up notification; pollers will still
	// find the job.
	SkipNotify bool
}

type notifyFunc func(ctx context.Context, channel string, payload []byte) error

// Client enqueues jobs. It is safe for concurrent use.
type Client struct {
	jobs     repository.JobRepository
	registry *domain.Registry
	publish  notifyFunc
	logger   *slog.Logger

	// inline, when set, performs the job at the call site right after the
	// insert.
	inline func(ctx context.Context, job *domain.Job)
}

// Enqueue serializes args into a wire payload and inserts the job. When the
// job's handler declares concurrency limits the insert goes through the
// key-locked path and may return ErrConcurrencyLimitExceeded or
// ErrConcurrencyThrottleExceeded.
func (c *Client) Enqueue(ctx context.Context, jobClass string, args []any, opts *EnqueueOptions) (*Job, error) {
	if opts == nil {
		opts = &EnqueueOptions{}
	}
	queue := opts.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	priority := 0
	if opts.Priority != nil {
		priority = *opts.Priority
	}

	now := time.Now().UTC()
	var scheduledAt *time.Time
	switch {
	case !opts.WaitUntil.IsZero():
		at := opts.WaitUntil.UTC()
		scheduledAt = &at
	case opts.Wait > 0:
		at := now.Add(opts.Wait)
		scheduledAt = &at
	}

	// The handler is optional at enqueue time: a producer may enqueue work
	// performed by another process or another ecosystem entirely.
	var cfg *domain.ConcurrencyConfig
	if handler, err := c.registry.Lookup(jobClass); err == nil {
		cfg = handler.Concurrency
	}
	var concurrencyKey *string
	if cfg != nil && cfg.Key != nil {
		key := cfg.Key(args)
		if key != "" {
			concurrencyKey = &key
		}
	}

	activeJobID := uuid.NewString()
	data := &serialization.JobData{
		JobClass:    jobClass,
		JobID:       activeJobID,
		QueueName:   queue,
		Priority:    priority,
		Arguments:   args,
		EnqueuedAt:  &now,
		ScheduledAt: scheduledAt,
		Labels:      opts.Labels,
	}
	if concurrencyKey != nil {
		data.ConcurrencyKey = *concurrencyKey
	}
	if opts.SkipNotify {
		// Recorded in the payload so any worker re-serializing the job
		// keeps the suppression.
		f := false
		data.Notify = &f
	}
	payload, err := data.Marshal()
	if err != nil {
		return nil, err
	}

	job := &domain.Job{
		ActiveJobID:      activeJobID,
		JobClass:         jobClass,
		QueueName:        queue,
		Priority:         priority,
		SerializedParams: payload,
		ScheduledAt:      scheduledAt,
		ConcurrencyKey:   concurrencyKey,
		Labels:           opts.Labels,
	}
	if opts.BatchID != "" {
		job.BatchID = &opts.BatchID
	}

	inserted, err := c.insert(ctx, job, cfg)
	if err != nil {
		return nil, err
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(queue).Inc()
	if !opts.SkipNotify {
		c.wakeWorkers(ctx, queue, scheduledAt)
	}
	if c.inline != nil {
		c.inline(ctx, inserted)
		return c.jobs.GetByID(ctx, inserted.ID)
	}
	return inserted, nil
}

func (c *Client) insert(ctx context.Context, job *domain.Job, cfg *domain.ConcurrencyConfig) (*domain.Job, error) {
	if job.ConcurrencyKey != nil && limiter.NeedsEnqueueCheck(cfg) {
		inserted, err := c.jobs.EnqueueWithConcurrency(ctx, job, cfg)
		if reason, refused := enqueueRefusalReason(err); refused {
			metrics.ConcurrencyRefusalsTotal.WithLabelValues("enqueue", reason).Inc()
		}
		return inserted, err
	}
	return c.jobs.Enqueue(ctx, job)
}

// EnqueueCron inserts one occurrence of a schedule entry; the unique
// (cron_key, cron_at) index collapses concurrent attempts.
func (c *Client) EnqueueCron(ctx context.Context, entry cron.Entry, at time.Time) error {
	queue := entry.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	priority := 0
	if entry.Priority != nil {
		priority = *entry.Priority
	}

	now := time.Now().UTC()
	activeJobID := uuid.NewString()
	data := &serialization.JobData{
		JobClass:    entry.Class,
		JobID:       activeJobID,
		QueueName:   queue,
		Priority:    priority,
		Arguments:   entry.Args,
		EnqueuedAt:  &now,
		ScheduledAt: &at,
	}
	payload, err := data.Marshal()
	if err != nil {
		return err
	}

	job := &domain.Job{
		ActiveJobID:      activeJobID,
		JobClass:         entry.Class,
		QueueName:        queue,
		Priority:         priority,
		SerializedParams: payload,
		ScheduledAt:      &at,
		CronKey:          &entry.Key,
		CronAt:           &at,
	}
	if _, err := c.jobs.Enqueue(ctx, job); err != nil {
		return err
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(queue).Inc()
	c.wakeWorkers(ctx, queue, &at)
	return nil
}

// wakeWorkers publishes the dispatch hint. Failures only cost latency, so
// they are logged and dropped.
func (c *Client) wakeWorkers(ctx context.Context, queue string, scheduledAt *time.Time) {
	if c.publish == nil {
		return
	}
	payload, err := json.Marshal(notify.Notification{QueueName: queue, ScheduledAt: scheduledAt})
	if err != nil {
		return
	}
	if err := c.publish(ctx, notify.Channel, payload); err != nil {
		c.logger.Warn("publish job notification", "queue", queue, "error", err)
	}
}

func enqueueRefusalReason(err error) (string, bool) {
	switch {
	case errors.Is(err, domain.ErrConcurrencyThrottleExceeded):
		return "throttle", true
	case errors.Is(err, domain.ErrConcurrencyLockFailed):
		return "lock", true
	case errors.Is(err, domain.ErrConcurrencyLimitExceeded):
		return "limit", true
	default:
		return "", false
	}
}
