package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/queueworks/goodq/internal/domain"
	"github.com/queueworks/goodq/internal/metrics"
	"github.com/queueworks/goodq/internal/repository"
	"github.com/queueworks/goodq/internal/serialization"
)

// panicError carries a recovered panic value out of the handler goroutine.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// Executor runs one claimed job to an outcome and persists it. The caller
// owns the job's advisory lock for the whole call.
type Executor struct {
	registry  *domain.Registry
	jobs      repository.JobRepository
	logger    *slog.Logger
	processID string

	maxAttempts int
	backoff     func(attempt int) time.Duration
}

func NewExecutor(
	registry *domain.Registry,
	jobs repository.JobRepository,
	logger *slog.Logger,
	processID string,
	maxAttempts int,
	backoff func(attempt int) time.Duration,
) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if backoff == nil {
		backoff = DefaultBackoff
	}
	return &Executor{
		registry:    registry,
		jobs:        jobs,
		logger:      logger.With("component", "executor"),
		processID:   processID,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

// Perform executes a stamped job. job.ExecutionsCount already includes the
// current attempt. Outcome writes use a context detached from ctx so a
// shutdown that cancels the run cannot also lose its result.
func (e *Executor) Perform(ctx context.Context, job *domain.Job) {
	start := time.Now()
	persistCtx := context.WithoutCancel(ctx)

	data, err := serialization.Unmarshal(job.SerializedParams)
	if err != nil {
		e.discard(persistCtx, job, start, fmt.Errorf("deserialize payload: %w", err))
		return
	}
	handler, err := e.registry.Lookup(job.JobClass)
	if err != nil {
		e.discard(persistCtx, job, start, err)
		return
	}

	outcome := e.invoke(ctx, handler, job, data.Arguments)

	// A run cut short by shutdown goes back to the queue with its attempt
	// refunded; the next process picks it up fresh.
	if outcome.Kind == domain.OutcomeError && ctx.Err() != nil && errors.Is(outcome.Err, context.Canceled) {
		if err := e.jobs.Release(persistCtx, job.ID, true, nil); err != nil {
			e.logger.Error("release interrupted job", "job_id", job.ID, "error", err)
		}
		metrics.JobsFinishedTotal.WithLabelValues("interrupted").Inc()
		e.logger.Warn("job interrupted by shutdown", "job_id", job.ID, "job_class", job.JobClass)
		return
	}

	e.settle(persistCtx, handler, job, outcome, start)
}

// invoke runs the handler body in its own goroutine so a panic or an
// ignored timeout cannot take the worker down with it.
func (e *Executor) invoke(ctx context.Context, h *domain.Handler, job *domain.Job, args []any) domain.Outcome {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	done := make(chan domain.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- domain.Failed(&panicError{value: r, stack: debug.Stack()})
			}
		}()
		if h.BeforePerform != nil {
			if err := h.BeforePerform(ctx, job, args); err != nil {
				done <- domain.Failed(fmt.Errorf("before perform: %w", err))
				return
			}
		}
		out := h.Perform(ctx, job, args)
		if h.AfterPerform != nil {
			h.AfterPerform(ctx, job, args)
		}
		done <- out
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		err := ctx.Err()
		if h.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("job %s timed out after %s: %w", job.ID, h.Timeout, err)
		}
		return domain.Failed(err)
	}
}

// settle maps the outcome onto the job row and the execution history.
func (e *Executor) settle(ctx context.Context, h *domain.Handler, job *domain.Job, out domain.Outcome, start time.Time) {
	switch out.Kind {
	case domain.OutcomeOK:
		e.persist(ctx, job, start, "success", repository.OutcomeInput{JobID: job.ID, Finished: true}, nil, nil)

	case domain.OutcomeSnooze:
		delay := out.Delay
		if delay < 0 {
			delay = 0
		}
		// A snooze is not an attempt: the stamp's increment is refunded and
		// no history row is written.
		at := time.Now().Add(delay)
		if err := e.jobs.Release(ctx, job.ID, true, &at); err != nil {
			e.logger.Error("snooze job", "job_id", job.ID, "error", err)
			return
		}
		metrics.JobsFinishedTotal.WithLabelValues("snooze").Inc()
		e.logger.Info("job snoozed", "job_id", job.ID, "job_class", job.JobClass, "delay", delay)

	case domain.OutcomeCancel:
		err := out.Err
		if err == nil {
			err = errors.New("cancelled")
		}
		e.terminal(ctx, h, job, start, err, domain.ErrorEventHandled, "cancel")

	case domain.OutcomeDiscard:
		err := out.Err
		if err == nil {
			err = errors.New("discarded")
		}
		e.terminal(ctx, h, job, start, err, domain.ErrorEventDiscarded, "discard")

	default: // OutcomeError
		e.settleError(ctx, h, job, out.Err, start)
	}
}

func (e *Executor) settleError(ctx context.Context, h *domain.Handler, job *domain.Job, err error, start time.Time) {
	if err == nil {
		err = errors.New("unknown error")
	}

	if h.ShouldDiscard(err) {
		e.terminal(ctx, h, job, start, err, domain.ErrorEventDiscarded, "discard")
		return
	}

	maxAttempts := e.maxAttempts
	if h.MaxAttempts > 0 {
		maxAttempts = h.MaxAttempts
	}
	if job.ExecutionsCount >= maxAttempts {
		event := domain.ErrorEventRetryStopped
		var pe *panicError
		if errors.As(err, &pe) {
			event = domain.ErrorEventUnhandled
		}
		e.terminal(ctx, h, job, start, err, event, "failed")
		return
	}

	backoff := e.backoff
	if h.Backoff != nil {
		backoff = h.Backoff
	}
	retryAt := time.Now().Add(backoff(job.ExecutionsCount))
	msg := err.Error()
	event := domain.ErrorEventRetried
	e.persist(ctx, job, start, "retry", repository.OutcomeInput{
		JobID:    job.ID,
		RetryAt:  retryAt,
		ErrMsg:   &msg,
		ErrEvent: &event,
	}, err, &event)
	e.logger.Warn("job failed, will retry",
		"job_id", job.ID,
		"job_class", job.JobClass,
		"error", msg,
		"attempt", job.ExecutionsCount,
		"max_attempts", maxAttempts,
		"retry_at", retryAt,
	)
}

// terminal finishes the job with an error recorded and fires OnError.
func (e *Executor) terminal(ctx context.Context, h *domain.Handler, job *domain.Job, start time.Time, err error, event domain.ErrorEvent, outcome string) {
	msg := err.Error()
	e.persist(ctx, job, start, outcome, repository.OutcomeInput{
		JobID:    job.ID,
		Finished: true,
		ErrMsg:   &msg,
		ErrEvent: &event,
	}, err, &event)
	if h != nil && h.OnError != nil {
		h.OnError(ctx, job, err)
	}
	e.logger.Warn("job finished with error",
		"job_id", job.ID,
		"job_class", job.JobClass,
		"error", msg,
		"error_event", int(event),
	)
}

// discard handles jobs that cannot even be started: payloads that fail to
// deserialize and classes with no registered handler.
func (e *Executor) discard(ctx context.Context, job *domain.Job, start time.Time, err error) {
	e.terminal(ctx, nil, job, start, err, domain.ErrorEventDiscarded, "discard")
}

func (e *Executor) persist(ctx context.Context, job *domain.Job, start time.Time, outcome string, input repository.OutcomeInput, cause error, event *domain.ErrorEvent) {
	now := time.Now()
	duration := now.Sub(start)
	exec := &domain.Execution{
		ActiveJobID:      job.ActiveJobID,
		JobClass:         job.JobClass,
		QueueName:        job.QueueName,
		SerializedParams: job.SerializedParams,
		ScheduledAt:      job.ScheduledAt,
		PerformedAt:      start,
		FinishedAt:       &now,
		Duration:         &duration,
		ErrorEvent:       event,
		ProcessID:        e.processID,
	}
	if job.PerformedAt != nil {
		exec.PerformedAt = *job.PerformedAt
	}
	if input.ErrMsg != nil {
		exec.Error = input.ErrMsg
	}
	var pe *panicError
	if errors.As(cause, &pe) {
		exec.ErrorBacktrace = strings.Split(strings.TrimRight(string(pe.stack), "\n"), "\n")
	}
	input.Execution = exec

	if err := e.jobs.PersistOutcome(ctx, input); err != nil {
		if errors.Is(err, domain.ErrJobFinished) {
			// Someone else finished the row while we ran; our result loses.
			e.logger.Warn("job already finished, outcome dropped", "job_id", job.ID)
			return
		}
		e.logger.Error("persist job outcome", "job_id", job.ID, "error", err)
		return
	}

	metrics.JobExecutionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	metrics.JobsFinishedTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		e.logger.Info("job succeeded", "job_id", job.ID, "job_class", job.JobClass, "duration", duration)
	}
}
