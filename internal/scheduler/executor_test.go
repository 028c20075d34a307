package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/queueworks/goodq/internal/domain"
	"github.com/queueworks/goodq/internal/repository"
)

// fakeJobRepo records outcome and release calls and, for fetcher tests,
// serves a fixed candidate window.
type fakeJobRepo struct {
	mu       sync.Mutex
	outcomes []repository.OutcomeInput
	releases []releaseCall

	persistErr error

	candidates      []*domain.Job
	stampMissing    map[string]bool
	stamps          []string
	checkPerformErr error
}

type releaseCall struct {
	id        string
	decrement bool
	at        *time.Time
}

func (f *fakeJobRepo) PersistOutcome(_ context.Context, input repository.OutcomeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return f.persistErr
	}
	f.outcomes = append(f.outcomes, input)
	return nil
}

func (f *fakeJobRepo) Release(_ context.Context, id string, decrement bool, at *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, releaseCall{id: id, decrement: decrement, at: at})
	return nil
}

func (f *fakeJobRepo) lastOutcome(t *testing.T) repository.OutcomeInput {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outcomes) == 0 {
		t.Fatal("no outcome persisted")
	}
	return f.outcomes[len(f.outcomes)-1]
}

func (f *fakeJobRepo) Enqueue(context.Context, *domain.Job) (*domain.Job, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeJobRepo) EnqueueWithConcurrency(context.Context, *domain.Job, *domain.ConcurrencyConfig) (*domain.Job, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeJobRepo) CheckPerform(context.Context, string, *domain.ConcurrencyConfig) error {
	return f.checkPerformErr
}
func (f *fakeJobRepo) GetByID(context.Context, string) (*domain.Job, error) {
	return nil, domain.ErrJobNotFound
}
func (f *fakeJobRepo) GetByActiveJobID(context.Context, string) (*domain.Job, error) {
	return nil, domain.ErrJobNotFound
}
func (f *fakeJobRepo) Delete(context.Context, string) error { return nil }
func (f *fakeJobRepo) Retry(context.Context, string) (*domain.Job, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeJobRepo) Candidates(context.Context, repository.CandidatesInput) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidates, nil
}

// Stamp mirrors the real store: the row gains performed_at, an owner and an
// attempt. Jobs marked in stampMissing simulate a row finished or claimed
// between the candidate read and the stamp.
func (f *fakeJobRepo) Stamp(_ context.Context, id, processID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stampMissing[id] {
		return nil, domain.ErrJobNotFound
	}
	for _, j := range f.candidates {
		if j.ID == id {
			f.stamps = append(f.stamps, id)
			now := time.Now()
			stamped := *j
			stamped.PerformedAt = &now
			stamped.LockedByID = &processID
			stamped.LockedAt = &now
			stamped.ExecutionsCount++
			return &stamped, nil
		}
	}
	return nil, domain.ErrJobNotFound
}
func (f *fakeJobRepo) Stats(context.Context) (repository.Stats, error) { return nil, nil }
func (f *fakeJobRepo) DeleteFinishedBefore(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
func (f *fakeJobRepo) Stuck(context.Context, time.Time, int) ([]*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobRepo) Rescue(context.Context, string) (bool, error) { return false, nil }

func testJob(class string, executions int) *domain.Job {
	now := time.Now()
	return &domain.Job{
		ID:               "6b3f7c7e-0000-4000-8000-000000000001",
		ActiveJobID:      "6b3f7c7e-0000-4000-8000-000000000002",
		JobClass:         class,
		QueueName:        "default",
		SerializedParams: []byte(`{"job_class":"` + class + `","job_id":"6b3f7c7e-0000-4000-8000-000000000002","queue_name":"default","arguments":[],"executions":0}`),
		PerformedAt:      &now,
		ExecutionsCount:  executions,
		CreatedAt:        now,
	}
}

func newTestExecutor(t *testing.T, repo repository.JobRepository, handlers ...*domain.Handler) *Executor {
	t.Helper()
	registry := domain.NewRegistry()
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			t.Fatalf("register handler: %v", err)
		}
	}
	return NewExecutor(registry, repo, slog.Default(), "proc-1", 3, ConstantBackoff(time.Millisecond))
}

func TestPerformSuccess(t *testing.T) {
	repo := &fakeJobRepo{}
	e := newTestExecutor(t, repo, &domain.Handler{
		Name: "TestJob",
		Perform: func(context.Context, *domain.Job, []any) domain.Outcome {
			return domain.Ok(nil)
		},
	})

	e.Perform(context.Background(), testJob("TestJob", 1))

	out := repo.lastOutcome(t)
	if !out.Finished {
		t.Error("success outcome not marked finished")
	}
	if out.ErrMsg != nil || out.ErrEvent != nil {
		t.Errorf("success outcome carries error: %v %v", out.ErrMsg, out.ErrEvent)
	}
	if out.Execution == nil {
		t.Fatal("no execution record attached")
	}
	if out.Execution.ProcessID != "proc-1" {
		t.Errorf("execution process = %q", out.Execution.ProcessID)
	}
	if out.Execution.FinishedAt == nil || out.Execution.Duration == nil {
		t.Error("execution record missing finished_at or duration")
	}
}

func TestPerformErrorRetries(t *testing.T) {
	repo := &fakeJobRepo{}
	e := newTestExecutor(t, repo, &domain.Handler{
		Name: "FlakyJob",
		Perform: func(context.Context, *domain.Job, []any) domain.Outcome {
			return domain.Failed(errors.New("boom"))
		},
	})

	e.Perform(context.Background(), testJob("FlakyJob", 1))

	out := repo.lastOutcome(t)
	if out.Finished {
		t.Error("retryable failure marked finished")
	}
	if out.RetryAt.IsZero() {
		t.Error("retry outcome has no retry time")
	}
	if out.ErrEvent == nil || *out.ErrEvent != domain.ErrorEventRetried {
		t.Errorf("error event = %v, want retried", out.ErrEvent)
	}
	if out.ErrMsg == nil || *out.ErrMsg != "boom" {
		t.Errorf("error message = %v", out.ErrMsg)
	}
}

func TestPerformErrorExhaustsAttempts(t *testing.T) {
	repo := &fakeJobRepo{}
	e := newTestExecutor(t, repo, &domain.Handler{
		Name: "FlakyJob",
		Perform: func(context.Context, *domain.Job, []any) domain.Outcome {
			return domain.Failed(errors.New("boom"))
		},
	})

	e.Perform(context.Background(), testJob("FlakyJob", 3))

	out := repo.lastOutcome(t)
	if !out.Finished {
		t.Error("exhausted job not finished")
	}
	if out.ErrEvent == nil || *out.ErrEvent != domain.ErrorEventRetryStopped {
		t.Errorf("error event = %v, want retry_stopped", out.ErrEvent)
	}
}

func TestPerformDiscardOnMatch(t *testing.T) {
	sentinel := errors.New("bad input")
	var onErrorCalled error
	repo := &fakeJobRepo{}
	e := newTestExecutor(t, repo, &domain.Handler{
		Name: "PickyJob",
		Perform: func(context.Context, *domain.Job, []any) domain.Outcome {
			return domain.Failed(sentinel)
		},
		DiscardOn: []func(error) bool{
			func(err error) bool { return errors.Is(err, sentinel) },
		},
		OnError: func(_ context.Context, _ *domain.Job, err error) { onErrorCalled = err },
	})

	e.Perform(context.Background(), testJob("PickyJob", 1))

	out := repo.lastOutcome(t)
	if !out.Finished {
		t.Error("discarded job not finished")
	}
	if out.ErrEvent == nil || *out.ErrEvent != domain.ErrorEventDiscarded {
		t.Errorf("error event = %v, want discarded", out.ErrEvent)
	}
	if !errors.Is(onErrorCalled, sentinel) {
		t.Error("OnError hook not called with the cause")
	}
}

func TestPerformPanicIsCaught(t *testing.T) {
	repo := &fakeJobRepo{}
	e := newTestExecutor(t, repo, &domain.Handler{
		Name: "PanickyJob",
		Perform: func(context.Context, *domain.Job, []any) domain.Outcome {
			panic("kaboom")
		},
	})

	// Last attempt: the panic is terminal.
	e.Perform(context.Background(), testJob("PanickyJob", 3))

	out := repo.lastOutcome(t)
	if !out.Finished {
		t.Error("terminal panic not finished")
	}
	if out.ErrEvent == nil || *out.ErrEvent != domain.ErrorEventUnhandled {
		t.Errorf("error event = %v, want unhandled", out.ErrEvent)
	}
	if out.ErrMsg == nil || !strings.Contains(*out.ErrMsg, "kaboom") {
		t.Errorf("error message = %v", out.ErrMsg)
	}
	if len(out.Execution.ErrorBacktrace) == 0 {
		t.Error("panic outcome has no backtrace")
	}
}

func TestPerformSnooze(t *testing.T) {
	repo := &fakeJobRepo{}
	e := newTestExecutor(t, repo, &domain.Handler{
		Name: "SleepyJob",
		Perform: func(context.Context, *domain.Job, []any) domain.Outcome {
			return domain.Snooze(time.Hour)
		},
	})

	before := time.Now()
	e.Perform(context.Background(), testJob("SleepyJob", 1))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.outcomes) != 0 {
		t.Errorf("snooze persisted an outcome: %+v", repo.outcomes)
	}
	if len(repo.releases) != 1 {
		t.Fatalf("releases = %d, want 1", len(repo.releases))
	}
	rel := repo.releases[0]
	if !rel.decrement {
		t.Error("snooze did not refund the attempt")
	}
	if rel.at == nil || rel.at.Sub(before) < 59*time.Minute {
		t.Errorf("snooze rescheduled at %v, want ~1h out", rel.at)
	}
}

func TestPerformCancel(t *testing.T) {
	repo := &fakeJobRepo{}
	e := newTestExecutor(t, repo, &domain.Handler{
		Name: "CancelJob",
		Perform: func(context.Context, *domain.Job, []any) domain.Outcome {
			return domain.Cancel(errors.New("no longer needed"))
		},
	})

	e.Perform(context.Background(), testJob("CancelJob", 1))

	out := repo.lastOutcome(t)
	if !out.Finished {
		t.Error("cancelled job not finished")
	}
	if out.ErrEvent == nil || *out.ErrEvent != domain.ErrorEventHandled {
		t.Errorf("error event = %v, want handled", out.ErrEvent)
	}
}

func TestPerformUnknownClassDiscards(t *testing.T) {
	repo := &fakeJobRepo{}
	e := newTestExecutor(t, repo)

	e.Perform(context.Background(), testJob("NoSuchJob", 1))

	out := repo.lastOutcome(t)
	if !out.Finished {
		t.Error("unknown class not finished")
	}
	if out.ErrEvent == nil || *out.ErrEvent != domain.ErrorEventDiscarded {
		t.Errorf("error event = %v, want discarded", out.ErrEvent)
	}
}

func TestPerformMalformedPayloadDiscards(t *testing.T) {
	repo := &fakeJobRepo{}
	e := newTestExecutor(t, repo, &domain.Handler{
		Name: "TestJob",
		Perform: func(context.Context, *domain.Job, []any) domain.Outcome {
			t.Error("perform ran on malformed payload")
			return domain.Ok(nil)
		},
	})

	job := testJob("TestJob", 1)
	job.SerializedParams = []byte("{not json")
	e.Perform(context.Background(), job)

	out := repo.lastOutcome(t)
	if !out.Finished || out.ErrEvent == nil || *out.ErrEvent != domain.ErrorEventDiscarded {
		t.Errorf("malformed payload outcome = %+v, want finished discard", out)
	}
}

func TestPerformShutdownReleasesWithRefund(t *testing.T) {
	repo := &fakeJobRepo{}
	started := make(chan struct{})
	e := newTestExecutor(t, repo, &domain.Handler{
		Name: "SlowJob",
		Perform: func(ctx context.Context, _ *domain.Job, _ []any) domain.Outcome {
			close(started)
			<-ctx.Done()
			return domain.Failed(ctx.Err())
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	e.Perform(ctx, testJob("SlowJob", 1))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.outcomes) != 0 {
		t.Errorf("interrupted run persisted an outcome: %+v", repo.outcomes)
	}
	if len(repo.releases) != 1 {
		t.Fatalf("releases = %d, want 1", len(repo.releases))
	}
	rel := repo.releases[0]
	if !rel.decrement {
		t.Error("interrupted release did not refund the attempt")
	}
	if rel.at != nil {
		t.Errorf("interrupted release scheduled at %v, want nil", rel.at)
	}
}

func TestPerformTimeoutFailsAttempt(t *testing.T) {
	repo := &fakeJobRepo{}
	e := newTestExecutor(t, repo, &domain.Handler{
		Name:    "StuckJob",
		Timeout: 10 * time.Millisecond,
		Perform: func(ctx context.Context, _ *domain.Job, _ []any) domain.Outcome {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return domain.Ok(nil)
		},
	})

	job := testJob("StuckJob", 1)
	e.Perform(context.Background(), job)

	out := repo.lastOutcome(t)
	if out.Finished {
		t.Error("timed-out attempt marked finished")
	}
	if out.ErrEvent == nil || *out.ErrEvent != domain.ErrorEventRetried {
		t.Errorf("error event = %v, want retried", out.ErrEvent)
	}
	if out.ErrMsg == nil {
		t.Fatal("timed-out attempt has no error message")
	}
	for _, want := range []string{job.ID, "timed out", "deadline"} {
		if !strings.Contains(*out.ErrMsg, want) {
			t.Errorf("error message %q missing %q", *out.ErrMsg, want)
		}
	}
}
