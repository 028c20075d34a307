package domain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// OutcomeKind is the normalized result of one handler invocation.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeError
	OutcomeCancel
	OutcomeDiscard
	OutcomeSnooze
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeError:
		return "error"
	case OutcomeCancel:
		return "cancel"
	case OutcomeDiscard:
		return "discard"
	case OutcomeSnooze:
		return "snooze"
	}
	return "unknown"
}

// Outcome is what a handler's Perform returns. Any value that is not one of
// the recognized kinds is treated as ok.
type Outcome struct {
	Kind  OutcomeKind
	Value any
	Err   error
	Delay time.Duration // only for OutcomeSnooze
}

func Ok(value any) Outcome          { return Outcome{Kind: OutcomeOK, Value: value} }
func Failed(err error) Outcome      { return Outcome{Kind: OutcomeError, Err: err} }
func Cancel(reason error) Outcome   { return Outcome{Kind: OutcomeCancel, Err: reason} }
func Discard(reason error) Outcome  { return Outcome{Kind: OutcomeDiscard, Err: reason} }
func Snooze(d time.Duration) Outcome { return Outcome{Kind: OutcomeSnooze, Delay: d} }

// PerformFunc is the user-supplied job body. args are the decoded wire
// arguments.
type PerformFunc func(ctx context.Context, job *Job, args []any) Outcome

// Throttle is a sliding-window rate limit: at most Limit events per Window.
type Throttle struct {
	Limit  int
	Window time.Duration
}

// ConcurrencyConfig groups jobs by a key derived from their arguments and
// bounds how many may exist or run at once.
type ConcurrencyConfig struct {
	// Key derives the concurrency key from the job arguments. Required.
	Key func(args []any) string

	TotalLimit   int // unfinished jobs (enqueued + performing); 0 = unlimited
	EnqueueLimit int // enqueued but not yet performing; 0 = unlimited
	PerformLimit int // currently performing; 0 = unlimited

	EnqueueThrottle *Throttle
	PerformThrottle *Throttle
}

// Handler binds a canonical wire class name to in-process job code plus its
// retry, timeout and concurrency policy. The zero values fall back to the
// process-wide defaults at registration time.
type Handler struct {
	// Name is the canonical wire form, double-colon separated
	// (e.g. "Reports::NightlyRollup").
	Name string

	Perform PerformFunc

	// BeforePerform runs before the job body; a non-nil error is treated as
	// an execution failure. AfterPerform always runs after the body.
	// OnError runs on non-ok terminal outcomes.
	BeforePerform func(ctx context.Context, job *Job, args []any) error
	AfterPerform  func(ctx context.Context, job *Job, args []any)
	OnError       func(ctx context.Context, job *Job, err error)

	MaxAttempts int           // retry ceiling; 0 = process default
	Timeout     time.Duration // per-job run bound; 0 = none

	// Backoff computes the delay before attempt n+1 after attempt n failed.
	// nil = process default (constant 3s).
	Backoff func(attempt int) time.Duration

	// DiscardOn classifies errors that must not be retried regardless of
	// attempts remaining.
	DiscardOn []func(error) bool

	Concurrency *ConcurrencyConfig
}

// ShouldDiscard reports whether err matches one of the handler's
// discard classifications.
func (h *Handler) ShouldDiscard(err error) bool {
	for _, match := range h.DiscardOn {
		if match(err) {
			return true
		}
	}
	return false
}

// Registry maps canonical wire names to handlers. It is populated at
// startup; lookups of unknown names are a deserialization failure, not a
// programming error.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

func (r *Registry) Register(h *Handler) error {
	if h.Name == "" {
		return fmt.Errorf("handler name must not be empty")
	}
	if h.Perform == nil {
		return fmt.Errorf("handler %q has no perform func", h.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name]; exists {
		return fmt.Errorf("handler %q already registered", h.Name)
	}
	r.handlers[h.Name] = h
	return nil
}

// Lookup returns the handler for a wire class name, or ErrUnknownJobClass.
func (r *Registry) Lookup(name string) (*Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobClass, name)
	}
	return h, nil
}

// Names returns all registered wire names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
