package log

import "context"

type jobIDKey struct{}

// WithJobID returns a copy of ctx carrying the job row's ID, so every log
// line emitted while the job runs can be traced back to it.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobIDFromContext extracts the job ID from ctx. Returns "" if absent.
func JobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}
