package repository

import "context"

// Lock is a held session-level advisory lock. Release is idempotent.
type Lock interface {
	Release(ctx context.Context) error
}

// AdvisoryLocker serializes job ownership across every process sharing the
// database, including other-language workers. Key derivation must therefore
// be identical everywhere.
type AdvisoryLocker interface {
	JobLockKey(jobID string) int64
	ConcurrencyLockKey(key string) int64

	// TryAcquire takes a session-lifetime lock. ok=false is a normal
	// outcome, not an error: someone else owns the key.
	TryAcquire(ctx context.Context, key int64) (lock Lock, ok bool, err error)

	// Held reports whether any session currently holds the key, observed
	// via the database's lock catalogue.
	Held(ctx context.Context, key int64) (bool, error)
}
