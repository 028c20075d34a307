package postgres

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/queueworks/goodq/internal/repository"
)

// Advisory wraps PostgreSQL session-level advisory locks. Session locks are
// tied to a connection, so an acquired lock pins one pooled connection until
// released — the same pattern the wire-compatible implementations use to
// hold a job for the duration of its run.
type Advisory struct {
	pool *pgxpool.Pool
}

func NewAdvisory(pool *pgxpool.Pool) *Advisory {
	return &Advisory{pool: pool}
}

// lockKey hashes "good_jobs-<value>" through md5 and takes the first 8
// digest bytes big-endian as a signed 64-bit key. This matches
// ('x'||substr(md5($1),1,16))::bit(64)::bigint, which is what the
// other-ecosystem workers execute, so locks interlock across languages.
func lockKey(value string) int64 {
	sum := md5.Sum([]byte("good_jobs-" + value))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func (a *Advisory) JobLockKey(jobID string) int64 {
	return lockKey(jobID)
}

func (a *Advisory) ConcurrencyLockKey(key string) int64 {
	return lockKey(key)
}

// TryAcquire takes a session advisory lock on a dedicated pooled
// connection. ok=false means another session owns the key; that is a normal
// outcome during fetch races, not an error.
func (a *Advisory) TryAcquire(ctx context.Context, key int64) (repository.Lock, bool, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire conn for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	return &sessionLock{conn: conn, key: key}, true, nil
}

// Held consults the database's lock catalogue. A 64-bit advisory key is
// stored split across the classid (high word) and objid (low word) columns
// with objsubid 1.
func (a *Advisory) Held(ctx context.Context, key int64) (bool, error) {
	classid := int64(uint32(uint64(key) >> 32))
	objid := int64(uint32(uint64(key)))

	var held bool
	err := a.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE  locktype = 'advisory'
			  AND  objsubid = 1
			  AND  classid::bigint = $1
			  AND  objid::bigint = $2
		)`, classid, objid).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("query pg_locks: %w", err)
	}
	return held, nil
}

type sessionLock struct {
	mu       sync.Mutex
	conn     *pgxpool.Conn
	key      int64
	released bool
}

// Release unlocks and returns the connection to the pool. Releasing twice
// is a no-op; an unlock failure is swallowed because dropping the
// connection releases the session lock anyway.
func (l *sessionLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	var unlocked bool
	_ = l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&unlocked)
	l.conn.Release()
	return nil
}
