// Package distlock guards the queue batch across processes.
package distlock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

// Lock is a non-blocking cross-process mutex.
// A Lock is owned by one batch at a time; Release only frees a lock the
// same instance acquired.
type Lock interface {
	// Acquire tries to take the lock and reports whether it succeeded
	Acquire(ctx context.Context) (bool, error)
	// Release frees the lock if this instance still holds it
	Release(ctx context.Context) error
}

// PGAdvisoryLock implements Lock with a session-scoped Postgres advisory lock.
// The lock lives on a dedicated connection that is returned to the pool on
// release, so a crashed process frees it when its connection drops.
// A connection whose unlock failed is closed instead of pooled.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPGAdvisoryLock derives a stable advisory lock id from name
func NewPGAdvisoryLock(db *sql.DB, name string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(name))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries pg_try_advisory_lock on a dedicated connection
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		discard(conn)
		return false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release unlocks and returns the connection to the pool
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		discard(conn)
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("failed to close lock connection: %w", err)
	}
	return nil
}

// discard closes the session behind conn instead of returning it to the
// pool, which drops any advisory lock it may still hold
func discard(conn *sql.Conn) {
	conn.Raw(func(any) error { return driver.ErrBadConn })
	conn.Close()
}
