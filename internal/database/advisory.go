package database

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"

	"github.com/botmart/botmart-settlement-service/internal/domain"
)

// AdvisoryLock exposes try-acquire/release over postgres session-scoped
// advisory locks. It serializes maintenance operations across processes;
// the hot webhook path relies on row locks instead.
type AdvisoryLock struct {
	db *sql.DB
}

func NewAdvisoryLock(db *sql.DB) *AdvisoryLock {
	return &AdvisoryLock{db: db}
}

// Lock is a held advisory lock. Unlock must be called exactly once; it
// releases the lock and returns the session connection to the pool. If the
// process dies first, the session ends and postgres releases the lock.
type Lock struct {
	conn *sql.Conn
	key  int64
}

// TryAcquire hashes name to a 64-bit key and attempts a non-blocking
// session lock on a dedicated connection. Returns domain.ErrLockNotAcquired
// when another session holds it.
func (a *AdvisoryLock) TryAcquire(ctx context.Context, name string) (*Lock, error) {
	key := lockKey(name)

	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("try advisory lock %q: %w", name, err)
	}
	if !acquired {
		conn.Close()
		return nil, fmt.Errorf("lock %q: %w", name, domain.ErrLockNotAcquired)
	}

	return &Lock{conn: conn, key: key}, nil
}

// Unlock releases the advisory lock and its connection.
func (l *Lock) Unlock(ctx context.Context) error {
	defer l.conn.Close()

	if _, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.key); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}
