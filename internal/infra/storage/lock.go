package storage

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLock is a session-scoped postgres advisory lock pinned to one pooled
// connection. The outbox dispatcher and the replay runner use it to guarantee
// a single active writer per logical name without any external coordinator.
type AdvisoryLock struct {
	conn *pgxpool.Conn
	key  int64
}

// AcquireAdvisoryLock tries to take the advisory lock derived from name.
// It returns (nil, false, nil) when another session already holds the lock.
// The lock is held until Release is called or the session ends.
func AcquireAdvisoryLock(ctx context.Context, pool *pgxpool.Pool, name string) (*AdvisoryLock, bool, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for advisory lock: %w", err)
	}

	key := advisoryKey(name)

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to try advisory lock %q: %w", name, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	return &AdvisoryLock{conn: conn, key: key}, true, nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	defer l.conn.Release()

	if _, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}

// advisoryKey maps a lock name onto the bigint key space postgres advisory
// locks use.
func advisoryKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}
