// Package lease provides best-effort distributed locks for scheduled jobs,
// backed by Postgres advisory locks. A lock that cannot be evaluated does
// not block the job: every job is idempotent, so double execution is wasted
// work, not corruption.
package lease

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Stable advisory lock keys for the scheduled jobs.
const (
	KeyWestmetallIngest = 912025
	KeyFinancePipeline  = 912027
)

// Lease is a held lock. Release is safe to call once, typically deferred.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks. Acquired=false means another holder has the
// lock and the caller should skip this pass.
type Locker interface {
	TryAcquire(ctx context.Context, key int64) (Lease, bool, error)
}

// PostgresLocker takes session-level advisory locks. The session is pinned
// to one pooled connection for the lifetime of the lease, since advisory
// locks are owned by the connection that took them.
type PostgresLocker struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgresLocker(db *sql.DB, logger *slog.Logger) *PostgresLocker {
	if db == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLocker{db: db, logger: logger}
}

type postgresLease struct {
	conn *sql.Conn
	key  int64
}

func (l *postgresLease) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	defer l.conn.Close()
	if _, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.key); err != nil {
		return fmt.Errorf("release advisory lock %d: %w", l.key, err)
	}
	return nil
}

// TryAcquire attempts the advisory lock. On infrastructure errors it reports
// the lock as acquired with a nil-safe lease, so the job proceeds rather
// than starving behind a broken lock.
func (p *PostgresLocker) TryAcquire(ctx context.Context, key int64) (Lease, bool, error) {
	if p == nil || p.db == nil {
		return noopLease{}, true, nil
	}
	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "advisory lock unavailable, proceeding", "key", key, "error", err)
		return noopLease{}, true, nil
	}
	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
		conn.Close()
		p.logger.WarnContext(ctx, "advisory lock unavailable, proceeding", "key", key, "error", err)
		return noopLease{}, true, nil
	}
	if !locked {
		conn.Close()
		return nil, false, nil
	}
	return &postgresLease{conn: conn, key: key}, true, nil
}

type noopLease struct{}

func (noopLease) Release(context.Context) error { return nil }

// NoopLocker always grants the lock. Used in single-instance deployments
// and tests.
type NoopLocker struct{}

func (NoopLocker) TryAcquire(context.Context, int64) (Lease, bool, error) {
	return noopLease{}, true, nil
}
