package lock

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const pollInterval = 100 * time.Millisecond

// PostgresManager implements the advisory lock on postgres session locks
// (pg_try_advisory_lock over hashtext of the execution ID). Each lease pins
// one connection from the pool for its lifetime, since session locks belong
// to the connection that took them.
type PostgresManager struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresManager creates a lock manager sharing the store's pool.
func NewPostgresManager(db *sql.DB, logger *slog.Logger) *PostgresManager {
	return &PostgresManager{
		db:     db,
		logger: logger.With("module", "postgres_lock"),
	}
}

// Acquire polls pg_try_advisory_lock until it succeeds or the timeout runs
// out.
func (m *PostgresManager) Acquire(ctx context.Context, executionID string, timeout time.Duration) (Lease, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain connection for lock: %w", err)
	}

	deadline := time.Now().Add(timeout)

	for {
		var acquired bool

		err = conn.QueryRowContext(ctx,
			"SELECT pg_try_advisory_lock(hashtext($1))", executionID,
		).Scan(&acquired)
		if err != nil {
			_ = conn.Close()

			return nil, fmt.Errorf("advisory lock query failed: %w", err)
		}

		if acquired {
			return &postgresLease{conn: conn, executionID: executionID, logger: m.logger}, nil
		}

		if time.Now().After(deadline) {
			_ = conn.Close()

			return nil, fmt.Errorf("%w: %s", ErrExecutionLocked, executionID)
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			_ = conn.Close()

			return nil, fmt.Errorf("lock acquisition aborted for %s: %w", executionID, ctx.Err())
		}
	}
}

type postgresLease struct {
	conn        *sql.Conn
	executionID string
	logger      *slog.Logger
	released    bool
}

func (l *postgresLease) Release(ctx context.Context) error {
	if l.released {
		return nil
	}

	l.released = true

	var unlocked bool

	err := l.conn.QueryRowContext(ctx,
		"SELECT pg_advisory_unlock(hashtext($1))", l.executionID,
	).Scan(&unlocked)
	if err != nil {
		// Closing the connection releases session locks either way.
		_ = l.conn.Close()

		return fmt.Errorf("advisory unlock failed: %w", err)
	}

	if !unlocked {
		l.logger.WarnContext(ctx, "advisory unlock reported no lock held", "execution_id", l.executionID)
	}

	err = l.conn.Close()
	if err != nil {
		return fmt.Errorf("failed to return lock connection: %w", err)
	}

	return nil
}
