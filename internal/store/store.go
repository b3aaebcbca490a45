package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ctfrange/orchestrator/internal/telemetry"
)

// timeOp records the outcome and duration of a single Store operation.
func timeOp(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	telemetry.DatabaseOperationDuration.Observe(time.Since(start).Seconds())
	telemetry.DatabaseOperationsTotal.WithLabelValues(op).Inc()
	return err
}

// isNotFound reports whether err is pgx's "no rows" sentinel.
func isNotFound(err error) bool {
	return err == pgx.ErrNoRows
}

// ReportPoolStats publishes the primary pool's current connection counts to
// the database_connection_pool gauge vec, by state.
func (s *Store) ReportPoolStats() {
	stat := s.Primary.Stat()
	telemetry.DatabaseConnectionPool.WithLabelValues("used").Set(float64(stat.AcquiredConns()))
	telemetry.DatabaseConnectionPool.WithLabelValues("free").Set(float64(stat.IdleConns()))
	telemetry.DatabaseConnectionPool.WithLabelValues("max").Set(float64(stat.MaxConns()))
}

// PoolStats returns the primary pool's free/max connection counts, for the
// admin status endpoint's database section.
func (s *Store) PoolStats() (free, max int32) {
	stat := s.Primary.Stat()
	return stat.IdleConns(), stat.MaxConns()
}

// Close closes both pools. Both pools must be non-nil: Close calls
// pgxpool.Pool.Close on each without a nil check.
func (s *Store) Close() {
	s.Primary.Close()
	s.Maintenance.Close()
}

// withTx runs fn inside a transaction on pool, committing on success and
// rolling back on any returned error (including a panic that re-panics
// after rollback, via the deferred Rollback no-op on a committed tx).
func withTx(ctx context.Context, pool interface {
	Begin(context.Context) (pgx.Tx, error)
}, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op if already committed

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
