package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// SeedPorts idempotently inserts every port in [start, stop) as unallocated.
// Safe to call on every startup; ON CONFLICT DO NOTHING makes it a no-op for
// ports that already have a row.
func (s *Store) SeedPorts(ctx context.Context, start, stop int) error {
	return timeOp("seed_ports", func() error {
		tx, err := s.Primary.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		batch := &pgx.Batch{}
		for p := start; p < stop; p++ {
			batch.Queue(`INSERT INTO port_allocations (port, allocated) VALUES ($1, false)
				ON CONFLICT (port) DO NOTHING`, p)
		}
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// ReserveFreePort atomically claims one unallocated port and assigns it to
// containerID. SELECT ... FOR UPDATE SKIP LOCKED means concurrent reservers
// never block on each other or double-claim the same row; each grabs a
// different free port (or ErrNoRows if none remain).
func (s *Store) ReserveFreePort(ctx context.Context, containerID string, now int64) (int, error) {
	var port int
	err := timeOp("reserve_port", func() error {
		tx, err := s.Primary.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		row := tx.QueryRow(ctx, `SELECT port FROM port_allocations
			WHERE NOT allocated
			ORDER BY port ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`)
		if err := row.Scan(&port); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE port_allocations SET allocated = true, container_id = $2, allocated_at = $3 WHERE port = $1`,
			port, containerID, now)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	return port, err
}

// MarkStale reassigns an already-allocated port to a synthetic container id,
// used when the OS disagrees with the table about a port being free: the row
// stays claimed (under staleID rather than its real would-be owner) so it
// drops out of circulation until the next Sweep reconciles it.
func (s *Store) MarkStale(ctx context.Context, port int, staleID string, now int64) error {
	return timeOp("mark_stale_port", func() error {
		_, err := s.Primary.Exec(ctx, `UPDATE port_allocations
			SET container_id = $2, allocated_at = $3
			WHERE port = $1`, port, staleID, now)
		return err
	})
}

// ReassignPort repoints an already-allocated port's container_id, used by
// Deploy/Restart to swap a reservation's placeholder id for the real engine
// container id once it's known, without ever freeing the row (which would
// risk another reserver claiming it in between).
func (s *Store) ReassignPort(ctx context.Context, port int, containerID string) error {
	return timeOp("reassign_port", func() error {
		_, err := s.Primary.Exec(ctx, `UPDATE port_allocations SET container_id = $2 WHERE port = $1`,
			port, containerID)
		return err
	})
}

// ReleasePort marks a port free again, clearing its owner.
func (s *Store) ReleasePort(ctx context.Context, port int) error {
	return timeOp("release_port", func() error {
		_, err := s.Primary.Exec(ctx, `UPDATE port_allocations
			SET allocated = false, container_id = NULL, allocated_at = NULL
			WHERE port = $1`, port)
		return err
	})
}

// ReleasePortsWithoutRunningContainer frees any port allocated for at least
// staleAfterSec whose container_id no longer points at a running container
// (the container was swept, crashed, a placeholder id that was never
// finalized, or a synthetic "stale-<ts>" marker from a desynced Reserve).
// The age bound keeps this from racing the brief window between Reserve's
// port UPDATE and the Deploy flow's later Container INSERT.
func (s *Store) ReleasePortsWithoutRunningContainer(ctx context.Context, staleAfterSec int64) (int, error) {
	var n int
	err := timeOp("sweep_ports", func() error {
		cutoff := time.Now().Unix() - staleAfterSec
		tag, err := s.Maintenance.Exec(ctx, `UPDATE port_allocations
			SET allocated = false, container_id = NULL, allocated_at = NULL
			WHERE allocated AND allocated_at < $1 AND container_id NOT IN (
				SELECT id FROM containers WHERE status = 'running'
			)`, cutoff)
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}

// PortPoolCounts returns (allocated, free) counts for the port_pool metric.
func (s *Store) PortPoolCounts(ctx context.Context) (allocated, free int, err error) {
	err = timeOp("port_pool_counts", func() error {
		return s.Primary.QueryRow(ctx, `SELECT
			count(*) FILTER (WHERE allocated),
			count(*) FILTER (WHERE NOT allocated)
			FROM port_allocations`).Scan(&allocated, &free)
	})
	return allocated, free, err
}
