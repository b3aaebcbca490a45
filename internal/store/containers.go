package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const containerColumns = `id, port, start_time, expiration_time, user_uuid, ip_address,
	status, extension_count, created_at, updated_at`

func scanContainer(row pgx.Row) (Container, error) {
	var c Container
	err := row.Scan(
		&c.ID, &c.Port, &c.StartTime, &c.ExpirationTime, &c.UserUUID, &c.IPAddress,
		&c.Status, &c.ExtensionCount, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func scanContainers(rows pgx.Rows) ([]Container, error) {
	defer rows.Close()
	var items []Container
	for rows.Next() {
		var c Container
		if err := rows.Scan(
			&c.ID, &c.Port, &c.StartTime, &c.ExpirationTime, &c.UserUUID, &c.IPAddress,
			&c.Status, &c.ExtensionCount, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning container row: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating container rows: %w", err)
	}
	return items, nil
}

// CreateContainerParams holds the fields needed to insert a new running
// container row.
type CreateContainerParams struct {
	ID             string
	Port           int
	StartTime      int64
	ExpirationTime int64
	UserUUID       string
	IPAddress      string
}

// CreateRunningContainer inserts a new container row with status 'running'.
// The partial unique index on (user_uuid) WHERE status='running' makes this
// fail with a unique violation if the caller already owns one — callers
// should check GetRunningByUser first, but this is the backstop against the
// race between that check and this insert.
func (s *Store) CreateRunningContainer(ctx context.Context, p CreateContainerParams) (Container, error) {
	var out Container
	err := timeOp("create_container", func() error {
		query := `INSERT INTO containers (id, port, start_time, expiration_time, user_uuid, ip_address, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'running')
			RETURNING ` + containerColumns
		row := s.Primary.QueryRow(ctx, query, p.ID, p.Port, p.StartTime, p.ExpirationTime, p.UserUUID, p.IPAddress)
		var err error
		out, err = scanContainer(row)
		return err
	})
	return out, err
}

// GetRunningByUser returns the caller's currently running container, if any.
// A nil Container with a nil error means the user owns nothing right now.
func (s *Store) GetRunningByUser(ctx context.Context, userUUID string) (*Container, error) {
	var out *Container
	err := timeOp("get_running_by_user", func() error {
		query := `SELECT ` + containerColumns + ` FROM containers WHERE user_uuid = $1 AND status = 'running'`
		row := s.Primary.QueryRow(ctx, query, userUUID)
		c, err := scanContainer(row)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		out = &c
		return nil
	})
	return out, err
}

// GetByID returns a container by id regardless of status, or nil if absent.
func (s *Store) GetByID(ctx context.Context, id string) (*Container, error) {
	var out *Container
	err := timeOp("get_container_by_id", func() error {
		query := `SELECT ` + containerColumns + ` FROM containers WHERE id = $1`
		row := s.Primary.QueryRow(ctx, query, id)
		c, err := scanContainer(row)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		out = &c
		return nil
	})
	return out, err
}

// UpdateStatus transitions a container to a terminal or stopped state.
func (s *Store) UpdateStatus(ctx context.Context, id string, status ContainerStatus) error {
	return timeOp("update_container_status", func() error {
		tag, err := s.Primary.Exec(ctx, `UPDATE containers SET status = $2, updated_at = now() WHERE id = $1`, id, status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

// Extend bumps a running container's expiration_time and extension_count in
// a single statement, so two concurrent extend requests can't both read a
// stale extension_count and both "succeed" while only incrementing once.
func (s *Store) Extend(ctx context.Context, id string, newExpirationTime int64) (Container, error) {
	var out Container
	err := timeOp("extend_container", func() error {
		query := `UPDATE containers
			SET expiration_time = $2, extension_count = extension_count + 1, updated_at = now()
			WHERE id = $1 AND status = 'running'
			RETURNING ` + containerColumns
		row := s.Primary.QueryRow(ctx, query, id, newExpirationTime)
		var err error
		out, err = scanContainer(row)
		return err
	})
	return out, err
}

// ListExpiredRunning returns up to limit running containers whose
// expiration_time has already passed, ordered oldest-first so the janitor
// works through the longest-overdue containers first.
func (s *Store) ListExpiredRunning(ctx context.Context, now int64, limit int) ([]Container, error) {
	var out []Container
	err := timeOp("list_expired_running", func() error {
		query := `SELECT ` + containerColumns + ` FROM containers
			WHERE status = 'running' AND expiration_time <= $1
			ORDER BY expiration_time ASC
			LIMIT $2`
		rows, err := s.Maintenance.Query(ctx, query, now, limit)
		if err != nil {
			return err
		}
		var scanErr error
		out, scanErr = scanContainers(rows)
		return scanErr
	})
	return out, err
}

// ListRunning returns every currently running container, for the resource
// monitor's snapshot and the admin status endpoint.
func (s *Store) ListRunning(ctx context.Context) ([]Container, error) {
	var out []Container
	err := timeOp("list_running", func() error {
		query := `SELECT ` + containerColumns + ` FROM containers WHERE status = 'running' ORDER BY start_time ASC`
		rows, err := s.Primary.Query(ctx, query)
		if err != nil {
			return err
		}
		var scanErr error
		out, scanErr = scanContainers(rows)
		return scanErr
	})
	return out, err
}

// CountRunning returns the number of currently running containers, reported
// as active_containers by the admin status endpoint.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := timeOp("count_running", func() error {
		return s.Primary.QueryRow(ctx, `SELECT count(*) FROM containers WHERE status = 'running'`).Scan(&n)
	})
	return n, err
}

// CountAll returns the lifetime count of every container row ever created
// (any status), for the admin status endpoint's total_containers_created.
func (s *Store) CountAll(ctx context.Context) (int, error) {
	var n int
	err := timeOp("count_all_containers", func() error {
		return s.Primary.QueryRow(ctx, `SELECT count(*) FROM containers`).Scan(&n)
	})
	return n, err
}
