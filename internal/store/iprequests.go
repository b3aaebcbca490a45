package store

import "context"

// RecordIPRequest logs one admission attempt from ipAddress at requestTime
// (unix seconds) as a standalone insert, outside any transaction. The rate
// limiter does not use it; its insert happens inside AdmitIPRequest.
func (s *Store) RecordIPRequest(ctx context.Context, ipAddress string, requestTime int64) error {
	return timeOp("record_ip_request", func() error {
		_, err := s.Primary.Exec(ctx, `INSERT INTO ip_requests (ip_address, request_time) VALUES ($1, $2)`,
			ipAddress, requestTime)
		return err
	})
}

// CountIPRequestsSince returns how many requests ipAddress has made at or
// after sinceUnix. The rate limiter's own count is taken inside
// AdmitIPRequest, not through this method.
func (s *Store) CountIPRequestsSince(ctx context.Context, ipAddress string, sinceUnix int64) (int, error) {
	var n int
	err := timeOp("count_ip_requests", func() error {
		return s.Primary.QueryRow(ctx, `SELECT count(*) FROM ip_requests WHERE ip_address = $1 AND request_time >= $2`,
			ipAddress, sinceUnix).Scan(&n)
	})
	return n, err
}

// AdmitIPRequest is the rate limiter's single atomic admission check: count
// ipAddress's requests since windowStart, and if fewer than maxAllowed,
// record this one in the same transaction. A Postgres transaction-scoped
// advisory lock keyed on the IP serializes concurrent admission attempts
// from the same source, so two requests arriving in the same instant can't
// both observe count < maxAllowed and both be admitted.
func (s *Store) AdmitIPRequest(ctx context.Context, ipAddress string, windowStart, now int64, maxAllowed int) (admitted bool, count int, err error) {
	err = timeOp("admit_ip_request", func() error {
		tx, txErr := s.Primary.Begin(ctx)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if _, lockErr := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ipAddress); lockErr != nil {
			return lockErr
		}

		var historical, running int
		if scanErr := tx.QueryRow(ctx, `SELECT count(*) FROM ip_requests WHERE ip_address = $1 AND request_time >= $2`,
			ipAddress, windowStart).Scan(&historical); scanErr != nil {
			return scanErr
		}
		// Belt-and-braces: a container still running for this source counts
		// against its admission budget too, not just past request rows.
		if scanErr := tx.QueryRow(ctx, `SELECT count(*) FROM containers WHERE ip_address = $1 AND status = 'running'`,
			ipAddress).Scan(&running); scanErr != nil {
			return scanErr
		}
		count = historical + running

		if count >= maxAllowed {
			admitted = false
			return tx.Commit(ctx)
		}

		if _, insErr := tx.Exec(ctx, `INSERT INTO ip_requests (ip_address, request_time) VALUES ($1, $2)`,
			ipAddress, now); insErr != nil {
			return insErr
		}
		admitted = true
		return tx.Commit(ctx)
	})
	return admitted, count, err
}

// PurgeIPRequestsBefore deletes request history older than beforeUnix,
// keeping the table from growing unboundedly. Run by the janitor's sweep
// loop alongside container reclamation.
func (s *Store) PurgeIPRequestsBefore(ctx context.Context, beforeUnix int64) (int, error) {
	var n int
	err := timeOp("purge_ip_requests", func() error {
		tag, err := s.Maintenance.Exec(ctx, `DELETE FROM ip_requests WHERE request_time < $1`, beforeUnix)
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}
