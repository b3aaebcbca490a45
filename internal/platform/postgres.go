package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig bounds a connection pool's size.
type PoolConfig struct {
	MinConns int32
	MaxConns int32
}

// NewPostgresPool creates a pgx connection pool bounded by cfg. Transient
// connection failures during the initial ping are retried with exponential
// backoff up to a fixed cap. Only this initial ping is retried; queries
// issued later through the pool are not.
func NewPostgresPool(ctx context.Context, databaseURL string, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pingWithBackoff(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

const (
	maxPingAttempts = 5
	initialBackoff  = 200 * time.Millisecond
)

func pingWithBackoff(ctx context.Context, pool *pgxpool.Pool) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxPingAttempts; attempt++ {
		if err := pool.Ping(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("pinging database: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("pinging database after %d attempts: %w", maxPingAttempts, lastErr)
}
