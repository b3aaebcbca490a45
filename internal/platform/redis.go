package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates the Redis client the event bus publishes lifecycle
// events through and the admin stream subscribes on. The initial ping is
// retried with the same backoff NewPostgresPool uses, since both are
// "infrastructure must be reachable before Run proceeds" checks.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	opts.ClientName = "ctfrange-eventbus"

	client := redis.NewClient(opts)
	if err := pingRedisWithBackoff(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

func pingRedisWithBackoff(ctx context.Context, client *redis.Client) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxPingAttempts; attempt++ {
		if err := client.Ping(ctx).Err(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("pinging redis: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("pinging redis after %d attempts: %w", maxPingAttempts, lastErr)
}
