// Package audit publishes token lifecycle events for downstream consumers
// (usage dashboards, anomaly detection) over Redis pub/sub. Audit delivery is
// best-effort: a broken Redis must never block or fail a token refresh.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mailsift/mailsift/internal/domain"
	"github.com/mailsift/mailsift/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// RefreshChannel is the Redis pub/sub channel carrying refresh events.
const RefreshChannel = "mailsift:audit:refresh"

// RedisPublisher publishes refresh events as JSON to a Redis channel.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher creates a publisher from a Redis URL
// (e.g., "redis://localhost:6379") and verifies the connection.
func NewRedisPublisher(ctx context.Context, redisURL string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisPublisher{rdb: rdb}, nil
}

func (p *RedisPublisher) PublishRefresh(ctx context.Context, event domain.RefreshEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh event: %w", err)
	}

	if err := p.rdb.Publish(ctx, RefreshChannel, payload).Err(); err != nil {
		metrics.AuditPublishFailures.Inc()
		return fmt.Errorf("failed to publish refresh event: %w", err)
	}

	return nil
}

// Close closes the underlying Redis connection.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// LogPublisher is the fallback when no Redis is configured: events land in the
// structured log instead of a channel.
type LogPublisher struct{}

func (LogPublisher) PublishRefresh(_ context.Context, event domain.RefreshEvent) error {
	slog.Info("token refresh",
		"user_id", event.UserID,
		"provider", event.Provider,
		"outcome", event.Outcome,
		"at", event.At,
	)
	return nil
}
