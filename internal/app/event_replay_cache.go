package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisReplayCache remembers processed event ids for a bounded time so hot
// redeliveries are answered without a database round trip.
type RedisReplayCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisReplayCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisReplayCache {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "commission"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisReplayCache{client: client, prefix: trimmedPrefix + ":event_seen", ttl: ttl}
}

func (c *RedisReplayCache) key(eventID string) string {
	return c.prefix + ":" + eventID
}

func (c *RedisReplayCache) Seen(ctx context.Context, eventID string) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	err := c.client.Get(ctx, c.key(eventID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisReplayCache) Remember(ctx context.Context, eventID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, c.key(eventID), "1", c.ttl).Err()
}
