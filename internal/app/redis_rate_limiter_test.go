package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRateLimiterAllow(t *testing.T) {
	server, client := newMiniredisClient(t)
	limiter := NewRedisRateLimiter(client, "test")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := limiter.Allow(ctx, "promo_validate", "10.0.0.1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "hit %d", i+1)
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "promo_validate", "10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 60, retryAfter)
	assert.True(t, server.Exists("test:promo_limit:promo_validate:10.0.0.1"))

	allowed, _, err = limiter.Allow(ctx, "promo_validate", "10.0.0.2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "client IPs are counted separately")

	server.FastForward(time.Minute)
	allowed, _, err = limiter.Allow(ctx, "promo_validate", "10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "the window resets")
}

func TestRedisRateLimiterRejectedHitsAreNotCounted(t *testing.T) {
	server, client := newMiniredisClient(t)
	limiter := NewRedisRateLimiter(client, "test")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := limiter.Allow(ctx, "promo_validate", "10.0.0.1", 2, time.Minute)
		require.NoError(t, err)
	}

	count, err := server.Get("test:promo_limit:promo_validate:10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "2", count)
}

func TestRedisRateLimiterKeysByScopeAndIP(t *testing.T) {
	server, client := newMiniredisClient(t)
	limiter := NewRedisRateLimiter(client, "test:")
	ctx := context.Background()

	allowed, _, err := limiter.Allow(ctx, "promo_validate", "::1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = limiter.Allow(ctx, "promo_validate", "0:0:0:0:0:0:0:1", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed, "equivalent IPv6 spellings share a counter")

	allowed, _, err = limiter.Allow(ctx, "promo_lookup", "::1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "scopes are counted separately")

	assert.True(t, server.Exists("test:promo_limit:promo_validate:::1"))
	assert.True(t, server.Exists("test:promo_limit:promo_lookup:::1"))
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	server, client := newMiniredisClient(t)
	limiter := NewRedisRateLimiter(client, "")
	server.Close()

	allowed, _, err := limiter.Allow(context.Background(), "promo_validate", "10.0.0.1", 1, time.Minute)

	assert.Error(t, err)
	assert.True(t, allowed)
}

func TestRedisRateLimiterDisabled(t *testing.T) {
	var limiter *RedisRateLimiter

	allowed, retryAfter, err := limiter.Allow(context.Background(), "promo_validate", "10.0.0.1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)

	_, client := newMiniredisClient(t)
	allowed, _, err = NewRedisRateLimiter(client, "x").Allow(context.Background(), "promo_validate", "", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "an unknown client is never limited")
}
