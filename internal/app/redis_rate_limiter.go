package app

import (
	"context"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript counts a request against a fixed window and stops counting once
// the limit is reached, so rejected requests do not inflate the counter.
// Returns {admitted (1|0), ttl ms}.
var admitScript = redis.NewScript(`
local limit = tonumber(ARGV[2])
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local admitted = 0
if current < limit then
  current = redis.call("INCR", KEYS[1])
  if current == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
  end
  admitted = 1
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {admitted, ttl}
`)

// RedisRateLimiter throttles public promo lookups per client IP so codes
// cannot be enumerated. Counters live in Redis and are shared by all replicas.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "commission"
	}
	return &RedisRateLimiter{
		client: client,
		prefix: strings.TrimSuffix(trimmedPrefix, ":") + ":promo_limit",
	}
}

// Allow admits one request from clientIP within scope. It returns the seconds
// until the window resets when the request is rejected. A nil limiter, a
// non-positive limit or an unknown client is always admitted. On Redis errors
// the request is admitted and the error returned for logging.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, clientIP string, limit int, window time.Duration) (bool, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return true, 0, nil
	}
	key, ok := r.key(scope, clientIP)
	if !ok {
		return true, 0, nil
	}

	windowMs := max(window.Milliseconds(), 1000)
	raw, err := admitScript.Run(ctx, r.client, []string{key}, windowMs, limit).Result()
	if err != nil {
		return true, 0, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return true, 0, fmt.Errorf("unexpected promo limiter response: %T", raw)
	}
	admitted, _ := values[0].(int64)
	ttlMs, _ := values[1].(int64)
	if admitted == 1 {
		return true, 0, nil
	}
	if ttlMs <= 0 {
		ttlMs = windowMs
	}
	return false, max(int(math.Ceil(float64(ttlMs)/1000.0)), 1), nil
}

// key builds prefix:scope:ip. IPs are canonicalised so "::1" and
// "0:0:0:0:0:0:0:1" share a counter.
func (r *RedisRateLimiter) key(scope, clientIP string) (string, bool) {
	scope = strings.TrimSpace(scope)
	clientIP = strings.TrimSpace(clientIP)
	if scope == "" || clientIP == "" {
		return "", false
	}
	if ip := net.ParseIP(clientIP); ip != nil {
		clientIP = ip.String()
	}
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, clientIP), true
}
