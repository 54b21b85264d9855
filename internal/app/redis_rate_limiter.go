/**
 * @description
 * Redis-backed fixed-window rate limiter for payout requests. The limit and
 * window are part of the limiter itself rather than per-call arguments, so the
 * service only ever asks "may this subject proceed" and the policy lives in one
 * place. Counting runs as a single Lua script so the increment and the expiry
 * cannot race across service instances.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client and script execution.
 */

package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Atomically counts a request in the current window. The first hit arms the
// expiry; PTTL can report -1 if that PEXPIRE was lost, in which case the full
// window is assumed so callers never see an unbounded retry-after.
var payoutRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisPayoutRateLimiter enforces a fixed-window request budget per subject,
// shared across all instances of the service through Redis.
type RedisPayoutRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewRedisPayoutRateLimiter builds a limiter allowing up to limit requests per
// window. A non-positive limit or window yields a limiter that admits
// everything, which lets deployments disable throttling through config alone.
func NewRedisPayoutRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisPayoutRateLimiter {
	keyPrefix := strings.TrimSpace(prefix)
	if keyPrefix == "" {
		keyPrefix = "taskilo:rate_limit"
	}
	keyPrefix = strings.TrimSuffix(keyPrefix, ":")

	return &RedisPayoutRateLimiter{
		client: client,
		prefix: keyPrefix,
		limit:  limit,
		window: window,
	}
}

// Allow records one request for the subject and reports whether it fits inside
// the configured budget. When it does not, retryAfterSeconds tells the caller
// how long until the window rolls over. Errors come back unfiltered; the
// caller decides whether a limiter outage fails open or closed.
func (r *RedisPayoutRateLimiter) Allow(ctx context.Context, scope, subject string) (allowed bool, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || r.limit <= 0 || r.window <= 0 {
		return true, 0, nil
	}

	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return true, 0, nil
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	rawResult, err := payoutRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	count, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	if count <= int64(r.limit) {
		return true, 0, nil
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}
