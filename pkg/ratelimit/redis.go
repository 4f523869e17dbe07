package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/avtoelon/dispatch-core/core"
)

// RedisLimiter implements the sliding-window algorithm over a Redis sorted
// set keyed by the admission key: members are scored by insertion time (in
// nanoseconds), evicted once they fall outside the window, and the
// remaining cardinality is compared against limit. The
// evict-count-insert sequence runs inside a single Lua script so it is
// atomic with respect to other callers racing the same key.
type RedisLimiter struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
	telemetry core.Telemetry
}

// RedisLimiterOptions configures NewRedisLimiter.
type RedisLimiterOptions struct {
	Namespace string
	Logger    core.Logger
	Telemetry core.Telemetry
}

func NewRedisLimiter(client *redis.Client, opts RedisLimiterOptions) *RedisLimiter {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "ratelimit"
	}
	return &RedisLimiter{client: client, namespace: namespace, logger: logger, telemetry: telemetry}
}

// slidingWindowScript performs evict-count-insert atomically: it removes
// expired members, checks the post-eviction cardinality against the limit,
// and only inserts the new member when the call is admitted. Returns
// {0, current_count, oldest_remaining_score} on denial and
// {1, current_count, now} on admission.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ns = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ns)
local count = redis.call('ZCARD', key)

if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local oldest_score = 0
  if #oldest > 0 then
    oldest_score = tonumber(oldest[2])
  end
  return {0, count, oldest_score}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, math.ceil(window_ns / 1000000) * 2)
return {1, count + 1, now}
`)

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if key == "" {
		return Result{}, ErrInvalidKey
	}
	if limit <= 0 {
		limit = 1
	}

	redisKey := fmt.Sprintf("%s:%s", l.namespace, key)
	now := time.Now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	raw, err := slidingWindowScript.Run(ctx, l.client, []string{redisKey}, now.UnixNano(), window.Nanoseconds(), limit, member).Result()
	if err != nil {
		l.logger.Warn("rate limiter store unavailable, failing open", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		l.telemetry.RecordMetric("ratelimit.degraded", 1, map[string]string{"key": key})
		return Result{Allowed: true}, core.NewFrameworkError("ratelimit.Allow", core.KindDependencyUnavailable, err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Result{Allowed: true}, core.NewFrameworkError("ratelimit.Allow", core.KindInternal, fmt.Errorf("unexpected script result: %v", raw))
	}

	allowed := toInt64(values[0]) == 1
	current := toInt64(values[1])
	oldestNs := toInt64(values[2])

	result := Result{
		Allowed: allowed,
		Current: current,
		Limit:   limit,
		ResetAt: time.Unix(0, oldestNs).Add(window),
	}
	if !allowed {
		result.RetryAfter = time.Until(result.ResetAt)
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
		l.telemetry.RecordMetric("ratelimit.denied", 1, map[string]string{"key": key})
	}
	return result, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
