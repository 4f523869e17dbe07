// Package core provides the ambient building blocks shared by every
// component of the dispatch substrate: the Redis-backed keyed store,
// the Logger/Telemetry ports, and the FrameworkError error model.
//
// This file owns the connection plumbing for the shared ephemeral keyed
// store: rate-limit windows, allocator counters, the credential
// revocation cache, and the fallback cache all live in Redis, isolated
// by DB number so one Redis instance can back every component without
// key collisions.
//
// Database Allocation:
//   - DB 0: base connection, readiness pings only
//   - DB 1: rate limiter sliding-window sets
//   - DB 2: request-number allocator counters
//   - DB 3: credential revocation cache
//   - DB 4: fallback manager cache
//   - DB 5: webhook idempotency keys
//   - DB 6-15: available for extensions
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisDialTimeout bounds the startup connectivity probe in OpenRedisDB.
const redisDialTimeout = 5 * time.Second

// OpenRedisDB parses a Redis URL, pins the connection to the given DB
// number, and verifies connectivity with a bounded ping before returning.
// Callers own the returned client and must Close it.
func OpenRedisDB(url string, db int, logger Logger) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}
	if db >= 0 && db <= RedisDBReservedEnd {
		opt.DB = db
	}

	// Warn if the caller picked a DB outside the standard allocation.
	// Still honored - the caller's explicit choice always wins.
	if IsReservedDB(db) && logger != nil {
		logger.Warn("Using an unallocated Redis DB", map[string]interface{}{
			"db":      db,
			"db_name": GetRedisDBName(db),
		})
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis DB %d: %w", db, ErrConnectionFailed)
	}

	if logger != nil {
		logger.Info("Redis connected", map[string]interface{}{
			"db":      opt.DB,
			"db_name": GetRedisDBName(opt.DB),
		})
	}
	return client, nil
}

// CloneOnDB derives a DB-isolated client sharing the connection options of
// an already-established one. Used by the entrypoint to hand each
// component its own keyspace from a single configured URL.
func CloneOnDB(client *redis.Client, db int) *redis.Client {
	opt := *client.Options()
	opt.DB = db
	return redis.NewClient(&opt)
}

// --- Redis DB Allocation ---

const (
	// RedisDBBase is the base connection, used for readiness pings only.
	RedisDBBase = 0

	// RedisDBRateLimiting backs the sliding-window rate limiter.
	RedisDBRateLimiting = 1

	// RedisDBAllocator backs the request-number allocator counters.
	RedisDBAllocator = 2

	// RedisDBCredentials backs the credential revocation cache.
	RedisDBCredentials = 3

	// RedisDBFallbackCache backs the fallback manager's cache strategy.
	RedisDBFallbackCache = 4

	// RedisDBWebhookIdempotency backs webhook idempotency keys.
	RedisDBWebhookIdempotency = 5

	// RedisDBReservedStart marks the beginning of unallocated databases.
	RedisDBReservedStart = 6

	// RedisDBReservedEnd marks the end of the standard Redis DB range.
	// Redis default is 0-15; configure `databases` in redis.conf for more.
	RedisDBReservedEnd = 15
)

// IsReservedDB returns true if the DB number falls in the unallocated
// range (6-15). Applications may still use these explicitly; the warning
// in OpenRedisDB is informational only.
func IsReservedDB(db int) bool {
	return db >= RedisDBReservedStart && db <= RedisDBReservedEnd
}

// GetRedisDBName returns a human-readable name for the Redis DB.
func GetRedisDBName(db int) string {
	switch db {
	case RedisDBBase:
		return "Base"
	case RedisDBRateLimiting:
		return "Rate Limiting"
	case RedisDBAllocator:
		return "Allocator"
	case RedisDBCredentials:
		return "Credentials"
	case RedisDBFallbackCache:
		return "Fallback Cache"
	case RedisDBWebhookIdempotency:
		return "Webhook Idempotency"
	default:
		if IsReservedDB(db) {
			return fmt.Sprintf("Reserved DB %d", db)
		}
		return fmt.Sprintf("DB %d", db)
	}
}
