package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/avtoelon/dispatch-core/core"
)

// MemoryLimiter is the process-local sliding-window limiter, grounded on
// the per-repo token-bucket-by-timestamps approach in the pack's webhook
// handler example (a mutex-guarded map of trimmed timestamp slices). An
// in-memory limiter is acceptable only as a dev fallback when
// no shared store is configured. Every call records the
// rate_limiter.memory_fallback_used metric (RedisLimiter records
// ratelimit.degraded on a store outage instead), so operators can tell
// "quota is approximate" apart from "quota is precise" even though both
// return an allow/deny decision through the same interface.
type MemoryLimiter struct {
	mu        sync.Mutex
	windows   map[string][]time.Time
	telemetry core.Telemetry
}

// NewMemoryLimiter returns an empty MemoryLimiter. telemetry may be nil.
func NewMemoryLimiter(telemetry core.Telemetry) *MemoryLimiter {
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &MemoryLimiter{windows: make(map[string][]time.Time), telemetry: telemetry}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if key == "" {
		return Result{}, ErrInvalidKey
	}

	l.telemetry.RecordMetric("rate_limiter.memory_fallback_used", 1, map[string]string{"key": key})

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	entries := l.windows[key]
	kept := entries[:0]
	for _, t := range entries {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		l.windows[key] = kept
		oldest := kept[0]
		retryAfter := oldest.Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{Allowed: false, Current: int64(len(kept)), Limit: limit, ResetAt: oldest.Add(window), RetryAfter: retryAfter}, nil
	}

	kept = append(kept, now)
	l.windows[key] = kept
	return Result{Allowed: true, Current: int64(len(kept)), Limit: limit, ResetAt: now.Add(window), RetryAfter: 0}, nil
}
