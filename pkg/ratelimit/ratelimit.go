// Package ratelimit implements the sliding-window rate limiter: a
// shared-store admission check so that multiple service instances enforce
// one combined quota per key.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidKey is returned when Allow is called with an empty key.
var ErrInvalidKey = errors.New("invalid rate limit key")

// Result is the outcome of an admission check.
type Result struct {
	Allowed    bool
	Current    int64
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter admits or denies a call against a shared sliding-window quota.
type Limiter interface {
	// Allow evaluates the window ending now for key, with the given limit
	// and window size, inserting this call if admitted.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// SimpleAdapter adapts a Limiter to the (bool, retryAfter, error) shape
// consumed by callers that only need the admission decision, e.g.
// discovery.Limiter.
type SimpleAdapter struct {
	Limiter Limiter
}

func (a SimpleAdapter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	res, err := a.Limiter.Allow(ctx, key, limit, window)
	if err != nil {
		return true, 0, err
	}
	return res.Allowed, res.RetryAfter, nil
}
