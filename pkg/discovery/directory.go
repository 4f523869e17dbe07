package discovery

import (
	"context"
	"time"
)

// Directory queries the external user directory for dispatch candidates.
type Directory interface {
	FindCandidates(ctx context.Context, filter Filter) ([]ExecutorSnapshot, error)
}

// Limiter is the subset of the rate limiter that a resilient directory
// call needs. pkg/ratelimit.SimpleAdapter satisfies this.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
}

// FallbackRunner is the subset of the fallback manager a resilient
// directory call needs. pkg/fallback.Manager satisfies this.
type FallbackRunner interface {
	Run(ctx context.Context, op string, kwargs map[string]interface{}, primary func(ctx context.Context) (interface{}, error)) (interface{}, error)
}

// ResilientDirectory wraps a Directory so every outbound call is admitted
// by the rate limiter and, on primary failure, walked through the fallback
// chain instead of propagating the directory outage straight to dispatch.
type ResilientDirectory struct {
	inner        Directory
	limiter      Limiter
	fallback     FallbackRunner
	admissionKey string
	limit        int
	window       time.Duration
}

// NewResilientDirectory builds the directory front the dispatcher uses.
// limit/window bound the outbound call rate to the directory service.
func NewResilientDirectory(inner Directory, limiter Limiter, fallback FallbackRunner, admissionKey string, limit int, window time.Duration) *ResilientDirectory {
	return &ResilientDirectory{inner: inner, limiter: limiter, fallback: fallback, admissionKey: admissionKey, limit: limit, window: window}
}

func (d *ResilientDirectory) FindCandidates(ctx context.Context, filter Filter) ([]ExecutorSnapshot, error) {
	if d.limiter != nil {
		allowed, _, err := d.limiter.Allow(ctx, d.admissionKey, d.limit, d.window)
		if err == nil && !allowed {
			return d.runFallback(ctx, filter)
		}
	}

	if d.fallback == nil {
		return d.inner.FindCandidates(ctx, filter)
	}

	kwargs := map[string]interface{}{
		"specialization": filter.Specialization,
		"district":       filter.District,
		"approved":       filter.RequireApproved,
	}
	result, err := d.fallback.Run(ctx, "executor_discovery.find_candidates", kwargs, func(ctx context.Context) (interface{}, error) {
		return d.inner.FindCandidates(ctx, filter)
	})
	if err != nil {
		return nil, err
	}
	snapshots, _ := result.([]ExecutorSnapshot)
	return snapshots, nil
}

func (d *ResilientDirectory) runFallback(ctx context.Context, filter Filter) ([]ExecutorSnapshot, error) {
	if d.fallback == nil {
		return nil, nil
	}
	kwargs := map[string]interface{}{
		"specialization": filter.Specialization,
		"district":       filter.District,
		"approved":       filter.RequireApproved,
	}
	result, err := d.fallback.Run(ctx, "executor_discovery.find_candidates", kwargs, nil)
	if err != nil {
		return nil, err
	}
	snapshots, _ := result.([]ExecutorSnapshot)
	return snapshots, nil
}
