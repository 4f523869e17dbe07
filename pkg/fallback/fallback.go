// Package fallback implements the fallback manager: a fixed strategy
// chain over a primary operation - primary, cache, alternative callback,
// alternative service, simplified algorithm, default value - used by every
// outbound call in the dispatch substrate.
//
// Strategy order and the per-operation timeout/default table are grounded
// on the source's fallback_system.py execute_with_fallback.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/avtoelon/dispatch-core/core"
)

// Strategy names the chain entry that ultimately produced a result.
type Strategy string

const (
	StrategyPrimary             Strategy = ""
	StrategyCache               Strategy = "cache"
	StrategyAlternativeCallback Strategy = "alternative_callback"
	StrategyAlternativeService  Strategy = "alternative_service"
	StrategySimplifiedAlgorithm Strategy = "simplified_algorithm"
	StrategyDefaultValue        Strategy = "default_value"
)

// Result is what Execute returns to the caller.
type Result struct {
	OK        bool
	Data      interface{}
	Strategy  Strategy // unset (StrategyPrimary) when the primary succeeded
	Reason    string   // why the primary failed, when Degraded
	Degraded  bool
	ElapsedMS int64
}

// Breaker is the subset of pkg/breaker.Breaker the fallback manager needs
// to wrap the primary call.
type Breaker interface {
	Call(ctx context.Context, fn func(ctx context.Context) error) error
}

// ServiceModeScaler scales timeouts, matching pkg/servicemode.Controller.
type ServiceModeScaler interface {
	ScaleTimeout(d time.Duration) time.Duration
}

// noScale is used when no ServiceModeScaler is wired in.
type noScale struct{}

func (noScale) ScaleTimeout(d time.Duration) time.Duration { return d }

// OperationConfig parameterizes the chain for one named operation, mirroring
// the source's per-operation fallback_configs entries.
type OperationConfig struct {
	Timeout      time.Duration
	CacheTTL     time.Duration
	DefaultValue interface{} // returned by strategy 6 when non-nil
}

// DefaultOperationConfigs ships the built-in per-operation defaults carried
// over from fallback_system.py's ml_prediction/optimization/geographic
// entries.
func DefaultOperationConfigs() map[string]OperationConfig {
	return map[string]OperationConfig{
		"ml_prediction": {
			Timeout:      5 * time.Second,
			CacheTTL:     10 * time.Minute,
			DefaultValue: map[string]interface{}{"success_probability": 0.5, "confidence": 0.0},
		},
		"optimization": {
			Timeout:      10 * time.Second,
			CacheTTL:     5 * time.Minute,
			DefaultValue: nil,
		},
		"geographic": {
			Timeout:      3 * time.Second,
			CacheTTL:     15 * time.Minute,
			DefaultValue: nil,
		},
	}
}

// AlternativeService is a registered peer operation consulted at strategy 4
// (e.g. a rule-based predictor standing in for an ML prediction primary).
type AlternativeService func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error)

// SimplifiedAlgorithm is strategy 5: the same operation run with a reduced
// iteration budget / trimmed feature set.
type SimplifiedAlgorithm func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error)

// cacheEntry is one fingerprinted result, process-local and TTL'd.
type cacheEntry struct {
	data       interface{}
	insertedAt time.Time
	ttl        time.Duration
}

func (e cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

// Manager orchestrates the six-strategy chain for a set of named
// operations.
type Manager struct {
	breakerFor func(op string) Breaker
	scaler     ServiceModeScaler
	configs    map[string]OperationConfig
	alts       map[string]AlternativeService
	simplified map[string]SimplifiedAlgorithm

	cache CacheStore
	clock core.Clock

	logger    core.Logger
	telemetry core.Telemetry
}

// CacheStore is strategy 2's backing store. InMemoryCache satisfies it for
// single-process use; a Redis-backed implementation lets one instance's
// successful primary result serve another instance's fallback.
type CacheStore interface {
	Get(ctx context.Context, fingerprint string) (data interface{}, insertedAt time.Time, ttl time.Duration, ok bool)
	Put(ctx context.Context, fingerprint string, data interface{}, ttl time.Duration)
}

// Options configures New.
type Options struct {
	// BreakerFor resolves the circuit breaker to wrap the primary
	// call with, keyed by operation name. Nil means no breaker wrapping.
	BreakerFor func(op string) Breaker
	Scaler     ServiceModeScaler
	Configs    map[string]OperationConfig
	Cache      CacheStore
	Clock      core.Clock
	Logger     core.Logger
	Telemetry  core.Telemetry
}

func New(opts Options) *Manager {
	configs := opts.Configs
	if configs == nil {
		configs = DefaultOperationConfigs()
	}
	scaler := opts.Scaler
	if scaler == nil {
		scaler = noScale{}
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewInMemoryCache()
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Manager{
		breakerFor: opts.BreakerFor,
		scaler:     scaler,
		configs:    configs,
		alts:       make(map[string]AlternativeService),
		simplified: make(map[string]SimplifiedAlgorithm),
		cache:      cache,
		clock:      clock,
		logger:     logger,
		telemetry:  telemetry,
	}
}

// RegisterAlternativeService wires strategy 4 for op.
func (m *Manager) RegisterAlternativeService(op string, fn AlternativeService) {
	m.alts[op] = fn
}

// RegisterSimplifiedAlgorithm wires strategy 5 for op.
func (m *Manager) RegisterSimplifiedAlgorithm(op string, fn SimplifiedAlgorithm) {
	m.simplified[op] = fn
}

// Primary is the operation's primary implementation, called through the
// breaker (if wired) under the scaled timeout.
type Primary func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error)

// AlternativeCallback is strategy 3: a caller-supplied secondary
// implementation specific to this one Execute call (unlike the
// op-registered AlternativeService, which is shared across callers).
type AlternativeCallback func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error)

// Execute runs the six-strategy chain for op, in order, stopping at the
// first strategy that yields a non-nil result. A success from strategies
// 2..6 is marked Degraded; a successful primary result is also written to
// cache so a later fallback can use it. Execute never returns
// an error for a transient outbound failure as long as some strategy
// succeeds - it returns !Result.OK only when every strategy, including the
// default value, comes up empty.
func (m *Manager) Execute(ctx context.Context, op string, kwargs map[string]interface{}, primary Primary, altCallback AlternativeCallback) Result {
	start := m.clock.Now()
	cfg := m.configs[op]
	fp := Fingerprint(op, kwargs)

	data, primaryErr := m.runPrimary(ctx, op, cfg, kwargs, primary)
	if primaryErr == nil {
		m.cache.Put(ctx, fp, data, cacheTTLOrDefault(cfg.CacheTTL))
		return Result{OK: true, Data: data, ElapsedMS: elapsedMS(m.clock, start)}
	}

	m.logger.Warn("fallback: primary failed, walking strategy chain", map[string]interface{}{
		"op": op, "error": primaryErr.Error(),
	})
	m.telemetry.RecordMetric("fallback.primary_failed", 1, map[string]string{"op": op})

	type attempt struct {
		strategy Strategy
		run      func() (interface{}, error)
	}
	chain := []attempt{
		{StrategyCache, func() (interface{}, error) { return m.tryCache(ctx, fp) }},
		{StrategyAlternativeCallback, func() (interface{}, error) {
			if altCallback == nil {
				return nil, errNoStrategy
			}
			return altCallback(ctx, kwargs)
		}},
		{StrategyAlternativeService, func() (interface{}, error) {
			alt, ok := m.alts[op]
			if !ok {
				return nil, errNoStrategy
			}
			return alt(ctx, kwargs)
		}},
		{StrategySimplifiedAlgorithm, func() (interface{}, error) {
			simplified, ok := m.simplified[op]
			if !ok {
				return nil, errNoStrategy
			}
			return simplified(ctx, kwargs)
		}},
		{StrategyDefaultValue, func() (interface{}, error) {
			if cfg.DefaultValue == nil {
				return nil, errNoStrategy
			}
			return cfg.DefaultValue, nil
		}},
	}

	for _, a := range chain {
		result, err := a.run()
		if err != nil {
			continue
		}
		m.telemetry.RecordMetric("fallback.strategy_used", 1, map[string]string{"op": op, "strategy": string(a.strategy)})
		return Result{
			OK:        true,
			Data:      result,
			Strategy:  a.strategy,
			Reason:    primaryErr.Error(),
			Degraded:  true,
			ElapsedMS: elapsedMS(m.clock, start),
		}
	}

	m.telemetry.RecordMetric("fallback.all_strategies_failed", 1, map[string]string{"op": op})
	return Result{
		OK:        false,
		Reason:    primaryErr.Error(),
		Degraded:  true,
		ElapsedMS: elapsedMS(m.clock, start),
	}
}

// Run adapts Execute to the narrower (interface{}, error) shape consumed by
// resilient collaborators like discovery.FallbackRunner, treating a
// non-OK Result as a KindDependencyUnavailable error.
func (m *Manager) Run(ctx context.Context, op string, kwargs map[string]interface{}, primary func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	var wrapped Primary
	if primary != nil {
		wrapped = func(ctx context.Context, _ map[string]interface{}) (interface{}, error) { return primary(ctx) }
	}
	res := m.Execute(ctx, op, kwargs, wrapped, nil)
	if !res.OK {
		return nil, core.NewFrameworkError("fallback.Run", core.KindDependencyUnavailable,
			fmt.Errorf("all fallback strategies exhausted: %s", res.Reason))
	}
	return res.Data, nil
}

var errNoStrategy = errors.New("strategy not applicable")

func (m *Manager) runPrimary(ctx context.Context, op string, cfg OperationConfig, kwargs map[string]interface{}, primary Primary) (interface{}, error) {
	if primary == nil {
		return nil, errors.New("no primary operation configured")
	}

	timeout := m.scaler.ScaleTimeout(cfg.Timeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var data interface{}
	call := func(ctx context.Context) error {
		var err error
		data, err = primary(ctx, kwargs)
		return err
	}

	var err error
	if m.breakerFor != nil {
		if b := m.breakerFor(op); b != nil {
			err = b.Call(ctx, call)
		} else {
			err = call(ctx)
		}
	} else {
		err = call(ctx)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return nil, core.NewFrameworkError("fallback.runPrimary", core.KindTimeout, err).WithID(op)
	}
	return data, err
}

func (m *Manager) tryCache(ctx context.Context, fingerprint string) (interface{}, error) {
	data, insertedAt, ttl, ok := m.cache.Get(ctx, fingerprint)
	if !ok {
		return nil, errNoStrategy
	}
	if m.clock.Now().Sub(insertedAt) > ttl {
		return nil, errNoStrategy
	}
	return data, nil
}

func cacheTTLOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 5 * time.Minute
	}
	return ttl
}

func elapsedMS(clock core.Clock, start time.Time) int64 {
	return clock.Now().Sub(start).Milliseconds()
}

// Fingerprint computes a stable hash of the op name and sorted keyword
// arguments, used as the cache key.
func Fingerprint(op string, kwargs map[string]interface{}) string {
	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	h.Write([]byte(op))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		fmt.Fprintf(h, "%v", kwargs[k])
	}
	return fmt.Sprintf("%s:%x", op, h.Sum64())
}
