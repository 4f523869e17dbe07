// Package breaker implements the per-dependency circuit breaker: a
// closed/open/half-open state machine that isolates callers from a failing
// downstream dependency instead of letting every request pile up against it.
package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avtoelon/dispatch-core/core"
)

// State is one of the three circuit breaker states.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Call when the breaker is open or when a half-open
// probe slot is not available.
var ErrOpen = core.NewFrameworkError("breaker.Call", core.KindCircuitOpen, errors.New("circuit breaker open"))

// FailurePredicate classifies whether an error counts against the failure
// threshold. The caller supplies this alongside fn; timeouts always
// count, context cancellation never does.
type FailurePredicate func(error) bool

// DefaultFailurePredicate counts every non-nil error except context
// cancellation, which reflects the caller giving up rather than the
// dependency failing.
func DefaultFailurePredicate(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Config parameterizes one named breaker.
type Config struct {
	Name string

	// FailureThreshold is the number of qualifying failures, within
	// FailureWindow, that trips the breaker from closed to open.
	FailureThreshold int

	// FailureWindow bounds how far back failures are counted; a failure
	// older than this is forgotten even if the counter was never reset.
	FailureWindow time.Duration

	// OpenDuration is how long the breaker stays open before allowing a
	// half-open probe.
	OpenDuration time.Duration

	// MaxOpenDuration caps the exponential growth of OpenDuration applied
	// after a half-open probe fails.
	MaxOpenDuration time.Duration

	// HalfOpenMaxProbes bounds concurrent trial calls while half-open.
	HalfOpenMaxProbes int

	FailurePredicate FailurePredicate
	Logger           core.Logger
	Telemetry        core.Telemetry
}

// DefaultConfig returns the standard tuning: 5 failures within 60s trips the
// breaker, it reopens after 30s, doubling up to 5 minutes on repeated
// half-open failure, with up to 1 concurrent probe.
func DefaultConfig(name string) Config {
	return Config{
		Name:              name,
		FailureThreshold:  5,
		FailureWindow:     60 * time.Second,
		OpenDuration:      30 * time.Second,
		MaxOpenDuration:   5 * time.Minute,
		HalfOpenMaxProbes: 1,
		FailurePredicate:  DefaultFailurePredicate,
		Logger:            &core.NoOpLogger{},
		Telemetry:         &core.NoOpTelemetry{},
	}
}

type failureRecord struct {
	at time.Time
}

// Breaker is a single named circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	openUntil     time.Time
	openDuration  time.Duration // current, possibly grown, open duration
	failures      []failureRecord
	halfOpenInUse int32

	totalCalls    atomic.Uint64
	rejectedCalls atomic.Uint64
	lastStateAt   atomic.Value // time.Time
}

// New constructs a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.MaxOpenDuration <= 0 {
		cfg.MaxOpenDuration = 5 * time.Minute
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	if cfg.FailurePredicate == nil {
		cfg.FailurePredicate = DefaultFailurePredicate
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = &core.NoOpTelemetry{}
	}
	b := &Breaker{cfg: cfg, openDuration: cfg.OpenDuration}
	b.lastStateAt.Store(time.Now())
	return b
}

// Call executes fn if the breaker admits the call, otherwise returns ErrOpen
// without invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.admit() {
		b.rejectedCalls.Add(1)
		b.cfg.Telemetry.RecordMetric("breaker.rejected", 1, map[string]string{"name": b.cfg.Name})
		return ErrOpen
	}

	b.totalCalls.Add(1)
	err := fn(ctx)
	b.report(err)
	return err
}

// admit decides whether a call may proceed, transitioning open->half-open
// when the open window has elapsed.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Now().Before(b.openUntil) {
			return false
		}
		b.transitionLocked(StateHalfOpen)
		b.halfOpenInUse = 1
		return true
	case StateHalfOpen:
		if b.halfOpenInUse >= int32(b.cfg.HalfOpenMaxProbes) {
			return false
		}
		b.halfOpenInUse++
		return true
	default:
		return false
	}
}

func (b *Breaker) report(err error) {
	isFailure := b.cfg.FailurePredicate(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInUse--
		if isFailure {
			b.openDuration = minDuration(b.openDuration*2, b.cfg.MaxOpenDuration)
			b.openUntil = time.Now().Add(b.openDuration)
			b.transitionLocked(StateOpen)
			return
		}
		b.openDuration = b.cfg.OpenDuration
		b.failures = nil
		b.transitionLocked(StateClosed)
		return
	case StateClosed:
		if !isFailure {
			b.failures = nil
			return
		}
		b.recordFailureLocked()
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openUntil = time.Now().Add(b.openDuration)
			b.transitionLocked(StateOpen)
		}
	}
}

func (b *Breaker) recordFailureLocked() {
	now := time.Now()
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = append(kept, failureRecord{at: now})
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastStateAt.Store(time.Now())
	b.cfg.Logger.Info("circuit breaker state change", map[string]interface{}{
		"name": b.cfg.Name,
		"from": from.String(),
		"to":   to.String(),
	})
	b.cfg.Telemetry.RecordMetric("breaker.state_change", 1, map[string]string{
		"name": b.cfg.Name,
		"to":   to.String(),
	})
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot reports current counters for operator tooling / health endpoints.
type Snapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	TotalCalls    uint64    `json:"total_calls"`
	RejectedCalls uint64    `json:"rejected_calls"`
	FailureCount  int       `json:"failure_count"`
	LastStateAt   time.Time `json:"last_state_at"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.cfg.Name,
		State:         b.state.String(),
		TotalCalls:    b.totalCalls.Load(),
		RejectedCalls: b.rejectedCalls.Load(),
		FailureCount:  len(b.failures),
		LastStateAt:   b.lastStateAt.Load().(time.Time),
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
