// Package servicemode implements the service-mode controller: a
// single process-wide degradation switch that scales timeouts and
// optimizer iteration budgets, and disables expensive paths outright at
// the more severe levels.
package servicemode

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avtoelon/dispatch-core/core"
)

// Mode is one of the four process-wide service modes.
type Mode int32

const (
	Full Mode = iota
	Degraded
	Minimal
	Emergency
)

func (m Mode) String() string {
	switch m {
	case Full:
		return "FULL"
	case Degraded:
		return "DEGRADED"
	case Minimal:
		return "MINIMAL"
	case Emergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// ParseMode parses the canonical string form of a Mode, case-insensitively
// rejecting anything outside the four-value enum.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToUpper(s) {
	case "FULL":
		return Full, true
	case "DEGRADED":
		return Degraded, true
	case "MINIMAL":
		return Minimal, true
	case "EMERGENCY":
		return Emergency, true
	default:
		return Full, false
	}
}

// Transition records one mode change for the health endpoint's recent
// history.
type Transition struct {
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	Reason string    `json:"reason"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// Controller holds the single process-wide mode value. Every transition is
// legal (any mode may move directly to any other), so Controller never
// rejects a Transition call - it only records and logs it.
type Controller struct {
	mode atomic.Int32

	mu      sync.Mutex
	history []Transition

	logger    core.Logger
	telemetry core.Telemetry
}

// New builds a Controller starting in FULL mode.
func New(logger core.Logger, telemetry core.Telemetry) *Controller {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	c := &Controller{logger: logger, telemetry: telemetry}
	c.mode.Store(int32(Full))
	return c
}

// Current returns the current mode.
func (c *Controller) Current() Mode {
	return Mode(c.mode.Load())
}

// Transition moves the controller to a new mode, logging and recording the
// change. Every from/to pair is legal.
func (c *Controller) Transition(to Mode, reason, actor string) {
	from := Mode(c.mode.Swap(int32(to)))
	if from == to {
		return
	}
	t := Transition{From: from, To: to, Reason: reason, Actor: actor, At: time.Now()}

	c.mu.Lock()
	c.history = append(c.history, t)
	if len(c.history) > 50 {
		c.history = c.history[len(c.history)-50:]
	}
	c.mu.Unlock()

	c.logger.Info("service mode transition", map[string]interface{}{
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
		"actor":  actor,
	})
	c.telemetry.RecordMetric("servicemode.transition", 1, map[string]string{
		"from": from.String(),
		"to":   to.String(),
	})
}

// RecentHistory returns up to the last 50 transitions, oldest first, for a
// health/admin endpoint.
func (c *Controller) RecentHistory() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transition, len(c.history))
	copy(out, c.history)
	return out
}

// timeoutCaps are the hard ceilings applied in MINIMAL and EMERGENCY
// regardless of the configured timeout.
var timeoutCaps = map[Mode]time.Duration{
	Minimal:   3 * time.Second,
	Emergency: 2 * time.Second,
}

// ScaleTimeout applies the current mode's multiplier/cap to a configured
// timeout. FULL and DEGRADED (a multiplier of 1) leave it unchanged, as
// neither has an entry in timeoutCaps; MINIMAL and EMERGENCY apply a hard
// cap instead of a multiplier.
func (c *Controller) ScaleTimeout(d time.Duration) time.Duration {
	mode := c.Current()
	if cap, ok := timeoutCaps[mode]; ok && d > cap {
		return cap
	}
	return d
}

// iterationMultipliers scale the optimizer iteration budgets:
// FULL=1, DEGRADED=0.7, MINIMAL=0.3, EMERGENCY=0.1.
var iterationMultipliers = map[Mode]float64{
	Full:      1.0,
	Degraded:  0.7,
	Minimal:   0.3,
	Emergency: 0.1,
}

// ScaleIterations applies the current mode's multiplier to an iteration
// budget, flooring at 1 so a scaled-down optimizer still does some work
// rather than none.
func (c *Controller) ScaleIterations(n int) int {
	scaled := int(float64(n) * iterationMultipliers[c.Current()])
	if scaled < 1 {
		return 1
	}
	return scaled
}

// HeavyFeaturesEnabled reports whether GA/SA optimizers may run.
// MINIMAL and EMERGENCY restrict batch optimization to greedy only.
func (c *Controller) HeavyFeaturesEnabled() bool {
	mode := c.Current()
	return mode == Full || mode == Degraded
}

// DispatchFallsThroughToDefault reports whether the dispatcher should skip
// straight to its terminal default rather than attempting discovery and
// scoring at all. Only EMERGENCY does this.
func (c *Controller) DispatchFallsThroughToDefault() bool {
	return c.Current() == Emergency
}
