// Package dispatcher turns a request into an executor assignment (or a
// suggestion for human confirmation).
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/avtoelon/dispatch-core/core"
	"github.com/avtoelon/dispatch-core/pkg/discovery"
	"github.com/avtoelon/dispatch-core/pkg/fallback"
)

var errDiscoveryExhausted = errors.New("executor discovery exhausted every fallback strategy")

// Mode governs whether the dispatcher commits an assignment itself or
// always returns a suggestion for a human to confirm.
type Mode string

const (
	ModeManual        Mode = "manual"
	ModeAIAssisted    Mode = "ai_assisted"
	ModeAutoAssign    Mode = "auto_assign"
	ModeBatchOptimize Mode = "batch_optimize"
)

// AlgorithmUsed is the dispatcher's own closed tag set (distinct from the
// batch optimizer's); this module never invents a fourth value.
type AlgorithmUsed string

const (
	AlgorithmAIAssisted    AlgorithmUsed = "ai_assisted"
	AlgorithmRuleBased     AlgorithmUsed = "rule_based"
	AlgorithmFallbackBasic AlgorithmUsed = "fallback_basic_rules"
)

// Request is the minimal view of a request DispatchOne needs.
type Request struct {
	ID                     string
	Priority               int
	District               string
	RequiredSpecialization string
	CreatedAt              time.Time
}

// Candidate is one ranked suggestion surfaced when the dispatcher does not
// commit an assignment itself.
type Candidate struct {
	ExecutorID string  `json:"executor_id"`
	Score      float64 `json:"score"`
}

// DispatchResult is what DispatchOne (and, per-item, DispatchBatch) return.
// Whenever Suggestion is set, Suggestions carries the top-ranked candidates
// for a human to pick from.
type DispatchResult struct {
	RequestID string `json:"request_id"`
	// ExecutorID is empty when no assignment was made.
	ExecutorID    string        `json:"executor_id,omitempty"`
	Score         float64       `json:"score"`
	AlgorithmUsed AlgorithmUsed `json:"algorithm_used"`
	// Assigned is true only when the dispatcher itself committed the
	// assignment; Suggestion is true when a human must confirm.
	Assigned    bool        `json:"assigned"`
	Suggestion  bool        `json:"suggestion"`
	Suggestions []Candidate `json:"suggestions,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// Features is the input to a Predictor, built from the request and its
// best rule-scored candidates.
type Features struct {
	RequestPriority int
	RuleScore       float64
	District        string
	Specialization  string
	ExecutorID      string
}

// PredictionResult is a Predictor's output: an independent success
// probability for one (request, executor) pair.
type PredictionResult struct {
	Score      float64
	Confidence float64
}

// Predictor is the narrow ML port. Injectable; RuleBasedPredictor ships as
// the default so the dispatcher never requires an external ML service.
type Predictor interface {
	Predict(ctx context.Context, f Features) (PredictionResult, error)
}

// AssignmentWriter commits a dispatcher decision to the request state
// machine. Nil means DispatchOne reports Assigned=true without
// performing the transition itself, leaving it to the caller.
type AssignmentWriter interface {
	Assign(ctx context.Context, requestID, executorID string) error
}

// ServiceModeGate is the subset of pkg/servicemode.Controller the
// dispatcher needs.
type ServiceModeGate interface {
	DispatchFallsThroughToDefault() bool
}

// Config parameterizes one Dispatcher.
type Config struct {
	Mode Mode

	// AutoAssignThreshold is the minimum best score required before
	// auto_assign mode commits an assignment instead of downgrading to a
	// suggestion. Default 0.6.
	AutoAssignThreshold float64

	// MLScoreWeight is the additive weight applied to a Predictor's score
	// on top of the always-computed rule score. A configuration knob, not
	// a hidden constant. Default 0.5.
	MLScoreWeight float64

	// TopKForML bounds how many rule-ranked candidates are sent through
	// the (potentially expensive, rate-limited) ML predictor.
	TopKForML int

	// MaxSuggestions bounds the Suggestions list returned with a
	// non-committed result. Default 3.
	MaxSuggestions int

	ScoreWeights    discovery.ScoreWeights
	DiscoveryFilter discovery.Filter
}

// DefaultConfig returns the standard dispatcher tuning.
func DefaultConfig() Config {
	return Config{
		Mode:                ModeManual,
		AutoAssignThreshold: 0.6,
		MLScoreWeight:       0.5,
		TopKForML:           5,
		MaxSuggestions:      3,
		ScoreWeights:        discovery.DefaultWeights,
	}
}

// Dispatcher is constructed with explicit injected dependencies only - no
// globals except the breaker registry and service mode.
type Dispatcher struct {
	config      Config
	directory   discovery.Directory
	predictor   Predictor
	fallback    *fallback.Manager
	serviceMode ServiceModeGate
	writer      AssignmentWriter
	logger      core.Logger
	telemetry   core.Telemetry
}

// NewDispatcher builds a Dispatcher. predictor, fallback manager, service
// mode gate, and writer may be nil; safe defaults apply.
func NewDispatcher(config Config, directory discovery.Directory, predictor Predictor, fallbackManager *fallback.Manager, serviceMode ServiceModeGate, writer AssignmentWriter, logger core.Logger, telemetry core.Telemetry) *Dispatcher {
	if config.AutoAssignThreshold <= 0 {
		config.AutoAssignThreshold = 0.6
	}
	if config.MLScoreWeight <= 0 {
		config.MLScoreWeight = 0.5
	}
	if config.TopKForML <= 0 {
		config.TopKForML = 5
	}
	if config.MaxSuggestions <= 0 {
		config.MaxSuggestions = 3
	}
	if config.ScoreWeights == (discovery.ScoreWeights{}) {
		config.ScoreWeights = discovery.DefaultWeights
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Dispatcher{
		config:      config,
		directory:   directory,
		predictor:   predictor,
		fallback:    fallbackManager,
		serviceMode: serviceMode,
		writer:      writer,
		logger:      logger,
		telemetry:   telemetry,
	}
}

// DispatchOne runs Executor Discovery -> Scoring -> (optional) ML
// prediction for the top-K candidates -> pick best. Every outbound step
// (directory lookup, ML predictor) is wrapped in the injected fallback
// manager.
func (d *Dispatcher) DispatchOne(ctx context.Context, req Request) (DispatchResult, error) {
	if d.serviceMode != nil && d.serviceMode.DispatchFallsThroughToDefault() {
		return DispatchResult{
			RequestID:     req.ID,
			AlgorithmUsed: AlgorithmFallbackBasic,
			Suggestion:    true,
			Reason:        "service_mode_emergency_no_assignment",
		}, nil
	}

	filter := d.config.DiscoveryFilter
	filter.Specialization = req.RequiredSpecialization
	if filter.District == "" {
		filter.District = req.District
	}

	candidates, degraded, err := d.findCandidates(ctx, filter)
	if err != nil {
		return DispatchResult{}, err
	}
	if len(candidates) == 0 {
		algo := AlgorithmRuleBased
		if degraded {
			algo = AlgorithmFallbackBasic
		}
		return DispatchResult{
			RequestID:     req.ID,
			AlgorithmUsed: algo,
			Suggestion:    true,
			Reason:        "no_candidates_available",
		}, nil
	}

	ranked := discovery.RankCandidates(req.RequiredSpecialization, candidates, d.config.ScoreWeights)

	algorithmUsed := AlgorithmRuleBased
	if degraded {
		algorithmUsed = AlgorithmFallbackBasic
	}

	if d.predictor != nil && !degraded && (d.config.Mode == ModeAIAssisted || d.config.Mode == ModeAutoAssign) {
		d.applyMLScores(ctx, req, ranked)
		algorithmUsed = AlgorithmAIAssisted
		sortScoredDesc(ranked)
	}

	best := ranked[0]
	result := d.decide(ctx, req, best, algorithmUsed)
	if result.Suggestion {
		result.Suggestions = suggestionsFrom(ranked, d.config.MaxSuggestions)
	}
	return result, nil
}

// suggestionsFrom converts the top of the ranked list into the candidates
// surfaced alongside a non-committed result.
func suggestionsFrom(ranked []discovery.Scored, max int) []Candidate {
	if max > len(ranked) {
		max = len(ranked)
	}
	out := make([]Candidate, 0, max)
	for _, s := range ranked[:max] {
		out = append(out, Candidate{ExecutorID: s.Executor.ID, Score: s.Score})
	}
	return out
}

// findCandidates fetches candidates through the directory, walking the
// chain on primary failure; the boolean return reports whether the result
// came from a degraded (non-primary) strategy.
func (d *Dispatcher) findCandidates(ctx context.Context, filter discovery.Filter) ([]discovery.ExecutorSnapshot, bool, error) {
	if d.fallback == nil {
		candidates, err := d.directory.FindCandidates(ctx, filter)
		return candidates, false, err
	}

	kwargs := map[string]interface{}{
		"specialization": filter.Specialization,
		"district":       filter.District,
	}
	res := d.fallback.Execute(ctx, "executor_discovery.find_candidates", kwargs, func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		return d.directory.FindCandidates(ctx, filter)
	}, nil)
	if !res.OK {
		return nil, true, core.NewFrameworkError("dispatcher.findCandidates", core.KindDependencyUnavailable,
			errDiscoveryExhausted).WithID(res.Reason)
	}
	candidates, _ := res.Data.([]discovery.ExecutorSnapshot)
	return candidates, res.Degraded, nil
}

func (d *Dispatcher) applyMLScores(ctx context.Context, req Request, ranked []discovery.Scored) {
	topK := d.config.TopKForML
	if topK > len(ranked) {
		topK = len(ranked)
	}
	for i := 0; i < topK; i++ {
		features := Features{
			RequestPriority: req.Priority,
			RuleScore:       ranked[i].Score,
			District:        req.District,
			Specialization:  req.RequiredSpecialization,
			ExecutorID:      ranked[i].Executor.ID,
		}
		mlScore := d.predictML(ctx, features)
		combined := ranked[i].Score + d.config.MLScoreWeight*mlScore
		if combined > 1 {
			combined = 1
		}
		ranked[i].Score = combined
	}
}

func (d *Dispatcher) predictML(ctx context.Context, f Features) float64 {
	predict := func(ctx context.Context) (interface{}, error) {
		result, err := d.predictor.Predict(ctx, f)
		if err != nil {
			return nil, err
		}
		return result.Score, nil
	}

	if d.fallback == nil {
		score, err := predict(ctx)
		if err != nil {
			return 0
		}
		return score.(float64)
	}

	value, err := d.fallback.Run(ctx, "ml_prediction", map[string]interface{}{
		"executor_id": f.ExecutorID,
		"district":    f.District,
	}, predict)
	if err != nil {
		return 0
	}
	score, ok := value.(float64)
	if !ok {
		return 0
	}
	return score
}

func sortScoredDesc(ranked []discovery.Scored) {
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].Score > ranked[j-1].Score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
}

// decide applies the mode policy to the best-scored candidate.
func (d *Dispatcher) decide(ctx context.Context, req Request, best discovery.Scored, algorithmUsed AlgorithmUsed) DispatchResult {
	result := DispatchResult{
		RequestID:     req.ID,
		ExecutorID:    best.Executor.ID,
		Score:         best.Score,
		AlgorithmUsed: algorithmUsed,
	}

	switch d.config.Mode {
	case ModeManual:
		result.Suggestion = true
		result.Reason = "manual_mode_requires_confirmation"
		return result
	case ModeAIAssisted:
		result.Suggestion = true
		result.Reason = "ai_assisted_suggestion"
		return result
	case ModeAutoAssign, ModeBatchOptimize:
		if best.Score < d.config.AutoAssignThreshold {
			result.Suggestion = true
			result.Reason = "below_confidence"
			return result
		}
		if d.writer != nil {
			if err := d.writer.Assign(ctx, req.ID, best.Executor.ID); err != nil {
				result.Suggestion = true
				result.Reason = "assignment_write_failed"
				return result
			}
		}
		result.Assigned = true
		return result
	default:
		result.Suggestion = true
		result.Reason = "unknown_mode_requires_confirmation"
		return result
	}
}
