package dispatcher

import (
	"context"
	"math/rand"

	"github.com/avtoelon/dispatch-core/pkg/discovery"
	"github.com/avtoelon/dispatch-core/pkg/optimizer"
)

// BatchServiceModeGate is the subset of pkg/servicemode.Controller the
// batch path needs, beyond ServiceModeGate.
type BatchServiceModeGate interface {
	ServiceModeGate
	ScaleIterations(n int) int
	HeavyFeaturesEnabled() bool
}

// BatchResult is DispatchBatch's return value: the per-request results
// plus the batch optimizer's own summary.
type BatchResult struct {
	Results           []DispatchResult
	OptimizationScore float64
	AlgorithmUsed     optimizer.AlgorithmName
	Iterations        int
	ElapsedMS         int64
}

// DispatchBatch delegates assignment of a whole batch of requests to the
// batch optimizers. algorithm selects which of the four to run; a service
// mode with heavy features disabled (MINIMAL) forces greedy regardless, and
// EMERGENCY skips the optimizer and returns unassigned suggestion results.
func (d *Dispatcher) DispatchBatch(ctx context.Context, requests []Request, algorithm optimizer.AlgorithmName, optCfg optimizer.Config, serviceMode BatchServiceModeGate, rng *rand.Rand) (BatchResult, error) {
	if len(requests) == 0 {
		return BatchResult{}, nil
	}

	if serviceMode != nil && serviceMode.DispatchFallsThroughToDefault() {
		results := make([]DispatchResult, len(requests))
		for i, req := range requests {
			results[i] = DispatchResult{
				RequestID:     req.ID,
				AlgorithmUsed: AlgorithmFallbackBasic,
				Suggestion:    true,
				Reason:        "service_mode_emergency_no_assignment",
			}
		}
		return BatchResult{Results: results}, nil
	}

	effectiveAlgorithm := algorithm
	if serviceMode != nil && !serviceMode.HeavyFeaturesEnabled() {
		effectiveAlgorithm = optimizer.Greedy
	}

	effectiveCfg := optCfg
	if serviceMode != nil {
		effectiveCfg.Iterations = serviceMode.ScaleIterations(optCfg.Iterations)
	}

	candidates, degraded, err := d.findCandidates(ctx, d.config.DiscoveryFilter)
	if err != nil {
		return BatchResult{}, err
	}

	optRequests := make([]optimizer.Request, len(requests))
	for i, r := range requests {
		optRequests[i] = optimizer.Request{
			ID:                     r.ID,
			Priority:               r.Priority,
			District:               r.District,
			RequiredSpecialization: r.RequiredSpecialization,
			CreatedAt:              r.CreatedAt,
		}
	}

	alg, err := optimizer.ForName(effectiveAlgorithm)
	if err != nil {
		return BatchResult{}, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	optResult, err := alg.Optimize(ctx, optRequests, candidates, effectiveCfg, d.config.ScoreWeights, rng)
	if err != nil {
		return BatchResult{}, err
	}

	assignedByRequest := make(map[string]optimizer.Assignment, len(optResult.Assignments))
	for _, a := range optResult.Assignments {
		assignedByRequest[a.RequestID] = a
	}

	algorithmTag := AlgorithmRuleBased
	if degraded {
		algorithmTag = AlgorithmFallbackBasic
	}

	results := make([]DispatchResult, len(requests))
	for i, req := range requests {
		a, ok := assignedByRequest[req.ID]
		if !ok {
			ranked := discovery.RankCandidates(req.RequiredSpecialization, candidates, d.config.ScoreWeights)
			results[i] = DispatchResult{
				RequestID:     req.ID,
				AlgorithmUsed: algorithmTag,
				Suggestion:    true,
				Suggestions:   suggestionsFrom(ranked, d.config.MaxSuggestions),
				Reason:        "no_feasible_executor_in_batch",
			}
			continue
		}

		result := DispatchResult{
			RequestID:     req.ID,
			ExecutorID:    a.ExecutorID,
			Score:         a.Score,
			AlgorithmUsed: algorithmTag,
		}
		if d.writer != nil {
			if err := d.writer.Assign(ctx, req.ID, a.ExecutorID); err != nil {
				result.Suggestion = true
				result.Suggestions = []Candidate{{ExecutorID: a.ExecutorID, Score: a.Score}}
				result.Reason = "assignment_write_failed"
			} else {
				result.Assigned = true
			}
		} else {
			result.Assigned = true
		}
		results[i] = result
	}

	return BatchResult{
		Results:           results,
		OptimizationScore: optResult.OptimizationScore,
		AlgorithmUsed:     optResult.AlgorithmUsed,
		Iterations:        optResult.Iterations,
		ElapsedMS:         optResult.ElapsedMS,
	}, nil
}
