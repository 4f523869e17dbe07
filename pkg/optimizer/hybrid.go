package optimizer

import (
	"context"
	"math"
	"time"

	"math/rand"

	"github.com/avtoelon/dispatch-core/pkg/discovery"
)

// HybridAlgorithm runs the genetic algorithm for the first half of the
// iteration budget, then polishes its champion with simulated annealing
// for the remaining half: genetic search followed by local refinement.
type HybridAlgorithm struct{}

func (HybridAlgorithm) Optimize(ctx context.Context, requests []Request, executors []discovery.ExecutorSnapshot, cfg Config, weights discovery.ScoreWeights, rng *rand.Rand) (Result, error) {
	start := time.Now()

	if len(requests) == 0 || len(executors) == 0 {
		return Result{AlgorithmUsed: Hybrid, ElapsedMS: time.Since(start).Milliseconds()}, nil
	}

	totalIterations := cfg.Iterations
	if totalIterations <= 0 {
		totalIterations = 500
	}
	half := totalIterations / 2
	if half < 1 {
		half = 1
	}

	gaConfig := cfg
	gaConfig.Iterations = half
	gaResult, err := GeneticAlgorithm{}.Optimize(ctx, requests, executors, gaConfig, weights, rng)
	if err != nil {
		return Result{}, err
	}

	saConfig := cfg
	saConfig.Iterations = totalIterations - half
	seed := stateFromAssignments(gaResult.Assignments, requests, executors)
	saResult, err := refineWithSA(ctx, seed, requests, executors, saConfig, weights, rng)
	if err != nil {
		return Result{}, err
	}

	iterations := gaResult.Iterations + saResult.Iterations
	if saResult.OptimizationScore < gaResult.OptimizationScore {
		return Result{
			Assignments:       gaResult.Assignments,
			OptimizationScore: gaResult.OptimizationScore,
			AlgorithmUsed:     Hybrid,
			Iterations:        iterations,
			ElapsedMS:         time.Since(start).Milliseconds(),
		}, nil
	}

	return Result{
		Assignments:       saResult.Assignments,
		OptimizationScore: saResult.OptimizationScore,
		AlgorithmUsed:     Hybrid,
		Iterations:        iterations,
		ElapsedMS:         time.Since(start).Milliseconds(),
	}, nil
}

// stateFromAssignments reconstructs an assignmentState from a Result's
// assignments, so the SA refinement stage can continue from the GA's
// champion rather than recomputing a greedy seed.
func stateFromAssignments(assignments []Assignment, requests []Request, executors []discovery.ExecutorSnapshot) assignmentState {
	requestIdx := make(map[string]int, len(requests))
	for i, r := range requests {
		requestIdx[r.ID] = i
	}
	execIdx := make(map[string]int, len(executors))
	for i, e := range executors {
		execIdx[e.ID] = i
	}

	state := make(assignmentState, len(requests))
	for i := range state {
		state[i] = -1
	}
	for _, a := range assignments {
		if ri, ok := requestIdx[a.RequestID]; ok {
			if ei, ok := execIdx[a.ExecutorID]; ok {
				state[ri] = ei
			}
		}
	}
	return state
}

// refineWithSA runs the same acceptance loop as SimulatedAnnealingAlgorithm
// but from an externally supplied seed state, so hybrid can start from the
// genetic algorithm's champion instead of a fresh greedy solution.
func refineWithSA(ctx context.Context, seed assignmentState, requests []Request, executors []discovery.ExecutorSnapshot, cfg Config, weights discovery.ScoreWeights, rng *rand.Rand) (Result, error) {
	start := time.Now()

	state := append(assignmentState(nil), seed...)
	_, currentTotal := evaluate(state, requests, executors, weights, cfg.DistrictPenaltyWeight)
	bestState := append(assignmentState(nil), state...)
	bestTotal := currentTotal

	temperature := cfg.T0
	if temperature <= 0 {
		temperature = 10.0
	}
	alpha := cfg.Alpha
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.95
	}
	tMin := cfg.TMin
	if tMin <= 0 {
		tMin = 0.01
	}
	maxIterations := cfg.Iterations
	if maxIterations <= 0 {
		maxIterations = 500
	}

	iterations := 0
	for iterations < maxIterations && temperature > tMin {
		if err := checkCancellation(ctx); err != nil {
			return Result{}, err
		}
		iterations++

		if len(executors) == 0 {
			break
		}
		candidate := append(assignmentState(nil), state...)
		reqIdx := rng.Intn(len(requests))
		newExecIdx := rng.Intn(len(executors))
		if !executors[newExecIdx].Available || candidate[reqIdx] == newExecIdx {
			temperature *= alpha
			continue
		}
		remaining := remainingFor(candidate, executors)
		if remaining[newExecIdx] <= 0 {
			temperature *= alpha
			continue
		}
		candidate[reqIdx] = newExecIdx

		_, candidateTotal := evaluate(candidate, requests, executors, weights, cfg.DistrictPenaltyWeight)
		delta := candidateTotal - currentTotal
		accept := delta >= 0
		if !accept {
			accept = rng.Float64() < math.Exp(delta/temperature)
		}
		if accept {
			state = candidate
			currentTotal = candidateTotal
			if currentTotal > bestTotal {
				bestTotal = currentTotal
				bestState = append(assignmentState(nil), state...)
			}
		}
		temperature *= alpha
	}

	assignments, total := evaluate(bestState, requests, executors, weights, cfg.DistrictPenaltyWeight)
	return Result{
		Assignments:       assignments,
		OptimizationScore: total,
		AlgorithmUsed:     SimulatedAnnealing,
		Iterations:        iterations,
		ElapsedMS:         time.Since(start).Milliseconds(),
	}, nil
}
