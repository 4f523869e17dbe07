package optimizer

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/avtoelon/dispatch-core/pkg/discovery"
)

// SimulatedAnnealingAlgorithm searches the assignment space by proposing a
// random single-request reassignment each iteration, accepting improving
// moves always and worsening moves with probability exp(-delta/T).
// Starts from the greedy solution rather than a random one, so the best
// state it reports never scores below the greedy baseline. A cancelled
// context ends the run with the context's error and an empty Result.
type SimulatedAnnealingAlgorithm struct{}

func (SimulatedAnnealingAlgorithm) Optimize(ctx context.Context, requests []Request, executors []discovery.ExecutorSnapshot, cfg Config, weights discovery.ScoreWeights, rng *rand.Rand) (Result, error) {
	start := time.Now()

	if len(requests) == 0 || len(executors) == 0 {
		return Result{AlgorithmUsed: SimulatedAnnealing, ElapsedMS: time.Since(start).Milliseconds()}, nil
	}

	state := greedyInitialState(requests, executors, weights, cfg.DistrictPenaltyWeight)
	_, bestTotal := evaluate(state, requests, executors, weights, cfg.DistrictPenaltyWeight)
	bestState := append(assignmentState(nil), state...)

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

	_, currentTotal := evaluate(state, requests, executors, weights, cfg.DistrictPenaltyWeight)

	iterations := 0
	for iterations < maxIterations && temperature > tMin {
		if err := checkCancellation(ctx); err != nil {
			return Result{}, err
		}
		iterations++

		candidate := append(assignmentState(nil), state...)
		reqIdx := rng.Intn(len(requests))
		newExecIdx := rng.Intn(len(executors))
		if !executors[newExecIdx].Available {
			temperature *= alpha
			continue
		}

		remaining := remainingFor(candidate, executors)
		oldExecIdx := candidate[reqIdx]
		if oldExecIdx == newExecIdx {
			temperature *= alpha
			continue
		}
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
