package optimizer

import (
	"context"
	"math/rand"
	"time"

	"github.com/avtoelon/dispatch-core/pkg/discovery"
)

// GreedyAlgorithm assigns each request, in priority/urgency order, to the
// best-scoring executor that still has capacity. It never backtracks, so
// it is the cheapest of the four and the one used when the service mode
// disables heavy optimization features.
type GreedyAlgorithm struct{}

func (GreedyAlgorithm) Optimize(ctx context.Context, requests []Request, executors []discovery.ExecutorSnapshot, cfg Config, weights discovery.ScoreWeights, rng *rand.Rand) (Result, error) {
	start := time.Now()
	ordered := sortedRequestsByPriority(requests)
	tracker := newCapacityTracker(executors)

	assignments := make([]Assignment, 0, len(ordered))
	iterations := 0
	for _, req := range ordered {
		if err := checkCancellation(ctx); err != nil {
			return Result{}, err
		}
		iterations++

		bestExecID := ""
		bestScore := -1.0
		for _, exec := range executors {
			if !exec.Available || !tracker.hasRoom(exec.ID) {
				continue
			}
			s := objective(req, exec, weights, cfg.DistrictPenaltyWeight)
			if s > bestScore {
				bestScore = s
				bestExecID = exec.ID
			}
		}
		if bestExecID == "" {
			continue
		}
		tracker.take(bestExecID)
		assignments = append(assignments, Assignment{RequestID: req.ID, ExecutorID: bestExecID, Score: bestScore})
	}

	return Result{
		Assignments:       assignments,
		OptimizationScore: totalScore(assignments),
		AlgorithmUsed:     Greedy,
		Iterations:        iterations,
		ElapsedMS:         time.Since(start).Milliseconds(),
	}, nil
}
