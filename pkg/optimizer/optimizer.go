// Package optimizer implements the batch optimizers: greedy,
// simulated annealing, genetic, and hybrid algorithms that assign a batch
// of requests to executors, maximizing total score while respecting
// executor capacity and penalizing inter-district moves.
//
// All four algorithms are deterministic given an explicit *rand.Rand seed:
// none of them draws from an unseeded global source, and time.Now() is read
// only to report ElapsedMS.
package optimizer

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/avtoelon/dispatch-core/pkg/discovery"
)

// AlgorithmName is one of the four supported algorithms; no further
// aliases exist.
type AlgorithmName string

const (
	Greedy             AlgorithmName = "greedy"
	SimulatedAnnealing AlgorithmName = "simulated_annealing"
	Genetic            AlgorithmName = "genetic"
	Hybrid             AlgorithmName = "hybrid"
)

// Request is the minimal view of a request the optimizers need: enough to
// sort by priority/urgency and to compute the geo penalty term.
type Request struct {
	ID                     string
	Priority               int // 1..5, higher is more urgent
	District               string
	RequiredSpecialization string
	CreatedAt              time.Time
}

// Assignment pairs one request with the executor chosen for it.
type Assignment struct {
	RequestID  string
	ExecutorID string
	Score      float64
}

// Result is the batch optimizer's output.
type Result struct {
	Assignments       []Assignment
	OptimizationScore float64
	AlgorithmUsed     AlgorithmName
	Iterations        int
	ElapsedMS         int64
}

// Config parameterizes every algorithm; unused fields for a given
// algorithm are ignored rather than erroring, so one Config can be reused
// across a DispatchBatch call regardless of which algorithm it selects.
type Config struct {
	Iterations            int     // generation/iteration cap
	MutationRate          float64 // genetic: per-gene reassignment probability
	CrossoverRate         float64 // genetic: probability a crossover point is taken from parent B
	EliteSize             int     // genetic: top-k carried over unmodified
	PopulationSize        int     // genetic
	T0                    float64 // SA: initial temperature
	Alpha                 float64 // SA: multiplicative cooling rate
	TMin                  float64 // SA: floor temperature, stop below this
	DistrictPenaltyWeight float64 // weight of the inter-district move penalty
}

// DefaultConfig returns reasonable defaults for every algorithm.
func DefaultConfig() Config {
	return Config{
		Iterations:            500,
		MutationRate:          0.05,
		CrossoverRate:         0.7,
		EliteSize:             2,
		PopulationSize:        40,
		T0:                    10.0,
		Alpha:                 0.95,
		TMin:                  0.01,
		DistrictPenaltyWeight: 0.15,
	}
}

// objective scores (request, executor) using the discovery scoring formula
// minus a flat penalty when the request's district differs from the
// executor's home district.
func objective(req Request, exec discovery.ExecutorSnapshot, weights discovery.ScoreWeights, districtPenaltyWeight float64) float64 {
	score := discovery.Score(req.RequiredSpecialization, exec, weights)
	if req.District != "" && exec.HomeDistrict != "" && req.District != exec.HomeDistrict {
		score -= districtPenaltyWeight
	}
	if score < 0 {
		return 0
	}
	return score
}

// capacityTracker counts how many requests have been tentatively assigned
// to each executor so far, so algorithms can respect Capacity-Workload
// headroom without repeatedly rescanning the assignment vector.
type capacityTracker struct {
	remaining map[string]int
}

func newCapacityTracker(executors []discovery.ExecutorSnapshot) *capacityTracker {
	remaining := make(map[string]int, len(executors))
	for _, e := range executors {
		headroom := e.Capacity - e.Workload
		if headroom < 0 {
			headroom = 0
		}
		remaining[e.ID] = headroom
	}
	return &capacityTracker{remaining: remaining}
}

func (c *capacityTracker) hasRoom(executorID string) bool {
	return c.remaining[executorID] > 0
}

func (c *capacityTracker) take(executorID string) {
	c.remaining[executorID]--
}

func (c *capacityTracker) release(executorID string) {
	c.remaining[executorID]++
}

// sortedRequestsByPriority orders requests priority desc, then oldest
// (most urgent) first, then FIFO by ID as a final deterministic
// tie-break.
func sortedRequestsByPriority(requests []Request) []Request {
	out := make([]Request, len(requests))
	copy(out, requests)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// checkCancellation is called at least once per generation/iteration by
// every algorithm below, so a cancelled batch dispatch
// doesn't leave an orphaned optimizer run spinning.
func checkCancellation(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// totalScore sums the Score field across a set of assignments.
func totalScore(assignments []Assignment) float64 {
	total := 0.0
	for _, a := range assignments {
		total += a.Score
	}
	return total
}

// Algorithm is the common interface all four optimizers satisfy.
type Algorithm interface {
	Optimize(ctx context.Context, requests []Request, executors []discovery.ExecutorSnapshot, cfg Config, weights discovery.ScoreWeights, rng *rand.Rand) (Result, error)
}

// assignmentState is a candidate solution for the SA/genetic/hybrid
// algorithms: state[i] is the index into executors assigned to
// requests[i], or -1 if request i is left unassigned.
type assignmentState []int

// executorHeadroom returns per-executor remaining capacity, indexed the
// same as the executors slice.
func executorHeadroom(executors []discovery.ExecutorSnapshot) []int {
	headroom := make([]int, len(executors))
	for i, e := range executors {
		h := e.Capacity - e.Workload
		if h < 0 {
			h = 0
		}
		headroom[i] = h
	}
	return headroom
}

// remainingFor replays state against the executors' base headroom and
// returns how much capacity is left per executor.
func remainingFor(state assignmentState, executors []discovery.ExecutorSnapshot) []int {
	remaining := executorHeadroom(executors)
	for _, execIdx := range state {
		if execIdx >= 0 {
			remaining[execIdx]--
		}
	}
	return remaining
}

// evaluate scores a full assignment state, returning the per-request
// assignments (unassigned requests are omitted) and their score sum.
func evaluate(state assignmentState, requests []Request, executors []discovery.ExecutorSnapshot, weights discovery.ScoreWeights, districtPenaltyWeight float64) ([]Assignment, float64) {
	assignments := make([]Assignment, 0, len(requests))
	total := 0.0
	for i, execIdx := range state {
		if execIdx < 0 {
			continue
		}
		exec := executors[execIdx]
		s := objective(requests[i], exec, weights, districtPenaltyWeight)
		assignments = append(assignments, Assignment{RequestID: requests[i].ID, ExecutorID: exec.ID, Score: s})
		total += s
	}
	return assignments, total
}

// greedyInitialState builds a feasible starting state for SA/genetic by
// reusing the greedy algorithm's assignment, mapped back onto executor
// indices.
func greedyInitialState(requests []Request, executors []discovery.ExecutorSnapshot, weights discovery.ScoreWeights, districtPenaltyWeight float64) assignmentState {
	state := make(assignmentState, len(requests))
	for i := range state {
		state[i] = -1
	}
	requestIndexByID := make(map[string]int, len(requests))
	for i, r := range requests {
		requestIndexByID[r.ID] = i
	}

	remaining := executorHeadroom(executors)
	ordered := sortedRequestsByPriority(requests)
	for _, req := range ordered {
		bestIdx := -1
		bestScore := -1.0
		for i, exec := range executors {
			if !exec.Available || remaining[i] <= 0 {
				continue
			}
			s := objective(req, exec, weights, districtPenaltyWeight)
			if s > bestScore {
				bestScore = s
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			continue
		}
		remaining[bestIdx]--
		state[requestIndexByID[req.ID]] = bestIdx
	}
	return state
}
