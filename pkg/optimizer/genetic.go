package optimizer

import (
	"context"
	"sort"
	"time"

	"math/rand"

	"github.com/avtoelon/dispatch-core/pkg/discovery"
)

// GeneticAlgorithm evolves a population of assignment states over a fixed
// number of generations using tournament selection, uniform crossover with
// capacity repair, and per-gene mutation.
type GeneticAlgorithm struct{}

const tournamentSize = 3

func (GeneticAlgorithm) Optimize(ctx context.Context, requests []Request, executors []discovery.ExecutorSnapshot, cfg Config, weights discovery.ScoreWeights, rng *rand.Rand) (Result, error) {
	start := time.Now()

	if len(requests) == 0 || len(executors) == 0 {
		return Result{AlgorithmUsed: Genetic, ElapsedMS: time.Since(start).Milliseconds()}, nil
	}

	popSize := cfg.PopulationSize
	if popSize < 4 {
		popSize = 4
	}
	generations := cfg.Iterations
	if generations <= 0 {
		generations = 500
	}
	elite := cfg.EliteSize
	if elite < 0 {
		elite = 0
	}
	if elite > popSize {
		elite = popSize
	}

	population := make([]assignmentState, popSize)
	population[0] = greedyInitialState(requests, executors, weights, cfg.DistrictPenaltyWeight)
	for i := 1; i < popSize; i++ {
		population[i] = randomFeasibleState(requests, executors, rng)
	}

	fitnessOf := func(s assignmentState) float64 {
		_, total := evaluate(s, requests, executors, weights, cfg.DistrictPenaltyWeight)
		return total
	}

	var best assignmentState
	bestFitness := -1.0

	generationsRun := 0
	for gen := 0; gen < generations; gen++ {
		if err := checkCancellation(ctx); err != nil {
			return Result{}, err
		}
		generationsRun++

		ranked := rankByFitness(population, fitnessOf)
		if ranked[0].fitness > bestFitness {
			bestFitness = ranked[0].fitness
			best = append(assignmentState(nil), ranked[0].state...)
		}

		next := make([]assignmentState, 0, popSize)
		for i := 0; i < elite && i < len(ranked); i++ {
			next = append(next, append(assignmentState(nil), ranked[i].state...))
		}

		for len(next) < popSize {
			parentA := tournamentSelect(ranked, rng)
			parentB := tournamentSelect(ranked, rng)
			child := crossover(parentA, parentB, cfg.CrossoverRate, rng)
			mutate(child, executors, cfg.MutationRate, rng)
			repair(child, executors)
			next = append(next, child)
		}
		population = next
	}

	if best == nil {
		best = greedyInitialState(requests, executors, weights, cfg.DistrictPenaltyWeight)
	}

	assignments, total := evaluate(best, requests, executors, weights, cfg.DistrictPenaltyWeight)
	return Result{
		Assignments:       assignments,
		OptimizationScore: total,
		AlgorithmUsed:     Genetic,
		Iterations:        generationsRun,
		ElapsedMS:         time.Since(start).Milliseconds(),
	}, nil
}

// randomFeasibleState assigns each request to a uniformly random available
// executor that still has headroom, left unassigned if none qualify.
func randomFeasibleState(requests []Request, executors []discovery.ExecutorSnapshot, rng *rand.Rand) assignmentState {
	remaining := executorHeadroom(executors)
	state := make(assignmentState, len(requests))
	for i := range state {
		state[i] = -1
		candidates := make([]int, 0, len(executors))
		for j, e := range executors {
			if e.Available && remaining[j] > 0 {
				candidates = append(candidates, j)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		pick := candidates[rng.Intn(len(candidates))]
		state[i] = pick
		remaining[pick]--
	}
	return state
}

type rankedIndividual struct {
	state   assignmentState
	fitness float64
}

func rankByFitness(population []assignmentState, fitnessOf func(assignmentState) float64) []rankedIndividual {
	ranked := make([]rankedIndividual, len(population))
	for i, s := range population {
		ranked[i] = rankedIndividual{state: s, fitness: fitnessOf(s)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].fitness > ranked[j].fitness })
	return ranked
}

func tournamentSelect(ranked []rankedIndividual, rng *rand.Rand) assignmentState {
	bestIdx := rng.Intn(len(ranked))
	for i := 1; i < tournamentSize; i++ {
		candidate := rng.Intn(len(ranked))
		if ranked[candidate].fitness > ranked[bestIdx].fitness {
			bestIdx = candidate
		}
	}
	return ranked[bestIdx].state
}

// crossover builds a child by taking each gene from parentA, or from
// parentB with probability crossoverRate.
func crossover(parentA, parentB assignmentState, crossoverRate float64, rng *rand.Rand) assignmentState {
	child := make(assignmentState, len(parentA))
	for i := range child {
		if rng.Float64() < crossoverRate {
			child[i] = parentB[i]
		} else {
			child[i] = parentA[i]
		}
	}
	return child
}

// mutate reassigns each gene to a random executor with probability
// mutationRate; capacity violations are fixed afterward by repair.
func mutate(state assignmentState, executors []discovery.ExecutorSnapshot, mutationRate float64, rng *rand.Rand) {
	if len(executors) == 0 {
		return
	}
	for i := range state {
		if rng.Float64() < mutationRate {
			state[i] = rng.Intn(len(executors))
		}
	}
}

// repair walks genes in order and unassigns any request whose executor has
// run out of headroom once earlier genes claimed it, keeping the state
// feasible after crossover/mutation.
func repair(state assignmentState, executors []discovery.ExecutorSnapshot) {
	remaining := executorHeadroom(executors)
	for i, execIdx := range state {
		if execIdx < 0 {
			continue
		}
		if execIdx >= len(executors) || !executors[execIdx].Available || remaining[execIdx] <= 0 {
			state[i] = -1
			continue
		}
		remaining[execIdx]--
	}
}
