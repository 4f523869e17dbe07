package optimizer

import (
	"fmt"

	"github.com/avtoelon/dispatch-core/core"
)

// ForName resolves one of the four named algorithms, used by the
// dispatcher's batch_optimize mode to pick a strategy from configuration
// or per-request override.
func ForName(name AlgorithmName) (Algorithm, error) {
	switch name {
	case Greedy:
		return GreedyAlgorithm{}, nil
	case SimulatedAnnealing:
		return SimulatedAnnealingAlgorithm{}, nil
	case Genetic:
		return GeneticAlgorithm{}, nil
	case Hybrid:
		return HybridAlgorithm{}, nil
	default:
		return nil, &core.FrameworkError{
			Op:      "optimizer.ForName",
			Kind:    core.KindValidation,
			Message: fmt.Sprintf("unknown optimizer algorithm %q", name),
		}
	}
}
