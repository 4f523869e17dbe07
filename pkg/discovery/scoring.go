package discovery

import "sort"

// ScoreWeights are the default weights from the scoring formula; exposed so
// callers (the dispatcher, batch optimizers) can tune them without forking
// the formula itself.
type ScoreWeights struct {
	Specialization float64
	Efficiency     float64
	WorkloadHeadroom float64
	Availability   float64
}

// DefaultWeights is the standard 0.40/0.30/0.20/0.10 split.
var DefaultWeights = ScoreWeights{
	Specialization:   0.40,
	Efficiency:       0.30,
	WorkloadHeadroom: 0.20,
	Availability:     0.10,
}

// Score computes score(request, executor) in [0, 1] for a required
// specialization against a candidate executor.
func Score(requiredSpecialization string, exec ExecutorSnapshot, w ScoreWeights) float64 {
	return w.Specialization*specializationMatch(requiredSpecialization, exec) +
		w.Efficiency*(exec.Efficiency/100) +
		w.WorkloadHeadroom*workloadHeadroom(exec) +
		w.Availability*availability(exec)
}

func specializationMatch(required string, exec ExecutorSnapshot) float64 {
	if required == "" {
		return 1
	}
	hasGeneral := false
	for _, s := range exec.Specializations {
		if s == required {
			return 1
		}
		if s == "general" {
			hasGeneral = true
		}
	}
	if hasGeneral {
		return 0.7
	}
	return 0.5
}

func workloadHeadroom(exec ExecutorSnapshot) float64 {
	if exec.Capacity <= 0 {
		return 0.1
	}
	headroom := 1 - float64(exec.Workload)/float64(exec.Capacity)
	if headroom < 0.1 {
		return 0.1
	}
	return headroom
}

func availability(exec ExecutorSnapshot) float64 {
	if exec.Available {
		return 1
	}
	return 0
}

// Scored pairs an executor with its computed score.
type Scored struct {
	Executor ExecutorSnapshot
	Score    float64
}

// RankCandidates scores every candidate against requiredSpecialization and
// sorts best-first. Ties break by higher rating, then lower current
// workload, then lower executor ID.
func RankCandidates(requiredSpecialization string, candidates []ExecutorSnapshot, w ScoreWeights) []Scored {
	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		scored[i] = Scored{Executor: c, Score: Score(requiredSpecialization, c, w)}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Executor.Rating != b.Executor.Rating {
			return a.Executor.Rating > b.Executor.Rating
		}
		if a.Executor.Workload != b.Executor.Workload {
			return a.Executor.Workload < b.Executor.Workload
		}
		return a.Executor.ID < b.Executor.ID
	})
	return scored
}
