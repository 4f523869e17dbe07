package discovery

import (
	"context"
	"testing"
)

func TestScoreSpecializationMatch(t *testing.T) {
	exact := ExecutorSnapshot{Specializations: []string{"plumbing"}, Efficiency: 100, Capacity: 10, Available: true}
	general := ExecutorSnapshot{Specializations: []string{"general"}, Efficiency: 100, Capacity: 10, Available: true}
	unrelated := ExecutorSnapshot{Specializations: []string{"electrical"}, Efficiency: 100, Capacity: 10, Available: true}

	sExact := Score("plumbing", exact, DefaultWeights)
	sGeneral := Score("plumbing", general, DefaultWeights)
	sUnrelated := Score("plumbing", unrelated, DefaultWeights)

	if sExact <= sGeneral || sGeneral <= sUnrelated {
		t.Errorf("expected exact > general > unrelated, got %f, %f, %f", sExact, sGeneral, sUnrelated)
	}
}

func TestWorkloadHeadroomFloor(t *testing.T) {
	full := ExecutorSnapshot{Workload: 10, Capacity: 10}
	if got := workloadHeadroom(full); got != 0.1 {
		t.Errorf("expected headroom floor 0.1 for a fully loaded executor, got %f", got)
	}

	noCapacity := ExecutorSnapshot{Workload: 0, Capacity: 0}
	if got := workloadHeadroom(noCapacity); got != 0.1 {
		t.Errorf("expected headroom floor 0.1 when capacity is unset, got %f", got)
	}
}

func TestRankCandidatesTieBreaks(t *testing.T) {
	candidates := []ExecutorSnapshot{
		{ID: "exec-2", Specializations: []string{"plumbing"}, Efficiency: 80, Capacity: 10, Workload: 3, Rating: 4.5, Available: true},
		{ID: "exec-1", Specializations: []string{"plumbing"}, Efficiency: 80, Capacity: 10, Workload: 3, Rating: 4.5, Available: true},
	}

	ranked := RankCandidates("plumbing", candidates, DefaultWeights)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 ranked candidates, got %d", len(ranked))
	}
	if ranked[0].Score != ranked[1].Score {
		t.Fatalf("expected identical scores for this fixture, got %f vs %f", ranked[0].Score, ranked[1].Score)
	}
	if ranked[0].Executor.ID != "exec-1" {
		t.Errorf("expected tie broken by lower executor ID, got %s first", ranked[0].Executor.ID)
	}
}

func TestRankCandidatesRatingTieBreak(t *testing.T) {
	candidates := []ExecutorSnapshot{
		{ID: "exec-a", Specializations: []string{"general"}, Efficiency: 50, Capacity: 10, Workload: 5, Rating: 3.0, Available: true},
		{ID: "exec-b", Specializations: []string{"general"}, Efficiency: 50, Capacity: 10, Workload: 5, Rating: 4.8, Available: true},
	}

	ranked := RankCandidates("plumbing", candidates, DefaultWeights)
	if ranked[0].Executor.ID != "exec-b" {
		t.Errorf("expected higher-rated executor first when scores tie, got %s", ranked[0].Executor.ID)
	}
}

func TestMockDirectoryFindCandidates(t *testing.T) {
	dir := NewMockDirectory()
	dir.Put(ExecutorSnapshot{ID: "e1", Specializations: []string{"plumbing"}, HomeDistrict: "Chilanzar", Approved: true, Available: true})
	dir.Put(ExecutorSnapshot{ID: "e2", Specializations: []string{"electrical"}, HomeDistrict: "Yunusabad", Approved: false, Available: true})

	candidates, err := dir.FindCandidates(context.Background(), Filter{Specialization: "plumbing", RequireApproved: true})
	if err != nil {
		t.Fatalf("FindCandidates returned error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != "e1" {
		t.Errorf("expected only e1 to match, got %+v", candidates)
	}

	dir.Remove("e1")
	candidates, _ = dir.FindCandidates(context.Background(), Filter{Specialization: "plumbing", RequireApproved: true})
	if len(candidates) != 0 {
		t.Errorf("expected no candidates after removal, got %+v", candidates)
	}
}
