package reqnum

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestAllocator(t *testing.T) (*Allocator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, Options{Location: time.UTC}), mr
}

func TestAllocateFormat(t *testing.T) {
	a, _ := newTestAllocator(t)
	now := time.Date(2025, 9, 27, 10, 0, 0, 0, time.UTC)

	n, err := a.AllocateAt(context.Background(), now)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !Format.MatchString(n) {
		t.Errorf("expected number to match %s, got %q", Format, n)
	}
	if n != "250927-001" {
		t.Errorf("expected 250927-001, got %q", n)
	}
}

func TestAllocateMonotonicWithinDate(t *testing.T) {
	a, _ := newTestAllocator(t)
	now := time.Date(2025, 9, 27, 10, 0, 0, 0, time.UTC)

	var got []string
	for i := 0; i < 4; i++ {
		n, err := a.AllocateAt(context.Background(), now)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		got = append(got, n)
	}
	want := []string{"250927-001", "250927-002", "250927-003", "250927-004"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestAllocateConcurrentNoDuplicates(t *testing.T) {
	a, _ := newTestAllocator(t)
	now := time.Date(2025, 9, 27, 10, 0, 0, 0, time.UTC)

	const n = 20
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := a.AllocateAt(context.Background(), now)
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			results[idx] = v
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, v := range results {
		if v == "" {
			continue
		}
		if seen[v] {
			t.Fatalf("duplicate request number allocated: %s", v)
		}
		seen[v] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct allocations, got %d", n, len(seen))
	}
}

func TestAllocateResetsAcrossDates(t *testing.T) {
	a, _ := newTestAllocator(t)
	day1 := time.Date(2025, 9, 27, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2025, 9, 28, 0, 1, 0, 0, time.UTC)

	n1, err := a.AllocateAt(context.Background(), day1)
	if err != nil {
		t.Fatalf("Allocate day1: %v", err)
	}
	n2, err := a.AllocateAt(context.Background(), day2)
	if err != nil {
		t.Fatalf("Allocate day2: %v", err)
	}
	if n1 != "250927-001" || n2 != "250928-001" {
		t.Errorf("expected counter reset at midnight, got %s then %s", n1, n2)
	}
}

func TestAllocateExhausted(t *testing.T) {
	a, mr := newTestAllocator(t)
	now := time.Date(2025, 9, 27, 10, 0, 0, 0, time.UTC)

	// Seed the counter at the max so the next call exceeds it.
	mr.Set("reqnum:250927", "999")

	if _, err := a.AllocateAt(context.Background(), now); err == nil {
		t.Fatal("expected allocator_exhausted once sequence exceeds 999")
	}
}

func TestAllocateStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := New(client, Options{Location: time.UTC})
	mr.Close() // simulate store outage
	client.Close()

	if _, err := a.Allocate(context.Background()); err == nil {
		t.Fatal("expected dependency_unavailable when the store is unreachable")
	}
}
