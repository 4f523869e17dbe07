package webhook

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository, used by tests and
// single-instance deployments without a relational store wired in.
type MemoryRepository struct {
	mu     sync.Mutex
	events map[string]*Event
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{events: make(map[string]*Event)}
}

func memKey(source, externalEventID string) string {
	return source + ":" + externalEventID
}

func (r *MemoryRepository) Get(ctx context.Context, source, externalEventID string) (*Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[memKey(source, externalEventID)]
	if !ok {
		return nil, false, nil
	}
	copied := *e
	return &copied, true, nil
}

func (r *MemoryRepository) Save(ctx context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *e
	r.events[memKey(e.Source, e.ExternalEventID)] = &copied
	return nil
}

func (r *MemoryRepository) ListDueForRetry(ctx context.Context, now time.Time) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*Event
	for _, e := range r.events {
		if e.Status == StatusRetrying && !e.NextRetryAt.IsZero() && !e.NextRetryAt.After(now) {
			copied := *e
			due = append(due, &copied)
		}
	}
	return due, nil
}
