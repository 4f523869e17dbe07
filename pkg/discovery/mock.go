package discovery

import (
	"context"
	"sync"
)

// MockDirectory is an in-memory Directory for tests and dev mode.
type MockDirectory struct {
	mu        sync.RWMutex
	executors map[string]ExecutorSnapshot
}

// NewMockDirectory builds an empty mock directory.
func NewMockDirectory() *MockDirectory {
	return &MockDirectory{executors: make(map[string]ExecutorSnapshot)}
}

// Put adds or replaces an executor snapshot.
func (m *MockDirectory) Put(e ExecutorSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[e.ID] = e
}

// Remove deletes an executor snapshot.
func (m *MockDirectory) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.executors, id)
}

func (m *MockDirectory) FindCandidates(ctx context.Context, filter Filter) ([]ExecutorSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ExecutorSnapshot, 0, len(m.executors))
	for _, e := range m.executors {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}
