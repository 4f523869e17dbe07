package credentials

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository for tests and single-process
// dev mode.
type MemoryRepository struct {
	mu     sync.RWMutex
	creds  map[string]*ServiceCredential
	events []AuthEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{creds: make(map[string]*ServiceCredential)}
}

func (m *MemoryRepository) Get(ctx context.Context, serviceName string) (*ServiceCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[serviceName]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryRepository) Save(ctx context.Context, c *ServiceCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.creds[c.ServiceName] = &cp
	return nil
}

func (m *MemoryRepository) AppendAuthEvent(ctx context.Context, e AuthEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryRepository) ListAuthEventsSince(ctx context.Context, since time.Time) ([]AuthEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuthEvent
	for _, e := range m.events {
		if !e.At.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryRepository) ListAll(ctx context.Context) ([]*ServiceCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ServiceCredential, 0, len(m.creds))
	for _, c := range m.creds {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// MemoryRevocationCache is an in-memory RevocationCache shareable across
// multiple *Store instances within a process, modeling the cross-instance
// propagation the real Redis-backed cache provides.
type MemoryRevocationCache struct {
	mu      sync.Mutex
	entries map[string]revocationEntry
}

type revocationEntry struct {
	revoked   bool
	expiresAt time.Time
}

func NewMemoryRevocationCache() *MemoryRevocationCache {
	return &MemoryRevocationCache{entries: make(map[string]revocationEntry)}
}

func (c *MemoryRevocationCache) IsRevoked(ctx context.Context, serviceName string) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[serviceName]
	if !ok || time.Now().After(e.expiresAt) {
		return false, false, nil
	}
	return true, e.revoked, nil
}

func (c *MemoryRevocationCache) SetRevoked(ctx context.Context, serviceName string, revoked bool, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[serviceName] = revocationEntry{revoked: revoked, expiresAt: time.Now().Add(ttl)}
	return nil
}
