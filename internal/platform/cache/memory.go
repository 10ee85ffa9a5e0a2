package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// Memory is a process-local statistics cache for single-instance deployments.
// A zero TTL keeps entries until the tenant is invalidated.
type Memory struct {
	mu          sync.Mutex
	ttl         time.Duration
	tenants     map[string]map[string]memoryEntry
	generations map[string]int64
	now         func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:         ttl,
		tenants:     make(map[string]map[string]memoryEntry),
		generations: make(map[string]int64),
		now:         time.Now,
	}
}

func (m *Memory) Get(_ context.Context, tenantID, key string) ([]byte, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen := m.generations[tenantID]
	e, ok := m.tenants[tenantID][key]
	if !ok {
		return nil, gen, false
	}
	if m.ttl > 0 && m.now().After(e.expires) {
		delete(m.tenants[tenantID], key)
		return nil, gen, false
	}
	return append([]byte(nil), e.value...), gen, true
}

// Set drops the value when the tenant was invalidated after gen was read.
func (m *Memory) Set(_ context.Context, tenantID, key string, gen int64, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen < 0 || gen != m.generations[tenantID] {
		return
	}
	entries, ok := m.tenants[tenantID]
	if !ok {
		entries = make(map[string]memoryEntry)
		m.tenants[tenantID] = entries
	}
	entries[key] = memoryEntry{value: append([]byte(nil), value...), expires: m.now().Add(m.ttl)}
}

func (m *Memory) Invalidate(_ context.Context, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generations[tenantID]++
	delete(m.tenants, tenantID)
}
