package eventstore

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/ztcore/pkg/events"
)

// MemoryStore keeps event history in process memory, keyed by identity.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]events.Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]events.Event)}
}

func (m *MemoryStore) Append(_ context.Context, evs ...events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range evs {
		m.data[ev.UserID] = append(m.data[ev.UserID], ev)
	}
	return nil
}

func (m *MemoryStore) CountEvents(_ context.Context, q Query) (int, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := newCounter(q)
	for _, ev := range m.data[q.Identity] {
		c.observe(ev)
	}
	return c.count(), nil
}

// Len returns the number of stored events for an identity.
func (m *MemoryStore) Len(identity string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[identity])
}
