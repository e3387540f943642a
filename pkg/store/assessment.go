// Package store persists engine state outside the ledger: the latest risk
// assessment per identity and the sealed block archive in SQL.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/Mindburn-Labs/ztcore/pkg/risk"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrBlockConflict = errors.New("store: a different block is stored at this index")
)

// AssessmentStore keeps the most recent assessment for each identity. Put
// supersedes any earlier value; nothing is ever deleted.
type AssessmentStore interface {
	Put(ctx context.Context, a risk.Assessment) error
	Get(ctx context.Context, identity string) (risk.Assessment, error)
}

// MemoryAssessmentStore is an in-process AssessmentStore.
type MemoryAssessmentStore struct {
	mu   sync.RWMutex
	data map[string]risk.Assessment
}

func NewMemoryAssessmentStore() *MemoryAssessmentStore {
	return &MemoryAssessmentStore{data: make(map[string]risk.Assessment)}
}

func (m *MemoryAssessmentStore) Put(_ context.Context, a risk.Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.Signals = append(a.Signals[:0:0], a.Signals...)
	m.data[a.Identity] = a
	return nil
}

func (m *MemoryAssessmentStore) Get(_ context.Context, identity string) (risk.Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.data[identity]
	if !ok {
		return risk.Assessment{}, ErrNotFound
	}
	a.Signals = append(a.Signals[:0:0], a.Signals...)
	return a, nil
}
