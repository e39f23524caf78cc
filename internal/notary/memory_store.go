package notary

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory proof store for tests.
type MemoryStore struct {
	proofs map[string]*Proof
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory proof store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proofs: make(map[string]*Proof)}
}

func (m *MemoryStore) Create(_ context.Context, p *Proof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.proofs[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Proof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proofs[id]
	if !ok {
		return nil, ErrProofNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListBySubject(_ context.Context, subjectType, subjectID string) ([]*Proof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Proof
	for _, p := range m.proofs {
		if p.SubjectType == subjectType && p.SubjectID == subjectID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
