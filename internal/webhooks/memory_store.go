package webhooks

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and database-less runs.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	cp.Events = slices.Clone(sub.Events)
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListByParty(_ context.Context, partyID string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.PartyID == partyID }), nil
}

func (m *MemoryStore) ListActiveForParties(_ context.Context, partyIDs []string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool {
		return s.Active && slices.Contains(partyIDs, s.PartyID)
	}), nil
}

func (m *MemoryStore) filter(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Subscription{}
	for _, s := range m.subs {
		if keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) RecordDelivery(_ context.Context, id, failure string, at time.Time, disableAfter int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.LastError = failure
	if failure == "" {
		sub.LastSuccess = &at
		sub.ConsecutiveFailures = 0
		return nil
	}
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= disableAfter {
		sub.Active = false
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
