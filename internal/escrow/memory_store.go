package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for tests. It enforces the same
// payment-id uniqueness and status compare-and-set as PostgreSQL.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.PaymentID != "" && m.paymentTaken(e.PaymentID, e.ID) {
		return ErrDuplicatePayment
	}
	m.escrows[e.ID] = clone(e)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return clone(e), nil
}

func (m *MemoryStore) GetByPaymentID(_ context.Context, paymentID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.escrows {
		if e.PaymentID == paymentID {
			return clone(e), nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) UpdateIfStatus(_ context.Context, e *Escrow, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Status != expected {
		return ErrStatusConflict
	}
	if e.PaymentID != "" && m.paymentTaken(e.PaymentID, e.ID) {
		return ErrDuplicatePayment
	}
	next := clone(e)
	next.Payouts = cur.Payouts
	m.escrows[e.ID] = next
	return nil
}

func (m *MemoryStore) RecordPayout(_ context.Context, id string, p *Payout) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[id]
	if !ok {
		return "", ErrEscrowNotFound
	}
	if cur.Payouts == nil {
		cur.Payouts = make(map[string]*Payout)
	}
	cp := *p
	cur.Payouts[p.Role] = &cp
	return cur.Status, nil
}

func (m *MemoryStore) ListDueForAutoRelease(_ context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusFunded && e.RequiresDeliveryConfirmation() && !now.Before(e.AutoReleaseAt()) {
			result = append(result, clone(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			result = append(result, clone(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByParty(_ context.Context, partyID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID == partyID || e.MerchantID == partyID || e.AgentID == partyID {
			result = append(result, clone(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// paymentTaken reports whether another escrow holds paymentID. Caller holds m.mu.
func (m *MemoryStore) paymentTaken(paymentID, id string) bool {
	for _, other := range m.escrows {
		if other.ID != id && other.PaymentID == paymentID {
			return true
		}
	}
	return false
}

func clone(e *Escrow) *Escrow {
	cp := *e
	if e.ReleaseDetails != nil {
		r := *e.ReleaseDetails
		cp.ReleaseDetails = &r
	}
	if e.Commission != nil {
		c := *e.Commission
		cp.Commission = &c
	}
	if e.Payouts != nil {
		cp.Payouts = make(map[string]*Payout, len(e.Payouts))
		for role, p := range e.Payouts {
			pc := *p
			cp.Payouts[role] = &pc
		}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
