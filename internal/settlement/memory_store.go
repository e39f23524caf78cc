package settlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger for tests. It enforces the same
// event-id and charge-id uniqueness and status compare-and-set as
// PostgreSQL.
type MemoryStore struct {
	mu       sync.RWMutex
	rows     map[string]*Settlement
	byEvent  map[string]string
	byCharge map[string]string
	reports  map[string]*Report
	refunds  map[string]*Refund
}

// NewMemoryStore creates a new in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:     make(map[string]*Settlement),
		byEvent:  make(map[string]string),
		byCharge: make(map[string]string),
		reports:  make(map[string]*Report),
		refunds:  make(map[string]*Refund),
	}
}

func (m *MemoryStore) Insert(_ context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEvent[s.EventID]; ok {
		return ErrAlreadyProcessed
	}
	if _, ok := m.byCharge[s.ChargeID]; ok {
		return ErrAlreadyProcessed
	}
	m.rows[s.ID] = cloneSettlement(s)
	m.byEvent[s.EventID] = s.ID
	m.byCharge[s.ChargeID] = s.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.rows[id]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	return cloneSettlement(s), nil
}

func (m *MemoryStore) GetByEventID(ctx context.Context, eventID string) (*Settlement, error) {
	m.mu.RLock()
	id, ok := m.byEvent[eventID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSettlementNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) GetByChargeID(ctx context.Context, chargeID string) (*Settlement, error) {
	m.mu.RLock()
	id, ok := m.byCharge[chargeID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSettlementNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) UpdateIfStatus(_ context.Context, s *Settlement, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.rows[s.ID]
	if !ok {
		return ErrSettlementNotFound
	}
	if cur.Status != expected {
		return ErrStatusConflict
	}
	next := cloneSettlement(s)
	next.Transfers = cur.Transfers
	m.rows[s.ID] = next
	return nil
}

func (m *MemoryStore) RecordTransfer(_ context.Context, id string, out *TransferOutcome) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.rows[id]
	if !ok {
		return "", ErrSettlementNotFound
	}
	if cur.Transfers == nil {
		cur.Transfers = make(map[Role]*TransferOutcome)
	}
	cp := *out
	cur.Transfers[out.Role] = &cp
	if out.UpdatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = out.UpdatedAt
	}
	return cur.Status, nil
}

func (m *MemoryStore) SetProofID(_ context.Context, id, proofID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.rows[id]
	if !ok {
		return ErrSettlementNotFound
	}
	s.ProofID = proofID
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, cutoff time.Time, limit int) ([]*Settlement, error) {
	return m.list(func(s *Settlement) bool {
		return s.Status == StatusPending && !s.CreatedAt.After(cutoff)
	}, limit), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Settlement, error) {
	return m.list(func(s *Settlement) bool { return s.Status == status }, limit), nil
}

func (m *MemoryStore) list(match func(*Settlement) bool, limit int) []*Settlement {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Settlement
	for _, s := range m.rows {
		if match(s) {
			result = append(result, cloneSettlement(s))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := &Stats{Counts: make(map[Status]int), SettledGross: make(map[string]int64)}
	for _, s := range m.rows {
		st.TotalRows++
		st.Counts[s.Status]++
		if s.Status == StatusSettled {
			st.SettledGross[s.Currency] += s.Breakdown.GrossAmount
		}
		if s.ManualPayout {
			st.RequiresManual++
		}
	}
	return st, nil
}

func (m *MemoryStore) PartySummary(_ context.Context, partyID string) (*PartySummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byCurrency := make(map[string]*PartyTotals)
	for _, s := range m.rows {
		var amount int64
		found := false
		for _, role := range payoutRoles {
			if s.Party(role).ID == partyID {
				amount += s.Amount(role)
				found = true
			}
		}
		if !found {
			continue
		}
		t, ok := byCurrency[s.Currency]
		if !ok {
			t = &PartyTotals{Currency: s.Currency}
			byCurrency[s.Currency] = t
		}
		t.Rows++
		switch s.Status {
		case StatusPending, StatusProcessing:
			t.Pending += amount
		case StatusSettled:
			t.Settled += amount
		case StatusFailed:
			t.Failed += amount
		}
	}

	summary := &PartySummary{PartyID: partyID, Totals: []PartyTotals{}}
	for _, t := range byCurrency {
		summary.Totals = append(summary.Totals, *t)
	}
	sort.Slice(summary.Totals, func(i, j int) bool { return summary.Totals[i].Currency < summary.Totals[j].Currency })
	return summary, nil
}

func (m *MemoryStore) SaveReport(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.reports[r.BatchID] = &cp
	return nil
}

func (m *MemoryStore) GetReport(_ context.Context, id string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListReports(_ context.Context, limit int) ([]*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Report, 0, len(m.reports))
	for _, r := range m.reports {
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateRefund(_ context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ProviderRefundID != "" {
		for _, existing := range m.refunds {
			if existing.ProviderRefundID == r.ProviderRefundID {
				return ErrAlreadyProcessed
			}
		}
	}
	cp := *r
	m.refunds[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ListRefunds(_ context.Context, chargeID string) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Refund
	for _, r := range m.refunds {
		if r.ChargeID == chargeID {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func cloneSettlement(s *Settlement) *Settlement {
	cp := *s
	if s.Transfers != nil {
		cp.Transfers = make(map[Role]*TransferOutcome, len(s.Transfers))
		for role, t := range s.Transfers {
			tc := *t
			cp.Transfers[role] = &tc
		}
	}
	if s.SettledAt != nil {
		at := *s.SettledAt
		cp.SettledAt = &at
	}
	return &cp
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ BatchStore  = (*MemoryStore)(nil)
	_ RefundStore = (*MemoryStore)(nil)
)
