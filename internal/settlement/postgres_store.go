package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/splitpay/internal/split"
)

// PostgresStore persists ledger rows, batch reports, and refunds in
// PostgreSQL. The unique constraints on event_id and charge_id are the
// ingestion idempotency boundary.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const settlementColumns = `id, event_id, charge_id, payment_id, order_id, batch_id, currency, product_type,
		gross_amount, processor_fee, net_amount, base_fee, pool_fee, platform_commission,
		platform_net_amount, merchant_amount, execution_agent_amount,
		recommendation_agent_amount, referral_agent_amount,
		merchant_id, merchant_payout_account, execution_agent_id, execution_agent_payout_account,
		recommendation_agent_id, recommendation_agent_payout_account,
		referral_agent_id, referral_agent_payout_account,
		status, transfers, attempts, failure_reason, manual_payout, annotation, proof_id,
		settled_at, created_at, updated_at`

func (p *PostgresStore) Insert(ctx context.Context, s *Settlement) error {
	transfers, err := transfersJSON(s.Transfers)
	if err != nil {
		return err
	}
	b := s.Breakdown
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17,
			$18, $19,
			$20, $21, $22, $23,
			$24, $25,
			$26, $27,
			$28, $29, $30, $31, $32, $33, $34,
			$35, $36, $37
		)`,
		s.ID, s.EventID, s.ChargeID, nullString(s.PaymentID), nullString(s.OrderID), nullString(s.BatchID), s.Currency, string(b.ProductType),
		b.GrossAmount, b.ProcessorFee, b.NetAmount, b.BaseFee, b.PoolFee, b.PlatformCommission,
		b.PlatformNetAmount, b.MerchantAmount, b.ExecutionAgentAmount,
		b.RecommendationAgentAmount, b.ReferralAgentAmount,
		nullString(s.Merchant.ID), nullString(s.Merchant.PayoutAccount),
		nullString(s.ExecutionAgent.ID), nullString(s.ExecutionAgent.PayoutAccount),
		nullString(s.RecommendationAgent.ID), nullString(s.RecommendationAgent.PayoutAccount),
		nullString(s.ReferralAgent.ID), nullString(s.ReferralAgent.PayoutAccount),
		string(s.Status), transfers, s.Attempts, nullString(s.FailureReason), s.ManualPayout,
		nullString(s.Annotation), nullString(s.ProofID),
		nullTime(s.SettledAt), s.CreatedAt, s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyProcessed
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Settlement, error) {
	return p.getBy(ctx, "id", id)
}

func (p *PostgresStore) GetByEventID(ctx context.Context, eventID string) (*Settlement, error) {
	return p.getBy(ctx, "event_id", eventID)
}

func (p *PostgresStore) GetByChargeID(ctx context.Context, chargeID string) (*Settlement, error) {
	return p.getBy(ctx, "charge_id", chargeID)
}

// getBy loads one row by a unique column. column is never user input.
func (p *PostgresStore) getBy(ctx context.Context, column, value string) (*Settlement, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE `+column+` = $1`, value)
	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettlementNotFound
	}
	return s, err
}

// UpdateIfStatus writes the mutable columns while the stored status still
// equals expected. The breakdown and parties are never rewritten, and
// neither are transfers: those only change through RecordTransfer.
func (p *PostgresStore) UpdateIfStatus(ctx context.Context, s *Settlement, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlements SET
			batch_id = $1, status = $2, attempts = $3,
			failure_reason = $4, manual_payout = $5, annotation = $6,
			settled_at = $7, updated_at = $8
		WHERE id = $9 AND status = $10`,
		nullString(s.BatchID), string(s.Status), s.Attempts,
		nullString(s.FailureReason), s.ManualPayout, nullString(s.Annotation),
		nullTime(s.SettledAt), s.UpdatedAt,
		s.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM settlements WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrSettlementNotFound
	}
	return ErrStatusConflict
}

// RecordTransfer stores one leg whatever the row's status and returns the
// status it found.
func (p *PostgresStore) RecordTransfer(ctx context.Context, id string, out *TransferOutcome) (Status, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	var status string
	err = p.db.QueryRowContext(ctx, `
		UPDATE settlements SET
			transfers = jsonb_set(transfers, ARRAY[$2::text], $3::jsonb, true),
			updated_at = GREATEST(updated_at, $4::timestamptz)
		WHERE id = $1
		RETURNING status`,
		id, string(out.Role), string(data), out.UpdatedAt,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettlementNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(status), nil
}

func (p *PostgresStore) SetProofID(ctx context.Context, id, proofID string) error {
	result, err := p.db.ExecContext(ctx, `UPDATE settlements SET proof_id = $1 WHERE id = $2`, proofID, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE status = 'pending' AND created_at <= $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSettlements(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSettlements(rows)
}

func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Counts: make(map[Status]int), SettledGross: make(map[string]int64)}

	rows, err := p.db.QueryContext(ctx, `
		SELECT status, currency, COUNT(*),
		       COALESCE(SUM(gross_amount), 0),
		       COUNT(*) FILTER (WHERE manual_payout)
		FROM settlements
		GROUP BY status, currency`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			status, currency string
			count, manual    int
			gross            int64
		)
		if err := rows.Scan(&status, &currency, &count, &gross, &manual); err != nil {
			return nil, err
		}
		st.Counts[Status(status)] += count
		st.TotalRows += count
		st.RequiresManual += manual
		if Status(status) == StatusSettled {
			st.SettledGross[currency] += gross
		}
	}
	return st, rows.Err()
}

func (p *PostgresStore) PartySummary(ctx context.Context, partyID string) (*PartySummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT currency, status, COUNT(*),
		       COALESCE(SUM(
		           CASE WHEN merchant_id = $1 THEN merchant_amount ELSE 0 END +
		           CASE WHEN execution_agent_id = $1 THEN execution_agent_amount ELSE 0 END +
		           CASE WHEN recommendation_agent_id = $1 THEN recommendation_agent_amount ELSE 0 END +
		           CASE WHEN referral_agent_id = $1 THEN referral_agent_amount ELSE 0 END
		       ), 0)
		FROM settlements
		WHERE merchant_id = $1 OR execution_agent_id = $1
		   OR recommendation_agent_id = $1 OR referral_agent_id = $1
		GROUP BY currency, status`, partyID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	byCurrency := make(map[string]*PartyTotals)
	for rows.Next() {
		var (
			currency, status string
			count            int
			amount           int64
		)
		if err := rows.Scan(&currency, &status, &count, &amount); err != nil {
			return nil, err
		}
		t, ok := byCurrency[currency]
		if !ok {
			t = &PartyTotals{Currency: currency}
			byCurrency[currency] = t
		}
		t.Rows += count
		switch Status(status) {
		case StatusPending, StatusProcessing:
			t.Pending += amount
		case StatusSettled:
			t.Settled += amount
		case StatusFailed:
			t.Failed += amount
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summary := &PartySummary{PartyID: partyID, Totals: []PartyTotals{}}
	for _, t := range byCurrency {
		summary.Totals = append(summary.Totals, *t)
	}
	sort.Slice(summary.Totals, func(i, j int) bool { return summary.Totals[i].Currency < summary.Totals[j].Currency })
	return summary, nil
}

// --- batch reports ---

const reportColumns = `id, kind, cutoff, processed_count, settled_count, failed_count, manual_count,
		totals_by_role, totals_by_currency, started_at, finished_at`

func (p *PostgresStore) SaveReport(ctx context.Context, r *Report) error {
	byRole, err := json.Marshal(r.TotalsByRole)
	if err != nil {
		return err
	}
	byCurrency, err := json.Marshal(r.TotalsByCurrency)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO settlement_batches (`+reportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.BatchID, r.Kind, r.Cutoff, r.ProcessedCount, r.SettledCount, r.FailedCount, r.ManualCount,
		string(byRole), string(byCurrency), r.StartedAt, r.FinishedAt,
	)
	return err
}

func (p *PostgresStore) GetReport(ctx context.Context, id string) (*Report, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM settlement_batches WHERE id = $1`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	return r, err
}

func (p *PostgresStore) ListReports(ctx context.Context, limit int) ([]*Report, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM settlement_batches
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanReport(sc scanner) (*Report, error) {
	r := &Report{}
	var byRole, byCurrency []byte
	if err := sc.Scan(
		&r.BatchID, &r.Kind, &r.Cutoff, &r.ProcessedCount, &r.SettledCount, &r.FailedCount, &r.ManualCount,
		&byRole, &byCurrency, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(byRole, &r.TotalsByRole); err != nil {
		return nil, fmt.Errorf("decode totals_by_role: %w", err)
	}
	if err := json.Unmarshal(byCurrency, &r.TotalsByCurrency); err != nil {
		return nil, fmt.Errorf("decode totals_by_currency: %w", err)
	}
	return r, nil
}

// --- refunds ---

func (p *PostgresStore) CreateRefund(ctx context.Context, r *Refund) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refunds (id, payment_id, charge_id, amount, currency, status, reason,
		                     provider_refund_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, nullString(r.PaymentID), r.ChargeID, r.Amount, r.Currency, r.Status,
		nullString(r.Reason), nullString(r.ProviderRefundID), r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyProcessed
	}
	return err
}

func (p *PostgresStore) ListRefunds(ctx context.Context, chargeID string) ([]*Refund, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, payment_id, charge_id, amount, currency, status, reason,
		       provider_refund_id, created_at, updated_at
		FROM refunds
		WHERE charge_id = $1
		ORDER BY created_at ASC`, chargeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Refund
	for rows.Next() {
		r := &Refund{}
		var paymentID, reason, providerID sql.NullString
		if err := rows.Scan(&r.ID, &paymentID, &r.ChargeID, &r.Amount, &r.Currency, &r.Status,
			&reason, &providerID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.PaymentID = paymentID.String
		r.Reason = reason.String
		r.ProviderRefundID = providerID.String
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- scanning ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSettlement(sc scanner) (*Settlement, error) {
	s := &Settlement{}
	b := &s.Breakdown
	var (
		paymentID, orderID, batchID             sql.NullString
		productType, status                     string
		merchantID, merchantAccount             sql.NullString
		executionID, executionAccount           sql.NullString
		recommendationID, recommendationAccount sql.NullString
		referralID, referralAccount             sql.NullString
		failureReason, annotation, proofID      sql.NullString
		transfers                               []byte
		settledAt                               sql.NullTime
	)

	err := sc.Scan(
		&s.ID, &s.EventID, &s.ChargeID, &paymentID, &orderID, &batchID, &s.Currency, &productType,
		&b.GrossAmount, &b.ProcessorFee, &b.NetAmount, &b.BaseFee, &b.PoolFee, &b.PlatformCommission,
		&b.PlatformNetAmount, &b.MerchantAmount, &b.ExecutionAgentAmount,
		&b.RecommendationAgentAmount, &b.ReferralAgentAmount,
		&merchantID, &merchantAccount, &executionID, &executionAccount,
		&recommendationID, &recommendationAccount,
		&referralID, &referralAccount,
		&status, &transfers, &s.Attempts, &failureReason, &s.ManualPayout, &annotation, &proofID,
		&settledAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.ProductType = split.ProductType(productType)
	s.PaymentID = paymentID.String
	s.OrderID = orderID.String
	s.BatchID = batchID.String
	s.Merchant = Party{ID: merchantID.String, PayoutAccount: merchantAccount.String}
	s.ExecutionAgent = Party{ID: executionID.String, PayoutAccount: executionAccount.String}
	s.RecommendationAgent = Party{ID: recommendationID.String, PayoutAccount: recommendationAccount.String}
	s.ReferralAgent = Party{ID: referralID.String, PayoutAccount: referralAccount.String}
	s.Status = Status(status)
	s.FailureReason = failureReason.String
	s.Annotation = annotation.String
	s.ProofID = proofID.String
	if settledAt.Valid {
		t := settledAt.Time
		s.SettledAt = &t
	}
	if len(transfers) > 0 {
		if err := json.Unmarshal(transfers, &s.Transfers); err != nil {
			return nil, fmt.Errorf("decode transfers: %w", err)
		}
		if len(s.Transfers) == 0 {
			s.Transfers = nil
		}
	}
	return s, nil
}

func scanSettlements(rows *sql.Rows) ([]*Settlement, error) {
	var result []*Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func transfersJSON(t map[Role]*TransferOutcome) (string, error) {
	if len(t) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertions.
var (
	_ Store       = (*PostgresStore)(nil)
	_ BatchStore  = (*PostgresStore)(nil)
	_ RefundStore = (*PostgresStore)(nil)
)
