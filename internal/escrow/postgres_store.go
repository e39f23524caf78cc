package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/splitpay/internal/split"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, payment_id, merchant_id, buyer_id, agent_id,
		       merchant_payout_account, agent_payout_account,
		       amount, currency, commission_rate, commission,
		       order_type, settlement_type, auto_release_days, status,
		       funding_ref, dispute_reason, release_method, release_details, proof_id,
		       funded_at, confirmed_at, released_at, refunded_at, created_at, updated_at,
		       payouts`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	commission, err := jsonOrNull(e.Commission)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			NULL, NULL, NULL, NULL, NULL,
			NULL, NULL, NULL, NULL, $16, $17,
			'{}'::jsonb
		)`,
		e.ID, nullString(e.PaymentID), e.MerchantID, e.BuyerID, nullString(e.AgentID),
		nullString(e.MerchantPayoutAccount), nullString(e.AgentPayoutAccount),
		e.Amount, e.Currency, nullDecimal(e.CommissionRate), commission,
		string(e.OrderType), string(e.SettlementType), e.AutoReleaseDays, string(e.Status),
		e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicatePayment
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByPaymentID(ctx context.Context, paymentID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE payment_id = $1`, paymentID)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// UpdateIfStatus writes the mutable columns only while the stored status
// still equals expected. Payouts are written by RecordPayout alone.
func (p *PostgresStore) UpdateIfStatus(ctx context.Context, e *Escrow, expected Status) error {
	details, err := jsonOrNull(e.ReleaseDetails)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			payment_id = $1, status = $2, funding_ref = $3, dispute_reason = $4,
			release_method = $5, release_details = $6, proof_id = $7,
			funded_at = $8, confirmed_at = $9, released_at = $10, refunded_at = $11,
			updated_at = $12
		WHERE id = $13 AND status = $14`,
		nullString(e.PaymentID), string(e.Status), nullString(e.FundingRef), nullString(e.DisputeReason),
		nullString(e.ReleaseMethod), details, nullString(e.ProofID),
		nullTime(e.FundedAt), nullTime(e.ConfirmedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
		e.UpdatedAt,
		e.ID, string(expected),
	)
	if isUniqueViolation(err) {
		return ErrDuplicatePayment
	}
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
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrEscrowNotFound
	}
	return ErrStatusConflict
}

// RecordPayout stores one payout whatever the escrow's status.
func (p *PostgresStore) RecordPayout(ctx context.Context, id string, po *Payout) (Status, error) {
	data, err := json.Marshal(po)
	if err != nil {
		return "", err
	}
	var status string
	err = p.db.QueryRowContext(ctx, `
		UPDATE escrows SET payouts = jsonb_set(payouts, ARRAY[$2::text], $3::jsonb, true)
		WHERE id = $1
		RETURNING status`,
		id, po.Role, string(data),
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrEscrowNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(status), nil
}

func (p *PostgresStore) ListDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'funded'
		  AND settlement_type = 'delivery_confirmed'
		  AND created_at + make_interval(days => auto_release_days) <= $1
		ORDER BY updated_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_id = $1 OR merchant_id = $1 OR agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		paymentID, agentID                     sql.NullString
		merchantAccount, agentAccount          sql.NullString
		fundingRef, disputeReason, method      sql.NullString
		proofID                                sql.NullString
		commissionRate                         decimal.NullDecimal
		commissionJSON, detailsJSON, payouts   []byte
		orderType, settlementType, status      string
		fundedAt, confirmedAt, releasedAt, ref sql.NullTime
	)

	err := s.Scan(
		&e.ID, &paymentID, &e.MerchantID, &e.BuyerID, &agentID,
		&merchantAccount, &agentAccount,
		&e.Amount, &e.Currency, &commissionRate, &commissionJSON,
		&orderType, &settlementType, &e.AutoReleaseDays, &status,
		&fundingRef, &disputeReason, &method, &detailsJSON, &proofID,
		&fundedAt, &confirmedAt, &releasedAt, &ref, &e.CreatedAt, &e.UpdatedAt,
		&payouts,
	)
	if err != nil {
		return nil, err
	}

	e.PaymentID = paymentID.String
	e.AgentID = agentID.String
	e.MerchantPayoutAccount = merchantAccount.String
	e.AgentPayoutAccount = agentAccount.String
	e.OrderType = OrderType(orderType)
	e.SettlementType = SettlementType(settlementType)
	e.Status = Status(status)
	e.FundingRef = fundingRef.String
	e.DisputeReason = disputeReason.String
	e.ReleaseMethod = method.String
	e.ProofID = proofID.String
	if commissionRate.Valid {
		e.CommissionRate = &commissionRate.Decimal
	}
	if len(commissionJSON) > 0 {
		e.Commission = &split.Commission{}
		if err := json.Unmarshal(commissionJSON, e.Commission); err != nil {
			return nil, err
		}
	}
	if len(detailsJSON) > 0 {
		e.ReleaseDetails = &split.Release{}
		if err := json.Unmarshal(detailsJSON, e.ReleaseDetails); err != nil {
			return nil, err
		}
	}
	if len(payouts) > 0 && string(payouts) != "{}" {
		if err := json.Unmarshal(payouts, &e.Payouts); err != nil {
			return nil, err
		}
	}
	e.FundedAt = timePtr(fundedAt)
	e.ConfirmedAt = timePtr(confirmedAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(ref)

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// jsonOrNull encodes v as a JSON string, or returns SQL NULL for a nil pointer.
func jsonOrNull[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
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

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
