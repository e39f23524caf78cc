// Package settlement records one ledger row per successful charge and pays
// each party its share in periodic batches.
//
// Ingestion is idempotent on the provider event id and on the charge id:
// the store's unique constraints decide, so duplicate or concurrent
// deliveries never produce a second row. The batch scheduler pays every
// matured pending row independently and tracks each party's transfer
// inside the row, so a retry never pays a party twice.
package settlement

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/mbd888/splitpay/internal/split"
)

var (
	ErrSettlementNotFound  = errors.New("settlement not found")
	ErrBatchNotFound       = errors.New("settlement batch not found")
	ErrAlreadyProcessed    = errors.New("notification already processed")
	ErrInvalidNotification = errors.New("invalid payment notification")
	ErrStatusConflict      = errors.New("settlement status does not permit this operation")
	ErrBatchInProgress     = errors.New("another settlement batch is running")
)

// Status is the payout state of a ledger row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSettled    Status = "settled"
	StatusFailed     Status = "failed"
	StatusDisputed   Status = "disputed"
	StatusRefunded   Status = "refunded"
)

// Role names a party of a settlement.
type Role string

const (
	RoleMerchant            Role = "merchant"
	RoleExecutionAgent      Role = "execution_agent"
	RoleRecommendationAgent Role = "recommendation_agent"
	RoleReferralAgent       Role = "referral_agent"
	RolePlatform            Role = "platform"
)

// payoutRoles are paid by the batch, in this order. The platform keeps its
// share where the funds already are.
var payoutRoles = []Role{RoleMerchant, RoleExecutionAgent, RoleRecommendationAgent, RoleReferralAgent}

// Party is a recipient of a share. An empty PayoutAccount means the share
// must be paid out manually.
type Party struct {
	ID            string `json:"id,omitempty"`
	PayoutAccount string `json:"payoutAccount,omitempty"`
}

// Transfer outcome states. A submitted transfer was handed to a rail that
// cannot deduplicate it; it is looked up by Reference, never sent again.
const (
	TransferSucceeded = "succeeded"
	TransferFailed    = "failed"
	TransferManual    = "manual"
	TransferSubmitted = "submitted"
)

// TransferOutcome is the latest attempt to pay one role of a row. Key is
// the idempotency key of that attempt; Definite marks a failure the rail
// will repeat for the same key.
type TransferOutcome struct {
	Role        Role      `json:"role"`
	Amount      int64     `json:"amount"`
	Destination string    `json:"destination,omitempty"`
	Status      string    `json:"status"`
	Rail        string    `json:"rail,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Key         string    `json:"key,omitempty"`
	Definite    bool      `json:"definite,omitempty"`
	Attempts    int       `json:"attempts"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Settlement is one ledger row: the itemized split of one provider charge
// and the state of its payout. Amounts are minor units of Currency.
type Settlement struct {
	ID        string `json:"id"`
	EventID   string `json:"eventId"`
	ChargeID  string `json:"chargeId"`
	PaymentID string `json:"paymentId,omitempty"`
	OrderID   string `json:"orderId,omitempty"`
	BatchID   string `json:"batchId,omitempty"`
	Currency  string `json:"currency"`

	Breakdown split.Breakdown `json:"breakdown"`

	Merchant            Party `json:"merchant"`
	ExecutionAgent      Party `json:"executionAgent"`
	RecommendationAgent Party `json:"recommendationAgent"`
	ReferralAgent       Party `json:"referralAgent"`

	Status        Status                    `json:"status"`
	Transfers     map[Role]*TransferOutcome `json:"transfers,omitempty"`
	Attempts      int                       `json:"attempts"`
	FailureReason string                    `json:"failureReason,omitempty"`
	ManualPayout  bool                      `json:"manualPayout"`
	Annotation    string                    `json:"annotation,omitempty"`
	ProofID       string                    `json:"proofId,omitempty"`
	SettledAt     *time.Time                `json:"settledAt,omitempty"`
	CreatedAt     time.Time                 `json:"createdAt"`
	UpdatedAt     time.Time                 `json:"updatedAt"`
}

// Party returns the recipient of a role.
func (s *Settlement) Party(role Role) Party {
	switch role {
	case RoleMerchant:
		return s.Merchant
	case RoleExecutionAgent:
		return s.ExecutionAgent
	case RoleRecommendationAgent:
		return s.RecommendationAgent
	case RoleReferralAgent:
		return s.ReferralAgent
	}
	return Party{}
}

// PartyIDs lists the distinct parties named on the row.
func (s *Settlement) PartyIDs() []string {
	ids := make([]string, 0, 4)
	for _, p := range []Party{s.Merchant, s.ExecutionAgent, s.RecommendationAgent, s.ReferralAgent} {
		if p.ID != "" && !slices.Contains(ids, p.ID) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Amount returns the share of a role.
func (s *Settlement) Amount(role Role) int64 {
	b := s.Breakdown
	switch role {
	case RoleMerchant:
		return b.MerchantAmount
	case RoleExecutionAgent:
		return b.ExecutionAgentAmount
	case RoleRecommendationAgent:
		return b.RecommendationAgentAmount
	case RoleReferralAgent:
		return b.ReferralAgentAmount
	case RolePlatform:
		return b.PlatformNetAmount
	}
	return 0
}

// Paid reports whether the role's transfer already succeeded.
func (s *Settlement) Paid(role Role) bool {
	t, ok := s.Transfers[role]
	return ok && t.Status == TransferSucceeded
}

// IsFinal reports whether no further status change is possible.
func (s *Settlement) IsFinal() bool {
	return s.Status == StatusRefunded
}

// Metadata is the order context a payment carries. Agent ids mark which
// intermediary roles take part; a role without an id is not paid.
type Metadata struct {
	OrderID                          string `json:"orderId,omitempty"`
	PaymentID                        string `json:"paymentId,omitempty"`
	MerchantID                       string `json:"merchantId,omitempty"`
	MerchantPayoutAccount            string `json:"merchantPayoutAccount,omitempty"`
	ExecutionAgentID                 string `json:"executionAgentId,omitempty"`
	ExecutionAgentPayoutAccount      string `json:"executionAgentPayoutAccount,omitempty"`
	RecommendationAgentID            string `json:"recommendationAgentId,omitempty"`
	RecommendationAgentPayoutAccount string `json:"recommendationAgentPayoutAccount,omitempty"`
	ReferralAgentID                  string `json:"referralAgentId,omitempty"`
	ReferralAgentPayoutAccount       string `json:"referralAgentPayoutAccount,omitempty"`
	ProductType                      string `json:"productType,omitempty"`
}

// PaymentSucceeded is a provider notification that a charge cleared.
type PaymentSucceeded struct {
	EventID          string   `json:"eventId" binding:"required"`
	ChargeID         string   `json:"chargeId" binding:"required"`
	GrossAmountMinor int64    `json:"grossAmountMinor" binding:"required"`
	Currency         string   `json:"currency" binding:"required"`
	Metadata         Metadata `json:"metadata"`
}

// ChargeRefunded is a provider notification that a charge was refunded.
type ChargeRefunded struct {
	EventID             string `json:"eventId,omitempty"`
	ChargeID            string `json:"chargeId" binding:"required"`
	AmountRefundedMinor int64  `json:"amountRefundedMinor,omitempty"`
	Currency            string `json:"currency,omitempty"`
	ProviderRefundID    string `json:"providerRefundId,omitempty"`
	Reason              string `json:"reason,omitempty"`
}

// DisputeCreated is a provider notification that the buyer disputed a charge.
type DisputeCreated struct {
	EventID       string `json:"eventId,omitempty"`
	ChargeID      string `json:"chargeId" binding:"required"`
	DisputeReason string `json:"disputeReason,omitempty"`
}

// Refund states.
const (
	RefundPending    = "pending"
	RefundProcessing = "processing"
	RefundCompleted  = "completed"
	RefundFailed     = "failed"
)

// Refund records a refund of a charge.
type Refund struct {
	ID               string    `json:"id"`
	PaymentID        string    `json:"paymentId,omitempty"`
	ChargeID         string    `json:"chargeId"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
	ProviderRefundID string    `json:"providerRefundId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// RoleTotals sums amounts per role.
type RoleTotals struct {
	Merchant            int64 `json:"merchant"`
	ExecutionAgent      int64 `json:"executionAgent"`
	RecommendationAgent int64 `json:"recommendationAgent"`
	ReferralAgent       int64 `json:"referralAgent"`
	Platform            int64 `json:"platform"`
}

// Add accumulates the shares of one row.
func (t *RoleTotals) Add(s *Settlement) {
	t.Merchant += s.Amount(RoleMerchant)
	t.ExecutionAgent += s.Amount(RoleExecutionAgent)
	t.RecommendationAgent += s.Amount(RoleRecommendationAgent)
	t.ReferralAgent += s.Amount(RoleReferralAgent)
	t.Platform += s.Amount(RolePlatform)
}

// Batch kinds.
const (
	KindScheduled = "scheduled"
	KindManual    = "manual"
	KindRetry     = "retry"
)

// Report summarizes one batch run for reconciliation. TotalsByRole sums the
// rows settled in the run; with mixed currencies use TotalsByCurrency.
type Report struct {
	BatchID          string                `json:"batchId"`
	Kind             string                `json:"kind"`
	Cutoff           time.Time             `json:"cutoff"`
	ProcessedCount   int                   `json:"processedCount"`
	SettledCount     int                   `json:"settledCount"`
	FailedCount      int                   `json:"failedCount"`
	ManualCount      int                   `json:"manualCount"`
	TotalsByRole     RoleTotals            `json:"totalsByRole"`
	TotalsByCurrency map[string]RoleTotals `json:"totalsByCurrency"`
	StartedAt        time.Time             `json:"startedAt"`
	FinishedAt       time.Time             `json:"finishedAt"`
}

// Stats counts ledger rows by status and totals settled gross per currency.
type Stats struct {
	Counts         map[Status]int   `json:"counts"`
	SettledGross   map[string]int64 `json:"settledGross"`
	TotalRows      int              `json:"totalRows"`
	RequiresManual int              `json:"requiresManual"`
}

// PartyTotals is one party's position in one currency.
type PartyTotals struct {
	Currency string `json:"currency"`
	Pending  int64  `json:"pending"`
	Settled  int64  `json:"settled"`
	Failed   int64  `json:"failed"`
	Rows     int    `json:"rows"`
}

// PartySummary is the position of a merchant or agent across all rows.
type PartySummary struct {
	PartyID string        `json:"partyId"`
	Totals  []PartyTotals `json:"totals"`
}

// Store persists ledger rows.
//
// Insert returns ErrAlreadyProcessed when the event id or charge id is
// already recorded. UpdateIfStatus writes s only while the stored status
// equals expected, returning ErrStatusConflict otherwise; it leaves the
// stored transfers alone. RecordTransfer stores one leg regardless of
// status, so money that moved is never forgotten when the row changes under
// the batch, and returns the row's current status.
type Store interface {
	Insert(ctx context.Context, s *Settlement) error
	Get(ctx context.Context, id string) (*Settlement, error)
	GetByEventID(ctx context.Context, eventID string) (*Settlement, error)
	GetByChargeID(ctx context.Context, chargeID string) (*Settlement, error)
	UpdateIfStatus(ctx context.Context, s *Settlement, expected Status) error
	RecordTransfer(ctx context.Context, id string, out *TransferOutcome) (Status, error)
	SetProofID(ctx context.Context, id, proofID string) error
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*Settlement, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Settlement, error)
	Stats(ctx context.Context) (*Stats, error)
	PartySummary(ctx context.Context, partyID string) (*PartySummary, error)
}

// BatchStore persists batch reports.
type BatchStore interface {
	SaveReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, id string) (*Report, error)
	ListReports(ctx context.Context, limit int) ([]*Report, error)
}

// RefundStore persists refund records. CreateRefund returns
// ErrAlreadyProcessed for a provider refund id already recorded.
type RefundStore interface {
	CreateRefund(ctx context.Context, r *Refund) error
	ListRefunds(ctx context.Context, chargeID string) ([]*Refund, error)
}

// Notarizer produces audit proofs of recorded breakdowns.
type Notarizer interface {
	Notarize(ctx context.Context, subjectType, subjectID, correlationID string, payload any) (string, error)
}

// ProofRecord is the notarized description of a ledger row. It is rebuilt
// from the stored row when a proof is verified.
type ProofRecord struct {
	SettlementID        string          `json:"settlementId"`
	EventID             string          `json:"eventId"`
	ChargeID            string          `json:"chargeId"`
	Currency            string          `json:"currency"`
	Breakdown           split.Breakdown `json:"breakdown"`
	Merchant            Party           `json:"merchant"`
	ExecutionAgent      Party           `json:"executionAgent"`
	RecommendationAgent Party           `json:"recommendationAgent"`
	ReferralAgent       Party           `json:"referralAgent"`
}

// Record returns the notarized description of the row.
func (s *Settlement) Record() ProofRecord {
	return ProofRecord{
		SettlementID:        s.ID,
		EventID:             s.EventID,
		ChargeID:            s.ChargeID,
		Currency:            s.Currency,
		Breakdown:           s.Breakdown,
		Merchant:            s.Merchant,
		ExecutionAgent:      s.ExecutionAgent,
		RecommendationAgent: s.RecommendationAgent,
		ReferralAgent:       s.ReferralAgent,
	}
}
