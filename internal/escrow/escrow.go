// Package escrow holds a buyer's funds until a delivery condition releases
// them to the merchant and intermediaries.
//
// Flow:
//  1. Checkout creates the escrow (pending)
//  2. The buyer's payment clears (funded)
//  3. Instant, nft and virtual orders settle immediately (released)
//  4. Otherwise the buyer confirms delivery or an auditor verifies it (released)
//  5. Delivery-confirmed orders nobody confirmed are released by the sweep
//  6. The buyer may dispute a funded escrow (disputed, resolved manually)
//  7. The merchant may refund a funded escrow (refunded)
//
// Every transition is an optimistic compare-and-set on the stored status,
// so concurrent callers on the same escrow cannot both succeed.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/splitpay/internal/split"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrStatusConflict    = errors.New("escrow status does not permit this operation")
	ErrUnauthorized      = errors.New("not authorized for this escrow operation")
	ErrInvalidRequest    = errors.New("invalid escrow request")
	ErrDuplicatePayment  = errors.New("payment already linked to another escrow")
	ErrNotDue            = errors.New("escrow is not due for auto-release")
	ErrNotAutoSettleable = errors.New("escrow order type does not settle automatically")
	ErrNotRefundable     = errors.New("escrow settlement type does not allow refunds")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFunded    Status = "funded"
	StatusConfirmed Status = "confirmed" // release in progress
	StatusDisputed  Status = "disputed"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
)

// OrderType is the kind of goods the escrow protects.
type OrderType string

const (
	OrderNFT      OrderType = "nft"
	OrderVirtual  OrderType = "virtual"
	OrderService  OrderType = "service"
	OrderProduct  OrderType = "product"
	OrderPhysical OrderType = "physical"
)

// SettlementType is the condition that releases the funds.
type SettlementType string

const (
	SettlementInstant           SettlementType = "instant"
	SettlementServiceStarted    SettlementType = "service_started"
	SettlementDeliveryConfirmed SettlementType = "delivery_confirmed"
)

// Release methods recorded on a released escrow.
const (
	MethodBuyerConfirmed = "buyer_confirmed"
	MethodAuditVerified  = "audit_verified"
	MethodAutoRelease    = "auto_release"
	MethodAutoSettle     = "auto_settle"
)

// DefaultAutoReleaseDays applies when neither the request nor config sets one.
const DefaultAutoReleaseDays = 7

// Payout roles of a release.
const (
	RoleMerchant = "merchant"
	RoleAgent    = "agent"
)

// Payout states. A submitted payout went to a rail that cannot deduplicate
// it; it is looked up by Reference on the next release attempt.
const (
	PayoutSucceeded = "succeeded"
	PayoutFailed    = "failed"
	PayoutManual    = "manual"
	PayoutSubmitted = "submitted"
)

// Payout is the latest attempt to pay one role of a release.
type Payout struct {
	Role        string    `json:"role"`
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

// Escrow is one buyer-protected transaction. Amounts are gross minor units.
type Escrow struct {
	ID                    string             `json:"id"`
	PaymentID             string             `json:"paymentId,omitempty"`
	MerchantID            string             `json:"merchantId"`
	BuyerID               string             `json:"buyerId"`
	AgentID               string             `json:"agentId,omitempty"`
	MerchantPayoutAccount string             `json:"merchantPayoutAccount,omitempty"`
	AgentPayoutAccount    string             `json:"agentPayoutAccount,omitempty"`
	Amount                int64              `json:"amount"`
	Currency              string             `json:"currency"`
	CommissionRate        *decimal.Decimal   `json:"commissionRate,omitempty"`
	Commission            *split.Commission  `json:"commission,omitempty"`
	OrderType             OrderType          `json:"orderType"`
	SettlementType        SettlementType     `json:"settlementType"`
	AutoReleaseDays       int                `json:"autoReleaseDays"`
	Status                Status             `json:"status"`
	FundingRef            string             `json:"fundingRef,omitempty"`
	DisputeReason         string             `json:"disputeReason,omitempty"`
	ReleaseMethod         string             `json:"releaseMethod,omitempty"`
	ReleaseDetails        *split.Release     `json:"releaseDetails,omitempty"`
	ProofID               string             `json:"proofId,omitempty"`
	Payouts               map[string]*Payout `json:"payouts,omitempty"`
	FundedAt              *time.Time         `json:"fundedAt,omitempty"`
	ConfirmedAt           *time.Time         `json:"confirmedAt,omitempty"`
	ReleasedAt            *time.Time         `json:"releasedAt,omitempty"`
	RefundedAt            *time.Time         `json:"refundedAt,omitempty"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
}

// Paid reports whether the role's payout already succeeded.
func (e *Escrow) Paid(role string) bool {
	p, ok := e.Payouts[role]
	return ok && p.Status == PayoutSucceeded
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// PartyIDs lists the merchant, buyer and agent without duplicates.
func (e *Escrow) PartyIDs() []string {
	ids := []string{e.MerchantID}
	if e.BuyerID != "" && e.BuyerID != e.MerchantID {
		ids = append(ids, e.BuyerID)
	}
	if e.AgentID != "" && e.AgentID != e.MerchantID && e.AgentID != e.BuyerID {
		ids = append(ids, e.AgentID)
	}
	return ids
}

// AutoReleaseAt is when an unconfirmed delivery-confirmed escrow becomes due.
func (e *Escrow) AutoReleaseAt() time.Time {
	return e.CreatedAt.AddDate(0, 0, e.AutoReleaseDays)
}

// RequiresDeliveryConfirmation reports whether the sweep may release it.
func (e *Escrow) RequiresDeliveryConfirmation() bool {
	return e.SettlementType == SettlementDeliveryConfirmed
}

// AutoSettles reports whether funding releases the escrow immediately.
func (e *Escrow) AutoSettles() bool {
	return e.SettlementType == SettlementInstant || e.OrderType == OrderNFT || e.OrderType == OrderVirtual
}

// ValidOrderType reports whether t is a known order type.
func ValidOrderType(t OrderType) bool {
	switch t {
	case OrderNFT, OrderVirtual, OrderService, OrderProduct, OrderPhysical:
		return true
	}
	return false
}

// ValidSettlementType reports whether t is a known settlement type.
func ValidSettlementType(t SettlementType) bool {
	switch t {
	case SettlementInstant, SettlementServiceStarted, SettlementDeliveryConfirmed:
		return true
	}
	return false
}

// DefaultTerms returns the standard commission and settlement condition for
// an order type: on-chain assets settle instantly, services once started,
// everything else on confirmed delivery.
func DefaultTerms(t OrderType) (split.Commission, SettlementType) {
	switch t {
	case OrderNFT, OrderVirtual:
		return commission("0.97", "0.022", "0.008"), SettlementInstant
	case OrderService:
		return commission("0.95", "0.037", "0.013"), SettlementServiceStarted
	default:
		return commission("0.97", "0.022", "0.008"), SettlementDeliveryConfirmed
	}
}

func commission(merchant, agent, platform string) split.Commission {
	return split.Commission{
		Merchant: decimal.RequireFromString(merchant),
		Agent:    decimal.RequireFromString(agent),
		Platform: decimal.RequireFromString(platform),
	}
}

// Store persists escrows. UpdateIfStatus writes e only if the stored status
// still equals expected, returning ErrStatusConflict otherwise; it never
// touches payouts. RecordPayout stores one payout whatever the status and
// returns the status it found.
//
// ListDueForAutoRelease returns the least recently updated escrows first,
// so an escrow whose release keeps failing moves behind the others.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*Escrow, error)
	UpdateIfStatus(ctx context.Context, e *Escrow, expected Status) error
	RecordPayout(ctx context.Context, id string, p *Payout) (Status, error)
	ListDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
	ListByParty(ctx context.Context, partyID string, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
}

// Releaser moves the released amounts to their recipients.
type Releaser interface {
	Release(ctx context.Context, e *Escrow, r split.Release) error
}

// Notarizer produces audit proofs of releases.
type Notarizer interface {
	Notarize(ctx context.Context, subjectType, subjectID, correlationID string, payload any) (string, error)
}

// CreateRequest contains the parameters for creating an escrow. Amount is a
// decimal string in major units ("50.00").
type CreateRequest struct {
	PaymentID             string            `json:"paymentId"`
	MerchantID            string            `json:"merchantId" binding:"required"`
	BuyerID               string            `json:"buyerId"`
	AgentID               string            `json:"agentId"`
	MerchantPayoutAccount string            `json:"merchantPayoutAccount"`
	AgentPayoutAccount    string            `json:"agentPayoutAccount"`
	Amount                string            `json:"amount" binding:"required"`
	Currency              string            `json:"currency" binding:"required"`
	CommissionRate        *decimal.Decimal  `json:"commissionRate"`
	Commission            *split.Commission `json:"commission"`
	OrderType             OrderType         `json:"orderType"`
	SettlementType        SettlementType    `json:"settlementType"`
	AutoReleaseDays       int               `json:"autoReleaseDays"`
}

// DisputeRequest carries the buyer's objection.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// FundRequest carries the reference of the cleared payment.
type FundRequest struct {
	TxRef string `json:"txRef" binding:"required"`
}

// RefundRequest carries the merchant's reason.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// ReleaseRecord is the notarized description of a release.
type ReleaseRecord struct {
	EscrowID       string        `json:"escrowId"`
	PaymentID      string        `json:"paymentId,omitempty"`
	MerchantID     string        `json:"merchantId"`
	AgentID        string        `json:"agentId,omitempty"`
	Amount         int64         `json:"amount"`
	Currency       string        `json:"currency"`
	Method         string        `json:"method"`
	ReleaseDetails split.Release `json:"releaseDetails"`
}

// Record returns the release record of a released escrow.
func (e *Escrow) Record() (*ReleaseRecord, error) {
	if e.Status != StatusReleased || e.ReleaseDetails == nil {
		return nil, ErrStatusConflict
	}
	return &ReleaseRecord{
		EscrowID:       e.ID,
		PaymentID:      e.PaymentID,
		MerchantID:     e.MerchantID,
		AgentID:        e.AgentID,
		Amount:         e.Amount,
		Currency:       e.Currency,
		Method:         e.ReleaseMethod,
		ReleaseDetails: *e.ReleaseDetails,
	}, nil
}

// SweepResult counts the outcome of one auto-release sweep.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Released int `json:"released"`
	Failed   int `json:"failed"`
}
