package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/splitpay/internal/events"
	"github.com/mbd888/splitpay/internal/idgen"
	"github.com/mbd888/splitpay/internal/logging"
	"github.com/mbd888/splitpay/internal/money"
	"github.com/mbd888/splitpay/internal/split"
	"github.com/mbd888/splitpay/internal/traces"
	"github.com/mbd888/splitpay/internal/validation"
)

// defaultSweepBatch bounds how many due escrows one sweep loads.
const defaultSweepBatch = 500

// Service implements the escrow state machine.
type Service struct {
	store           Store
	releaser        Releaser
	notary          Notarizer
	events          *events.Emitter
	logger          *slog.Logger
	now             func() time.Time
	autoReleaseDays int
	sweepBatch      int
}

// NewService creates a new escrow service. Without a releaser, releases
// only record the split; payouts are then made out of band.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:           store,
		logger:          logging.Component(logger, "escrow"),
		now:             time.Now,
		autoReleaseDays: DefaultAutoReleaseDays,
		sweepBatch:      defaultSweepBatch,
	}
}

// WithReleaser sets the payout step run on release.
func (s *Service) WithReleaser(r Releaser) *Service {
	s.releaser = r
	return s
}

// WithNotary adds audit proofs for releases.
func (s *Service) WithNotary(n Notarizer) *Service {
	s.notary = n
	return s
}

// WithEvents adds domain event publishing.
func (s *Service) WithEvents(em *events.Emitter) *Service {
	s.events = em
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithAutoReleaseDays sets the default auto-release window.
func (s *Service) WithAutoReleaseDays(days int) *Service {
	if days > 0 {
		s.autoReleaseDays = days
	}
	return s
}

// WithSweepBatch sets how many due escrows one sweep loads.
func (s *Service) WithSweepBatch(n int) *Service {
	if n > 0 {
		s.sweepBatch = n
	}
	return s
}

// Create validates the request and stores a pending escrow.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	currency := money.NormalizeCurrency(req.Currency)
	if errs := validation.Validate(
		validation.Required("merchantId", req.MerchantID),
		validation.Required("buyerId", req.BuyerID),
		validation.Currency("currency", currency),
		validation.PayoutAccount("merchantPayoutAccount", req.MerchantPayoutAccount),
		validation.PayoutAccount("agentPayoutAccount", req.AgentPayoutAccount),
		validation.PartyPair("agentPayoutAccount", req.AgentID, req.AgentPayoutAccount),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, errs.Error())
	}
	if req.BuyerID == req.MerchantID {
		return nil, fmt.Errorf("%w: buyer and merchant must differ", ErrInvalidRequest)
	}

	amount, err := money.ParseMinor(req.Amount, currency)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", ErrInvalidRequest, err)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	orderType := req.OrderType
	if orderType == "" {
		orderType = OrderProduct
	}
	if !ValidOrderType(orderType) {
		return nil, fmt.Errorf("%w: unknown order type %q", ErrInvalidRequest, orderType)
	}
	defaultCommission, settlementType := DefaultTerms(orderType)
	if req.SettlementType != "" {
		settlementType = req.SettlementType
	}
	if !ValidSettlementType(settlementType) {
		return nil, fmt.Errorf("%w: unknown settlement type %q", ErrInvalidRequest, settlementType)
	}

	commission := req.Commission
	if commission == nil && req.CommissionRate == nil {
		commission = &defaultCommission
	}
	// Computing a release now rejects bad terms at creation, not at release.
	if _, err := split.EscrowRelease(amount, commission, req.CommissionRate); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	days := req.AutoReleaseDays
	if days < 0 {
		return nil, fmt.Errorf("%w: autoReleaseDays must not be negative", ErrInvalidRequest)
	}
	if days == 0 {
		days = s.autoReleaseDays
	}

	now := s.now().UTC()
	e := &Escrow{
		ID:                    idgen.WithPrefix(idgen.PrefixEscrow),
		PaymentID:             req.PaymentID,
		MerchantID:            req.MerchantID,
		BuyerID:               req.BuyerID,
		AgentID:               req.AgentID,
		MerchantPayoutAccount: req.MerchantPayoutAccount,
		AgentPayoutAccount:    req.AgentPayoutAccount,
		Amount:                amount,
		Currency:              currency,
		CommissionRate:        req.CommissionRate,
		Commission:            commission,
		OrderType:             orderType,
		SettlementType:        settlementType,
		AutoReleaseDays:       days,
		Status:                StatusPending,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.logger.Info("escrow created",
		"escrowId", e.ID,
		"merchantId", e.MerchantID,
		"orderType", e.OrderType,
		logging.Amount("amount", e.Amount, e.Currency))
	return e, nil
}

// LinkPayment attaches the payment id to a pending escrow.
func (s *Service) LinkPayment(ctx context.Context, id, paymentID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return nil, ErrStatusConflict
	}
	e.PaymentID = paymentID
	e.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateIfStatus(ctx, e, StatusPending); err != nil {
		return nil, err
	}
	return e, nil
}

// Fund records that the buyer's payment cleared. Instant, nft and virtual
// orders are released immediately; if that release fails the escrow stays
// funded and the error is logged.
func (s *Service) Fund(ctx context.Context, id, txRef string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return nil, ErrStatusConflict
	}

	now := s.now().UTC()
	e.Status = StatusFunded
	e.FundingRef = txRef
	e.FundedAt = &now
	e.UpdatedAt = now
	if err := s.store.UpdateIfStatus(ctx, e, StatusPending); err != nil {
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(StatusFunded)).Inc()
	s.events.Emit(ctx, events.EscrowFunded, e.ID, e)
	s.logger.Info("escrow funded", "escrowId", e.ID, "fundingRef", txRef)

	if e.AutoSettles() {
		released, err := s.release(ctx, e, MethodAutoSettle)
		if err != nil {
			s.logger.Error("auto-settle failed", "escrowId", e.ID, "error", err)
			return e, nil
		}
		return released, nil
	}
	return e, nil
}

// ConfirmDelivery releases a funded escrow on the buyer's confirmation.
func (s *Service) ConfirmDelivery(ctx context.Context, id, buyerID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.BuyerID != buyerID {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusFunded {
		return nil, ErrStatusConflict
	}
	return s.release(ctx, e, MethodBuyerConfirmed)
}

// VerifyRelease releases a funded escrow after an auditor has verified
// delivery.
func (s *Service) VerifyRelease(ctx context.Context, id, auditorID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusFunded {
		return nil, ErrStatusConflict
	}
	s.logger.Info("release verified by auditor", "escrowId", id, "auditor", auditorID)
	return s.release(ctx, e, MethodAuditVerified)
}

// AutoSettleByOrderType releases a funded escrow whose terms settle without
// waiting for the buyer.
func (s *Service) AutoSettleByOrderType(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.AutoSettles() {
		return nil, ErrNotAutoSettleable
	}
	if e.Status != StatusFunded {
		return nil, ErrStatusConflict
	}
	return s.release(ctx, e, MethodAutoSettle)
}

// AutoRelease releases a funded delivery-confirmed escrow once its
// auto-release deadline has passed.
func (s *Service) AutoRelease(ctx context.Context, id string, now time.Time) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusFunded {
		return nil, ErrStatusConflict
	}
	if !e.RequiresDeliveryConfirmation() || now.Before(e.AutoReleaseAt()) {
		return nil, ErrNotDue
	}
	return s.release(ctx, e, MethodAutoRelease)
}

// Dispute records the buyer's objection. Disputed escrows are resolved
// manually and never released automatically.
func (s *Service) Dispute(ctx context.Context, id, buyerID, reason string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.BuyerID != buyerID {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusFunded {
		return nil, ErrStatusConflict
	}

	e.Status = StatusDisputed
	e.DisputeReason = validation.SanitizeString(reason, validation.MaxStringLength)
	e.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateIfStatus(ctx, e, StatusFunded); err != nil {
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.events.Emit(ctx, events.EscrowDisputed, e.ID, e)
	s.logger.Info("escrow disputed", "escrowId", e.ID, "buyerId", buyerID)
	return e, nil
}

// Refund returns a funded escrow to the buyer at the merchant's request.
func (s *Service) Refund(ctx context.Context, id, merchantID, reason string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.MerchantID != merchantID {
		return nil, ErrUnauthorized
	}
	if e.SettlementType == SettlementInstant {
		return nil, ErrNotRefundable
	}
	if e.Status != StatusFunded {
		return nil, ErrStatusConflict
	}

	now := s.now().UTC()
	e.Status = StatusRefunded
	e.RefundedAt = &now
	e.UpdatedAt = now
	if reason != "" {
		e.DisputeReason = validation.SanitizeString(reason, validation.MaxStringLength)
	}
	if err := s.store.UpdateIfStatus(ctx, e, StatusFunded); err != nil {
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	s.events.Emit(ctx, events.EscrowRefunded, e.ID, e)
	s.logger.Info("escrow refunded", "escrowId", e.ID, logging.Amount("amount", e.Amount, e.Currency))
	return e, nil
}

// SweepAutoRelease releases due escrows independently, least recently
// touched first. One escrow's failure never stops the others, and since a
// failed release is put back with a fresh update time, escrows that keep
// failing cannot crowd the rest out of a sweep. A status conflict (someone
// else moved the escrow first) is not counted as a failure.
func (s *Service) SweepAutoRelease(ctx context.Context, now time.Time) (SweepResult, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	due, err := s.store.ListDueForAutoRelease(ctx, now, s.sweepBatch)
	if err != nil {
		return SweepResult{}, fmt.Errorf("escrow: list due: %w", err)
	}

	res := SweepResult{Scanned: len(due)}
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.AutoRelease(ctx, e.ID, now); err != nil {
			if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrNotDue) {
				continue
			}
			res.Failed++
			s.logger.Warn("auto-release failed", "escrowId", e.ID, "error", err)
			continue
		}
		res.Released++
	}
	return res, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByPaymentID returns the escrow linked to a payment.
func (s *Service) GetByPaymentID(ctx context.Context, paymentID string) (*Escrow, error) {
	return s.store.GetByPaymentID(ctx, paymentID)
}

// ListByParty returns escrows where partyID is the buyer, merchant or agent.
func (s *Service) ListByParty(ctx context.Context, partyID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, strings.TrimSpace(partyID), limit)
}

// ReleasePayload loads the current release record of an escrow. It is the
// notary resolver for escrow proofs.
func (s *Service) ReleasePayload(ctx context.Context, id string) (any, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Record()
}

// release moves a funded escrow to released.
//
// The escrow is first claimed with funded → confirmed, so a concurrent
// caller loses with ErrStatusConflict. The payout then runs; on failure the
// claim is reverted to funded, keeping the payouts that already went out so
// the next attempt skips them. Only after the payout succeeds is the escrow
// marked released with its split.
func (s *Service) release(ctx context.Context, e *Escrow, method string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.EscrowID(e.ID))
	defer span.End()
	span.SetAttributes(traces.AmountMinor(e.Amount, e.Currency)...)

	r, err := split.EscrowRelease(e.Amount, e.Commission, e.CommissionRate)
	if err != nil {
		traces.RecordError(span, err)
		if errors.Is(err, split.ErrInvariantViolation) {
			s.logger.Error("release split does not reconcile", "escrowId", e.ID, "error", err)
		}
		return nil, fmt.Errorf("escrow: compute release: %w", err)
	}

	now := s.now().UTC()
	claimed := *e
	claimed.Status = StatusConfirmed
	claimed.ConfirmedAt = &now
	claimed.UpdatedAt = now
	if err := s.store.UpdateIfStatus(ctx, &claimed, StatusFunded); err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(StatusConfirmed)).Inc()

	if s.releaser != nil {
		if err := s.releaser.Release(ctx, &claimed, r); err != nil {
			releaseFailures.Inc()
			traces.RecordError(span, err)
			s.revertClaim(ctx, &claimed)
			return nil, fmt.Errorf("escrow: release %s: %w", e.ID, err)
		}
	}

	released := claimed
	released.Status = StatusReleased
	released.ReleaseDetails = &r
	released.ReleaseMethod = method
	released.ReleasedAt = &now
	released.UpdatedAt = now
	if err := s.store.UpdateIfStatus(ctx, &released, StatusConfirmed); err != nil {
		// Funds have moved; retry once and leave the escrow confirmed for
		// manual resolution if the write still fails.
		if retryErr := s.store.UpdateIfStatus(ctx, &released, StatusConfirmed); retryErr != nil {
			s.logger.Error("escrow released but status update failed",
				"escrowId", e.ID, "merchantId", e.MerchantID, "error", retryErr)
			return nil, fmt.Errorf("escrow: record release of %s (requires manual resolution): %w", e.ID, retryErr)
		}
	}
	transitionsTotal.WithLabelValues(string(StatusReleased)).Inc()

	s.notarize(ctx, &released)
	s.events.Emit(ctx, events.EscrowReleased, released.ID, &released)
	s.logger.Info("escrow released",
		"escrowId", released.ID,
		"method", method,
		logging.Amount("merchantAmount", r.MerchantAmount, released.Currency),
		logging.Amount("agentAmount", r.AgentAmount, released.Currency),
		logging.Amount("platformAmount", r.PlatformAmount, released.Currency))
	return &released, nil
}

func (s *Service) revertClaim(ctx context.Context, claimed *Escrow) {
	reverted := *claimed
	reverted.Status = StatusFunded
	reverted.ConfirmedAt = nil
	reverted.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateIfStatus(ctx, &reverted, StatusConfirmed); err != nil {
		s.logger.Error("failed to revert release claim", "escrowId", claimed.ID, "error", err)
	}
}

// notarize records a proof of the release. Failures are logged only.
func (s *Service) notarize(ctx context.Context, e *Escrow) {
	if s.notary == nil {
		return
	}
	record, err := e.Record()
	if err != nil {
		return
	}
	proofID, err := s.notary.Notarize(ctx, "escrow", e.ID, e.ID, record)
	if err != nil {
		s.logger.Warn("release notarization failed", "escrowId", e.ID, "error", err)
		return
	}
	e.ProofID = proofID
	if err := s.store.UpdateIfStatus(ctx, e, StatusReleased); err != nil {
		s.logger.Warn("failed to store release proof id", "escrowId", e.ID, "proofId", proofID, "error", err)
	}
}
