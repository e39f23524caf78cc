package settlement

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

// SubjectType is the notary subject type of ledger rows.
const SubjectType = "settlement"

// Ingestor turns provider notifications into ledger rows.
//
// Recording a payment has three separate steps: compute the split (pure),
// insert the row (durable, idempotent), then notarize it (best effort).
type Ingestor struct {
	store   Store
	refunds RefundStore
	notary  Notarizer
	events  *events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewIngestor creates an ingestor over a ledger store.
func NewIngestor(store Store, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:  store,
		logger: logging.Component(logger, "settlement.ingest"),
		now:    time.Now,
	}
}

// WithRefunds records a Refund for every refund notification.
func (in *Ingestor) WithRefunds(r RefundStore) *Ingestor {
	in.refunds = r
	return in
}

// WithNotary adds audit proofs for recorded rows.
func (in *Ingestor) WithNotary(n Notarizer) *Ingestor {
	in.notary = n
	return in
}

// WithEvents adds domain event publishing.
func (in *Ingestor) WithEvents(em *events.Emitter) *Ingestor {
	in.events = em
	return in
}

// WithClock replaces the time source.
func (in *Ingestor) WithClock(now func() time.Time) *Ingestor {
	in.now = now
	return in
}

// IngestPaymentSucceeded records the ledger row for a cleared charge.
//
// A notification whose event id or charge id is already recorded returns
// the existing row together with ErrAlreadyProcessed. Invalid input and
// splits that do not reconcile are rejected before anything is written.
func (in *Ingestor) IngestPaymentSucceeded(ctx context.Context, n PaymentSucceeded) (*Settlement, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ingest",
		traces.EventID(n.EventID), traces.ChargeID(n.ChargeID))
	defer span.End()

	if existing, err := in.existing(ctx, n.EventID, n.ChargeID); err != nil || existing != nil {
		if existing != nil {
			ingestTotal.WithLabelValues("duplicate").Inc()
			in.logger.Info("payment notification already processed",
				"eventId", n.EventID, "chargeId", n.ChargeID, "settlementId", existing.ID)
			return existing, ErrAlreadyProcessed
		}
		traces.RecordError(span, err)
		return nil, err
	}

	s, err := in.build(n)
	if err != nil {
		ingestTotal.WithLabelValues(outcomeOf(err)).Inc()
		traces.RecordError(span, err)
		if errors.Is(err, split.ErrInvariantViolation) {
			in.logger.Error("split does not reconcile, notification rejected",
				"eventId", n.EventID, "chargeId", n.ChargeID, "error", err)
		}
		return nil, err
	}
	span.SetAttributes(traces.SettlementID(s.ID))
	span.SetAttributes(traces.AmountMinor(s.Breakdown.GrossAmount, s.Currency)...)

	if err := in.store.Insert(ctx, s); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			// Lost the race to a concurrent delivery of the same charge.
			ingestTotal.WithLabelValues("duplicate").Inc()
			existing, _ := in.existing(ctx, n.EventID, n.ChargeID)
			return existing, ErrAlreadyProcessed
		}
		ingestTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("settlement: insert %s: %w", n.ChargeID, err)
	}
	ingestTotal.WithLabelValues("recorded").Inc()

	in.logger.Info("settlement recorded",
		"settlementId", s.ID,
		"chargeId", s.ChargeID,
		"productType", s.Breakdown.ProductType,
		logging.Amount("gross", s.Breakdown.GrossAmount, s.Currency),
		logging.Amount("merchant", s.Breakdown.MerchantAmount, s.Currency))

	in.notarize(ctx, s)
	in.events.Emit(ctx, events.SettlementRecorded, s.ID, s)
	return s, nil
}

// existing returns the row already recorded for the event or charge id, or
// nil when neither is known.
func (in *Ingestor) existing(ctx context.Context, eventID, chargeID string) (*Settlement, error) {
	if eventID != "" {
		s, err := in.store.GetByEventID(ctx, eventID)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrSettlementNotFound) {
			return nil, err
		}
	}
	if chargeID != "" {
		s, err := in.store.GetByChargeID(ctx, chargeID)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrSettlementNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// build validates a notification and computes its row without touching
// the store.
func (in *Ingestor) build(n PaymentSucceeded) (*Settlement, error) {
	md := n.Metadata
	currency := money.NormalizeCurrency(n.Currency)
	if errs := validation.Validate(
		validation.Required("eventId", n.EventID),
		validation.Required("chargeId", n.ChargeID),
		validation.PositiveMinor("grossAmountMinor", n.GrossAmountMinor),
		validation.Currency("currency", currency),
		validation.PayoutAccount("merchantPayoutAccount", md.MerchantPayoutAccount),
		validation.PayoutAccount("executionAgentPayoutAccount", md.ExecutionAgentPayoutAccount),
		validation.PayoutAccount("recommendationAgentPayoutAccount", md.RecommendationAgentPayoutAccount),
		validation.PayoutAccount("referralAgentPayoutAccount", md.ReferralAgentPayoutAccount),
		validation.PartyPair("merchantPayoutAccount", md.MerchantID, md.MerchantPayoutAccount),
		validation.PartyPair("executionAgentPayoutAccount", md.ExecutionAgentID, md.ExecutionAgentPayoutAccount),
		validation.PartyPair("recommendationAgentPayoutAccount", md.RecommendationAgentID, md.RecommendationAgentPayoutAccount),
		validation.PartyPair("referralAgentPayoutAccount", md.ReferralAgentID, md.ReferralAgentPayoutAccount),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidNotification, errs.Error())
	}

	roles := split.Roles{
		ExecutionAgent:      strings.TrimSpace(md.ExecutionAgentID) != "",
		RecommendationAgent: strings.TrimSpace(md.RecommendationAgentID) != "",
		ReferralAgent:       strings.TrimSpace(md.ReferralAgentID) != "",
	}
	b, err := split.Compute(n.GrossAmountMinor, md.ProductType, roles)
	if err != nil {
		if errors.Is(err, split.ErrInvariantViolation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	now := in.now().UTC()
	return &Settlement{
		ID:                  idgen.WithPrefix(idgen.PrefixSettlement),
		EventID:             n.EventID,
		ChargeID:            n.ChargeID,
		PaymentID:           md.PaymentID,
		OrderID:             md.OrderID,
		Currency:            currency,
		Breakdown:           b,
		Merchant:            Party{ID: md.MerchantID, PayoutAccount: md.MerchantPayoutAccount},
		ExecutionAgent:      Party{ID: md.ExecutionAgentID, PayoutAccount: md.ExecutionAgentPayoutAccount},
		RecommendationAgent: Party{ID: md.RecommendationAgentID, PayoutAccount: md.RecommendationAgentPayoutAccount},
		ReferralAgent:       Party{ID: md.ReferralAgentID, PayoutAccount: md.ReferralAgentPayoutAccount},
		Status:              StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// notarize records a proof of the breakdown. Failures are logged only; the
// row is already durable.
func (in *Ingestor) notarize(ctx context.Context, s *Settlement) {
	if in.notary == nil {
		return
	}
	proofID, err := in.notary.Notarize(ctx, SubjectType, s.ID, s.ChargeID, s.Record())
	if err != nil {
		notaryFailures.Inc()
		in.logger.Warn("settlement notarization failed", "settlementId", s.ID, "error", err)
		return
	}
	if err := in.store.SetProofID(ctx, s.ID, proofID); err != nil {
		in.logger.Warn("failed to store proof id", "settlementId", s.ID, "proofId", proofID, "error", err)
		return
	}
	s.ProofID = proofID
}

// MarkRefunded flips the row of a refunded charge to refunded and records
// the refund. Refunded is final. A repeated notification returns
// ErrAlreadyProcessed; a further partial refund (new provider refund id) of
// an already refunded row is recorded without a status change.
func (in *Ingestor) MarkRefunded(ctx context.Context, n ChargeRefunded) (*Settlement, error) {
	s, err := in.transition(ctx, n.ChargeID, StatusRefunded, func(s *Settlement) {
		if n.Reason != "" {
			s.Annotation = validation.SanitizeString("refunded: "+n.Reason, validation.MaxStringLength)
		}
	})
	already := errors.Is(err, ErrAlreadyProcessed)
	if err != nil && !already {
		return nil, err
	}
	if in.refunds == nil || (already && n.ProviderRefundID == "") {
		return s, err
	}

	amount := n.AmountRefundedMinor
	if amount <= 0 {
		amount = s.Breakdown.GrossAmount
	}
	currency := s.Currency
	if n.Currency != "" {
		currency = money.NormalizeCurrency(n.Currency)
	}
	now := in.now().UTC()
	refund := &Refund{
		ID:               idgen.WithPrefix(idgen.PrefixRefund),
		PaymentID:        s.PaymentID,
		ChargeID:         s.ChargeID,
		Amount:           amount,
		Currency:         currency,
		Status:           RefundCompleted,
		Reason:           validation.SanitizeString(n.Reason, validation.MaxStringLength),
		ProviderRefundID: n.ProviderRefundID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := in.refunds.CreateRefund(ctx, refund); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return s, ErrAlreadyProcessed
		}
		return s, fmt.Errorf("settlement: record refund for %s: %w", n.ChargeID, err)
	}
	return s, nil
}

// MarkDisputed flips the row of a disputed charge to disputed.
func (in *Ingestor) MarkDisputed(ctx context.Context, n DisputeCreated) (*Settlement, error) {
	return in.transition(ctx, n.ChargeID, StatusDisputed, func(s *Settlement) {
		if n.DisputeReason != "" {
			s.Annotation = validation.SanitizeString("disputed: "+n.DisputeReason, validation.MaxStringLength)
		}
	})
}

// transition moves the row of chargeID to a side state from any non-final
// status. A row already in the target state returns ErrAlreadyProcessed. A
// concurrent batch may change the row between read and write, so conflicts
// are retried against the fresh status.
func (in *Ingestor) transition(ctx context.Context, chargeID string, to Status, annotate func(*Settlement)) (*Settlement, error) {
	if strings.TrimSpace(chargeID) == "" {
		return nil, fmt.Errorf("%w: chargeId is required", ErrInvalidNotification)
	}

	for attempt := 0; attempt < 3; attempt++ {
		s, err := in.store.GetByChargeID(ctx, chargeID)
		if err != nil {
			return nil, err
		}
		if s.Status == to {
			return s, ErrAlreadyProcessed
		}
		if s.IsFinal() {
			return s, ErrStatusConflict
		}

		from := s.Status
		s.Status = to
		s.UpdatedAt = in.now().UTC()
		annotate(s)
		err = in.store.UpdateIfStatus(ctx, s, from)
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		statusChanges.WithLabelValues(string(to)).Inc()
		typ := events.SettlementDisputed
		if to == StatusRefunded {
			typ = events.SettlementRefunded
		}
		in.events.Emit(ctx, typ, s.ID, s)
		in.logger.Info("settlement status changed by provider",
			"settlementId", s.ID, "chargeId", chargeID, "from", from, "to", to)
		return s, nil
	}
	return nil, fmt.Errorf("settlement: %s kept changing: %w", chargeID, ErrStatusConflict)
}

// SettlementPayload rebuilds the notarized record of a row. It is the
// notary resolver for settlement proofs.
func (in *Ingestor) SettlementPayload(ctx context.Context, id string) (any, error) {
	s, err := in.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Record(), nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, split.ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrInvalidNotification):
		return "invalid"
	}
	return "error"
}
