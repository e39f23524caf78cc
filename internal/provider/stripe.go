// Package provider receives payment-provider webhooks and turns them into
// settlement ledger notifications.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/splitpay/internal/logging"
	"github.com/mbd888/splitpay/internal/metrics"
	"github.com/mbd888/splitpay/internal/settlement"
	"github.com/mbd888/splitpay/internal/split"
)

// maxBodyBytes bounds a webhook payload. Stripe events are well below it.
const maxBodyBytes = 65536

// Ledger is the part of the settlement ingestor the webhook drives.
type Ledger interface {
	IngestPaymentSucceeded(ctx context.Context, n settlement.PaymentSucceeded) (*settlement.Settlement, error)
	MarkRefunded(ctx context.Context, n settlement.ChargeRefunded) (*settlement.Settlement, error)
	MarkDisputed(ctx context.Context, n settlement.DisputeCreated) (*settlement.Settlement, error)
}

// Outcome of handling one provider event.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeIdempotent Outcome = "idempotent"
	OutcomeIgnored    Outcome = "ignored"
)

// StripeWebhook verifies and dispatches Stripe events.
type StripeWebhook struct {
	ledger Ledger
	secret string
	logger *slog.Logger
}

// NewStripeWebhook creates a webhook receiver. An empty secret disables
// the endpoint.
func NewStripeWebhook(ledger Ledger, secret string, logger *slog.Logger) *StripeWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhook{
		ledger: ledger,
		secret: secret,
		logger: logging.Component(logger, "provider.stripe"),
	}
}

// RegisterRoutes sets up the webhook route. It must not sit behind actor or
// admin middleware: Stripe authenticates with the signature header.
func (h *StripeWebhook) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.HandleWebhook)
}

// HandleWebhook handles POST /v1/webhooks/stripe
func (h *StripeWebhook) HandleWebhook(c *gin.Context) {
	if h.secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "webhook_disabled",
			"message": "STRIPE_WEBHOOK_SECRET is not configured",
		})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil || len(payload) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "invalid_request",
			"message": "webhook payload too large or unreadable",
		})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.ProviderWebhooksTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		h.logger.Warn("stripe webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "webhook signature verification failed",
		})
		return
	}

	ctx := c.Request.Context()
	outcome, err := h.Dispatch(ctx, event)
	typ := string(event.Type)
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrInvalidNotification):
			metrics.ProviderWebhooksTotal.WithLabelValues(typ, "invalid").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_notification", "message": err.Error()})
		case errors.Is(err, split.ErrInvariantViolation):
			metrics.ProviderWebhooksTotal.WithLabelValues(typ, "invariant_violation").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "invariant_violation", "message": err.Error()})
		default:
			metrics.ProviderWebhooksTotal.WithLabelValues(typ, "error").Inc()
			h.logger.Error("stripe webhook processing failed", "eventId", event.ID, "type", typ, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "webhook processing failed"})
		}
		return
	}

	metrics.ProviderWebhooksTotal.WithLabelValues(typ, string(outcome)).Inc()
	resp := gin.H{"received": true}
	switch outcome {
	case OutcomeIdempotent:
		resp["idempotent"] = true
	case OutcomeIgnored:
		resp["ignored"] = true
	}
	c.JSON(http.StatusOK, resp)
}

// Dispatch routes a verified event to the ledger. State conflicts and
// events for charges the ledger never recorded are acknowledged without
// error so the provider stops redelivering them.
func (h *StripeWebhook) Dispatch(ctx context.Context, event stripe.Event) (Outcome, error) {
	log := h.logger.With("eventId", event.ID, "type", string(event.Type))

	var err error
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := decode(event, &pi); err != nil {
			return "", err
		}
		_, err = h.ledger.IngestPaymentSucceeded(ctx, PaymentSucceeded(event.ID, &pi))

	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := decode(event, &ch); err != nil {
			return "", err
		}
		_, err = h.ledger.MarkRefunded(ctx, ChargeRefunded(event.ID, &ch))

	case stripe.EventTypeChargeDisputeCreated:
		var d stripe.Dispute
		if err := decode(event, &d); err != nil {
			return "", err
		}
		_, err = h.ledger.MarkDisputed(ctx, DisputeCreated(event.ID, &d))

	case stripe.EventTypePaymentIntentPaymentFailed, stripe.EventTypePaymentIntentCanceled:
		var pi stripe.PaymentIntent
		if err := decode(event, &pi); err == nil {
			log.Info("payment did not complete, nothing to settle", "chargeId", pi.ID, "status", string(pi.Status))
		}
		return OutcomeIgnored, nil

	default:
		log.Debug("unhandled stripe event type")
		return OutcomeIgnored, nil
	}

	switch {
	case err == nil:
		return OutcomeApplied, nil
	case errors.Is(err, settlement.ErrAlreadyProcessed):
		return OutcomeIdempotent, nil
	case errors.Is(err, settlement.ErrSettlementNotFound):
		log.Warn("provider event for an unknown charge", "error", err)
		return OutcomeIgnored, nil
	case errors.Is(err, settlement.ErrStatusConflict):
		log.Warn("provider event conflicts with ledger state", "error", err)
		return OutcomeIgnored, nil
	}
	return "", err
}

func decode(event stripe.Event, v any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: event %s has no data object", settlement.ErrInvalidNotification, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", settlement.ErrInvalidNotification, event.Type, err)
	}
	return nil
}

// PaymentSucceeded maps a succeeded PaymentIntent to a ledger notification.
// The payment intent id is the ledger's charge id.
func PaymentSucceeded(eventID string, pi *stripe.PaymentIntent) settlement.PaymentSucceeded {
	md := pi.Metadata
	amount := pi.AmountReceived
	if amount <= 0 {
		amount = pi.Amount
	}
	return settlement.PaymentSucceeded{
		EventID:          eventID,
		ChargeID:         pi.ID,
		GrossAmountMinor: amount,
		Currency:         string(pi.Currency),
		Metadata: settlement.Metadata{
			OrderID:                          md["orderId"],
			PaymentID:                        md["paymentId"],
			MerchantID:                       md["merchantId"],
			MerchantPayoutAccount:            first(md, "merchantPayoutAccount", "stripeConnectAccountId"),
			ExecutionAgentID:                 first(md, "executionAgentId", "agentId"),
			ExecutionAgentPayoutAccount:      first(md, "executionAgentPayoutAccount", "executionAgentConnectId"),
			RecommendationAgentID:            md["recommendationAgentId"],
			RecommendationAgentPayoutAccount: first(md, "recommendationAgentPayoutAccount", "recommendationAgentConnectId"),
			ReferralAgentID:                  md["referralAgentId"],
			ReferralAgentPayoutAccount:       first(md, "referralAgentPayoutAccount", "referralAgentConnectId"),
			ProductType:                      first(md, "productType", "skillLayerType"),
		},
	}
}

// ChargeRefunded maps a refunded Charge to a ledger notification. The most
// recent refund on the charge identifies this delivery.
func ChargeRefunded(eventID string, ch *stripe.Charge) settlement.ChargeRefunded {
	n := settlement.ChargeRefunded{
		EventID:             eventID,
		ChargeID:            chargeKey(ch.ID, ch.PaymentIntent),
		AmountRefundedMinor: ch.AmountRefunded,
		Currency:            string(ch.Currency),
	}
	if ch.Refunds != nil && len(ch.Refunds.Data) > 0 {
		latest := ch.Refunds.Data[0]
		n.ProviderRefundID = latest.ID
		n.Reason = string(latest.Reason)
		if latest.Amount > 0 {
			n.AmountRefundedMinor = latest.Amount
		}
	}
	return n
}

// DisputeCreated maps a Dispute to a ledger notification.
func DisputeCreated(eventID string, d *stripe.Dispute) settlement.DisputeCreated {
	chargeID := ""
	if d.Charge != nil {
		chargeID = d.Charge.ID
	}
	return settlement.DisputeCreated{
		EventID:       eventID,
		ChargeID:      chargeKey(chargeID, d.PaymentIntent),
		DisputeReason: string(d.Reason),
	}
}

// chargeKey prefers the payment intent id, which is what ingestion keys
// ledger rows by.
func chargeKey(chargeID string, pi *stripe.PaymentIntent) string {
	if pi != nil && pi.ID != "" {
		return pi.ID
	}
	return chargeID
}

func first(md map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(md[k]); v != "" {
			return v
		}
	}
	return ""
}
