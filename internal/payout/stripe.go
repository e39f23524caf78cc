package payout

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/transfer"
)

// TransferAPI is the subset of the Stripe transfers client the rail uses.
type TransferAPI interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
}

// StripeRail pays Stripe Connect accounts ("acct_...").
type StripeRail struct {
	api TransferAPI
}

// NewStripeRail creates a rail using the given secret key.
func NewStripeRail(secretKey string) *StripeRail {
	return &StripeRail{api: &transfer.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}}
}

// NewStripeRailWithAPI creates a rail over a custom transfers client.
func NewStripeRailWithAPI(api TransferAPI) *StripeRail {
	return &StripeRail{api: api}
}

// Execute creates a Connect transfer. The correlation id is sent as the
// idempotency key so Stripe collapses retries into one transfer.
func (s *StripeRail) Execute(ctx context.Context, t Transfer) (*Result, error) {
	if !strings.HasPrefix(t.Destination, "acct_") {
		return nil, &TransferError{Rail: RailStripe, Reason: "destination is not a connected account", Err: ErrInvalidTransfer}
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(t.AmountMinor),
		Currency:      stripe.String(strings.ToLower(t.Currency)),
		Destination:   stripe.String(t.Destination),
		TransferGroup: stripe.String(t.CorrelationID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(t.CorrelationID)
	params.AddMetadata("correlation_id", t.CorrelationID)
	for k, v := range t.Metadata {
		params.AddMetadata(k, v)
	}

	tr, err := s.api.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Result{Rail: RailStripe, Reference: tr.ID}, nil
}

func classifyStripeError(err error) *TransferError {
	var se *stripe.Error
	if errors.As(err, &se) {
		retryable := se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.HTTPStatusCode >= http.StatusInternalServerError ||
			se.HTTPStatusCode == 0
		reason := se.Msg
		if reason == "" {
			reason = string(se.Code)
		}
		return &TransferError{Rail: RailStripe, Reason: reason, Retryable: retryable, Err: err}
	}
	return &TransferError{Rail: RailStripe, Reason: "request failed", Retryable: true, Err: err}
}

var _ Executor = (*StripeRail)(nil)
