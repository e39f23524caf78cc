// Package payout moves settled money to a party's payout account.
//
// An Executor performs one transfer. The Router picks a rail from the shape
// of the destination (a Stripe Connect account or an EVM address) and wraps
// the call with a circuit breaker, bounded retries, and a per-attempt
// timeout. Every transfer carries a correlation id that rails use as their
// idempotency key, so a retried call never pays twice.
package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoRail              = errors.New("payout: no rail for destination")
	ErrInvalidTransfer     = errors.New("payout: invalid transfer")
	ErrUnsupportedCurrency = errors.New("payout: currency not supported by rail")
)

// Rail names.
const (
	RailStripe = "stripe"
	RailChain  = "chain"
)

// Transfer is one payout instruction.
type Transfer struct {
	AmountMinor   int64
	Currency      string
	Destination   string
	CorrelationID string
	Metadata      map[string]string
	// BeforeBroadcast, when set, is called by rails whose transfers cannot
	// be deduplicated with the rail reference the transfer will carry. The
	// transfer is not sent if it returns an error.
	BeforeBroadcast func(ctx context.Context, rail, reference string) error
}

func (t Transfer) validate() error {
	switch {
	case t.AmountMinor <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	case t.Destination == "":
		return fmt.Errorf("%w: destination required", ErrInvalidTransfer)
	case t.CorrelationID == "":
		return fmt.Errorf("%w: correlation id required", ErrInvalidTransfer)
	}
	return nil
}

// Result describes a completed transfer.
type Result struct {
	Rail      string `json:"rail"`
	Reference string `json:"reference"`
}

// Executor performs a single transfer.
type Executor interface {
	Execute(ctx context.Context, t Transfer) (*Result, error)
}

// TransferError is a failed transfer. Retryable is false when repeating the
// call cannot help (declined, bad destination) or could double-pay.
//
// InFlight marks a transfer the rail accepted whose outcome is unknown; it
// may still complete and must be looked up by Reference, not sent again.
type TransferError struct {
	Rail      string
	Reason    string
	Retryable bool
	InFlight  bool
	Reference string
	Err       error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payout: %s transfer failed: %s: %v", e.Rail, e.Reason, e.Err)
	}
	return fmt.Sprintf("payout: %s transfer failed: %s", e.Rail, e.Reason)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Reason extracts a short failure reason suitable for a ledger row.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Rail + ": " + te.Reason
	}
	return err.Error()
}

// Definite reports whether err is a rejection that repeating the same
// request cannot change. Rails remember the response to an idempotency key,
// so a new attempt after a definite failure needs a new key.
func Definite(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && !te.Retryable && !te.InFlight
}

// AttemptKey returns the idempotency key of a transfer attempt. The previous
// key is reused unless the previous attempt failed definitely, so the rail
// collapses retries of an ambiguous attempt into one transfer.
func AttemptKey(base, prevKey string, prevDefinite bool, attempt int) string {
	switch {
	case prevDefinite:
		return fmt.Sprintf("%s:%d", base, attempt)
	case prevKey != "":
		return prevKey
	}
	return base
}

// TransferState is what a rail knows about a transfer it accepted.
type TransferState string

const (
	StatePending   TransferState = "pending"
	StateConfirmed TransferState = "confirmed"
	StateFailed    TransferState = "failed"
)

// Tracker looks up a transfer by the reference a rail returned for it.
type Tracker interface {
	Track(ctx context.Context, rail, reference string) (TransferState, error)
}

// RailFor returns the rail that serves a destination, or "" if none does.
func RailFor(destination string) string {
	switch {
	case strings.HasPrefix(destination, "acct_"):
		return RailStripe
	case strings.HasPrefix(destination, "0x"):
		return RailChain
	}
	return ""
}
