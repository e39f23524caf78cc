package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/splitpay/internal/payout"
	"github.com/mbd888/splitpay/internal/retry"
	"github.com/mbd888/splitpay/internal/split"
)

// PayoutReleaser pays the merchant and agent shares of a release through a
// payout executor. The platform share stays where the funds are held. A
// share whose recipient has no payout account is left for manual payout.
//
// Each share's outcome is stored on the escrow before the next share is
// paid, so a release retried after a partial failure only pays the shares
// that did not go out.
type PayoutReleaser struct {
	exec   payout.Executor
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewPayoutReleaser creates a releaser over exec that records payouts in
// store.
func NewPayoutReleaser(exec payout.Executor, store Store, logger *slog.Logger) *PayoutReleaser {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayoutReleaser{exec: exec, store: store, logger: logger, now: time.Now}
}

// WithClock replaces the time source.
func (p *PayoutReleaser) WithClock(now func() time.Time) *PayoutReleaser {
	p.now = now
	return p
}

// Release transfers the unpaid shares in order, merchant first, and stops
// at the first share that did not complete.
func (p *PayoutReleaser) Release(ctx context.Context, e *Escrow, r split.Release) error {
	legs := []struct {
		role    string
		account string
		amount  int64
	}{
		{RoleMerchant, e.MerchantPayoutAccount, r.MerchantAmount},
		{RoleAgent, e.AgentPayoutAccount, r.AgentAmount},
	}
	if e.Payouts == nil {
		e.Payouts = make(map[string]*Payout)
	}
	writeCtx := context.WithoutCancel(ctx)

	for _, leg := range legs {
		if leg.amount <= 0 || e.Paid(leg.role) {
			continue
		}
		out := p.pay(ctx, e, leg.role, leg.account, leg.amount)
		e.Payouts[leg.role] = out
		if err := p.record(writeCtx, e.ID, out); err != nil {
			return fmt.Errorf("%s share: record payout: %w", leg.role, err)
		}

		switch out.Status {
		case PayoutManual:
			p.logger.Info("release share requires manual payout", "escrowId", e.ID, "role", leg.role)
		case PayoutFailed, PayoutSubmitted:
			return fmt.Errorf("%s share: %s", leg.role, out.Reason)
		}
	}
	return nil
}

// pay makes one attempt at a share. A share already handed to a rail is
// looked up instead of sent again.
func (p *PayoutReleaser) pay(ctx context.Context, e *Escrow, role, account string, amount int64) *Payout {
	prev := e.Payouts[role]
	out := &Payout{Role: role, Amount: amount, Destination: account, UpdatedAt: p.now().UTC()}
	if prev != nil {
		out.Attempts = prev.Attempts
		out.Key = prev.Key
	}
	if account == "" {
		out.Status = PayoutManual
		return out
	}

	definite := prev != nil && prev.Definite
	if prev != nil && prev.Status == PayoutSubmitted {
		state, err := p.track(ctx, prev)
		switch {
		case err != nil || state == payout.StatePending:
			pending := *prev
			pending.UpdatedAt = out.UpdatedAt
			pending.Reason = "awaiting confirmation of " + prev.Reference
			if err != nil {
				pending.Reason += ": " + err.Error()
			}
			return &pending
		case state == payout.StateConfirmed:
			done := *prev
			done.Status = PayoutSucceeded
			done.Reason = ""
			done.UpdatedAt = out.UpdatedAt
			return &done
		}
		definite = true
	}

	out.Attempts++
	out.Key = payout.AttemptKey(e.ID+":"+role, out.Key, definite, out.Attempts)
	res, err := p.exec.Execute(ctx, payout.Transfer{
		AmountMinor:   amount,
		Currency:      e.Currency,
		Destination:   account,
		CorrelationID: out.Key,
		Metadata:      map[string]string{"escrow_id": e.ID, "role": role},
		BeforeBroadcast: func(ctx context.Context, rail, reference string) error {
			sub := *out
			sub.Status = PayoutSubmitted
			sub.Rail = rail
			sub.Reference = reference
			sub.UpdatedAt = p.now().UTC()
			return p.record(ctx, e.ID, &sub)
		},
	})
	out.UpdatedAt = p.now().UTC()
	if err != nil {
		var te *payout.TransferError
		if errors.As(err, &te) && te.InFlight {
			out.Status = PayoutSubmitted
			out.Rail = te.Rail
			out.Reference = te.Reference
		} else {
			out.Status = PayoutFailed
			out.Definite = payout.Definite(err)
		}
		out.Reason = payout.Reason(err)
		return out
	}
	out.Status = PayoutSucceeded
	out.Rail = res.Rail
	out.Reference = res.Reference
	return out
}

func (p *PayoutReleaser) track(ctx context.Context, prev *Payout) (payout.TransferState, error) {
	tracker, ok := p.exec.(payout.Tracker)
	if !ok {
		return "", errors.New("rail lookups unavailable")
	}
	return tracker.Track(ctx, prev.Rail, prev.Reference)
}

// record stores a payout while the release claim is held.
func (p *PayoutReleaser) record(ctx context.Context, id string, out *Payout) error {
	return retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		status, err := p.store.RecordPayout(ctx, id, out)
		if errors.Is(err, ErrEscrowNotFound) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		if status != StatusConfirmed {
			return retry.Permanent(fmt.Errorf("%w: escrow is %s", ErrStatusConflict, status))
		}
		return nil
	})
}

var _ Releaser = (*PayoutReleaser)(nil)
