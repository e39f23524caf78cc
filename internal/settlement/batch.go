package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/splitpay/internal/events"
	"github.com/mbd888/splitpay/internal/idgen"
	"github.com/mbd888/splitpay/internal/logging"
	"github.com/mbd888/splitpay/internal/payout"
	"github.com/mbd888/splitpay/internal/retry"
	"github.com/mbd888/splitpay/internal/runlock"
	"github.com/mbd888/splitpay/internal/traces"
)

// Scheduler defaults.
const (
	DefaultMaturity    = 72 * time.Hour
	DefaultConcurrency = 4
	DefaultMaxAttempts = 5
	// DefaultRetryBackoff is the wait after each attempt before a failed
	// row is retried: a row with n attempts waits n times this long.
	DefaultRetryBackoff = 15 * time.Minute
	defaultBatchSize    = 1000
	defaultLeaseTTL     = 30 * time.Minute
	leaseKey            = "settlement-batch"
)

// Scheduler pays matured ledger rows.
//
// Rows are processed independently and in parallel; the transfers of one
// row run in sequence and each outcome is persisted before the next leg,
// so a retried row only repeats the legs that did not succeed.
type Scheduler struct {
	store       Store
	reports     BatchStore
	exec        payout.Executor
	lock        runlock.Locker
	events      *events.Emitter
	logger      *slog.Logger
	now         func() time.Time
	maturity    time.Duration
	concurrency int
	maxAttempts int
	backoff     time.Duration
	batchSize   int
	leaseTTL    time.Duration
}

// NewScheduler creates a scheduler paying through exec.
func NewScheduler(store Store, exec payout.Executor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:       store,
		exec:        exec,
		lock:        runlock.NewLocal(),
		logger:      logging.Component(logger, "settlement.batch"),
		now:         time.Now,
		maturity:    DefaultMaturity,
		concurrency: DefaultConcurrency,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultRetryBackoff,
		batchSize:   defaultBatchSize,
		leaseTTL:    defaultLeaseTTL,
	}
}

// WithReports persists a report of every run.
func (s *Scheduler) WithReports(r BatchStore) *Scheduler {
	s.reports = r
	return s
}

// WithLock replaces the in-process run lease, typically with a Redis lease
// shared by all replicas.
func (s *Scheduler) WithLock(l runlock.Locker) *Scheduler {
	if l != nil {
		s.lock = l
	}
	return s
}

// WithEvents adds domain event publishing.
func (s *Scheduler) WithEvents(em *events.Emitter) *Scheduler {
	s.events = em
	return s
}

// WithClock replaces the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// WithMaturity sets how long a row waits before it is paid.
func (s *Scheduler) WithMaturity(d time.Duration) *Scheduler {
	if d >= 0 {
		s.maturity = d
	}
	return s
}

// WithConcurrency bounds how many rows are processed at once.
func (s *Scheduler) WithConcurrency(n int) *Scheduler {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// WithMaxAttempts bounds how often a failed row is retried automatically.
func (s *Scheduler) WithMaxAttempts(n int) *Scheduler {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

// WithRetryBackoff sets the per-attempt wait before a failed row is
// retried.
func (s *Scheduler) WithRetryBackoff(d time.Duration) *Scheduler {
	if d >= 0 {
		s.backoff = d
	}
	return s
}

// Maturity returns the configured maturity window.
func (s *Scheduler) Maturity() time.Duration {
	return s.maturity
}

// RunBatch pays every pending row created at or before now minus the
// maturity window.
func (s *Scheduler) RunBatch(ctx context.Context, now time.Time) (*Report, error) {
	return s.RunBatchWithMaturity(ctx, now, s.maturity, KindScheduled)
}

// RunBatchWithMaturity runs a batch with an explicit maturity window.
func (s *Scheduler) RunBatchWithMaturity(ctx context.Context, now time.Time, maturity time.Duration, kind string) (*Report, error) {
	cutoff := now.Add(-maturity)
	return s.run(ctx, kind, cutoff, StatusPending, func(ctx context.Context) ([]*Settlement, error) {
		return s.store.ListDue(ctx, cutoff, s.batchSize)
	})
}

// RetryFailed re-attempts failed rows that have attempts left and whose
// backoff has elapsed. Transfers that already succeeded are not repeated.
func (s *Scheduler) RetryFailed(ctx context.Context, now time.Time) (*Report, error) {
	return s.run(ctx, KindRetry, now, StatusFailed, func(ctx context.Context) ([]*Settlement, error) {
		failed, err := s.store.ListByStatus(ctx, StatusFailed, s.batchSize)
		if err != nil {
			return nil, err
		}
		eligible := failed[:0]
		for _, row := range failed {
			if row.Attempts >= s.maxAttempts {
				s.logger.Warn("settlement exhausted retries, needs manual resolution",
					"settlementId", row.ID, "attempts", row.Attempts, "reason", row.FailureReason)
				continue
			}
			if now.Sub(row.UpdatedAt) < s.backoff*time.Duration(row.Attempts) {
				continue
			}
			eligible = append(eligible, row)
		}
		return eligible, nil
	})
}

type rowOutcome string

const (
	rowSettled rowOutcome = "settled"
	rowManual  rowOutcome = "manual"
	rowFailed  rowOutcome = "failed"
	rowSkipped rowOutcome = "skipped"
)

func (s *Scheduler) run(ctx context.Context, kind string, cutoff time.Time, from Status, load func(context.Context) ([]*Settlement, error)) (*Report, error) {
	release, err := s.lock.Acquire(ctx, leaseKey, s.leaseTTL)
	if err != nil {
		if errors.Is(err, runlock.ErrHeld) {
			batchSkipped.Inc()
			return nil, ErrBatchInProgress
		}
		return nil, fmt.Errorf("settlement: acquire batch lease: %w", err)
	}
	defer release()

	batchID := idgen.WithPrefix(idgen.PrefixBatch)
	ctx, span := traces.StartSpan(ctx, "settlement.batch", traces.BatchID(batchID))
	defer span.End()

	start := time.Now()
	defer func() { batchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds()) }()

	rows, err := load(ctx)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("settlement: select rows: %w", err)
	}

	report := &Report{
		BatchID:          batchID,
		Kind:             kind,
		Cutoff:           cutoff.UTC(),
		TotalsByCurrency: make(map[string]RoleTotals),
		StartedAt:        s.now().UTC(),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, row := range rows {
		g.Go(func() error {
			outcome, final := s.processRow(ctx, row, batchID, from, kind)
			mu.Lock()
			report.tally(outcome, final)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	report.FinishedAt = s.now().UTC()

	if s.reports != nil {
		if err := s.reports.SaveReport(context.WithoutCancel(ctx), report); err != nil {
			s.logger.Warn("failed to save batch report", "batchId", batchID, "error", err)
		}
	}
	s.events.Emit(ctx, events.BatchCompleted, batchID, report)
	s.logger.Info("settlement batch finished",
		"batchId", batchID,
		"kind", kind,
		"selected", len(rows),
		"processed", report.ProcessedCount,
		"settled", report.SettledCount,
		"failed", report.FailedCount,
		"manual", report.ManualCount)
	return report, nil
}

func (r *Report) tally(outcome rowOutcome, row *Settlement) {
	if outcome == rowSkipped {
		return
	}
	r.ProcessedCount++
	switch outcome {
	case rowFailed:
		r.FailedCount++
		return
	case rowManual:
		r.ManualCount++
	}
	r.SettledCount++
	r.TotalsByRole.Add(row)
	totals := r.TotalsByCurrency[row.Currency]
	totals.Add(row)
	r.TotalsByCurrency[row.Currency] = totals
}

// processRow claims one row, pays its unpaid legs, and records the result.
// It never returns an error: every failure ends up on the row.
func (s *Scheduler) processRow(ctx context.Context, row *Settlement, batchID string, from Status, kind string) (rowOutcome, *Settlement) {
	ctx, span := traces.StartSpan(ctx, "settlement.row",
		traces.SettlementID(row.ID), traces.BatchID(batchID), traces.ChargeID(row.ChargeID))
	defer span.End()

	if ctx.Err() != nil {
		return rowSkipped, nil
	}

	claimed := cloneSettlement(row)
	claimed.Status = StatusProcessing
	claimed.BatchID = batchID
	claimed.Attempts++
	claimed.FailureReason = ""
	claimed.UpdatedAt = s.now().UTC()
	if claimed.Transfers == nil {
		claimed.Transfers = make(map[Role]*TransferOutcome)
	}
	if err := s.store.UpdateIfStatus(ctx, claimed, from); err != nil {
		batchRows.WithLabelValues(kind, string(rowSkipped)).Inc()
		if !errors.Is(err, ErrStatusConflict) {
			s.logger.Warn("failed to claim settlement", "settlementId", row.ID, "error", err)
		}
		return rowSkipped, nil
	}

	// Writes after a transfer must land even if the run is cancelled.
	writeCtx := context.WithoutCancel(ctx)

	var (
		failures []string
		manual   []string
	)
	for _, role := range payoutRoles {
		amount := claimed.Amount(role)
		if amount <= 0 || claimed.Paid(role) {
			continue
		}
		out := s.payLeg(ctx, claimed, role, amount, batchID)
		claimed.Transfers[role] = out

		status, err := s.recordTransfer(writeCtx, claimed.ID, out)
		if err != nil {
			// Left in processing; reconciliation hands it back to the retry
			// pass, which reuses the same idempotency key.
			traces.RecordError(span, err)
			s.logger.Error("failed to record transfer outcome",
				"settlementId", claimed.ID, "role", role, "transfer", out.Status, "error", err)
			batchRows.WithLabelValues(kind, string(rowSkipped)).Inc()
			return rowSkipped, nil
		}
		if status != StatusProcessing {
			// The provider moved the row (dispute or refund) mid-batch.
			s.logger.Warn("settlement changed during payout, stopping row",
				"settlementId", claimed.ID, "role", role, "status", status)
			batchRows.WithLabelValues(kind, string(rowSkipped)).Inc()
			return rowSkipped, nil
		}

		switch out.Status {
		case TransferManual:
			manual = append(manual, string(role))
		case TransferFailed, TransferSubmitted:
			failures = append(failures, string(role)+": "+out.Reason)
		}
	}

	now := s.now().UTC()
	outcome := rowSettled
	if len(failures) > 0 {
		outcome = rowFailed
		claimed.Status = StatusFailed
		claimed.FailureReason = strings.Join(failures, "; ")
	} else {
		claimed.Status = StatusSettled
		claimed.SettledAt = &now
		if len(manual) > 0 {
			outcome = rowManual
			claimed.ManualPayout = true
			claimed.Annotation = "requires manual payout: " + strings.Join(manual, ", ")
		}
	}
	claimed.UpdatedAt = now
	if err := s.store.UpdateIfStatus(writeCtx, claimed, StatusProcessing); err != nil {
		s.logger.Error("failed to record settlement outcome",
			"settlementId", claimed.ID, "status", claimed.Status, "error", err)
		batchRows.WithLabelValues(kind, string(rowSkipped)).Inc()
		return rowSkipped, nil
	}
	batchRows.WithLabelValues(kind, string(outcome)).Inc()

	if outcome == rowFailed {
		s.events.Emit(ctx, events.SettlementFailed, claimed.ID, claimed)
	} else {
		s.events.Emit(ctx, events.SettlementSettled, claimed.ID, claimed)
		s.logger.Info("settlement settled",
			"settlementId", claimed.ID,
			"manual", claimed.ManualPayout,
			logging.Amount("merchant", claimed.Breakdown.MerchantAmount, claimed.Currency))
	}
	return outcome, claimed
}

// payLeg makes one attempt to pay a role and returns its outcome. A leg
// already handed to a rail is looked up instead of sent again.
func (s *Scheduler) payLeg(ctx context.Context, row *Settlement, role Role, amount int64, batchID string) *TransferOutcome {
	party := row.Party(role)
	prev := row.Transfers[role]
	out := &TransferOutcome{
		Role:        role,
		Amount:      amount,
		Destination: party.PayoutAccount,
		UpdatedAt:   s.now().UTC(),
	}
	if prev != nil {
		out.Attempts = prev.Attempts
		out.Key = prev.Key
	}

	if party.PayoutAccount == "" || s.exec == nil {
		out.Status = TransferManual
		return out
	}

	definite := prev != nil && prev.Definite
	if prev != nil && prev.Status == TransferSubmitted {
		state, err := s.track(ctx, prev)
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
			done.Status = TransferSucceeded
			done.Reason = ""
			done.UpdatedAt = out.UpdatedAt
			return &done
		}
		// The earlier transfer failed at the rail; send a new one.
		definite = true
	}

	out.Attempts++
	out.Key = payout.AttemptKey(row.ChargeID+":"+string(role), out.Key, definite, out.Attempts)
	res, err := s.exec.Execute(ctx, payout.Transfer{
		AmountMinor:   amount,
		Currency:      row.Currency,
		Destination:   party.PayoutAccount,
		CorrelationID: out.Key,
		Metadata: map[string]string{
			"settlement_id": row.ID,
			"charge_id":     row.ChargeID,
			"batch_id":      batchID,
			"role":          string(role),
		},
		BeforeBroadcast: func(ctx context.Context, rail, reference string) error {
			sub := *out
			sub.Status = TransferSubmitted
			sub.Rail = rail
			sub.Reference = reference
			sub.UpdatedAt = s.now().UTC()
			status, err := s.store.RecordTransfer(ctx, row.ID, &sub)
			if err != nil {
				return err
			}
			if status != StatusProcessing {
				return fmt.Errorf("%w: settlement is %s", ErrStatusConflict, status)
			}
			return nil
		},
	})
	out.UpdatedAt = s.now().UTC()
	if err != nil {
		var te *payout.TransferError
		if errors.As(err, &te) && te.InFlight {
			out.Status = TransferSubmitted
			out.Rail = te.Rail
			out.Reference = te.Reference
		} else {
			out.Status = TransferFailed
			out.Definite = payout.Definite(err)
		}
		out.Reason = payout.Reason(err)
		s.logger.Warn("settlement transfer failed",
			"settlementId", row.ID, "role", role, "status", out.Status, "error", err)
		return out
	}
	out.Status = TransferSucceeded
	out.Rail = res.Rail
	out.Reference = res.Reference
	return out
}

func (s *Scheduler) track(ctx context.Context, leg *TransferOutcome) (payout.TransferState, error) {
	tracker, ok := s.exec.(payout.Tracker)
	if !ok {
		return "", errors.New("rail lookups unavailable")
	}
	return tracker.Track(ctx, leg.Rail, leg.Reference)
}

func (s *Scheduler) recordTransfer(ctx context.Context, id string, out *TransferOutcome) (Status, error) {
	var status Status
	err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		var err error
		status, err = s.store.RecordTransfer(ctx, id, out)
		if errors.Is(err, ErrSettlementNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	return status, err
}
