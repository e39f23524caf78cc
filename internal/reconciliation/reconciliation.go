// Package reconciliation audits the settlement ledger and escrows for
// states the normal flows never leave behind: breakdowns that no longer
// add up, transfers that disagree with their row, rows stranded in
// processing by an interrupted batch, and escrow releases that never
// completed.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/splitpay/internal/escrow"
	"github.com/mbd888/splitpay/internal/logging"
	"github.com/mbd888/splitpay/internal/settlement"
)

// DefaultStaleAfter is how long a row may sit in processing before it is
// considered abandoned. It must exceed the batch lease.
const DefaultStaleAfter = 2 * time.Hour

const scanLimit = 5000

// interruptedReason marks rows recovered from an interrupted batch.
const interruptedReason = "batch interrupted before completion"

// Ledger is the settlement storage the checks read and repair.
type Ledger interface {
	ListByStatus(ctx context.Context, status settlement.Status, limit int) ([]*settlement.Settlement, error)
	UpdateIfStatus(ctx context.Context, s *settlement.Settlement, expected settlement.Status) error
}

// Escrows lists escrows by status.
type Escrows interface {
	ListByStatus(ctx context.Context, status escrow.Status, limit int) ([]*escrow.Escrow, error)
}

// Finding is one inconsistency.
type Finding struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

// Finding kinds.
const (
	KindImbalanced      = "imbalanced_breakdown"
	KindTransferAmount  = "transfer_amount_mismatch"
	KindUnpaidSettled   = "settled_without_transfer"
	KindStaleProcessing = "stale_processing"
	KindStuckEscrow     = "stuck_escrow_release"
	KindUnconfirmed     = "unconfirmed_transfer"
)

// Report is the outcome of one reconciliation run.
type Report struct {
	CheckedRows     int       `json:"checkedRows"`
	CheckedEscrows  int       `json:"checkedEscrows"`
	Findings        []Finding `json:"findings"`
	RecoveredRows   int       `json:"recoveredRows"`
	Healthy         bool      `json:"healthy"`
	RanAt           time.Time `json:"ranAt"`
	DurationSeconds float64   `json:"durationSeconds"`
}

// Runner performs the reconciliation checks.
type Runner struct {
	ledger     Ledger
	escrows    Escrows
	logger     *slog.Logger
	now        func() time.Time
	staleAfter time.Duration
}

// NewRunner creates a runner over the settlement ledger.
func NewRunner(ledger Ledger, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		ledger:     ledger,
		logger:     logging.Component(logger, "reconciliation"),
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
	}
}

// WithEscrows adds the stuck-release check.
func (r *Runner) WithEscrows(e Escrows) *Runner {
	r.escrows = e
	return r
}

// WithStaleAfter sets the processing age after which a row is recovered.
func (r *Runner) WithStaleAfter(d time.Duration) *Runner {
	if d > 0 {
		r.staleAfter = d
	}
	return r
}

// WithClock replaces the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll runs every check. Stale processing rows are moved to failed so the
// retry pass picks them up; transfers already recorded as paid stay paid.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RanAt: r.now().UTC(), Findings: []Finding{}}

	if err := r.checkLedger(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	if r.escrows != nil {
		if err := r.checkEscrows(ctx, report); err != nil {
			reconcileErrors.Inc()
			return nil, err
		}
	}

	report.Healthy = len(report.Findings) == 0
	report.DurationSeconds = time.Since(start).Seconds()
	reconcileDuration.Observe(report.DurationSeconds)

	var imbalanced, stale, stuck int
	for _, f := range report.Findings {
		switch f.Kind {
		case KindStaleProcessing:
			stale++
		case KindStuckEscrow:
			stuck++
		default:
			imbalanced++
		}
	}
	reconcileLedgerMismatches.Set(float64(imbalanced))
	reconcileStaleRows.Set(float64(stale))
	reconcileStuckEscrows.Set(float64(stuck))

	if !report.Healthy {
		r.logger.Warn("reconciliation found inconsistencies",
			"findings", len(report.Findings),
			"recovered", report.RecoveredRows)
	}
	return report, nil
}

func (r *Runner) checkLedger(ctx context.Context, report *Report) error {
	cutoff := r.now().Add(-r.staleAfter)
	for _, status := range []settlement.Status{
		settlement.StatusPending,
		settlement.StatusProcessing,
		settlement.StatusFailed,
		settlement.StatusSettled,
	} {
		rows, err := r.ledger.ListByStatus(ctx, status, scanLimit)
		if err != nil {
			return fmt.Errorf("reconciliation: list %s rows: %w", status, err)
		}
		for _, s := range rows {
			report.CheckedRows++
			report.Findings = append(report.Findings, checkRow(s)...)

			if s.Status == settlement.StatusProcessing && !s.UpdatedAt.After(cutoff) {
				report.Findings = append(report.Findings, Finding{
					Kind:    KindStaleProcessing,
					Subject: s.ID,
					Detail:  fmt.Sprintf("processing since %s in batch %s", s.UpdatedAt.Format(time.RFC3339), s.BatchID),
				})
				if r.recoverRow(ctx, s) {
					report.RecoveredRows++
				}
			}
		}
	}
	return nil
}

// checkRow verifies the stored breakdown and the recorded transfers of one
// row.
func checkRow(s *settlement.Settlement) []Finding {
	var findings []Finding
	if err := s.Breakdown.Verify(); err != nil {
		findings = append(findings, Finding{Kind: KindImbalanced, Subject: s.ID, Detail: err.Error()})
	}
	for role, t := range s.Transfers {
		if want := s.Amount(role); t.Amount != want {
			findings = append(findings, Finding{
				Kind:    KindTransferAmount,
				Subject: s.ID,
				Detail:  fmt.Sprintf("%s transfer of %d, share is %d", role, t.Amount, want),
			})
		}
		// Retries look these up rather than resend; one that never
		// confirms needs an operator.
		if t.Status == settlement.TransferSubmitted && s.Status != settlement.StatusProcessing {
			findings = append(findings, Finding{
				Kind:    KindUnconfirmed,
				Subject: s.ID,
				Detail:  fmt.Sprintf("%s transfer %s on %s awaiting confirmation", role, t.Reference, t.Rail),
			})
		}
	}
	if s.Status == settlement.StatusSettled {
		for _, role := range []settlement.Role{
			settlement.RoleMerchant,
			settlement.RoleExecutionAgent,
			settlement.RoleRecommendationAgent,
			settlement.RoleReferralAgent,
		} {
			if s.Amount(role) <= 0 {
				continue
			}
			t, ok := s.Transfers[role]
			if !ok || (t.Status != settlement.TransferSucceeded && t.Status != settlement.TransferManual) {
				findings = append(findings, Finding{
					Kind:    KindUnpaidSettled,
					Subject: s.ID,
					Detail:  string(role) + " share has no completed transfer",
				})
			}
		}
	}
	return findings
}

func (r *Runner) recoverRow(ctx context.Context, s *settlement.Settlement) bool {
	s.Status = settlement.StatusFailed
	s.FailureReason = interruptedReason
	s.UpdatedAt = r.now().UTC()
	if err := r.ledger.UpdateIfStatus(ctx, s, settlement.StatusProcessing); err != nil {
		r.logger.Warn("failed to recover stale settlement", "settlementId", s.ID, "error", err)
		return false
	}
	reconcileRecovered.Inc()
	r.logger.Info("recovered settlement from interrupted batch", "settlementId", s.ID, "batchId", s.BatchID)
	return true
}

// checkEscrows flags releases that were claimed but never completed. They
// are not repaired automatically: the transfer may have gone out.
func (r *Runner) checkEscrows(ctx context.Context, report *Report) error {
	confirmed, err := r.escrows.ListByStatus(ctx, escrow.StatusConfirmed, scanLimit)
	if err != nil {
		return fmt.Errorf("reconciliation: list confirmed escrows: %w", err)
	}
	cutoff := r.now().Add(-r.staleAfter)
	for _, e := range confirmed {
		report.CheckedEscrows++
		if e.UpdatedAt.After(cutoff) {
			continue
		}
		report.Findings = append(report.Findings, Finding{
			Kind:    KindStuckEscrow,
			Subject: e.ID,
			Detail:  "release claimed at " + e.UpdatedAt.Format(time.RFC3339) + " but never completed",
		})
		r.logger.Error("escrow release never completed, needs manual review", "escrowId", e.ID)
	}
	return nil
}
