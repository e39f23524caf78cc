package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/splitpay/internal/events"
	"github.com/mbd888/splitpay/internal/notary"
	"github.com/mbd888/splitpay/internal/payout"
	"github.com/mbd888/splitpay/internal/runlock"
	"github.com/mbd888/splitpay/internal/split"
)

// fakeExecutor records transfers. Destinations in fail get a retryable
// error and those in decline a definite one. onExecute runs before each
// transfer is recorded.
type fakeExecutor struct {
	mu        sync.Mutex
	calls     []payout.Transfer
	fail      map[string]bool
	decline   map[string]bool
	onExecute func(payout.Transfer)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{fail: make(map[string]bool), decline: make(map[string]bool)}
}

func (f *fakeExecutor) Execute(_ context.Context, t payout.Transfer) (*payout.Result, error) {
	if f.onExecute != nil {
		f.onExecute(t)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, t)
	if f.decline[t.Destination] {
		return nil, &payout.TransferError{Rail: payout.RailStripe, Reason: "account closed"}
	}
	if f.fail[t.Destination] {
		return nil, &payout.TransferError{Rail: payout.RailStripe, Reason: "destination rejected", Retryable: true}
	}
	return &payout.Result{Rail: payout.RailStripe, Reference: "tr_" + t.CorrelationID}, nil
}

func (f *fakeExecutor) keysTo(dest string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, c := range f.calls {
		if c.Destination == dest {
			keys = append(keys, c.CorrelationID)
		}
	}
	return keys
}

func (f *fakeExecutor) setFail(dest string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[dest] = fail
}

func (f *fakeExecutor) callsTo(dest string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Destination == dest {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store     *MemoryStore
	ingestor  *Ingestor
	scheduler *Scheduler
	exec      *fakeExecutor
	clock     *clock
	events    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	exec := newFakeExecutor()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	em := events.NewEmitter(rec, nil)
	return &fixture{
		store: store,
		ingestor: NewIngestor(store, nil).
			WithRefunds(store).
			WithEvents(em).
			WithClock(clk.Now),
		scheduler: NewScheduler(store, exec, nil).
			WithReports(store).
			WithEvents(em).
			WithClock(clk.Now),
		exec:   exec,
		clock:  clk,
		events: rec,
	}
}

func physical(eventID, chargeID string) PaymentSucceeded {
	return PaymentSucceeded{
		EventID:          eventID,
		ChargeID:         chargeID,
		GrossAmountMinor: 10000,
		Currency:         "USD",
		Metadata: Metadata{
			OrderID:               "order_" + chargeID,
			MerchantID:            "merchant_1",
			MerchantPayoutAccount: "acct_merchant1",
			ProductType:           "PHYSICAL",
		},
	}
}

func withExecutionAgent(n PaymentSucceeded) PaymentSucceeded {
	n.Metadata.ExecutionAgentID = "agent_exec"
	n.Metadata.ExecutionAgentPayoutAccount = "acct_exec1"
	return n
}

// --- ingestion ---

func TestIngest_PhysicalNoAgents(t *testing.T) {
	f := newFixture(t)

	s, err := f.ingestor.IngestPaymentSucceeded(context.Background(), physical("evt_1", "pi_1"))
	require.NoError(t, err)

	b := s.Breakdown
	assert.Equal(t, int64(320), b.ProcessorFee)
	assert.Equal(t, int64(50), b.BaseFee)
	assert.Equal(t, int64(250), b.PoolFee)
	assert.Equal(t, int64(9380), b.MerchantAmount)
	assert.Equal(t, int64(300), b.PlatformNetAmount)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, "USD", s.Currency)
	assert.Equal(t, 1, f.events.count(events.SettlementRecorded))
}

func TestIngest_WithExecutionAgent(t *testing.T) {
	f := newFixture(t)

	s, err := f.ingestor.IngestPaymentSucceeded(context.Background(), withExecutionAgent(physical("evt_1", "pi_1")))
	require.NoError(t, err)

	assert.Equal(t, int64(175), s.Breakdown.ExecutionAgentAmount)
	assert.Equal(t, int64(125), s.Breakdown.PlatformNetAmount)
	assert.Equal(t, int64(9380), s.Breakdown.MerchantAmount)
	require.NoError(t, s.Breakdown.Verify())
}

func TestIngest_DuplicateEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ingestor.IngestPaymentSucceeded(ctx, physical("evt_1", "pi_1"))
	require.NoError(t, err)

	again, err := f.ingestor.IngestPaymentSucceeded(ctx, physical("evt_1", "pi_1"))
	require.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, first.ID, again.ID)

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalRows)
}

func TestIngest_SameChargeNewEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ingestor.IngestPaymentSucceeded(ctx, physical("evt_1", "pi_1"))
	require.NoError(t, err)

	_, err = f.ingestor.IngestPaymentSucceeded(ctx, physical("evt_2", "pi_1"))
	require.ErrorIs(t, err, ErrAlreadyProcessed)

	stats, _ := f.store.Stats(ctx)
	assert.Equal(t, 1, stats.TotalRows)
}

func TestIngest_ConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		recorded int
		dupes    int
	)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ingestor.IngestPaymentSucceeded(ctx, physical(fmt.Sprintf("evt_%d", i%2), "pi_1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				recorded++
			case errors.Is(err, ErrAlreadyProcessed):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, recorded)
	assert.Equal(t, 19, dupes)
	stats, _ := f.store.Stats(ctx)
	assert.Equal(t, 1, stats.TotalRows)
}

func TestIngest_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*PaymentSucceeded)
	}{
		{"negative amount", func(n *PaymentSucceeded) { n.GrossAmountMinor = -100 }},
		{"unknown currency", func(n *PaymentSucceeded) { n.Currency = "ZZZ" }},
		{"missing event id", func(n *PaymentSucceeded) { n.EventID = "" }},
		{"bad payout account", func(n *PaymentSucceeded) { n.Metadata.MerchantPayoutAccount = "iban:123" }},
		{"account without party", func(n *PaymentSucceeded) {
			n.Metadata.ReferralAgentPayoutAccount = "acct_ref1"
		}},
		{"amount below fees", func(n *PaymentSucceeded) { n.GrossAmountMinor = 20 }},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := physical(fmt.Sprintf("evt_v%d", i), fmt.Sprintf("pi_v%d", i))
			tt.mutate(&n)
			_, err := f.ingestor.IngestPaymentSucceeded(ctx, n)
			require.ErrorIs(t, err, ErrInvalidNotification)
		})
	}

	stats, _ := f.store.Stats(ctx)
	assert.Zero(t, stats.TotalRows)
}

type failingNotary struct{}

func (failingNotary) Notarize(context.Context, string, string, string, any) (string, error) {
	return "", errors.New("notary unreachable")
}

func TestIngest_NotaryFailureKeepsRow(t *testing.T) {
	f := newFixture(t)
	f.ingestor.WithNotary(failingNotary{})

	s, err := f.ingestor.IngestPaymentSucceeded(context.Background(), physical("evt_1", "pi_1"))
	require.NoError(t, err)
	assert.Empty(t, s.ProofID)

	stored, err := f.store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestIngest_NotarizedProofVerifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	svc := notary.NewService(notary.NewMemoryStore(), notary.NewHMACSigner("test-secret"), nil).
		WithResolver(notary.SubjectSettlement, f.ingestor.SettlementPayload)
	f.ingestor.WithNotary(svc)

	s, err := f.ingestor.IngestPaymentSucceeded(ctx, withExecutionAgent(physical("evt_1", "pi_1")))
	require.NoError(t, err)
	require.NotEmpty(t, s.ProofID)

	stored, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ProofID, stored.ProofID)

	v, err := svc.Verify(ctx, s.ProofID)
	require.NoError(t, err)
	assert.True(t, v.SignatureValid)
	require.NotNil(t, v.SubjectMatches)
	assert.True(t, *v.SubjectMatches)
}

// --- provider status changes ---

func TestMarkRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ingestor.IngestPaymentSucceeded(ctx, physical("evt_1", "pi_1"))
	require.NoError(t, err)

	s, err := f.ingestor.MarkRefunded(ctx, ChargeRefunded{
		ChargeID:            "pi_1",
		AmountRefundedMinor: 4000,
		ProviderRefundID:    "re_1",
		Reason:              "requested_by_customer",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, s.Status)
	assert.Equal(t, "refunded: requested_by_customer", s.Annotation)

	refunds, err := f.store.ListRefunds(ctx, "pi_1")
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(4000), refunds[0].Amount)
	assert.Equal(t, RefundCompleted, refunds[0].Status)

	// Redelivery is a no-op.
	_, err = f.ingestor.MarkRefunded(ctx, ChargeRefunded{ChargeID: "pi_1", ProviderRefundID: "re_1"})
	require.ErrorIs(t, err, ErrAlreadyProcessed)

	// A second partial refund is recorded.
	_, err = f.ingestor.MarkRefunded(ctx, ChargeRefunded{ChargeID: "pi_1", AmountRefundedMinor: 1000, ProviderRefundID: "re_2"})
	require.NoError(t, err)
	refunds, _ = f.store.ListRefunds(ctx, "pi_1")
	assert.Len(t, refunds, 2)

	assert.Equal(t, 1, f.events.count(events.SettlementRefunded))
}

func TestMarkDisputed_FromSettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ingestor.IngestPaymentSucceeded(ctx, physical("evt_1", "pi_1"))
	require.NoError(t, err)

	f.clock.Advance(DefaultMaturity)
	_, err = f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)

	s, err := f.ingestor.MarkDisputed(ctx, DisputeCreated{ChargeID: "pi_1", DisputeReason: "fraudulent"})
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, s.Status)

	_, err = f.ingestor.MarkDisputed(ctx, DisputeCreated{ChargeID: "pi_1"})
	require.ErrorIs(t, err, ErrAlreadyProcessed)

	// Refunded is final.
	_, err = f.ingestor.MarkRefunded(ctx, ChargeRefunded{ChargeID: "pi_1"})
	require.NoError(t, err)
	_, err = f.ingestor.MarkDisputed(ctx, DisputeCreated{ChargeID: "pi_1"})
	require.ErrorIs(t, err, ErrStatusConflict)
}

func TestMarkRefunded_UnknownCharge(t *testing.T) {
	f := newFixture(t)
	_, err := f.ingestor.MarkRefunded(context.Background(), ChargeRefunded{ChargeID: "pi_missing"})
	require.ErrorIs(t, err, ErrSettlementNotFound)
}

// --- batch ---

func TestRunBatch_RespectsMaturity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.ingestor.IngestPaymentSucceeded(ctx, physical("evt_1", "pi_1"))
	require.NoError(t, err)

	f.clock.Advance(71 * time.Hour)
	report, err := f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.ProcessedCount)
	assert.Zero(t, f.exec.total())

	f.clock.Advance(time.Hour)
	report, err = f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ProcessedCount)
	assert.Equal(t, 1, report.SettledCount)
	assert.Equal(t, int64(9380), report.TotalsByRole.Merchant)
	assert.Equal(t, int64(300), report.TotalsByRole.Platform)
	assert.Equal(t, int64(9380), report.TotalsByCurrency["USD"].Merchant)

	stored, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, stored.Status)
	require.NotNil(t, stored.SettledAt)
	assert.Equal(t, report.BatchID, stored.BatchID)
	assert.True(t, stored.Paid(RoleMerchant))
	assert.Equal(t, "tr_pi_1:merchant", stored.Transfers[RoleMerchant].Reference)

	saved, err := f.store.GetReport(ctx, report.BatchID)
	require.NoError(t, err)
	assert.Equal(t, KindScheduled, saved.Kind)
	assert.Equal(t, 1, f.events.count(events.BatchCompleted))
}

func TestRunBatch_OneTransferPerNonZeroShare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ingestor.IngestPaymentSucceeded(ctx, withExecutionAgent(physical("evt_1", "pi_1")))
	require.NoError(t, err)

	f.clock.Advance(DefaultMaturity)
	_, err = f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)

	require.Equal(t, 2, f.exec.total())
	assert.Equal(t, 1, f.exec.callsTo("acct_merchant1"))
	assert.Equal(t, 1, f.exec.callsTo("acct_exec1"))
	for _, c := range f.exec.calls {
		assert.Contains(t, c.CorrelationID, "pi_1:")
		assert.Equal(t, "USD", c.Currency)
	}
}

func TestRunBatch_Isolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := range 5 {
		n := physical(fmt.Sprintf("evt_%d", i), fmt.Sprintf("pi_%d", i))
		n.Metadata.MerchantID = fmt.Sprintf("merchant_%d", i)
		n.Metadata.MerchantPayoutAccount = fmt.Sprintf("acct_m%d", i)
		s, err := f.ingestor.IngestPaymentSucceeded(ctx, n)
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	f.exec.setFail("acct_m2", true)

	f.clock.Advance(DefaultMaturity)
	report, err := f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 5, report.ProcessedCount)
	assert.Equal(t, 4, report.SettledCount)
	assert.Equal(t, 1, report.FailedCount)

	for i, id := range ids {
		s, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		if i == 2 {
			assert.Equal(t, StatusFailed, s.Status)
			assert.Contains(t, s.FailureReason, "merchant")
			assert.Contains(t, s.FailureReason, "destination rejected")
			continue
		}
		assert.Equal(t, StatusSettled, s.Status)
	}
	assert.Equal(t, 1, f.events.count(events.SettlementFailed))
}

func TestRetryFailed_DoesNotRepayMerchant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.ingestor.IngestPaymentSucceeded(ctx, withExecutionAgent(physical("evt_1", "pi_1")))
	require.NoError(t, err)

	f.exec.setFail("acct_exec1", true)
	f.clock.Advance(DefaultMaturity)
	_, err = f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)

	failed, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
	assert.True(t, failed.Paid(RoleMerchant))
	assert.False(t, failed.Paid(RoleExecutionAgent))
	assert.Equal(t, 1, f.exec.callsTo("acct_merchant1"))

	f.exec.setFail("acct_exec1", false)
	f.clock.Advance(DefaultRetryBackoff)
	report, err := f.scheduler.RetryFailed(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, KindRetry, report.Kind)
	assert.Equal(t, 1, report.SettledCount)

	settled, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, settled.Status)
	assert.Empty(t, settled.FailureReason)
	assert.Equal(t, 2, settled.Attempts)
	assert.Equal(t, 2, settled.Transfers[RoleExecutionAgent].Attempts)
	assert.Equal(t, 1, f.exec.callsTo("acct_merchant1"), "merchant must not be paid twice")
	assert.Equal(t, []string{"pi_1:execution_agent", "pi_1:execution_agent"}, f.exec.keysTo("acct_exec1"),
		"a retryable failure keeps its idempotency key")
}

func TestRetryFailed_NewKeyAfterDefiniteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.ingestor.IngestPaymentSucceeded(ctx, physical("evt_1", "pi_1"))
	require.NoError(t, err)

	f.exec.decline["acct_merchant1"] = true
	f.clock.Advance(DefaultMaturity)
	_, err = f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)

	failed, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	leg := failed.Transfers[RoleMerchant]
	require.NotNil(t, leg)
	assert.Equal(t, TransferFailed, leg.Status)
	assert.True(t, leg.Definite)
	assert.Equal(t, "pi_1:merchant", leg.Key)

	f.exec.decline["acct_merchant1"] = false
	f.clock.Advance(DefaultRetryBackoff)
	_, err = f.scheduler.RetryFailed(ctx, f.clock.Now())
	require.NoError(t, err)

	settled, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, settled.Status)
	assert.Equal(t, []string{"pi_1:merchant", "pi_1:merchant:2"}, f.exec.keysTo("acct_merchant1"))
	assert.Equal(t, "pi_1:merchant:2", settled.Transfers[RoleMerchant].Key)
}

func TestRetryFailed_WaitsForBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.ingestor.IngestPaymentSucceeded(ctx, physical("evt_1", "pi_1"))
	require.NoError(t, err)

	f.exec.setFail("acct_merchant1", true)
	f.clock.Advance(DefaultMaturity)
	_, err = f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)

	report, err := f.scheduler.RetryFailed(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.ProcessedCount, "a row failed in this tick is not retried in it")
	assert.Equal(t, 1, f.exec.callsTo("acct_merchant1"))

	f.clock.Advance(DefaultRetryBackoff)
	report, err = f.scheduler.RetryFailed(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ProcessedCount)

	// Two attempts now, so the next retry waits twice as long.
	f.clock.Advance(DefaultRetryBackoff)
	report, err = f.scheduler.RetryFailed(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.ProcessedCount)

	stored, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Attempts)
}

func TestRunBatch_KeepsTransferWhenDisputedMidPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.ingestor.IngestPaymentSucceeded(ctx, withExecutionAgent(physical("evt_1", "pi_1")))
	require.NoError(t, err)

	f.exec.onExecute = func(tr payout.Transfer) {
		if tr.Metadata["role"] == string(RoleMerchant) {
			_, err := f.ingestor.MarkDisputed(ctx, DisputeCreated{ChargeID: "pi_1", DisputeReason: "fraudulent"})
			assert.NoError(t, err)
		}
	}

	f.clock.Advance(DefaultMaturity)
	report, err := f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.ProcessedCount)

	stored, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, stored.Status)
	require.NotNil(t, stored.Transfers[RoleMerchant], "the merchant was paid and must stay recorded")
	assert.Equal(t, TransferSucceeded, stored.Transfers[RoleMerchant].Status)
	assert.Equal(t, "tr_pi_1:merchant", stored.Transfers[RoleMerchant].Reference)
	assert.Zero(t, f.exec.callsTo("acct_exec1"), "no further legs once the row is disputed")
}

// chainExecutor stands in for a rail that records its transaction hash
// before broadcast and reports an unknown outcome afterwards.
type chainExecutor struct {
	mu      sync.Mutex
	sends   int
	state   payout.TransferState
	tracked []string
	onSend  func()
}

func (c *chainExecutor) Execute(ctx context.Context, t payout.Transfer) (*payout.Result, error) {
	c.mu.Lock()
	c.sends++
	hash := fmt.Sprintf("0xhash%d", c.sends)
	c.mu.Unlock()
	if err := t.BeforeBroadcast(ctx, payout.RailChain, hash); err != nil {
		return nil, &payout.TransferError{Rail: payout.RailChain, Reason: "record before broadcast", Retryable: true, Err: err}
	}
	if c.onSend != nil {
		c.onSend()
	}
	return nil, &payout.TransferError{Rail: payout.RailChain, Reason: "unconfirmed " + hash, InFlight: true, Reference: hash}
}

func (c *chainExecutor) Track(_ context.Context, rail, reference string) (payout.TransferState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, rail+":"+reference)
	return c.state, nil
}

func TestRetryFailed_LooksUpSubmittedTransferInsteadOfResending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := physical("evt_1", "pi_1")
	n.Metadata.MerchantPayoutAccount = "0x1111111111111111111111111111111111111111"
	s, err := f.ingestor.IngestPaymentSucceeded(ctx, n)
	require.NoError(t, err)

	chain := &chainExecutor{state: payout.StatePending}
	chain.onSend = func() {
		row, err := f.store.Get(ctx, s.ID)
		if !assert.NoError(t, err) {
			return
		}
		leg := row.Transfers[RoleMerchant]
		if assert.NotNil(t, leg, "the hash is stored before the transaction goes out") {
			assert.Equal(t, TransferSubmitted, leg.Status)
			assert.Equal(t, "0xhash1", leg.Reference)
		}
	}
	scheduler := NewScheduler(f.store, chain, nil).WithClock(f.clock.Now)

	f.clock.Advance(DefaultMaturity)
	report, err := scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FailedCount)

	stored, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, TransferSubmitted, stored.Transfers[RoleMerchant].Status)

	// Still unknown on chain: nothing is sent again.
	f.clock.Advance(DefaultRetryBackoff)
	_, err = scheduler.RetryFailed(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, chain.sends)
	assert.Equal(t, []string{"chain:0xhash1"}, chain.tracked)

	chain.state = payout.StateConfirmed
	f.clock.Advance(2 * DefaultRetryBackoff)
	report, err = scheduler.RetryFailed(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.SettledCount)
	assert.Equal(t, 1, chain.sends, "a broadcast transfer is never sent twice")

	settled, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, settled.Status)
	assert.Equal(t, TransferSucceeded, settled.Transfers[RoleMerchant].Status)
	assert.Equal(t, "0xhash1", settled.Transfers[RoleMerchant].Reference)
}

func TestRetryFailed_ResendsRevertedChainTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := physical("evt_1", "pi_1")
	n.Metadata.MerchantPayoutAccount = "0x1111111111111111111111111111111111111111"
	_, err := f.ingestor.IngestPaymentSucceeded(ctx, n)
	require.NoError(t, err)

	chain := &chainExecutor{state: payout.StateFailed}
	scheduler := NewScheduler(f.store, chain, nil).WithClock(f.clock.Now)

	f.clock.Advance(DefaultMaturity)
	_, err = scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)

	f.clock.Advance(DefaultRetryBackoff)
	_, err = scheduler.RetryFailed(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, chain.sends, "a reverted transaction moved no money")
}

func TestRetryFailed_StopsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.scheduler.WithMaxAttempts(2)
	ctx := context.Background()
	s, err := f.ingestor.IngestPaymentSucceeded(ctx, physical("evt_1", "pi_1"))
	require.NoError(t, err)

	f.exec.setFail("acct_merchant1", true)
	f.clock.Advance(DefaultMaturity)
	_, err = f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)
	f.clock.Advance(DefaultRetryBackoff)
	_, err = f.scheduler.RetryFailed(ctx, f.clock.Now())
	require.NoError(t, err)

	f.clock.Advance(2 * DefaultRetryBackoff)
	report, err := f.scheduler.RetryFailed(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.ProcessedCount)

	stored, _ := f.store.Get(ctx, s.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, 2, f.exec.callsTo("acct_merchant1"))
}

func TestRunBatch_MissingAccountIsManual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := withExecutionAgent(physical("evt_1", "pi_1"))
	n.Metadata.MerchantPayoutAccount = ""
	s, err := f.ingestor.IngestPaymentSucceeded(ctx, n)
	require.NoError(t, err)

	f.clock.Advance(DefaultMaturity)
	report, err := f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.SettledCount)
	assert.Equal(t, 1, report.ManualCount)

	stored, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, stored.Status)
	assert.True(t, stored.ManualPayout)
	assert.Equal(t, "requires manual payout: merchant", stored.Annotation)
	assert.Equal(t, TransferManual, stored.Transfers[RoleMerchant].Status)
	assert.True(t, stored.Paid(RoleExecutionAgent))
	assert.Zero(t, f.exec.callsTo(""))

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RequiresManual)
}

func TestRunBatch_SkipsDisputed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ingestor.IngestPaymentSucceeded(ctx, physical("evt_1", "pi_1"))
	require.NoError(t, err)
	_, err = f.ingestor.MarkDisputed(ctx, DisputeCreated{ChargeID: "pi_1"})
	require.NoError(t, err)

	f.clock.Advance(DefaultMaturity)
	report, err := f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.ProcessedCount)
	assert.Zero(t, f.exec.total())
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, runlock.ErrHeld
}

func TestRunBatch_LeaseHeld(t *testing.T) {
	f := newFixture(t)
	f.scheduler.WithLock(heldLock{})

	_, err := f.scheduler.RunBatch(context.Background(), f.clock.Now())
	require.ErrorIs(t, err, ErrBatchInProgress)
}

func TestRunBatchWithMaturity_Override(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ingestor.IngestPaymentSucceeded(ctx, physical("evt_1", "pi_1"))
	require.NoError(t, err)

	report, err := f.scheduler.RunBatchWithMaturity(ctx, f.clock.Now(), 0, KindManual)
	require.NoError(t, err)
	assert.Equal(t, KindManual, report.Kind)
	assert.Equal(t, 1, report.SettledCount)
}

func TestRunBatch_ParallelRowsConserveTotals(t *testing.T) {
	f := newFixture(t)
	f.scheduler.WithConcurrency(8)
	ctx := context.Background()

	for i := range 40 {
		n := physical(fmt.Sprintf("evt_%d", i), fmt.Sprintf("pi_%d", i))
		n.GrossAmountMinor = int64(1000 + i*37)
		_, err := f.ingestor.IngestPaymentSucceeded(ctx, n)
		require.NoError(t, err)
	}

	f.clock.Advance(DefaultMaturity)
	report, err := f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 40, report.SettledCount)
	assert.Equal(t, 40, f.exec.total())

	var merchant int64
	for i := range 40 {
		b, err := split.Compute(int64(1000+i*37), "PHYSICAL", split.Roles{})
		require.NoError(t, err)
		merchant += b.MerchantAmount
	}
	assert.Equal(t, merchant, report.TotalsByRole.Merchant)
}

func TestPartySummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ingestor.IngestPaymentSucceeded(ctx, withExecutionAgent(physical("evt_1", "pi_1")))
	require.NoError(t, err)
	f.clock.Advance(DefaultMaturity)
	_, err = f.scheduler.RunBatch(ctx, f.clock.Now())
	require.NoError(t, err)
	_, err = f.ingestor.IngestPaymentSucceeded(ctx, withExecutionAgent(physical("evt_2", "pi_2")))
	require.NoError(t, err)

	summary, err := f.store.PartySummary(ctx, "agent_exec")
	require.NoError(t, err)
	require.Len(t, summary.Totals, 1)
	assert.Equal(t, int64(175), summary.Totals[0].Settled)
	assert.Equal(t, int64(175), summary.Totals[0].Pending)
	assert.Equal(t, 2, summary.Totals[0].Rows)
}
