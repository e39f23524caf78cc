package payout

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/splitpay/internal/circuitbreaker"
)

const (
	testKey      = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testContract = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	testAddress  = "0x1111111111111111111111111111111111111111"
)

type scriptedRail struct {
	mu    sync.Mutex
	errs  []error
	calls []Transfer
}

func (s *scriptedRail) Execute(_ context.Context, t Transfer) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, t)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Result{Rail: "test", Reference: "ref_" + t.CorrelationID}, nil
}

func newTestRouter(rail *scriptedRail) *Router {
	return NewRouter(nil).
		WithRail(RailStripe, rail).
		WithRetry(3, time.Millisecond).
		WithTimeout(time.Second)
}

func transferTo(dest string) Transfer {
	return Transfer{AmountMinor: 9380, Currency: "USD", Destination: dest, CorrelationID: "pi_1:merchant"}
}

func TestRailFor(t *testing.T) {
	assert.Equal(t, RailStripe, RailFor("acct_123"))
	assert.Equal(t, RailChain, RailFor(testAddress))
	assert.Equal(t, "", RailFor("iban:DE00"))
}

func TestRouter_RetriesTransientFailures(t *testing.T) {
	rail := &scriptedRail{errs: []error{
		&TransferError{Rail: RailStripe, Reason: "503", Retryable: true},
		errors.New("connection reset"),
	}}
	res, err := newTestRouter(rail).Execute(context.Background(), transferTo("acct_1"))
	require.NoError(t, err)
	assert.Equal(t, "ref_pi_1:merchant", res.Reference)
	assert.Len(t, rail.calls, 3)
	for _, c := range rail.calls {
		assert.Equal(t, "pi_1:merchant", c.CorrelationID)
	}
}

func TestRouter_PermanentFailureIsNotRetried(t *testing.T) {
	declined := &TransferError{Rail: RailStripe, Reason: "account closed"}
	rail := &scriptedRail{errs: []error{declined}}

	_, err := newTestRouter(rail).Execute(context.Background(), transferTo("acct_1"))
	require.Error(t, err)
	assert.Len(t, rail.calls, 1)
	assert.Equal(t, "stripe: account closed", Reason(err))
}

func TestRouter_NoRail(t *testing.T) {
	rail := &scriptedRail{}
	_, err := newTestRouter(rail).Execute(context.Background(), transferTo(testAddress))
	assert.ErrorIs(t, err, ErrNoRail)
	assert.Empty(t, rail.calls)
}

func TestRouter_RejectsInvalidTransfer(t *testing.T) {
	r := newTestRouter(&scriptedRail{})
	_, err := r.Execute(context.Background(), Transfer{AmountMinor: 0, Destination: "acct_1", CorrelationID: "x"})
	assert.ErrorIs(t, err, ErrInvalidTransfer)
	_, err = r.Execute(context.Background(), Transfer{AmountMinor: 1, Destination: "acct_1"})
	assert.ErrorIs(t, err, ErrInvalidTransfer)
}

func TestRouter_OpenCircuitShortCircuits(t *testing.T) {
	rail := &scriptedRail{}
	b := circuitbreaker.New(1, time.Hour)
	b.RecordFailure(RailStripe)

	_, err := newTestRouter(rail).WithBreaker(b).Execute(context.Background(), transferTo("acct_1"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Retryable)
	assert.Empty(t, rail.calls)
}

type fakeTransferAPI struct {
	params []*stripe.TransferParams
	err    error
}

func (f *fakeTransferAPI) New(p *stripe.TransferParams) (*stripe.Transfer, error) {
	f.params = append(f.params, p)
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.Transfer{ID: "tr_1"}, nil
}

func TestStripeRail_SendsIdempotentTransfer(t *testing.T) {
	api := &fakeTransferAPI{}
	res, err := NewStripeRailWithAPI(api).Execute(context.Background(), Transfer{
		AmountMinor: 175, Currency: "USD", Destination: "acct_exec", CorrelationID: "pi_1:execution_agent",
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_1", res.Reference)

	require.Len(t, api.params, 1)
	p := api.params[0]
	assert.Equal(t, int64(175), *p.Amount)
	assert.Equal(t, "usd", *p.Currency)
	assert.Equal(t, "acct_exec", *p.Destination)
	require.NotNil(t, p.IdempotencyKey)
	assert.Equal(t, "pi_1:execution_agent", *p.IdempotencyKey)
}

func TestStripeRail_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{402, false},
		{429, true},
		{500, true},
	}
	for _, tt := range tests {
		api := &fakeTransferAPI{err: &stripe.Error{HTTPStatusCode: tt.status, Msg: "nope"}}
		_, err := NewStripeRailWithAPI(api).Execute(context.Background(), transferTo("acct_1"))
		var te *TransferError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, tt.retryable, te.Retryable, "status %d", tt.status)
		assert.Equal(t, "nope", te.Reason)
	}
}

type fakeEth struct {
	sent       []*types.Transaction
	sendErr    error
	status     uint64
	receiptErr error
}

func (f *fakeEth) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }
func (f *fakeEth) SuggestGasPrice(context.Context) (*big.Int, error)              { return big.NewInt(1e9), nil }
func (f *fakeEth) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error)  { return 60000, nil }
func (f *fakeEth) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return f.sendErr
}
func (f *fakeEth) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return &types.Receipt{Status: f.status}, nil
}
func (f *fakeEth) Close() {}

func newTestChainRail(t *testing.T, eth *fakeEth, confirm time.Duration) *ChainRail {
	t.Helper()
	r, err := NewChainRail(ChainConfig{
		PrivateKey: testKey, ChainID: 8453, USDCContract: testContract, ConfirmTimeout: confirm,
	}, WithEthClient(eth))
	require.NoError(t, err)
	r.pollEvery = time.Millisecond
	return r
}

func TestTokenUnits(t *testing.T) {
	units, err := TokenUnits(150, "USD")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_500_000), units)

	_, err = TokenUnits(150, "EUR")
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)
}

func TestChainRail_SendsTransfer(t *testing.T) {
	eth := &fakeEth{status: types.ReceiptStatusSuccessful}
	rail := newTestChainRail(t, eth, time.Second)

	res, err := rail.Execute(context.Background(), transferTo(testAddress))
	require.NoError(t, err)
	require.Len(t, eth.sent, 1)
	assert.Equal(t, eth.sent[0].Hash().Hex(), res.Reference)
	assert.Equal(t, uint64(7), eth.sent[0].Nonce())
	assert.Equal(t, common.HexToAddress(testContract), *eth.sent[0].To())
}

func TestChainRail_BroadcastFailureIsNotRetryable(t *testing.T) {
	eth := &fakeEth{sendErr: errors.New("timeout")}
	_, err := newTestChainRail(t, eth, 0).Execute(context.Background(), transferTo(testAddress))
	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.False(t, te.Retryable)
	assert.True(t, te.InFlight)
	assert.Equal(t, eth.sent[0].Hash().Hex(), te.Reference)
	assert.False(t, Definite(err))
}

func TestChainRail_RecordsHashBeforeBroadcast(t *testing.T) {
	eth := &fakeEth{status: types.ReceiptStatusSuccessful}
	var recorded string
	tr := transferTo(testAddress)
	tr.BeforeBroadcast = func(_ context.Context, rail, reference string) error {
		assert.Equal(t, RailChain, rail)
		assert.Empty(t, eth.sent, "hook must run before the transaction is sent")
		recorded = reference
		return nil
	}

	res, err := newTestChainRail(t, eth, 0).Execute(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, res.Reference, recorded)
}

func TestChainRail_HookFailureStopsBroadcast(t *testing.T) {
	eth := &fakeEth{}
	tr := transferTo(testAddress)
	tr.BeforeBroadcast = func(context.Context, string, string) error { return errors.New("db down") }

	_, err := newTestChainRail(t, eth, 0).Execute(context.Background(), tr)
	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Retryable)
	assert.Empty(t, eth.sent)
}

func TestChainRail_Track(t *testing.T) {
	ctx := context.Background()
	hash := "0x" + strings.Repeat("ab", 32)

	state, err := newTestChainRail(t, &fakeEth{receiptErr: ethereum.NotFound}, 0).Track(ctx, RailChain, hash)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	state, err = newTestChainRail(t, &fakeEth{status: types.ReceiptStatusSuccessful}, 0).Track(ctx, RailChain, hash)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, state)

	state, err = newTestChainRail(t, &fakeEth{status: types.ReceiptStatusFailed}, 0).Track(ctx, RailChain, hash)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	_, err = newTestChainRail(t, &fakeEth{receiptErr: errors.New("rpc down")}, 0).Track(ctx, RailChain, hash)
	assert.Error(t, err)
}

func TestRouter_TrackDelegatesToRail(t *testing.T) {
	eth := &fakeEth{status: types.ReceiptStatusSuccessful}
	router := NewRouter(nil).WithRail(RailChain, newTestChainRail(t, eth, 0))

	state, err := router.Track(context.Background(), RailChain, "0x"+strings.Repeat("cd", 32))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, state)

	_, err = router.Track(context.Background(), RailStripe, "tr_1")
	assert.ErrorIs(t, err, ErrNoRail)
}

func TestAttemptKey(t *testing.T) {
	assert.Equal(t, "pi_1:merchant", AttemptKey("pi_1:merchant", "", false, 1))
	assert.Equal(t, "pi_1:merchant", AttemptKey("pi_1:merchant", "pi_1:merchant", false, 2),
		"an ambiguous failure keeps its key")
	assert.Equal(t, "pi_1:merchant:3", AttemptKey("pi_1:merchant", "pi_1:merchant", true, 3),
		"a definite failure needs a fresh key")
	assert.Equal(t, "pi_1:merchant:3", AttemptKey("pi_1:merchant", "pi_1:merchant:3", false, 4))
}

func TestDefinite(t *testing.T) {
	assert.True(t, Definite(&TransferError{Rail: RailStripe, Reason: "declined"}))
	assert.False(t, Definite(&TransferError{Rail: RailStripe, Reason: "rate limited", Retryable: true}))
	assert.False(t, Definite(&TransferError{Rail: RailChain, Reason: "send", InFlight: true}))
	assert.False(t, Definite(errors.New("connection reset")))
}

func TestChainRail_Reverted(t *testing.T) {
	eth := &fakeEth{status: types.ReceiptStatusFailed}
	_, err := newTestChainRail(t, eth, time.Second).Execute(context.Background(), transferTo(testAddress))
	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Reason, "reverted")
}

func TestChainRail_RejectsNonDollar(t *testing.T) {
	eth := &fakeEth{}
	tr := transferTo(testAddress)
	tr.Currency = "EUR"
	_, err := newTestChainRail(t, eth, 0).Execute(context.Background(), tr)
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)
	assert.Empty(t, eth.sent)
}
