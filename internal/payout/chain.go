package payout

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/splitpay/internal/money"
)

const erc20TransferABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const (
	// USDCDecimals is the token precision of USDC.
	USDCDecimals = 6

	defaultGasLimit  = uint64(100000)
	receiptPollEvery = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// ChainConfig configures the USDC rail.
type ChainConfig struct {
	RPCURL       string
	PrivateKey   string
	ChainID      int64
	USDCContract string
	// ConfirmTimeout waits for the receipt when positive.
	ConfirmTimeout time.Duration
}

// ChainOption configures a ChainRail.
type ChainOption func(*ChainRail)

// WithEthClient sets a custom client.
func WithEthClient(c EthClient) ChainOption {
	return func(r *ChainRail) { r.client = c }
}

// ChainRail pays EVM addresses in USDC. Only dollar-denominated transfers
// are accepted; one cent is 10^4 token units.
type ChainRail struct {
	client         EthClient
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	contract       common.Address
	abi            abi.ABI
	confirmTimeout time.Duration
	pollEvery      time.Duration
}

// NewChainRail creates the USDC rail.
func NewChainRail(cfg ChainConfig, opts ...ChainOption) (*ChainRail, error) {
	if cfg.ChainID == 0 || !common.IsHexAddress(cfg.USDCContract) {
		return nil, errors.New("payout: chain id and USDC contract required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("payout: invalid chain key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("payout: parse ERC20 ABI: %w", err)
	}

	r := &ChainRail{
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		contract:       common.HexToAddress(cfg.USDCContract),
		abi:            parsed,
		confirmTimeout: cfg.ConfirmTimeout,
		pollEvery:      receiptPollEvery,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("payout: dial chain rpc: %w", err)
		}
		r.client = client
	}
	return r, nil
}

// Address returns the paying address.
func (r *ChainRail) Address() string { return r.from.Hex() }

// Close releases the RPC connection.
func (r *ChainRail) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

// TokenUnits converts dollar minor units to USDC token units.
func TokenUnits(minor int64, currency string) (*big.Int, error) {
	switch money.NormalizeCurrency(currency) {
	case "USD", "USDC":
	default:
		return nil, ErrUnsupportedCurrency
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(USDCDecimals-2), nil)
	return new(big.Int).Mul(big.NewInt(minor), scale), nil
}

// Execute sends an ERC-20 transfer. Failures before broadcast are
// retryable; once a transaction is broadcast, a failure is not, since a
// resend would use a fresh nonce and could pay twice.
func (r *ChainRail) Execute(ctx context.Context, t Transfer) (*Result, error) {
	if !common.IsHexAddress(t.Destination) {
		return nil, &TransferError{Rail: RailChain, Reason: "invalid address", Err: ErrInvalidTransfer}
	}
	amount, err := TokenUnits(t.AmountMinor, t.Currency)
	if err != nil {
		return nil, &TransferError{Rail: RailChain, Reason: "unsupported currency " + t.Currency, Err: err}
	}

	data, err := r.abi.Pack("transfer", common.HexToAddress(t.Destination), amount)
	if err != nil {
		return nil, &TransferError{Rail: RailChain, Reason: "pack", Err: err}
	}
	nonce, err := r.client.PendingNonceAt(ctx, r.from)
	if err != nil {
		return nil, &TransferError{Rail: RailChain, Reason: "nonce", Retryable: true, Err: err}
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Rail: RailChain, Reason: "gas price", Retryable: true, Err: err}
	}
	gasLimit, err := r.client.EstimateGas(ctx, ethereum.CallMsg{From: r.from, To: &r.contract, Data: data})
	if err != nil {
		gasLimit = defaultGasLimit
	}

	tx := types.NewTransaction(nonce, r.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(r.chainID), r.key)
	if err != nil {
		return nil, &TransferError{Rail: RailChain, Reason: "sign", Err: err}
	}
	hash := signed.Hash()
	if t.BeforeBroadcast != nil {
		if err := t.BeforeBroadcast(ctx, RailChain, hash.Hex()); err != nil {
			return nil, &TransferError{Rail: RailChain, Reason: "record before broadcast", Retryable: true, Err: err}
		}
	}
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		// The node may have accepted the transaction before the error.
		return nil, &TransferError{Rail: RailChain, Reason: "send " + hash.Hex(), InFlight: true, Reference: hash.Hex(), Err: err}
	}

	if r.confirmTimeout > 0 {
		if err := r.waitForReceipt(ctx, hash); err != nil {
			return nil, err
		}
	}
	return &Result{Rail: RailChain, Reference: hash.Hex()}, nil
}

func (r *ChainRail) waitForReceipt(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return &TransferError{Rail: RailChain, Reason: "unconfirmed " + hash.Hex(), InFlight: true, Reference: hash.Hex(), Err: ctx.Err()}
		case <-ticker.C:
			receipt, err := r.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return &TransferError{Rail: RailChain, Reason: "reverted " + hash.Hex(), Reference: hash.Hex()}
			}
			return nil
		}
	}
}

// Track looks up a broadcast transaction by hash. A transaction the node
// does not know yet is pending.
func (r *ChainRail) Track(ctx context.Context, rail, reference string) (TransferState, error) {
	if rail != RailChain {
		return "", fmt.Errorf("payout: chain rail cannot track %s transfers", rail)
	}
	receipt, err := r.client.TransactionReceipt(ctx, common.HexToHash(reference))
	if errors.Is(err, ethereum.NotFound) {
		return StatePending, nil
	}
	if err != nil {
		return "", err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return StateFailed, nil
	}
	return StateConfirmed, nil
}

var (
	_ Executor = (*ChainRail)(nil)
	_ Tracker  = (*ChainRail)(nil)
)
