// Package split computes how a collected amount is divided between the
// payment processor, the platform, the merchant, and intermediary agents.
//
// All functions are pure. Amounts are int64 minor units; every proportional
// share goes through the same half-up rounding helper, and the merchant and
// platform remainders are derived from already-rounded parts so the outputs
// always add back up to the input exactly.
package split

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/splitpay/internal/money"
)

var (
	ErrInvalidAmount      = errors.New("split: amount must be positive")
	ErrAmountTooSmall     = errors.New("split: amount does not cover processor and platform fees")
	ErrInvalidCommission  = errors.New("split: commission fractions must be non-negative and sum to 1")
	ErrInvariantViolation = errors.New("split: breakdown does not reconcile")
)

// ProductType selects a row of the fee table.
type ProductType string

const (
	ProductPhysical  ProductType = "PHYSICAL"
	ProductDigital   ProductType = "DIGITAL"
	ProductService   ProductType = "SERVICE"
	ProductInfra     ProductType = "INFRA"
	ProductResource  ProductType = "RESOURCE"
	ProductLogic     ProductType = "LOGIC"
	ProductComposite ProductType = "COMPOSITE"
)

// FeeRates is one row of the fee table.
type FeeRates struct {
	BaseFeeRate decimal.Decimal
	PoolRate    decimal.Decimal
}

var feeTable = map[ProductType]FeeRates{
	ProductPhysical:  {money.MustRate("0.005"), money.MustRate("0.025")},
	ProductDigital:   {money.MustRate("0.01"), money.MustRate("0.04")},
	ProductService:   {money.MustRate("0.015"), money.MustRate("0.065")},
	ProductInfra:     {money.MustRate("0.005"), money.MustRate("0.02")},
	ProductResource:  {money.MustRate("0.005"), money.MustRate("0.025")},
	ProductLogic:     {money.MustRate("0.01"), money.MustRate("0.04")},
	ProductComposite: {money.MustRate("0.02"), money.MustRate("0.08")},
}

var (
	processorRate     = money.MustRate("0.029")
	executionShare    = money.MustRate("0.70")
	recommendShare    = money.MustRate("0.30")
	referralShare     = money.MustRate("0.20")
	processorFixedFee = int64(30)
)

// Lookup resolves a product type string (case-insensitive) to its fee row.
// Unknown or empty types fall back to PHYSICAL.
func Lookup(productType string) (ProductType, FeeRates) {
	pt := ProductType(strings.ToUpper(strings.TrimSpace(productType)))
	if rates, ok := feeTable[pt]; ok {
		return pt, rates
	}
	return ProductPhysical, feeTable[ProductPhysical]
}

// Roles records which intermediary agents take part in a charge.
type Roles struct {
	ExecutionAgent      bool
	RecommendationAgent bool
	ReferralAgent       bool
}

// Breakdown is the itemized split of one charge.
type Breakdown struct {
	ProductType ProductType `json:"productType"`

	GrossAmount        int64 `json:"grossAmount"`
	ProcessorFee       int64 `json:"processorFee"`
	NetAmount          int64 `json:"netAmount"`
	BaseFee            int64 `json:"baseFee"`
	PoolFee            int64 `json:"poolFee"`
	PlatformCommission int64 `json:"platformCommission"`
	PlatformNetAmount  int64 `json:"platformNetAmount"`
	MerchantAmount     int64 `json:"merchantAmount"`

	ExecutionAgentAmount      int64 `json:"executionAgentAmount"`
	RecommendationAgentAmount int64 `json:"recommendationAgentAmount"`
	ReferralAgentAmount       int64 `json:"referralAgentAmount"`
}

// Compute splits a gross charge amount.
func Compute(gross int64, productType string, roles Roles) (Breakdown, error) {
	if gross <= 0 {
		return Breakdown{}, ErrInvalidAmount
	}
	pt, rates := Lookup(productType)

	b := Breakdown{ProductType: pt, GrossAmount: gross}
	b.ProcessorFee = Share(gross, processorRate) + processorFixedFee
	b.NetAmount = gross - b.ProcessorFee
	b.BaseFee = Share(gross, rates.BaseFeeRate)
	b.PoolFee = Share(gross, rates.PoolRate)
	b.PlatformCommission = b.BaseFee + b.PoolFee
	b.MerchantAmount = b.NetAmount - b.PlatformCommission
	if b.MerchantAmount < 0 {
		return Breakdown{}, fmt.Errorf("%w: gross %d", ErrAmountTooSmall, gross)
	}

	if roles.ExecutionAgent {
		b.ExecutionAgentAmount = Share(b.PoolFee, executionShare)
	}
	if roles.RecommendationAgent {
		// Both shares rounding up must not overdraw the pool.
		b.RecommendationAgentAmount = min(Share(b.PoolFee, recommendShare), b.PoolFee-b.ExecutionAgentAmount)
	}
	if roles.ReferralAgent {
		b.ReferralAgentAmount = Share(b.BaseFee, referralShare)
	}

	poolRemainder := b.PoolFee - b.ExecutionAgentAmount - b.RecommendationAgentAmount
	b.PlatformNetAmount = b.BaseFee - b.ReferralAgentAmount + poolRemainder

	if err := b.Verify(); err != nil {
		return Breakdown{}, err
	}
	return b, nil
}

// Verify checks the conservation rules of a breakdown.
func (b Breakdown) Verify() error {
	switch {
	case b.ProcessorFee+b.BaseFee+b.PoolFee+b.MerchantAmount != b.GrossAmount:
		return fmt.Errorf("%w: fees and merchant amount do not sum to gross", ErrInvariantViolation)
	case b.NetAmount != b.GrossAmount-b.ProcessorFee:
		return fmt.Errorf("%w: net amount", ErrInvariantViolation)
	case b.PlatformCommission != b.BaseFee+b.PoolFee:
		return fmt.Errorf("%w: platform commission", ErrInvariantViolation)
	case b.ExecutionAgentAmount < 0 || b.RecommendationAgentAmount < 0 || b.ReferralAgentAmount < 0:
		return fmt.Errorf("%w: negative agent amount", ErrInvariantViolation)
	case b.ExecutionAgentAmount+b.RecommendationAgentAmount > b.PoolFee:
		return fmt.Errorf("%w: agent amounts exceed pool", ErrInvariantViolation)
	case b.ReferralAgentAmount > b.BaseFee:
		return fmt.Errorf("%w: referral amount exceeds base fee", ErrInvariantViolation)
	case b.MerchantAmount+b.ExecutionAgentAmount+b.RecommendationAgentAmount+b.ReferralAgentAmount+b.PlatformNetAmount != b.NetAmount:
		return fmt.Errorf("%w: party amounts do not sum to net", ErrInvariantViolation)
	}
	return nil
}

// Share returns amount*rate rounded half-up to the minor unit.
func Share(amount int64, rate decimal.Decimal) int64 {
	return money.MulRate(amount, rate)
}
