package split

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Commission is a structured three-way split of an escrow amount.
// The fractions must sum to exactly 1.
type Commission struct {
	Merchant decimal.Decimal `json:"merchant"`
	Agent    decimal.Decimal `json:"agent"`
	Platform decimal.Decimal `json:"platform"`
}

// Validate checks the fractions.
func (c Commission) Validate() error {
	one := decimal.NewFromInt(1)
	for _, f := range []decimal.Decimal{c.Merchant, c.Agent, c.Platform} {
		if f.IsNegative() || f.GreaterThan(one) {
			return ErrInvalidCommission
		}
	}
	if !c.Merchant.Add(c.Agent).Add(c.Platform).Equal(one) {
		return ErrInvalidCommission
	}
	return nil
}

// Release is the payout of an escrow amount at release time.
type Release struct {
	MerchantAmount int64 `json:"merchantAmount"`
	AgentAmount    int64 `json:"agentAmount"`
	PlatformAmount int64 `json:"platformAmount"`
}

// Total returns the sum of the three parts.
func (r Release) Total() int64 {
	return r.MerchantAmount + r.AgentAmount + r.PlatformAmount
}

// EscrowRelease splits an escrow amount.
//
// With a structured commission the agent and platform parts are rounded
// shares and the merchant takes the remainder. With only a flat rate the
// merchant receives amount*(1-rate) and the withheld commission stays with
// the platform. With neither, the merchant receives everything.
func EscrowRelease(amount int64, commission *Commission, flatRate *decimal.Decimal) (Release, error) {
	if amount <= 0 {
		return Release{}, ErrInvalidAmount
	}

	var r Release
	switch {
	case commission != nil:
		if err := commission.Validate(); err != nil {
			return Release{}, err
		}
		r.AgentAmount = Share(amount, commission.Agent)
		r.PlatformAmount = min(Share(amount, commission.Platform), amount-r.AgentAmount)
		r.MerchantAmount = amount - r.AgentAmount - r.PlatformAmount
	case flatRate != nil:
		if flatRate.IsNegative() || flatRate.GreaterThan(decimal.NewFromInt(1)) {
			return Release{}, fmt.Errorf("%w: flat rate %s", ErrInvalidCommission, flatRate)
		}
		r.MerchantAmount = Share(amount, decimal.NewFromInt(1).Sub(*flatRate))
		r.PlatformAmount = amount - r.MerchantAmount
	default:
		r.MerchantAmount = amount
	}

	if r.Total() != amount || r.MerchantAmount < 0 {
		return Release{}, fmt.Errorf("%w: release of %d", ErrInvariantViolation, amount)
	}
	return r, nil
}

// UnmarshalJSON accepts "paymind" as an alias of "platform" for payloads
// produced by older checkout clients.
func (c *Commission) UnmarshalJSON(data []byte) error {
	var raw struct {
		Merchant decimal.Decimal  `json:"merchant"`
		Agent    decimal.Decimal  `json:"agent"`
		Platform *decimal.Decimal `json:"platform"`
		Paymind  *decimal.Decimal `json:"paymind"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Merchant, c.Agent = raw.Merchant, raw.Agent
	switch {
	case raw.Platform != nil:
		c.Platform = *raw.Platform
	case raw.Paymind != nil:
		c.Platform = *raw.Paymind
	default:
		c.Platform = decimal.Zero
	}
	return nil
}
