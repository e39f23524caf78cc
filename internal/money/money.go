// Package money provides integer minor-unit amounts and the parsing and
// formatting helpers used at the API edges.
//
// Every amount inside the engine is an int64 count of the currency's minor
// unit (cents for USD). Decimal strings only appear in requests, responses,
// and provider payloads.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("money: invalid amount")
	ErrNegativeAmount  = errors.New("money: negative amount")
	ErrTooPrecise      = errors.New("money: more decimal places than the currency allows")
	ErrUnknownCurrency = errors.New("money: unknown currency")
)

// exponents maps supported ISO-4217 codes to their minor-unit exponent.
// USDC settles on-chain but is booked in cents like USD.
var exponents = map[string]int32{
	"USD":  2,
	"EUR":  2,
	"GBP":  2,
	"CNY":  2,
	"HKD":  2,
	"SGD":  2,
	"CAD":  2,
	"AUD":  2,
	"CHF":  2,
	"INR":  2,
	"BRL":  2,
	"MXN":  2,
	"JPY":  0,
	"KRW":  0,
	"USDC": 2,
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCurrency reports whether code is a supported currency.
func ValidCurrency(code string) bool {
	_, ok := exponents[NormalizeCurrency(code)]
	return ok
}

// Exponent returns the number of minor-unit digits for a currency.
func Exponent(code string) (int32, error) {
	exp, ok := exponents[NormalizeCurrency(code)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return exp, nil
}

// ParseMinor converts a decimal string such as "93.80" into minor units.
// Negative values and values finer than the currency's minor unit are rejected.
func ParseMinor(s, currency string) (int64, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return 0, err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return 0, ErrNegativeAmount
	}
	scaled := d.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrTooPrecise
	}
	if !scaled.LessThanOrEqual(decimal.NewFromInt(maxMinor)) {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, s)
	}
	return scaled.IntPart(), nil
}

// maxMinor caps parsed amounts well below int64 overflow in later sums.
const maxMinor = int64(1) << 53

// Format renders minor units as a fixed-point decimal string ("93.80").
func Format(minor int64, currency string) string {
	exp, err := Exponent(currency)
	if err != nil {
		exp = 2
	}
	return decimal.New(minor, -exp).StringFixed(exp)
}

// MulRate multiplies an amount by a rate and rounds half-up to the minor unit.
// The engine only applies non-negative rates to non-negative amounts, where
// half-away-from-zero and half-up coincide.
func MulRate(minor int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(minor).Mul(rate).Round(0).IntPart()
}

// MustRate parses a constant rate literal; it panics on malformed input and
// is meant for package-level tables only.
func MustRate(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
