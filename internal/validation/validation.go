// Package validation provides request validation helpers and middleware.
package validation

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/splitpay/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields such as dispute reasons
const MaxStringLength = 2000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, strips null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// IsPayoutAccount reports whether dest is a destination a payout rail can
// address: a Stripe connected account ("acct_...") or an EVM address.
func IsPayoutAccount(dest string) bool {
	switch {
	case strings.HasPrefix(dest, "acct_"):
		return len(dest) > len("acct_")
	case strings.HasPrefix(dest, "0x"):
		return common.IsHexAddress(dest)
	}
	return false
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Currency checks for a supported ISO-4217 code
func Currency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !money.ValidCurrency(value) {
			return &ValidationError{Field: field, Message: "unsupported currency"}
		}
		return nil
	}
}

// PositiveMinor checks that a minor-unit amount is greater than zero
func PositiveMinor(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// PayoutAccount checks an optional payout destination
func PayoutAccount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // absence is allowed; the batch annotates manual payout
		}
		if !IsPayoutAccount(value) {
			return &ValidationError{Field: field, Message: "must be a Stripe account (acct_...) or an EVM address (0x...)"}
		}
		return nil
	}
}

// PartyPair checks that a payout account is only given together with its party id
func PartyPair(field, id, account string) func() *ValidationError {
	return func() *ValidationError {
		if account != "" && strings.TrimSpace(id) == "" {
			return &ValidationError{Field: field, Message: "payout account given without party id"}
		}
		return nil
	}
}

// Abort writes a 400 response carrying the collected errors
func Abort(c *gin.Context, errs ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}
