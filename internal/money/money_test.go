package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinor(t *testing.T) {
	tests := []struct {
		in       string
		currency string
		want     int64
		wantErr  error
	}{
		{"100.00", "USD", 10000, nil},
		{"100", "usd", 10000, nil},
		{"0.3", "USD", 30, nil},
		{" 42.50 ", "EUR", 4250, nil},
		{"1500", "JPY", 1500, nil},
		{"1.005", "USD", 0, ErrTooPrecise},
		{"15.5", "JPY", 0, ErrTooPrecise},
		{"-1.00", "USD", 0, ErrNegativeAmount},
		{"abc", "USD", 0, ErrInvalidAmount},
		{"1.00", "XXX", 0, ErrUnknownCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.in+"_"+tt.currency, func(t *testing.T) {
			got, err := ParseMinor(tt.in, tt.currency)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "93.80", Format(9380, "USD"))
	assert.Equal(t, "0.05", Format(5, "usd"))
	assert.Equal(t, "1500", Format(1500, "JPY"))
	assert.Equal(t, "-3.20", Format(-320, "USD"))
}

func TestMulRate_RoundsHalfUp(t *testing.T) {
	assert.Equal(t, int64(290), MulRate(10000, MustRate("0.029")))
	// 0.5 cent rounds up, not to even.
	assert.Equal(t, int64(3), MulRate(5, MustRate("0.5")))
	assert.Equal(t, int64(1), MulRate(1, MustRate("0.5")))
	assert.Equal(t, int64(0), MulRate(1, MustRate("0.2")))
	assert.Equal(t, int64(0), MulRate(0, decimal.NewFromInt(1)))
}

func TestValidCurrency(t *testing.T) {
	assert.True(t, ValidCurrency("usd"))
	assert.True(t, ValidCurrency("USDC"))
	assert.False(t, ValidCurrency(""))
	assert.False(t, ValidCurrency("DOGE"))
}
