package units

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"obtrade/internal/faults"
)

const (
	// MaxDecimals is the largest asset precision accepted from a market.
	MaxDecimals = 36

	// DisplayFractionDigits caps fractional digits of amounts typed or shown to a user,
	// independent of the asset's own precision.
	DisplayFractionDigits = 8
)

// ParseAmount parses a human decimal amount that must be finite and strictly positive.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, faults.Validation("parse amount", "amount must be positive, got %s", s)
	}
	return d, nil
}

// ToBaseUnits scales a decimal string to an integer with the given precision.
// Extra fractional digits are truncated, never rounded.
func ToBaseUnits(amount string, decimals uint8) (*big.Int, error) {
	if decimals > MaxDecimals {
		return nil, faults.Newf(faults.KindDomain, "to base units", "decimals %d out of range", decimals)
	}
	d, err := parseDecimal(amount)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, faults.Validation("to base units", "amount must be non-negative, got %s", amount)
	}
	return DecimalToBaseUnits(d, decimals), nil
}

// DecimalToBaseUnits is ToBaseUnits for an already parsed non-negative value.
func DecimalToBaseUnits(d decimal.Decimal, decimals uint8) *big.Int {
	return d.Truncate(int32(decimals)).Shift(int32(decimals)).BigInt()
}

// FromBaseUnits renders n as an exact decimal string without trailing zeros.
func FromBaseUnits(n *big.Int, decimals uint8) string {
	return ToDecimal(n, decimals).String()
}

func ToDecimal(n *big.Int, decimals uint8) decimal.Decimal {
	if n == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n, -int32(decimals))
}

// ExponentOf returns digitCount(n) - 1, the base-10 exponent of a precision value
// such as 10^6.
func ExponentOf(n *big.Int) (uint8, error) {
	if n == nil || n.Sign() == 0 {
		return 0, faults.Newf(faults.KindDomain, "exponent", "log10 of zero is undefined")
	}
	if n.Sign() < 0 {
		return 0, faults.Newf(faults.KindDomain, "exponent", "negative value %s", n.String())
	}
	digits := len(n.String())
	if digits-1 > MaxDecimals {
		return 0, faults.Newf(faults.KindDomain, "exponent", "precision %s too large", n.String())
	}
	return uint8(digits - 1), nil
}

// TruncateDecimals cuts value to at most places fractional digits. A trailing
// decimal point is preserved so partially typed input stays intact.
func TruncateDecimals(value string, places int) string {
	idx := strings.IndexByte(value, '.')
	if idx < 0 {
		return value
	}
	if places < 0 {
		places = 0
	}
	frac := value[idx+1:]
	if len(frac) > places {
		frac = frac[:places]
	}
	return value[:idx] + "." + frac
}

// FractionOfBalance returns pct percent of balance as a display string. For 100%
// a one-unit buffer of 10^-min(decimals,10) is kept back so the amount never
// overshoots the balance.
func FractionOfBalance(balance decimal.Decimal, pct int, decimals uint8) string {
	var raw decimal.Decimal
	if pct >= 100 {
		exp := int32(decimals)
		if exp > 10 {
			exp = 10
		}
		raw = balance.Sub(decimal.New(1, -exp))
	} else {
		raw = balance.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100))
	}
	if !raw.IsPositive() {
		return "0"
	}
	out := TruncateDecimals(raw.String(), DisplayFractionDigits)
	out = strings.TrimSuffix(out, ".")
	if d, err := decimal.NewFromString(out); err != nil || !d.IsPositive() {
		return "0"
	}
	return out
}

func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, faults.Validation("parse amount", "amount is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, faults.New(faults.KindValidation, "parse amount", err)
	}
	return d, nil
}
