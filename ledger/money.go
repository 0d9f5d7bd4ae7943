package ledger

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point currency values
// =============================================================================

// MinorUnits is the number of fractional digits kept for every stored amount.
const MinorUnits = 2

var hundred = decimal.NewFromInt(100)

// Round quantizes a value to currency precision using banker's rounding.
// Every monetary step rounds on its own; callers never round only at the end.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(MinorUnits)
}

// MustMoney parses a decimal literal and panics on malformed input.
// Intended for constants and tests.
func MustMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return Round(d)
}

// ParseMoney parses user input into a rounded currency value.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "not a decimal: " + s}
	}
	return Round(d), nil
}

// Percent returns pct% of amount, rounded.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(pct).Div(hundred))
}

// Sum adds values. An empty list sums to zero.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

func minMoney(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
