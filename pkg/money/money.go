// Package money holds the monetary helpers shared by the pharmacy engine.
// Amounts are decimal.Decimal end to end and rounded to cents only when a
// value is persisted or shown.
package money

import (
	"github.com/shopspring/decimal"
)

// Money is a monetary value with full precision
type Money = decimal.Decimal

var hundred = decimal.NewFromInt(100)

// Zero returns zero Money value.
func Zero() Money {
	return decimal.Zero
}

// Must parses s and panics on error. Use only for constants and tests.
func Must(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// RoundCents rounds half away from zero to two decimal places.
func RoundCents(m Money) Money {
	return m.Round(2)
}

// Percent returns m * pct / 100 rounded to cents.
func Percent(m Money, pct decimal.Decimal) Money {
	return RoundCents(m.Mul(pct).Div(hundred))
}

// LineTotal is unitPrice*quantity - discount, rounded to cents.
func LineTotal(unitPrice Money, quantity int, discount Money) Money {
	return RoundCents(unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Sub(discount))
}

// Sum adds the values.
func Sum(values ...Money) Money {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// ValidPercentage reports whether pct lies in [0, 100].
func ValidPercentage(pct decimal.Decimal) bool {
	return !pct.IsNegative() && pct.LessThanOrEqual(hundred)
}
