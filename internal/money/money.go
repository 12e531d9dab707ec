// Package money holds fixed-point currency helpers. Amounts are stored as
// integer minor units; fractional intermediate values (percent discounts) are
// carried as decimals and rounded exactly once, when they become an Amount.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places of an Amount.
const Scale = 2

// MaxAmount bounds prices and totals so that sums of them stay far inside
// int64 minor units.
const MaxAmount Amount = 1_000_000_000_000_000

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidPercent = errors.New("invalid percent")

	hundred = decimal.NewFromInt(100)
)

// Amount is a currency value in minor units.
type Amount int64

// FromDecimal rounds d half away from zero to two places. d must be within
// ±MaxAmount; callers check with InRange first.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount(d.Round(Scale).Shift(Scale).IntPart())
}

// Parse reads a major-unit string such as "45.50". More than two decimal
// places is rejected rather than silently rounded.
func Parse(raw string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if !d.Equal(d.Round(Scale)) {
		return 0, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, raw, Scale)
	}
	if !InRange(d) {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidAmount, raw)
	}
	return FromDecimal(d), nil
}

// InRange reports whether the major-unit value d is within ±MaxAmount.
func InRange(d decimal.Decimal) bool {
	return d.Abs().LessThanOrEqual(MaxAmount.Decimal())
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) Amount {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(Scale)
}

// Times multiplies by an integer quantity without rounding.
func (a Amount) Times(quantity int) decimal.Decimal {
	return a.Decimal().Mul(decimal.NewFromInt(int64(quantity)))
}

func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total += a
	}
	return total
}

// ValidPercent reports whether p is within 0..100 inclusive.
func ValidPercent(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(hundred)
}

func ParsePercent(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	p, err := decimal.NewFromString(trimmed)
	if err != nil || !ValidPercent(p) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidPercent, raw)
	}
	return p, nil
}

// ApplyDiscount returns subtotal - subtotal*pct/100, unrounded.
func ApplyDiscount(subtotal decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
	if pct.IsZero() {
		return subtotal
	}
	return subtotal.Sub(subtotal.Mul(pct).Div(hundred))
}
