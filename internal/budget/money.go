// Package budget accounts for LLM spend and decides whether a job may make another call.
//
// Amounts are Money, an integer count of micro-dollars, so totals built from many
// small increments stay exact. Ceilings are checked against committed spend plus the
// estimate for the next call; actual cost is recorded once the call returns.
package budget

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/felixgeelhaar/foundry/internal/errors"
)

// Money is an amount in micro-dollars (1e-6 USD)
type Money int64

const (
	Microdollar Money = 1
	Cent        Money = 10_000
	Dollar      Money = 1_000_000
)

// ParseUSD parses a decimal dollar amount such as "12.50". The empty string is zero.
func ParseUSD(s string) (Money, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeConfigInvalid, "parse amount "+s, err)
	}
	return FromDecimal(d), nil
}

// FromDecimal converts a dollar amount, rounding to the nearest micro-dollar
func FromDecimal(d decimal.Decimal) Money {
	return Money(d.Shift(6).Round(0).IntPart())
}

// Decimal returns the amount in dollars
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -6)
}

// USD returns the amount in dollars as a float for metrics and display
func (m Money) USD() float64 {
	return m.Decimal().InexactFloat64()
}

// String formats the amount as dollars, e.g. "$0.0125"
func (m Money) String() string {
	return "$" + m.Decimal().String()
}

// MarshalJSON encodes the amount as a dollar number
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.Decimal().String()), nil
}

// UnmarshalJSON decodes a dollar number or string
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*m = FromDecimal(d)
	return nil
}

// PercentOf returns m as a percentage of limit, rounded to two decimals. A non-positive limit yields 0.
func (m Money) PercentOf(limit Money) float64 {
	if limit <= 0 {
		return 0
	}
	return decimal.NewFromInt(int64(m)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(limit))).
		Round(2).
		InexactFloat64()
}
