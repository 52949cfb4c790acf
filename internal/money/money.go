// Package money provides the fixed-point amount type used for contract prices
// and escrow settlements.
//
// Amounts are stored as int64 minor units (cents). Decimal strings are the
// wire format: "1050.00" is Amount(105000).
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Decimals is the number of minor-unit digits.
const Decimals = 2

const scale = 100

// ErrInvalidAmount is returned when a decimal string cannot be parsed.
var ErrInvalidAmount = errors.New("money: invalid amount")

// Amount is a non-negative quantity of minor currency units.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// FromMajor converts whole currency units to an Amount.
func FromMajor(units int64) Amount {
	return Amount(units * scale)
}

// Parse converts a decimal string (e.g. "10.5") to an Amount.
//
// Rules:
//   - Empty string and negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than two fractional digits are rejected rather than truncated
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return 0, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, Decimals)
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount(v), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String formats the amount with exactly two decimals ("1050.00").
func (a Amount) String() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%d.%02d", v/scale, v%scale)
	if neg {
		return "-" + s
	}
	return s
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a == 0 }

// Float64 returns the amount in major units, for metrics only.
func (a Amount) Float64() float64 { return float64(a) / 100 }

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return a + b }

// Sub returns a - b. The result may be negative; callers validate.
func (a Amount) Sub(b Amount) Amount { return a - b }

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, string(b))
		}
		s = n.String()
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
