// Package units provides 18-decimal fixed-point token amounts.
//
// Settlement-token values (prices, payments, escrowed funds) are held as
// base units in a big.Int: 1 token = 10^18 base units. Energy quantities are
// plain integers and never pass through this package.
package units

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the fixed-point scale of every token amount.
const Decimals = 18

var (
	ErrInvalidAmount = errors.New("units: invalid amount")
	ErrNegative      = errors.New("units: negative amount")
	ErrPrecision     = errors.New("units: more than 18 decimal places")
)

var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Amount is an immutable non-negative token quantity in base units.
// The zero value is 0.
type Amount struct {
	v big.Int
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// FromBig copies x into an Amount. Nil is treated as zero.
func FromBig(x *big.Int) Amount {
	var a Amount
	if x != nil {
		a.v.Set(x)
	}
	return a
}

// FromBase returns an Amount of n base units.
func FromBase(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// FromTokens returns an Amount of n whole tokens.
func FromTokens(n uint64) Amount {
	var a Amount
	a.v.Mul(new(big.Int).SetUint64(n), scale)
	return a
}

// Parse converts a decimal string (e.g. "0.1") to an Amount.
//
// Rules:
//   - Empty string returns zero
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 18 fractional digits are rejected rather than truncated
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero(), nil
	}
	if strings.HasPrefix(s, "-") {
		return Zero(), ErrNegative
	}
	s = strings.TrimPrefix(s, "+")

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return Zero(), fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return Zero(), fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return Zero(), fmt.Errorf("%w: %q", ErrPrecision, s)
	}
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return Zero(), fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	var a Amount
	if _, ok := a.v.SetString(whole+frac, 10); !ok {
		return Zero(), fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return a, nil
}

// MustParse is Parse for constants and tests. It panics on bad input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseBase parses an integer string of base units.
func ParseBase(s string) (Amount, error) {
	var a Amount
	if _, ok := a.v.SetString(strings.TrimSpace(s), 10); !ok {
		return Zero(), fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if a.v.Sign() < 0 {
		return Zero(), ErrNegative
	}
	return a, nil
}

// Big returns a copy of the base-unit value.
func (a Amount) Big() *big.Int { return new(big.Int).Set(&a.v) }

// BaseString returns the base-unit value as an integer string.
func (a Amount) BaseString() string { return a.v.String() }

// String formats the amount as a decimal token string with trailing zeros
// trimmed (e.g. "0.1", "12").
func (a Amount) String() string {
	s := a.v.String()
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= Decimals {
		s = strings.Repeat("0", Decimals-len(s)+1) + s
	}
	point := len(s) - Decimals
	whole, frac := s[:point], strings.TrimRight(s[point:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

func (a Amount) Sign() int { return a.v.Sign() }
func (a Amount) IsZero() bool { return a.v.Sign() == 0 }
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }
func (a Amount) LessThan(b Amount) bool { return a.v.Cmp(&b.v) < 0 }

// Add returns a+b.
func (a Amount) Add(b Amount) Amount {
	var r Amount
	r.v.Add(&a.v, &b.v)
	return r
}

// Sub returns a-b. The caller must ensure b <= a.
func (a Amount) Sub(b Amount) Amount {
	var r Amount
	r.v.Sub(&a.v, &b.v)
	return r
}

// MulUint returns a*n.
func (a Amount) MulUint(n uint64) Amount {
	var r Amount
	r.v.Mul(&a.v, new(big.Int).SetUint64(n))
	return r
}

// Units returns floor(a / price) as a whole number of priced units. The
// division truncates: a payment that is not a multiple of price buys fewer
// units, never more. It returns false if price is zero or the quotient does
// not fit in a uint64.
func (a Amount) Units(price Amount) (uint64, bool) {
	if price.v.Sign() <= 0 {
		return 0, false
	}
	q := new(big.Int).Quo(&a.v, &price.v)
	if !q.IsUint64() {
		return 0, false
	}
	return q.Uint64(), true
}

// ScaleRatio returns floor(a * num / den). It returns false if den is zero.
func (a Amount) ScaleRatio(num, den uint64) (Amount, bool) {
	if den == 0 {
		return Zero(), false
	}
	var r Amount
	r.v.Mul(&a.v, new(big.Int).SetUint64(num))
	r.v.Quo(&r.v, new(big.Int).SetUint64(den))
	return r, true
}

// Float64 approximates the amount in whole tokens. Only for statistics.
func (a Amount) Float64() float64 {
	f, _ := new(big.Rat).SetFrac(&a.v, scale).Float64()
	return f
}

// MarshalJSON encodes the amount as a decimal token string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal token string or a JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the amount as a base-unit integer string, suitable for a
// NUMERIC(78,0) column.
func (a Amount) Value() (driver.Value, error) {
	return a.v.String(), nil
}

// Scan reads a base-unit integer from a NUMERIC column.
func (a *Amount) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case nil:
		*a = Zero()
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	case int64:
		if v < 0 {
			return ErrNegative
		}
		*a = FromBase(uint64(v))
		return nil
	default:
		return fmt.Errorf("units: cannot scan %T", src)
	}
	parsed, err := ParseBase(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
