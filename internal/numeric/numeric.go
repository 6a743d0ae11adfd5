// Package numeric implements the fixed-point decimal used for every money and
// ratio calculation in the engine. Values carry exactly 18 fractional digits,
// the same scale as the on-chain 1e18 fixed-point integers they mirror, and
// every operation truncates toward zero the way the contracts do.
//
// All arithmetic is backed by shopspring/decimal; never float64 for money.
package numeric

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept by every Value.
const Scale int32 = 18

var (
	// ErrNegative is returned when a negative value is converted to an
	// unsigned on-chain integer.
	ErrNegative = errors.New("numeric: value is negative")

	// ErrOverflow is returned when a value does not fit in 256 bits.
	ErrOverflow = errors.New("numeric: value overflows uint256")

	maxUint256 = new(uint256.Int).Not(uint256.NewInt(0))
)

// Value is an immutable 18-digit fixed-point decimal. The zero Value is 0.
//
// Infinity is represented explicitly; it compares greater than every finite
// value and is what a collateral ratio becomes when debt is zero.
type Value struct {
	d   decimal.Decimal
	inf bool
}

var (
	Zero     = Value{}
	One      = FromInt(1)
	Infinity = Value{inf: true}
)

// New truncates d to Scale fractional digits.
func New(d decimal.Decimal) Value {
	return Value{d: d.Truncate(Scale)}
}

// FromInt returns the integral Value n.
func FromInt(n int64) Value {
	return Value{d: decimal.NewFromInt(n)}
}

// Parse reads a decimal string. "Infinity" and "∞" parse to Infinity.
func Parse(s string) (Value, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "Infinity", "infinity", "∞":
		return Infinity, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("numeric: parse %q: %w", s, err)
	}
	return New(d), nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) Value {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromWei interprets an integer scaled by 1e18.
func FromWei(wei *big.Int) Value {
	if wei == nil {
		return Zero
	}
	return Value{d: decimal.NewFromBigInt(wei, -Scale)}
}

// FromUint256 interprets an on-chain uint256 scaled by 1e18. MaxUint256 is the
// contracts' encoding of an infinite ratio.
func FromUint256(x *uint256.Int) Value {
	if x == nil {
		return Zero
	}
	if x.Eq(maxUint256) {
		return Infinity
	}
	return FromWei(x.ToBig())
}

// Wei returns the value scaled by 1e18 as an integer. Infinity has no integer
// form and returns nil.
func (v Value) Wei() *big.Int {
	if v.inf {
		return nil
	}
	return v.d.Shift(Scale).BigInt()
}

// Uint256 converts v for use as a contract argument. Infinity encodes as
// MaxUint256.
func (v Value) Uint256() (*uint256.Int, error) {
	if v.inf {
		return new(uint256.Int).Set(maxUint256), nil
	}
	if v.d.IsNegative() {
		return nil, ErrNegative
	}
	x, overflow := uint256.FromBig(v.Wei())
	if overflow {
		return nil, ErrOverflow
	}
	return x, nil
}

func (v Value) IsInfinite() bool { return v.inf }
func (v Value) IsZero() bool     { return !v.inf && v.d.IsZero() }
func (v Value) IsPositive() bool { return v.inf || v.d.IsPositive() }
func (v Value) IsNegative() bool { return !v.inf && v.d.IsNegative() }

// Cmp returns -1, 0 or +1 as v is less than, equal to or greater than o.
func (v Value) Cmp(o Value) int {
	switch {
	case v.inf && o.inf:
		return 0
	case v.inf:
		return 1
	case o.inf:
		return -1
	}
	return v.d.Cmp(o.d)
}

func (v Value) Equal(o Value) bool              { return v.Cmp(o) == 0 }
func (v Value) LessThan(o Value) bool           { return v.Cmp(o) < 0 }
func (v Value) LessThanOrEqual(o Value) bool    { return v.Cmp(o) <= 0 }
func (v Value) GreaterThan(o Value) bool        { return v.Cmp(o) > 0 }
func (v Value) GreaterThanOrEqual(o Value) bool { return v.Cmp(o) >= 0 }

// Add returns v + o.
func (v Value) Add(o Value) Value {
	if v.inf || o.inf {
		return Infinity
	}
	return Value{d: v.d.Add(o.d)}
}

// Sub returns v - o. Subtracting Infinity from a finite value is undefined and
// panics.
func (v Value) Sub(o Value) Value {
	if o.inf {
		panic("numeric: subtracting Infinity")
	}
	if v.inf {
		return Infinity
	}
	return Value{d: v.d.Sub(o.d)}
}

// Mul returns v * o truncated to Scale digits.
func (v Value) Mul(o Value) Value {
	if v.inf || o.inf {
		if v.IsZero() || o.IsZero() {
			return Zero
		}
		return Infinity
	}
	return Value{d: v.d.Mul(o.d).Truncate(Scale)}
}

// Div returns v / o truncated toward zero. Dividing by zero yields Infinity,
// matching the on-chain ratio helpers.
func (v Value) Div(o Value) Value {
	switch {
	case o.inf:
		if v.inf {
			return One
		}
		return Zero
	case v.inf:
		return Infinity
	case o.d.IsZero():
		return Infinity
	}
	num := v.d.Shift(2 * Scale).BigInt()
	den := o.d.Shift(Scale).BigInt()
	return Value{d: decimal.NewFromBigInt(new(big.Int).Quo(num, den), -Scale)}
}

// Pow raises v to an integral power by repeated squaring. Each intermediate
// product is truncated, so the result matches the contracts' decPow.
func (v Value) Pow(n uint64) Value {
	result := One
	base := v
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base)
		}
		n >>= 1
		if n > 0 {
			base = base.Mul(base)
		}
	}
	return result
}

// Min returns the smaller of a and b.
func Min(a, b Value) Value {
	if a.LessThanOrEqual(b) {
		return a
	}
	return b
}

// String renders the shortest exact form, or "Infinity".
func (v Value) String() string {
	if v.inf {
		return "Infinity"
	}
	return v.d.String()
}

// MarshalJSON encodes v as a JSON string to keep full precision.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON accepts both JSON strings and bare numbers.
func (v *Value) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*v = Zero
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
