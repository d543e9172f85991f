package opportunity

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// fixed18Scale is 10^18, the scale factor for all fixed-point amounts.
// All monetary math stays in 18-decimal integers end to end.
var fixed18Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Fixed18 is a wei-scaled fixed-point integer: an amount of
// value/10^18 units. It wraps *big.Int directly rather than introducing
// a parallel decimal representation, matching how go-ethereum itself
// represents on-chain integer amounts.
type Fixed18 struct {
	v *big.Int
}

// NewFixed18FromWei wraps a raw wei-scaled integer.
func NewFixed18FromWei(wei *big.Int) *Fixed18 {
	return &Fixed18{v: new(big.Int).Set(wei)}
}

// NewFixed18FromInt64 builds a Fixed18 representing a whole-number
// quantity (e.g. NewFixed18FromInt64(10_000) for 10,000 whole tokens).
func NewFixed18FromInt64(whole int64) *Fixed18 {
	return &Fixed18{v: new(big.Int).Mul(big.NewInt(whole), fixed18Scale)}
}

// ZeroFixed18 returns the additive identity.
func ZeroFixed18() *Fixed18 { return &Fixed18{v: big.NewInt(0)} }

// Wei returns the underlying wei-scaled integer. The returned value must
// not be mutated by the caller.
func (f *Fixed18) Wei() *big.Int {
	if f == nil {
		return big.NewInt(0)
	}
	return f.v
}

func (f *Fixed18) Sign() int {
	if f == nil || f.v == nil {
		return 0
	}
	return f.v.Sign()
}

func (f *Fixed18) IsZero() bool { return f.Sign() == 0 }

func (f *Fixed18) Add(o *Fixed18) *Fixed18 {
	return &Fixed18{v: new(big.Int).Add(f.Wei(), o.Wei())}
}

func (f *Fixed18) Sub(o *Fixed18) *Fixed18 {
	return &Fixed18{v: new(big.Int).Sub(f.Wei(), o.Wei())}
}

// Mul multiplies two fixed-point values, rescaling the 10^36
// intermediate product back down to 10^18.
func (f *Fixed18) Mul(o *Fixed18) *Fixed18 {
	prod := new(big.Int).Mul(f.Wei(), o.Wei())
	return &Fixed18{v: prod.Div(prod, fixed18Scale)}
}

// Div divides f by o, scaling the numerator up by 10^18 first so the
// result retains 18-decimal precision.
func (f *Fixed18) Div(o *Fixed18) *Fixed18 {
	if o.IsZero() {
		return ZeroFixed18()
	}
	num := new(big.Int).Mul(f.Wei(), fixed18Scale)
	return &Fixed18{v: num.Div(num, o.Wei())}
}

// MulRat multiplies by a basis-point-style rational numerator/denominator
// pair without leaving integer arithmetic (used for fee_bps application).
func (f *Fixed18) MulRat(num, den int64) *Fixed18 {
	v := new(big.Int).Mul(f.Wei(), big.NewInt(num))
	return &Fixed18{v: v.Div(v, big.NewInt(den))}
}

func (f *Fixed18) Cmp(o *Fixed18) int {
	return f.Wei().Cmp(o.Wei())
}

func (f *Fixed18) GT(o *Fixed18) bool { return f.Cmp(o) > 0 }
func (f *Fixed18) LT(o *Fixed18) bool { return f.Cmp(o) < 0 }
func (f *Fixed18) GTE(o *Fixed18) bool { return f.Cmp(o) >= 0 }
func (f *Fixed18) LTE(o *Fixed18) bool { return f.Cmp(o) <= 0 }

// ToDecimal converts to a shopspring/decimal.Decimal for USD-facing
// presentation and logging, the only boundary where amounts leave
// integer representation.
func (f *Fixed18) ToDecimal() decimal.Decimal {
	return decimal.NewFromBigInt(f.Wei(), -18)
}

// Fixed18FromDecimal converts a decimal.Decimal (e.g. a USD price read
// from PriceOracle) into an 18-decimal fixed value.
func Fixed18FromDecimal(d decimal.Decimal) *Fixed18 {
	scaled := d.Shift(18)
	return &Fixed18{v: scaled.BigInt()}
}

func (f *Fixed18) String() string {
	return f.ToDecimal().String()
}
