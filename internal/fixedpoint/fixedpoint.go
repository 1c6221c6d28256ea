// Package fixedpoint holds the integer-unit arithmetic shared by every ledger
// in the engine. Values are shopspring/decimal numbers that carry whole base
// units (USDC 1e6, prices 1e8, sizes 1e8, rates 1e8); division always states
// its rounding direction explicitly.
package fixedpoint

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Decimal precisions of the engine's base units.
const (
	USDCDecimals  int32 = 6
	PriceDecimals int32 = 8
	SizeDecimals  int32 = 8
	RateDecimals  int32 = 8

	// AccumulatorDecimals bounds the fractional digits kept by per-liquidity
	// accumulators and the fee-level frontier.
	AccumulatorDecimals int32 = 18
)

// ErrNegativeSqrt is returned when a square root of a negative value is requested.
var ErrNegativeSqrt = errors.New("fixedpoint: square root of negative value")

var (
	oneSize  = decimal.New(1, SizeDecimals)
	oneRate  = decimal.New(1, RateDecimals)
	onePrice = decimal.New(1, PriceDecimals)
)

// One returns 10^decimals.
func One(decimals int32) decimal.Decimal {
	return decimal.New(1, decimals)
}

// OneSize is one whole position unit (1e8).
func OneSize() decimal.Decimal { return oneSize }

// OneRate is a 100% rate (1e8).
func OneRate() decimal.Decimal { return oneRate }

// OnePrice is a price of 1 (1e8).
func OnePrice() decimal.Decimal { return onePrice }

// Scale converts v from one precision to another. Scaling up is exact;
// scaling down truncates toward zero unless roundUp is set, in which case
// any remainder rounds away from zero.
func Scale(v decimal.Decimal, fromDecimals, toDecimals int32, roundUp bool) decimal.Decimal {
	if toDecimals >= fromDecimals {
		return v.Shift(toDecimals - fromDecimals)
	}
	shifted := v.Shift(toDecimals - fromDecimals)
	if roundUp {
		return shifted.RoundUp(0)
	}
	return shifted.RoundDown(0)
}

// MulDiv returns a*b/d as a whole number. The quotient truncates toward zero;
// with roundUp a non-zero remainder moves it one unit away from zero.
// d must be non-zero.
func MulDiv(a, b, d decimal.Decimal, roundUp bool) decimal.Decimal {
	return Div(a.Mul(b), d, roundUp)
}

// Div returns n/d as a whole number with the same rounding rules as MulDiv.
func Div(n, d decimal.Decimal, roundUp bool) decimal.Decimal {
	q, r := n.QuoRem(d, 0)
	if roundUp && !r.IsZero() {
		if n.Sign()*d.Sign() < 0 {
			return q.Sub(decimal.NewFromInt(1))
		}
		return q.Add(decimal.NewFromInt(1))
	}
	return q
}

// Ratio divides with AccumulatorDecimals of precision, rounding half away
// from zero. It is used for per-liquidity quantities that must not lose
// sub-unit value.
func Ratio(n, d decimal.Decimal) decimal.Decimal {
	return n.DivRound(d, AccumulatorDecimals)
}

// ApplyRate returns v*rate/1e8 truncated toward zero (rounded away with roundUp).
func ApplyRate(v, rate decimal.Decimal, roundUp bool) decimal.Decimal {
	return MulDiv(v, rate, oneRate, roundUp)
}

// Notional converts a size (1e8) at a price (1e8) into USDC (1e6).
func Notional(size, price decimal.Decimal, roundUp bool) decimal.Decimal {
	return Div(size.Mul(price), decimal.New(1, SizeDecimals+PriceDecimals-USDCDecimals), roundUp)
}

// PriceValueToUSDC converts a size*price/1e8 value (price precision) to USDC.
func PriceValueToUSDC(v decimal.Decimal, roundUp bool) decimal.Decimal {
	return Scale(v, PriceDecimals, USDCDecimals, roundUp)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// SameSign reports whether a and b are both strictly positive or both strictly negative.
func SameSign(a, b decimal.Decimal) bool {
	return a.Sign() != 0 && a.Sign() == b.Sign()
}

// Sqrt returns floor(sqrt(v)) for a non-negative whole number using Newton
// iteration. The iteration count is bounded by the bit length of v.
func Sqrt(v decimal.Decimal) (decimal.Decimal, error) {
	if v.IsNegative() {
		return decimal.Zero, ErrNegativeSqrt
	}
	v = v.RoundDown(0)
	if v.LessThan(decimal.NewFromInt(2)) {
		return v, nil
	}
	two := decimal.NewFromInt(2)
	x := v
	y := Div(x.Add(decimal.NewFromInt(1)), two, false)
	for i := 0; i < 256 && y.LessThan(x); i++ {
		x = y
		y = Div(x.Add(Div(v, x, false)), two, false)
	}
	return x, nil
}
