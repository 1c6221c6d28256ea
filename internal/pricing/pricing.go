// Package pricing turns the oracle spot price into index, mark and trade
// prices for each product, and computes the Greeks, funding and fee rates
// that the margin engine and the liquidity ledger consume.
//
// All prices are 1e8 fixed point, rates are 1e8 fixed point (1e8 = 100%),
// sizes are 1e8 fixed point and USDC amounts are 1e6 fixed point.
package pricing

import (
	"time"

	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/product"
	"github.com/shopspring/decimal"
)

// Year is the annualisation basis for variance and funding.
const Year = 365 * 24 * time.Hour

var (
	// squeethNormalization divides spot² so the squeeth index stays near
	// spot/10000 scale: index = spot² / 10000 (in whole USD).
	squeethNormalization = decimal.NewFromInt(10_000)

	// squeethGamma is d²index/dspot² = 2/10000, in rate units.
	squeethGamma = decimal.NewFromInt(20_000)

	two = decimal.NewFromInt(2)
)

// IndexPrice is the spot-derived reference price of a product.
func IndexPrice(id product.ID, spot decimal.Decimal) decimal.Decimal {
	if id == product.Squeeth {
		return fixedpoint.Div(spot.Mul(spot), fixedpoint.OnePrice().Mul(squeethNormalization), false)
	}
	return spot
}

// Delta is the sensitivity of one unit of the product to the underlying, in
// rate units: 1e8 for the future, 2·spot/10000 for squeeth.
func Delta(id product.ID, spot decimal.Decimal) decimal.Decimal {
	if id == product.Squeeth {
		return fixedpoint.Div(spot.Mul(two), squeethNormalization, false)
	}
	return fixedpoint.OneRate()
}

// Gamma is the second derivative of the index per whole USD of spot move, in
// rate units. The future has none.
func Gamma(id product.ID) decimal.Decimal {
	if id == product.Squeeth {
		return squeethGamma
	}
	return decimal.Zero
}

// Deltas returns Delta for every product at spot.
func Deltas(spot decimal.Decimal) [product.Count]decimal.Decimal {
	var out [product.Count]decimal.Decimal
	for _, id := range product.All() {
		out[id] = Delta(id, spot)
	}
	return out
}

// UnderlyingExposure converts a product size into underlying units at spot.
func UnderlyingExposure(id product.ID, size, spot decimal.Decimal) decimal.Decimal {
	return fixedpoint.ApplyRate(size, Delta(id, spot), false)
}

// FundingParams are the inputs of FundingRate that come from configuration.
type FundingParams struct {
	Period            time.Duration
	SqueethMultiplier decimal.Decimal
	FutureMaxRate     decimal.Decimal
}

// Utilization returns locked/amount as a rate clamped to [0, 1e8].
func Utilization(locked, amountLiquidity decimal.Decimal) decimal.Decimal {
	if !amountLiquidity.IsPositive() {
		return decimal.Zero
	}
	u := fixedpoint.MulDiv(locked, fixedpoint.OneRate(), amountLiquidity, false)
	return fixedpoint.Clamp(u, decimal.Zero, fixedpoint.OneRate())
}

// FundingRate returns the per-period funding rate. A positive rate means
// longs pay shorts. poolPosition is the pool's signed size; the pool is the
// counterparty of every trader, so a short pool means traders are net long.
//
// Squeeth: variance·period/year scaled by (1 ± multiplier·utilization),
// higher when traders crowd the long side.
// Future: maxRate·utilization, signed against the pool's side.
func FundingRate(id product.ID, p FundingParams, variance, poolPosition, locked, amountLiquidity decimal.Decimal) decimal.Decimal {
	u := Utilization(locked, amountLiquidity)

	if id == product.Squeeth {
		base := fixedpoint.MulDiv(variance, decimal.NewFromInt(int64(p.Period)), decimal.NewFromInt(int64(Year)), false)
		adj := fixedpoint.ApplyRate(p.SqueethMultiplier, u, false)
		switch poolPosition.Sign() {
		case -1:
			return fixedpoint.ApplyRate(base, fixedpoint.OneRate().Add(adj), false)
		case 1:
			return fixedpoint.ApplyRate(base, fixedpoint.OneRate().Sub(adj), false)
		default:
			return base
		}
	}

	r := fixedpoint.ApplyRate(p.FutureMaxRate, u, false)
	switch poolPosition.Sign() {
	case -1:
		return r
	case 1:
		return r.Neg()
	default:
		return decimal.Zero
	}
}

// MarkPrice is index·(1 + fundingRate).
func MarkPrice(index, fundingRate decimal.Decimal) decimal.Decimal {
	return index.Add(fixedpoint.ApplyRate(index, fundingRate, false))
}

// TradePrice moves mark against the trader by feeRate: longs pay above mark,
// shorts receive below it.
func TradePrice(mark decimal.Decimal, isLong bool, feeRate decimal.Decimal) decimal.Decimal {
	spread := fixedpoint.ApplyRate(mark, feeRate, true)
	if isLong {
		return mark.Add(spread)
	}
	return mark.Sub(spread)
}

// FeeParams are the inputs of FeeRate that come from configuration.
type FeeParams struct {
	BaseRate decimal.Decimal
	PerLevel decimal.Decimal
	MaxRate  decimal.Decimal
}

// FeeRate is baseRate + level·perLevel, capped at maxRate. Deeper levels of
// the liquidity ledger are more utilised and charge more.
func FeeRate(level int64, p FeeParams) decimal.Decimal {
	if level < 0 {
		level = 0
	}
	r := p.BaseRate.Add(p.PerLevel.Mul(decimal.NewFromInt(level)))
	if r.GreaterThan(p.MaxRate) {
		return p.MaxRate
	}
	return r
}

// FeeAmount is the USDC fee embedded in a trade of size at mark.
func FeeAmount(size, mark, feeRate decimal.Decimal) decimal.Decimal {
	return fixedpoint.Notional(size.Abs(), fixedpoint.ApplyRate(mark, feeRate, false), false)
}

// ProtocolFee is the share of fee routed to the fee sink.
func ProtocolFee(fee, ratio decimal.Decimal) decimal.Decimal {
	return fixedpoint.ApplyRate(fee, ratio, false)
}

// UpdateVariance folds the return from lastSpot to spot into an EWMA of
// annualised squared returns: λ·prev + (1-λ)·r²·year/elapsed.
// Updates with a non-positive elapsed or price leave prev unchanged.
func UpdateVariance(prev, lastSpot, spot decimal.Decimal, elapsed time.Duration, lambda decimal.Decimal) decimal.Decimal {
	if elapsed <= 0 || !lastSpot.IsPositive() || !spot.IsPositive() {
		return prev
	}
	r := fixedpoint.MulDiv(spot.Sub(lastSpot), fixedpoint.OneRate(), lastSpot, false)
	r2 := fixedpoint.ApplyRate(r, r, false)
	annual := fixedpoint.MulDiv(r2, decimal.NewFromInt(int64(Year)), decimal.NewFromInt(int64(elapsed)), false)

	kept := fixedpoint.ApplyRate(prev, lambda, false)
	added := fixedpoint.ApplyRate(annual, fixedpoint.OneRate().Sub(lambda), false)
	return kept.Add(added)
}

// Volatility is the annualised volatility implied by variance, both as
// rates: sqrt(variance·1e8), rounded down. A negative variance reads as zero.
func Volatility(variance decimal.Decimal) decimal.Decimal {
	v, err := fixedpoint.Sqrt(variance.Mul(fixedpoint.OneRate()))
	if err != nil {
		return decimal.Zero
	}
	return v
}

// FundingPerPosition is the funding owed per unit of long position over
// elapsed, in price units: mark·rate·elapsed/period.
func FundingPerPosition(mark, fundingRate decimal.Decimal, elapsed, period time.Duration) decimal.Decimal {
	if elapsed <= 0 || period <= 0 {
		return decimal.Zero
	}
	perPeriod := fixedpoint.ApplyRate(mark, fundingRate, false)
	return fixedpoint.MulDiv(perPeriod, decimal.NewFromInt(int64(elapsed)), decimal.NewFromInt(int64(period)), false)
}
