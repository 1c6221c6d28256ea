// Package netting aggregates the pools' delta exposure into the single spot
// trade that flattens it, and settles filled hedges back into per-pool
// entry prices and realized PnL.
package netting

import (
	"errors"
	"fmt"
	"time"

	"github.com/atmx/perp-engine/internal/entryprice"
	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/product"
	"github.com/shopspring/decimal"
)

var (
	// ErrNettingInvariantViolation is returned when a hedge is settled while
	// every product is already at its target.
	ErrNettingInvariantViolation = errors.New("netting: no open hedge requirement")

	// ErrSlippageExceeded is returned when a fill is worse than the
	// requirement's tolerance-adjusted amount.
	ErrSlippageExceeded = errors.New("netting: fill outside slippage tolerance")
)

// fillPriceScale converts usdc (1e6) per underlying (1e8) into a 1e8 price.
var fillPriceScale = decimal.New(1, fixedpoint.PriceDecimals+fixedpoint.SizeDecimals-fixedpoint.USDCDecimals)

// Params configures the slippage tolerance.
type Params struct {
	MinSlippage decimal.Decimal
	MaxSlippage decimal.Decimal
	// Window is the price age at which the time component reaches MaxSlippage.
	Window time.Duration
	// VolatilityScale weights realized variance into the tolerance.
	VolatilityScale decimal.Decimal
}

// State is the spot hedge held against each pool.
type State struct {
	// Hedges are signed underlying amounts (1e8) attributed to each pool.
	Hedges [product.Count]decimal.Decimal `json:"hedges"`
	// EntryPrices are the spot entry prices of each hedge (1e8).
	EntryPrices    [product.Count]decimal.Decimal `json:"entry_prices"`
	LastHedgeAt    time.Time                      `json:"last_hedge_at"`
	LastHedgePrice decimal.Decimal                `json:"last_hedge_price"`
}

// NewState returns an unhedged state.
func NewState() *State {
	s := &State{LastHedgePrice: decimal.Zero}
	for i := range s.Hedges {
		s.Hedges[i] = decimal.Zero
		s.EntryPrices[i] = decimal.Zero
	}
	return s
}

// Clone returns a copy. State holds only values.
func (s *State) Clone() *State {
	c := *s
	return &c
}

// Requirement is the spot trade that moves every hedge to its target.
type Requirement struct {
	IsLong bool `json:"is_long"`
	// USDCAmount is the most USDC to pay (long) or the least to receive
	// (short) for UnderlyingAmount.
	USDCAmount       decimal.Decimal `json:"usdc_amount"`
	UnderlyingAmount decimal.Decimal `json:"underlying_amount"`
	// Tolerance is the slippage rate applied to Spot.
	Tolerance decimal.Decimal `json:"tolerance"`
	Spot      decimal.Decimal `json:"spot"`
	// Targets are the hedges that offset each pool's delta.
	Targets [product.Count]decimal.Decimal `json:"targets"`
}

// Open reports whether any hedge differs from its target.
func (s *State) Open(r Requirement) bool {
	for i := range r.Targets {
		if !s.Hedges[i].Equal(r.Targets[i]) {
			return true
		}
	}
	return false
}

// Tolerance is the slippage rate for a price of the given age and realized
// variance, clamped to [MinSlippage, MaxSlippage].
func Tolerance(p Params, variance decimal.Decimal, age time.Duration) decimal.Decimal {
	tol := p.MinSlippage
	if age > 0 && p.Window > 0 {
		spread := p.MaxSlippage.Sub(p.MinSlippage)
		tol = tol.Add(fixedpoint.MulDiv(spread, decimal.NewFromInt(int64(age)), decimal.NewFromInt(int64(p.Window)), false))
	}
	tol = tol.Add(fixedpoint.ApplyRate(variance, p.VolatilityScale, false))
	return fixedpoint.Clamp(tol, p.MinSlippage, p.MaxSlippage)
}

// TokenAmountForHedging returns the spot trade still required to offset
// poolDeltas, the signed underlying exposure of each pool. Existing hedges
// net against the targets before the trade is sized.
func (s *State) TokenAmountForHedging(p Params, poolDeltas [product.Count]decimal.Decimal, spot, variance decimal.Decimal, now, priceUpdatedAt time.Time) Requirement {
	r := Requirement{Spot: spot}
	diff := decimal.Zero
	for i, d := range poolDeltas {
		r.Targets[i] = d.Neg()
		diff = diff.Add(r.Targets[i].Sub(s.Hedges[i]))
	}

	r.IsLong = diff.IsPositive()
	r.UnderlyingAmount = diff.Abs()
	r.Tolerance = Tolerance(p, variance, now.Sub(priceUpdatedAt))

	if r.IsLong {
		limit := fixedpoint.ApplyRate(spot, fixedpoint.OneRate().Add(r.Tolerance), true)
		r.USDCAmount = fixedpoint.Notional(r.UnderlyingAmount, limit, true)
	} else {
		limit := fixedpoint.ApplyRate(spot, fixedpoint.OneRate().Sub(r.Tolerance), false)
		r.USDCAmount = fixedpoint.Notional(r.UnderlyingAmount, limit, false)
	}
	return r
}

// CompleteHedge settles a filled requirement: usdcFilled is what was paid
// (long) or received (short) for r.UnderlyingAmount. Every hedge moves to
// its target at the fill price, or at spot when the products net out
// internally, and the realized PnL of each pool is returned in USDC.
func (s *State) CompleteHedge(r Requirement, usdcFilled decimal.Decimal, now time.Time) ([product.Count]decimal.Decimal, error) {
	var profits [product.Count]decimal.Decimal
	for i := range profits {
		profits[i] = decimal.Zero
	}
	if !s.Open(r) {
		return profits, ErrNettingInvariantViolation
	}

	price := r.Spot
	if r.UnderlyingAmount.IsPositive() {
		if !usdcFilled.IsPositive() {
			return profits, fmt.Errorf("%w: filled %s USDC", ErrSlippageExceeded, usdcFilled)
		}
		if r.IsLong && usdcFilled.GreaterThan(r.USDCAmount) || !r.IsLong && usdcFilled.LessThan(r.USDCAmount) {
			return profits, fmt.Errorf("%w: filled %s USDC, limit %s", ErrSlippageExceeded, usdcFilled, r.USDCAmount)
		}
		price = fixedpoint.MulDiv(usdcFilled, fillPriceScale, r.UnderlyingAmount, false)
	}

	for i := range r.Targets {
		delta := r.Targets[i].Sub(s.Hedges[i])
		if delta.IsZero() {
			continue
		}
		entry, profitValue := entryprice.Update(s.EntryPrices[i], s.Hedges[i], price, delta)
		s.EntryPrices[i] = entry
		s.Hedges[i] = r.Targets[i]
		profits[i] = fixedpoint.PriceValueToUSDC(profitValue, false)
	}
	s.LastHedgeAt = now
	s.LastHedgePrice = price
	return profits, nil
}

// SettleToSpot books each hedge's unrealized PnL at spot and rebases its
// entry price, returning the PnL per pool in USDC.
func (s *State) SettleToSpot(spot decimal.Decimal) [product.Count]decimal.Decimal {
	var profits [product.Count]decimal.Decimal
	for i := range s.Hedges {
		profits[i] = decimal.Zero
		if s.Hedges[i].IsZero() {
			continue
		}
		profits[i] = fixedpoint.PriceValueToUSDC(entryprice.UnrealizedValue(s.EntryPrices[i], s.Hedges[i], spot), false)
		s.EntryPrices[i] = spot
	}
	return profits
}

// UnrealizedPnL is the hedge PnL of one pool at spot, in USDC.
func (s *State) UnrealizedPnL(id product.ID, spot decimal.Decimal) decimal.Decimal {
	return fixedpoint.PriceValueToUSDC(entryprice.UnrealizedValue(s.EntryPrices[id], s.Hedges[id], spot), false)
}
