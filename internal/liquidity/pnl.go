package liquidity

import (
	"github.com/atmx/perp-engine/internal/entryprice"
	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/shopspring/decimal"
)

// AccruePnL books amount USDC (fees, funding, hedge PnL, socialised losses)
// to the liquidity locked right now. With nothing locked it is shared over
// every LP position in proportion to its capital; with no LP capital at all
// it is held as unattributed until the next accrual.
func (p *Pool) AccruePnL(amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	p.AmountLiquidity = p.AmountLiquidity.Add(amount)
	p.RealizedPnL = p.RealizedPnL.Add(amount)

	pending := amount.Add(p.UnattributedPnL)
	switch {
	case p.LockedLiquidity.IsPositive():
		p.distribute(pending)
	case p.Capital.IsPositive():
		p.CapitalGrowth = p.CapitalGrowth.Add(perUnit(pending, p.Capital))
	default:
		p.UnattributedPnL = pending
		return
	}
	p.UnattributedPnL = decimal.Zero
}

// distribute moves the global accumulators without touching pool totals.
func (p *Pool) distribute(amount decimal.Decimal) {
	growth := perUnit(amount, p.LockedLiquidity)
	p.GrowthGlobal = p.GrowthGlobal.Add(growth)
	p.MultipliedGlobal = p.MultipliedGlobal.Add(accumulator(growth.Mul(p.Frontier)))
}

// UpdatePoolPosition applies a trade of sizeDelta at tradePrice to the pool's
// own position, books the realised PnL and moves the frontier so that
// requiredLock is locked. It returns the realised PnL in USDC.
//
// PnL is booked to the liquidity that carried the closed exposure: before the
// lock changes when something was locked, after it otherwise.
func (p *Pool) UpdatePoolPosition(sizeDelta, tradePrice, requiredLock decimal.Decimal) (decimal.Decimal, error) {
	entry, profitValue := entryprice.Update(p.EntryPrice, p.Position, tradePrice, sizeDelta)
	profit := fixedpoint.PriceValueToUSDC(profitValue, false)

	p.Position = p.Position.Add(sizeDelta)
	p.EntryPrice = entry

	if p.LockedLiquidity.IsPositive() {
		p.AccruePnL(profit)
		if err := p.setLocked(requiredLock); err != nil {
			return decimal.Zero, err
		}
		return profit, nil
	}

	if err := p.setLocked(requiredLock); err != nil {
		return decimal.Zero, err
	}
	p.AccruePnL(profit)
	return profit, nil
}

// UnrealizedPnL marks the pool's position at markPrice, in USDC.
func (p *Pool) UnrealizedPnL(markPrice decimal.Decimal) decimal.Decimal {
	if p.Position.IsZero() {
		return decimal.Zero
	}
	v := entryprice.UnrealizedValue(p.EntryPrice, p.Position, markPrice)
	return fixedpoint.PriceValueToUSDC(v, false)
}

// UnrealizedPnLPerLiquidity is UnrealizedPnL divided by locked liquidity,
// with accumulator precision. It is zero when nothing is locked.
func (p *Pool) UnrealizedPnLPerLiquidity(markPrice decimal.Decimal) decimal.Decimal {
	if !p.LockedLiquidity.IsPositive() {
		return decimal.Zero
	}
	return fixedpoint.Ratio(p.UnrealizedPnL(markPrice), p.LockedLiquidity)
}

// SettleToMark books the unrealised PnL of the pool's position to the LPs
// that are locked now and rebases the entry price to markPrice. Deposits and
// withdrawals call it first so that new capital neither inherits nor escapes
// PnL accrued before it arrived.
func (p *Pool) SettleToMark(markPrice decimal.Decimal) decimal.Decimal {
	if p.Position.IsZero() {
		return decimal.Zero
	}
	u := p.UnrealizedPnL(markPrice)
	p.AccruePnL(u)
	p.EntryPrice = markPrice
	return u
}

// Drift returns Σ position values + UnattributedPnL − AmountLiquidity. It is
// zero up to per-position rounding.
func (p *Pool) Drift() decimal.Decimal {
	total := p.UnattributedPnL
	for _, pos := range p.positions {
		total = total.Add(p.PositionValue(pos))
	}
	return total.Sub(p.AmountLiquidity)
}
