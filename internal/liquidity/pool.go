// Package liquidity implements the fee-level liquidity ledger that backs one
// product's pool.
//
// LPs deposit USDC into a range of fee levels [lower, upper). A position
// spreads its capital evenly over the levels of its range. When traders open
// positions the pool locks collateral, filling levels from the bottom up; the
// point reached is the frontier, and the level containing it selects the
// trading fee. PnL realised by the pool is shared among the capital that is
// locked at that moment, so LPs only earn (or lose) while their band is in use.
// PnL that arrives with nothing locked, such as a hedge unwound after the
// pool closed out, is shared over all LP capital instead.
//
// Levels are a sparse ordered table: only boundaries some position references
// are stored. Each boundary keeps Uniswap-style "outside" accumulators that
// flip when the frontier crosses it, which makes a position's accrued PnL a
// difference of two boundary reads.
package liquidity

import (
	"errors"
	"sort"

	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/product"
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidRange is returned for a malformed deposit: lower >= upper,
	// a bound outside [0, MaxLevel], or a non-positive amount.
	ErrInvalidRange = errors.New("liquidity: invalid fee-level range")

	// ErrInsufficientLiquidity is returned when the pool cannot lock the
	// collateral a trade requires, or an LP asks for more than its unlocked
	// capital.
	ErrInsufficientLiquidity = errors.New("liquidity: insufficient liquidity")

	// ErrInvalidAmount is returned for a non-positive withdrawal.
	ErrInvalidAmount = errors.New("liquidity: amount must be positive")

	// ErrPositionNotFound is returned for an unknown LP position id.
	ErrPositionNotFound = errors.New("liquidity: position not found")
)

const levelTreeDegree = 16

// FeeLevel is one initialised boundary of the level table.
type FeeLevel struct {
	Index int64 `json:"index"`

	// LiquidityNet is added to the active per-level liquidity when the
	// frontier crosses this boundary upward, and removed when it crosses down.
	LiquidityNet decimal.Decimal `json:"liquidity_net"`

	// LiquidityGross is the total per-level liquidity of positions that use
	// this boundary. The boundary is dropped when it reaches zero.
	LiquidityGross decimal.Decimal `json:"liquidity_gross"`

	// GrowthOutside and MultipliedOutside hold the PnL-per-liquidity and
	// frontier-weighted PnL-per-liquidity accrued on the side of this boundary
	// away from the frontier.
	GrowthOutside     decimal.Decimal `json:"growth_outside"`
	MultipliedOutside decimal.Decimal `json:"multiplied_outside"`
}

// Less orders levels by index.
func (l FeeLevel) Less(o FeeLevel) bool {
	return l.Index < o.Index
}

// Pool is the ledger of one product.
type Pool struct {
	Product  product.ID
	MaxLevel int64

	// Position is the pool's signed size, the opposite of all traders'
	// combined position. EntryPrice is its weighted entry.
	Position   decimal.Decimal
	EntryPrice decimal.Decimal

	// LockedLiquidity is the USDC reserved to back Position.
	LockedLiquidity decimal.Decimal
	// AmountLiquidity is the pool's total USDC value: deposits plus all
	// PnL booked, less withdrawals.
	AmountLiquidity decimal.Decimal
	// Supply is the number of pool shares outstanding.
	Supply decimal.Decimal
	// RealizedPnL is the cumulative PnL booked into the pool.
	RealizedPnL decimal.Decimal
	// Capital is Σ liquidity·width over all LP positions, the base that PnL
	// booked with nothing locked is shared over. CapitalGrowth is Σ pnl/Capital
	// over those accruals.
	Capital       decimal.Decimal
	CapitalGrowth decimal.Decimal
	// UnattributedPnL is PnL booked while the pool had no LP capital at all.
	// It is distributed with the next accrual that has an owner.
	UnattributedPnL decimal.Decimal

	// Frontier is the fee-level coordinate reached by LockedLiquidity.
	Frontier decimal.Decimal
	// ActiveLiquidity is the per-level liquidity of the band just above
	// Frontier.
	ActiveLiquidity decimal.Decimal
	// GrowthGlobal is Σ pnl/locked; MultipliedGlobal is Σ frontier·pnl/locked.
	GrowthGlobal     decimal.Decimal
	MultipliedGlobal decimal.Decimal

	levels    *btree.BTreeG[FeeLevel]
	positions map[string]Position
}

// NewPool creates an empty pool.
func NewPool(id product.ID, maxLevel int64) *Pool {
	return &Pool{
		Product:   id,
		MaxLevel:  maxLevel,
		levels:    btree.NewG(levelTreeDegree, FeeLevel.Less),
		positions: make(map[string]Position),
	}
}

// Clone returns an independent copy. The level table is copied lazily.
func (p *Pool) Clone() *Pool {
	c := *p
	c.levels = p.levels.Clone()
	c.positions = make(map[string]Position, len(p.positions))
	for id, pos := range p.positions {
		c.positions[id] = pos
	}
	return &c
}

// CurrentLevel is the level containing the frontier.
func (p *Pool) CurrentLevel() int64 {
	return p.Frontier.Floor().IntPart()
}

// Levels returns the initialised boundaries in ascending order.
func (p *Pool) Levels() []FeeLevel {
	out := make([]FeeLevel, 0, p.levels.Len())
	p.levels.Ascend(func(l FeeLevel) bool {
		out = append(out, l)
		return true
	})
	return out
}

// Level returns the boundary at index, if initialised.
func (p *Pool) Level(index int64) (FeeLevel, bool) {
	return p.levels.Get(FeeLevel{Index: index})
}

// LPPosition returns an LP position by id.
func (p *Pool) LPPosition(id string) (Position, bool) {
	pos, ok := p.positions[id]
	return pos, ok
}

// Positions returns every LP position ordered by id.
func (p *Pool) Positions() []Position {
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func dec(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

// crossed reports whether the frontier is at or above index.
func (p *Pool) crossed(index int64) bool {
	return p.Frontier.GreaterThanOrEqual(dec(index))
}

// cumulative returns C(k) = Σ pnl/locked · min(k, frontier) over all
// accruals. Only differences of C are meaningful; an uninitialised boundary
// reads as freshly initialised.
func (p *Pool) cumulative(index int64) decimal.Decimal {
	lvl, ok := p.levels.Get(FeeLevel{Index: index})
	if !ok {
		return p.MultipliedGlobal
	}
	var growthBelow, multipliedBelow decimal.Decimal
	if p.crossed(index) {
		growthBelow, multipliedBelow = lvl.GrowthOutside, lvl.MultipliedOutside
	} else {
		growthBelow = p.GrowthGlobal.Sub(lvl.GrowthOutside)
		multipliedBelow = p.MultipliedGlobal.Sub(lvl.MultipliedOutside)
	}
	return dec(index).Mul(p.GrowthGlobal.Sub(growthBelow)).Add(multipliedBelow)
}

// updateLevel adds delta to a boundary's net and gross liquidity,
// initialising it on first use and dropping it once unreferenced.
func (p *Pool) updateLevel(index int64, netDelta, grossDelta decimal.Decimal) {
	lvl, ok := p.levels.Get(FeeLevel{Index: index})
	if !ok {
		lvl = FeeLevel{Index: index}
		if p.crossed(index) {
			lvl.GrowthOutside = p.GrowthGlobal
			lvl.MultipliedOutside = p.MultipliedGlobal
		}
	}
	lvl.LiquidityNet = lvl.LiquidityNet.Add(netDelta)
	lvl.LiquidityGross = lvl.LiquidityGross.Add(grossDelta)
	if p.crossed(index) {
		p.ActiveLiquidity = p.ActiveLiquidity.Add(netDelta)
	}

	if lvl.LiquidityGross.Sign() <= 0 {
		p.levels.Delete(lvl)
		return
	}
	p.levels.ReplaceOrInsert(lvl)
}

// flip moves a boundary's outside accumulators to the other side.
func (p *Pool) flip(lvl FeeLevel) FeeLevel {
	lvl.GrowthOutside = p.GrowthGlobal.Sub(lvl.GrowthOutside)
	lvl.MultipliedOutside = p.MultipliedGlobal.Sub(lvl.MultipliedOutside)
	p.levels.ReplaceOrInsert(lvl)
	return lvl
}

// nextAbove returns the lowest boundary strictly above the frontier.
func (p *Pool) nextAbove() (FeeLevel, bool) {
	var (
		found FeeLevel
		ok    bool
	)
	p.levels.AscendGreaterOrEqual(FeeLevel{Index: p.CurrentLevel() + 1}, func(l FeeLevel) bool {
		found, ok = l, true
		return false
	})
	return found, ok
}

// atOrBelow returns the highest boundary with index <= i.
func (p *Pool) atOrBelow(i int64) (FeeLevel, bool) {
	var (
		found FeeLevel
		ok    bool
	)
	p.levels.DescendLessOrEqual(FeeLevel{Index: i}, func(l FeeLevel) bool {
		found, ok = l, true
		return false
	})
	return found, ok
}

// perUnit divides a PnL amount over units to AccumulatorDecimals. Gains
// round down and losses round away from zero, so LP claims never exceed the
// pool.
func perUnit(amount, units decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return quoUp(amount.Neg(), units).Neg()
	}
	return quoDown(amount, units)
}

// accumulator cuts v to AccumulatorDecimals with the rounding of perUnit.
func accumulator(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return v.RoundUp(fixedpoint.AccumulatorDecimals)
	}
	return v.Truncate(fixedpoint.AccumulatorDecimals)
}

// quoDown and quoUp divide to AccumulatorDecimals, truncating or rounding
// up the magnitude.
func quoDown(n, d decimal.Decimal) decimal.Decimal {
	q, _ := n.QuoRem(d, fixedpoint.AccumulatorDecimals)
	return q
}

func quoUp(n, d decimal.Decimal) decimal.Decimal {
	q, r := n.QuoRem(d, fixedpoint.AccumulatorDecimals)
	if !r.IsZero() {
		q = q.Add(decimal.New(1, -fixedpoint.AccumulatorDecimals))
	}
	return q
}

// walkUp moves the frontier up until amount more liquidity is locked,
// crossing boundaries on the way.
func (p *Pool) walkUp(amount decimal.Decimal) error {
	remaining := amount
	for remaining.IsPositive() {
		next, ok := p.nextAbove()
		if !ok {
			return ErrInsufficientLiquidity
		}
		boundary := dec(next.Index)
		capacity := boundary.Sub(p.Frontier).Mul(p.ActiveLiquidity)
		if remaining.LessThan(capacity) {
			p.Frontier = p.Frontier.Add(quoDown(remaining, p.ActiveLiquidity))
			return nil
		}
		remaining = remaining.Sub(capacity)
		p.Frontier = boundary
		next = p.flip(next)
		p.ActiveLiquidity = p.ActiveLiquidity.Add(next.LiquidityNet)
	}
	return nil
}

// walkDown moves the frontier down until amount less liquidity is locked.
// A boundary is only crossed when the frontier has to go strictly below it.
func (p *Pool) walkDown(amount decimal.Decimal) {
	remaining := amount
	for remaining.IsPositive() {
		at, ok := p.atOrBelow(p.CurrentLevel())
		if !ok {
			return
		}
		boundary := dec(at.Index)

		if p.Frontier.GreaterThan(boundary) {
			capacity := p.Frontier.Sub(boundary).Mul(p.ActiveLiquidity)
			if remaining.LessThan(capacity) {
				p.Frontier = p.Frontier.Sub(quoUp(remaining, p.ActiveLiquidity))
				return
			}
			remaining = remaining.Sub(capacity)
			p.Frontier = boundary
			continue
		}

		// The frontier sits on a crossed boundary; descending means crossing it.
		below, hasBelow := p.atOrBelow(at.Index - 1)
		if !hasBelow {
			return
		}
		p.flip(at)
		p.ActiveLiquidity = p.ActiveLiquidity.Sub(at.LiquidityNet)

		capacity := boundary.Sub(dec(below.Index)).Mul(p.ActiveLiquidity)
		if remaining.LessThan(capacity) {
			p.Frontier = boundary.Sub(quoUp(remaining, p.ActiveLiquidity))
			return
		}
		remaining = remaining.Sub(capacity)
		p.Frontier = dec(below.Index)
	}
}

// setLocked moves the frontier so that target liquidity is locked.
func (p *Pool) setLocked(target decimal.Decimal) error {
	if target.IsNegative() {
		target = decimal.Zero
	}
	diff := target.Sub(p.LockedLiquidity)
	switch diff.Sign() {
	case 1:
		if target.GreaterThan(p.AmountLiquidity) {
			return ErrInsufficientLiquidity
		}
		if err := p.walkUp(diff); err != nil {
			return err
		}
	case -1:
		p.walkDown(diff.Neg())
	}
	p.LockedLiquidity = target
	return nil
}

// resetFrontier uncrosses every boundary above zero, leaving the frontier at
// level 0 with nothing locked.
func (p *Pool) resetFrontier() {
	var crossed []FeeLevel
	p.levels.DescendLessOrEqual(FeeLevel{Index: p.CurrentLevel()}, func(l FeeLevel) bool {
		if l.Index <= 0 {
			return false
		}
		crossed = append(crossed, l)
		return true
	})
	for _, l := range crossed {
		p.flip(l)
		p.ActiveLiquidity = p.ActiveLiquidity.Sub(l.LiquidityNet)
	}
	p.Frontier = decimal.Zero
}

// rewalk re-establishes the frontier for the current LockedLiquidity after
// resetFrontier and a change of boundary liquidity.
func (p *Pool) rewalk() error {
	if err := p.walkUp(p.LockedLiquidity); err != nil {
		return ErrInsufficientLiquidity
	}
	return nil
}
