package liquidity

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Position is one LP deposit over [Lower, Upper).
type Position struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Lower int64  `json:"lower"`
	Upper int64  `json:"upper"`

	// Liquidity is the per-level liquidity contributed to each level of the
	// range, Amount/(Upper-Lower).
	Liquidity decimal.Decimal `json:"liquidity"`
	// Amount is the USDC principal, including PnL compounded by partial
	// withdrawals. Compounding may leave a sub-unit fraction.
	Amount decimal.Decimal `json:"amount"`
	// Snapshot is C(Upper)-C(Lower) when Amount was last set.
	Snapshot decimal.Decimal `json:"snapshot"`
	// CapitalSnapshot is the pool's CapitalGrowth when Amount was last set.
	CapitalSnapshot decimal.Decimal `json:"capital_snapshot"`
	// Shares is the number of pool shares minted for this position.
	Shares decimal.Decimal `json:"shares"`
}

func (pos Position) width() decimal.Decimal {
	return dec(pos.Upper - pos.Lower)
}

// capital is the position's weight when PnL accrues with nothing locked.
func (pos Position) capital() decimal.Decimal {
	return pos.Liquidity.Mul(pos.width())
}

// DepositResult reports the outcome of a deposit.
type DepositResult struct {
	PositionID string          `json:"position_id"`
	Charged    decimal.Decimal `json:"charged"`
	Shares     decimal.Decimal `json:"shares"`
}

// WithdrawResult reports the outcome of a withdrawal.
type WithdrawResult struct {
	PositionID   string          `json:"position_id"`
	Amount       decimal.Decimal `json:"amount"`
	SharesBurned decimal.Decimal `json:"shares_burned"`
	Closed       bool            `json:"closed"`
}

// Deposit adds amount USDC over [lower, upper) for owner.
//
// The pool must already be settled to mark (SettleToMark) so that shares are
// priced against its current value. Shares are minted at
// amount·Supply/AmountLiquidity, 1:1 for an empty pool.
func (p *Pool) Deposit(owner string, amount decimal.Decimal, lower, upper int64) (DepositResult, error) {
	if lower >= upper || lower < 0 || upper > p.MaxLevel {
		return DepositResult{}, fmt.Errorf("%w: [%d, %d) with max level %d", ErrInvalidRange, lower, upper, p.MaxLevel)
	}
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return DepositResult{}, fmt.Errorf("%w: amount %s", ErrInvalidRange, amount)
	}

	pos := Position{
		ID:     uuid.NewString(),
		Owner:  owner,
		Lower:  lower,
		Upper:  upper,
		Amount: amount,
	}
	pos.Liquidity = quoDown(amount, pos.width())

	if err := p.applyLiquidity(pos.Lower, pos.Upper, pos.Liquidity); err != nil {
		return DepositResult{}, err
	}
	pos.Snapshot = p.rangeCumulative(pos.Lower, pos.Upper)
	pos.CapitalSnapshot = p.CapitalGrowth
	p.Capital = p.Capital.Add(pos.capital())

	shares := amount
	if p.Supply.IsPositive() && p.AmountLiquidity.IsPositive() {
		shares = fixedpoint.MulDiv(amount, p.Supply, p.AmountLiquidity, false)
	}
	pos.Shares = shares

	p.AmountLiquidity = p.AmountLiquidity.Add(amount)
	p.Supply = p.Supply.Add(shares)
	p.positions[pos.ID] = pos

	return DepositResult{PositionID: pos.ID, Charged: amount, Shares: shares}, nil
}

// Withdraw takes amount USDC out of a position. The amount may not exceed
// the position's unlocked value. A partial withdrawal compounds accrued PnL
// into the position; withdrawing the whole value closes it.
func (p *Pool) Withdraw(positionID string, amount decimal.Decimal) (WithdrawResult, error) {
	pos, ok := p.positions[positionID]
	if !ok {
		return WithdrawResult{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if !amount.IsPositive() {
		return WithdrawResult{}, ErrInvalidAmount
	}

	value := p.PositionValue(pos)
	if amount.GreaterThan(p.unlocked(pos, value)) {
		return WithdrawResult{}, fmt.Errorf("%w: requested %s, unlocked %s", ErrInsufficientLiquidity, amount, p.unlocked(pos, value))
	}
	if p.LockedLiquidity.GreaterThan(p.AmountLiquidity.Sub(amount)) {
		return WithdrawResult{}, fmt.Errorf("%w: pool would hold less than its locked liquidity", ErrInsufficientLiquidity)
	}

	remaining := p.exactValue(pos).Sub(amount)
	closed := amount.Equal(value)
	newLiquidity := decimal.Zero
	if !closed {
		newLiquidity = quoDown(remaining, pos.width())
	}

	if err := p.applyLiquidity(pos.Lower, pos.Upper, newLiquidity.Sub(pos.Liquidity)); err != nil {
		return WithdrawResult{}, err
	}

	burned := pos.Shares
	if !closed && p.AmountLiquidity.IsPositive() {
		burned = decimal.Min(pos.Shares, fixedpoint.MulDiv(amount, p.Supply, p.AmountLiquidity, true))
	}

	p.AmountLiquidity = p.AmountLiquidity.Sub(amount)
	p.Supply = p.Supply.Sub(burned)
	p.Capital = p.Capital.Sub(pos.capital())

	if closed {
		delete(p.positions, pos.ID)
	} else {
		pos.Liquidity = newLiquidity
		pos.Amount = remaining
		pos.Snapshot = p.rangeCumulative(pos.Lower, pos.Upper)
		pos.CapitalSnapshot = p.CapitalGrowth
		pos.Shares = pos.Shares.Sub(burned)
		p.Capital = p.Capital.Add(pos.capital())
		p.positions[pos.ID] = pos
	}

	return WithdrawResult{
		PositionID:   pos.ID,
		Amount:       amount,
		SharesBurned: burned,
		Closed:       closed,
	}, nil
}

// applyLiquidity adds per-level liquidity delta over [lower, upper). When the
// range touches the locked region the frontier is rebuilt from level 0.
func (p *Pool) applyLiquidity(lower, upper int64, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	rebuild := p.crossed(lower)
	if rebuild {
		p.resetFrontier()
	}
	p.updateLevel(lower, delta, delta)
	p.updateLevel(upper, delta.Neg(), delta)
	if rebuild {
		return p.rewalk()
	}
	return nil
}

func (p *Pool) rangeCumulative(lower, upper int64) decimal.Decimal {
	return p.cumulative(upper).Sub(p.cumulative(lower))
}

func (p *Pool) accrued(pos Position) decimal.Decimal {
	growth := p.rangeCumulative(pos.Lower, pos.Upper).Sub(pos.Snapshot)
	idle := p.CapitalGrowth.Sub(pos.CapitalSnapshot)
	return pos.Liquidity.Mul(growth).Add(pos.capital().Mul(idle))
}

// exactValue keeps the sub-unit remainder so that compounding loses nothing.
func (p *Pool) exactValue(pos Position) decimal.Decimal {
	return pos.Amount.Add(p.accrued(pos))
}

// AccruedPnL is the PnL booked to pos since its snapshot, rounded down.
func (p *Pool) AccruedPnL(pos Position) decimal.Decimal {
	return p.accrued(pos).Floor()
}

// PositionValue is the position's principal plus accrued PnL, rounded down.
func (p *Pool) PositionValue(pos Position) decimal.Decimal {
	return p.exactValue(pos).Floor()
}

// LockedPart is the portion of pos currently backing open positions.
func (p *Pool) LockedPart(pos Position) decimal.Decimal {
	top := fixedpoint.Clamp(p.Frontier, dec(pos.Lower), dec(pos.Upper))
	return pos.Liquidity.Mul(top.Sub(dec(pos.Lower))).Ceil()
}

func (p *Pool) unlocked(pos Position, value decimal.Decimal) decimal.Decimal {
	free := value.Sub(p.LockedPart(pos))
	if free.IsNegative() {
		return decimal.Zero
	}
	return free
}

// Withdrawable is the value an LP could take out of a position right now.
func (p *Pool) Withdrawable(positionID string) (decimal.Decimal, error) {
	pos, ok := p.positions[positionID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	return p.unlocked(pos, p.PositionValue(pos)), nil
}

const maxSolverIterations = 128

var solverTolerance = decimal.NewFromInt(1)

// MaxWithdrawable finds the largest amount Withdraw would accept for a
// position, by bisection on a scratch copy of the pool. The search stops
// after maxSolverIterations or once the bracket is within solverTolerance.
func (p *Pool) MaxWithdrawable(positionID string) (decimal.Decimal, error) {
	hi, err := p.Withdrawable(positionID)
	if err != nil {
		return decimal.Zero, err
	}
	feasible := func(amount decimal.Decimal) bool {
		if !amount.IsPositive() {
			return true
		}
		_, err := p.Clone().Withdraw(positionID, amount)
		return err == nil
	}
	if feasible(hi) {
		return hi, nil
	}

	lo := decimal.Zero
	two := decimal.NewFromInt(2)
	for i := 0; i < maxSolverIterations && hi.Sub(lo).GreaterThan(solverTolerance); i++ {
		mid := fixedpoint.Div(lo.Add(hi), two, false)
		if feasible(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}
