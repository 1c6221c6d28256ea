package liquidity

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/atmx/perp-engine/internal/product"
	"github.com/shopspring/decimal"
)

func n(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

var (
	price100 = n(10_000_000_000)
	price90  = n(9_000_000_000)
	price110 = n(11_000_000_000)
)

func mustDeposit(t *testing.T, p *Pool, amount int64, lower, upper int64) DepositResult {
	t.Helper()
	res, err := p.Deposit("lp", n(amount), lower, upper)
	if err != nil {
		t.Fatalf("Deposit(%d, [%d,%d)): %v", amount, lower, upper, err)
	}
	return res
}

func mustLock(t *testing.T, p *Pool, lock int64) {
	t.Helper()
	if _, err := p.UpdatePoolPosition(decimal.Zero, price100, n(lock)); err != nil {
		t.Fatalf("lock %d: %v", lock, err)
	}
}

func value(t *testing.T, p *Pool, id string) decimal.Decimal {
	t.Helper()
	pos, ok := p.LPPosition(id)
	if !ok {
		t.Fatalf("position %s not found", id)
	}
	return p.PositionValue(pos)
}

func expectEqual(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func TestDeposit_EmptyPoolMintsOneToOne(t *testing.T) {
	p := NewPool(product.Squeeth, 100)
	res := mustDeposit(t, p, 1_000_000, 0, 100)

	expectEqual(t, "charged", res.Charged, n(1_000_000))
	expectEqual(t, "shares", res.Shares, n(1_000_000))
	expectEqual(t, "amountLiquidity", p.AmountLiquidity, n(1_000_000))
	expectEqual(t, "supply", p.Supply, n(1_000_000))
}

func TestDeposit_InvalidRange(t *testing.T) {
	p := NewPool(product.Future, 100)
	tests := []struct {
		name         string
		amount       int64
		lower, upper int64
	}{
		{"lower equals upper", 1_000, 5, 5},
		{"lower above upper", 1_000, 6, 5},
		{"negative lower", 1_000, -1, 5},
		{"upper above max", 1_000, 0, 101},
		{"zero amount", 0, 0, 10},
		{"negative amount", -5, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Deposit("lp", n(tt.amount), tt.lower, tt.upper)
			if !errors.Is(err, ErrInvalidRange) {
				t.Errorf("expected ErrInvalidRange, got %v", err)
			}
		})
	}
	if len(p.Levels()) != 0 {
		t.Errorf("rejected deposits must not touch levels, got %v", p.Levels())
	}
}

// A second deposit after the pool gains buys in at a premium; after a loss
// it buys in at a discount.
func TestDeposit_BuysIntoUnrealizedPnL(t *testing.T) {
	tests := []struct {
		name       string
		mark       decimal.Decimal
		wantShares int64
		wantAmount int64
	}{
		{"pool in profit", price90, 909_090, 1_100_000},
		{"pool at a loss", price110, 1_111_111, 900_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool(product.Future, 100)
			first := mustDeposit(t, p, 1_000_000, 0, 100)

			// Pool sells 0.01 unit at 100 and locks 0.1 USDC.
			if _, err := p.UpdatePoolPosition(n(-1_000_000), price100, n(100_000)); err != nil {
				t.Fatal(err)
			}
			expectEqual(t, "frontier", p.Frontier, n(10))

			p.SettleToMark(tt.mark)
			expectEqual(t, "amountLiquidity after settle", p.AmountLiquidity, n(tt.wantAmount))
			expectEqual(t, "first LP value", value(t, p, first.PositionID), n(tt.wantAmount))

			second := mustDeposit(t, p, 1_000_000, 0, 100)
			expectEqual(t, "second shares", second.Shares, n(tt.wantShares))
			expectEqual(t, "second LP value", value(t, p, second.PositionID), n(1_000_000))
			expectEqual(t, "supply", p.Supply, n(1_000_000+tt.wantShares))
			if !p.Drift().IsZero() {
				t.Errorf("drift = %s", p.Drift())
			}
		})
	}
}

func TestUpdatePoolPosition_InsufficientLiquidity(t *testing.T) {
	t.Run("more than the pool holds", func(t *testing.T) {
		p := NewPool(product.Future, 100)
		mustDeposit(t, p, 1_000_000, 0, 10)
		_, err := p.UpdatePoolPosition(n(-100_000_000), price100, n(2_000_000))
		if !errors.Is(err, ErrInsufficientLiquidity) {
			t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
		}
	})

	t.Run("beyond the last level", func(t *testing.T) {
		p := NewPool(product.Future, 100)
		mustDeposit(t, p, 1_000_000, 0, 10)
		// Unattributed PnL raises the pool's value but adds no level capacity.
		p.AccruePnL(n(500_000))
		_, err := p.UpdatePoolPosition(n(-100_000_000), price100, n(1_200_000))
		if !errors.Is(err, ErrInsufficientLiquidity) {
			t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
		}
	})
}

func TestFrontier_CrossesBoundariesAndSplitsPnL(t *testing.T) {
	p := NewPool(product.Squeeth, 100)
	a := mustDeposit(t, p, 1_000_000, 0, 10)
	b := mustDeposit(t, p, 1_000_000, 10, 20)

	mustLock(t, p, 1_500_000)
	expectEqual(t, "frontier", p.Frontier, n(15))
	if p.CurrentLevel() != 15 {
		t.Errorf("current level = %d, want 15", p.CurrentLevel())
	}

	// A carries 1.0M of the lock and B 0.5M, so PnL splits 2:1.
	p.AccruePnL(n(150_000))
	expectEqual(t, "A value", value(t, p, a.PositionID), n(1_100_000))
	expectEqual(t, "B value", value(t, p, b.PositionID), n(1_050_000))

	// Unlock everything: the frontier walks back down across level 10.
	mustLock(t, p, 0)
	expectEqual(t, "frontier after unlock", p.Frontier, decimal.Zero)
	expectEqual(t, "active liquidity", p.ActiveLiquidity, n(100_000))

	// PnL with nothing locked is shared over capital: 1.0M each.
	p.AccruePnL(n(30_000))
	expectEqual(t, "unattributed", p.UnattributedPnL, decimal.Zero)
	expectEqual(t, "A value idle", value(t, p, a.PositionID), n(1_115_000))
	expectEqual(t, "B value idle", value(t, p, b.PositionID), n(1_065_000))

	// With a lock inside A's range only A earns.
	mustLock(t, p, 500_000)
	p.AccruePnL(n(20_000))
	expectEqual(t, "A value locked", value(t, p, a.PositionID), n(1_135_000))
	expectEqual(t, "B value locked", value(t, p, b.PositionID), n(1_065_000))
	expectEqual(t, "drift", p.Drift(), decimal.Zero)
}

func TestAccruePnL_NothingLockedStaysWithCurrentLPs(t *testing.T) {
	p := NewPool(product.Squeeth, 100)
	a := mustDeposit(t, p, 1_000_000, 0, 100)
	mustLock(t, p, 200_000)
	mustLock(t, p, 0)

	// A hedge loss realised after every position closed.
	p.AccruePnL(n(-80_000))
	expectEqual(t, "pool", p.AmountLiquidity, n(920_000))
	expectEqual(t, "A value", value(t, p, a.PositionID), n(920_000))
	got, err := p.Withdrawable(a.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	expectEqual(t, "A withdrawable", got, n(920_000))

	// A later depositor neither inherits the loss nor dilutes A.
	b := mustDeposit(t, p, 1_000_000, 0, 100)
	mustLock(t, p, 100_000)
	p.AccruePnL(n(10_000))
	expectEqual(t, "A value after B", value(t, p, a.PositionID), n(925_000))
	expectEqual(t, "B value", value(t, p, b.PositionID), n(1_005_000))

	mustLock(t, p, 0)
	res, err := p.Withdraw(a.PositionID, n(925_000))
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if !res.Closed {
		t.Error("withdrawing the reported value must close the position")
	}
	expectEqual(t, "pool after A leaves", p.AmountLiquidity, n(1_005_000))
	expectEqual(t, "drift", p.Drift(), decimal.Zero)
}

func TestAccruePnL_WithoutCapitalWaitsForOwner(t *testing.T) {
	p := NewPool(product.Future, 100)
	p.AccruePnL(n(500))
	expectEqual(t, "unattributed", p.UnattributedPnL, n(500))

	dep := mustDeposit(t, p, 1_000_000, 0, 10)
	p.AccruePnL(n(100))
	expectEqual(t, "unattributed flushed", p.UnattributedPnL, decimal.Zero)
	expectEqual(t, "value", value(t, p, dep.PositionID), n(1_000_600))
	expectEqual(t, "drift", p.Drift(), decimal.Zero)
}

func TestAccruePnL_LossRoundsAgainstLPs(t *testing.T) {
	p := NewPool(product.Future, 100)
	dep := mustDeposit(t, p, 1_000_000, 0, 1)
	mustLock(t, p, 3)

	// 1/3 per unit locked does not divide; the loss must not shrink.
	p.AccruePnL(n(-1))
	pos, _ := p.LPPosition(dep.PositionID)
	if accrued := p.accrued(pos); accrued.GreaterThan(n(-1)) {
		t.Errorf("accrued %s understates a loss of 1", accrued)
	}
	if p.exactValue(pos).GreaterThan(p.AmountLiquidity) {
		t.Errorf("position claims %s of a %s pool", p.exactValue(pos), p.AmountLiquidity)
	}
}

func TestWithdraw_LockedCapitalStaysBehind(t *testing.T) {
	p := NewPool(product.Future, 100)
	dep := mustDeposit(t, p, 1_000_000, 0, 100)
	mustLock(t, p, 600_000)

	got, err := p.Withdrawable(dep.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	expectEqual(t, "withdrawable", got, n(400_000))

	if _, err := p.Withdraw(dep.PositionID, n(400_001)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}

	res, err := p.Withdraw(dep.PositionID, n(400_000))
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if res.Closed {
		t.Error("partial withdrawal must keep the position")
	}
	expectEqual(t, "shares burned", res.SharesBurned, n(400_000))
	expectEqual(t, "frontier at top of range", p.Frontier, n(100))
	expectEqual(t, "remaining value", value(t, p, dep.PositionID), n(600_000))

	maxW, err := p.MaxWithdrawable(dep.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	expectEqual(t, "max withdrawable", maxW, decimal.Zero)
}

func TestWithdraw_FullCloseRemovesLevels(t *testing.T) {
	p := NewPool(product.Future, 100)
	dep := mustDeposit(t, p, 1_000_000, 3, 40)

	res, err := p.Withdraw(dep.PositionID, n(1_000_000))
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if !res.Closed {
		t.Error("expected position closed")
	}
	expectEqual(t, "shares burned", res.SharesBurned, n(1_000_000))
	expectEqual(t, "supply", p.Supply, decimal.Zero)
	expectEqual(t, "amountLiquidity", p.AmountLiquidity, decimal.Zero)
	if len(p.Levels()) != 0 {
		t.Errorf("levels left behind: %v", p.Levels())
	}
	if _, err := p.Withdraw(dep.PositionID, n(1)); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestWithdraw_CompoundsAccruedPnL(t *testing.T) {
	p := NewPool(product.Future, 100)
	dep := mustDeposit(t, p, 1_000_000, 0, 100)
	mustLock(t, p, 100_000)
	p.AccruePnL(n(100_000))

	if _, err := p.Withdraw(dep.PositionID, n(100_000)); err != nil {
		t.Fatal(err)
	}
	pos, _ := p.LPPosition(dep.PositionID)
	expectEqual(t, "principal", pos.Amount, n(1_000_000))
	expectEqual(t, "per-level liquidity", pos.Liquidity, n(10_000))
	expectEqual(t, "value", p.PositionValue(pos), n(1_000_000))
}

func TestMaxWithdrawable_PoolHeadroomBinds(t *testing.T) {
	p := NewPool(product.Future, 100)
	mustDeposit(t, p, 1_000_000, 0, 10)
	b := mustDeposit(t, p, 1_000_000, 10, 20)
	mustLock(t, p, 1_500_000)
	p.AccruePnL(n(-400_000))

	unlocked, _ := p.Withdrawable(b.PositionID)
	expectEqual(t, "unlocked", unlocked, n(366_666))

	// The pool may not end up holding less than it has locked.
	maxW, err := p.MaxWithdrawable(b.PositionID)
	if err != nil {
		t.Fatal(err)
	}
	expectEqual(t, "max withdrawable", maxW, n(100_000))

	if _, err := p.Withdraw(b.PositionID, n(100_001)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestClone_IsIndependent(t *testing.T) {
	p := NewPool(product.Future, 100)
	dep := mustDeposit(t, p, 1_000_000, 0, 100)

	c := p.Clone()
	if _, err := c.Withdraw(dep.PositionID, n(1_000_000)); err != nil {
		t.Fatal(err)
	}
	mustDeposit(t, c, 5_000, 50, 60)

	if _, ok := p.LPPosition(dep.PositionID); !ok {
		t.Error("withdrawal on the clone removed the original position")
	}
	if len(p.Levels()) != 2 {
		t.Errorf("original levels = %d, want 2", len(p.Levels()))
	}
	expectEqual(t, "original amountLiquidity", p.AmountLiquidity, n(1_000_000))
}

func TestJSON_PreservesLedger(t *testing.T) {
	p := NewPool(product.Squeeth, 100)
	a := mustDeposit(t, p, 1_000_000, 0, 10)
	mustDeposit(t, p, 700_000, 5, 20)
	mustLock(t, p, 900_000)
	p.AccruePnL(n(45_000))

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var restored Pool
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatal(err)
	}

	expectEqual(t, "frontier", restored.Frontier, p.Frontier)
	expectEqual(t, "A value", value(t, &restored, a.PositionID), value(t, p, a.PositionID))
	mustLock(t, &restored, 0)
	expectEqual(t, "restored pool unlocks to level 0", restored.Frontier, decimal.Zero)
}

// Σ LP values + unattributed PnL tracks AmountLiquidity through arbitrary
// sequences of deposits, withdrawals, lock changes and PnL.
func TestConservation_RandomSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := NewPool(product.Squeeth, 50)
	closed := 0

	for step := 0; step < 400; step++ {
		switch rng.Intn(5) {
		case 0:
			lower := rng.Int63n(49)
			upper := lower + 1 + rng.Int63n(50-lower)
			if _, err := p.Deposit("lp", n(1_000+rng.Int63n(5_000_000)), lower, upper); err != nil {
				t.Fatalf("step %d deposit: %v", step, err)
			}
		case 1:
			positions := p.Positions()
			if len(positions) == 0 {
				continue
			}
			pos := positions[rng.Intn(len(positions))]
			maxW, err := p.MaxWithdrawable(pos.ID)
			if err != nil {
				t.Fatal(err)
			}
			if maxW.IsPositive() {
				amount := maxW.Div(n(2)).Ceil()
				res, err := p.Withdraw(pos.ID, amount)
				if err != nil {
					t.Fatalf("step %d withdraw %s of max %s: %v", step, amount, maxW, err)
				}
				if res.Closed {
					closed++
				}
			}
		case 2, 3:
			target := p.AmountLiquidity.Mul(decimal.NewFromFloat(rng.Float64() * 0.9)).Floor()
			before := p.LockedLiquidity
			c := p.Clone()
			if _, err := c.UpdatePoolPosition(decimal.Zero, price100, target); err == nil {
				p = c
			} else if !errors.Is(err, ErrInsufficientLiquidity) {
				t.Fatalf("step %d lock: %v", step, err)
			} else {
				expectEqual(t, "lock after refusal", p.LockedLiquidity, before)
			}
		case 4:
			p.AccruePnL(n(rng.Int63n(60_000) - 20_000))
		}

		// Each live position rounds down by less than one unit; closed
		// positions leave their sub-unit remainder in the pool.
		tolerance := n(int64(len(p.Positions()) + closed + 1))
		if drift := p.Drift(); drift.Abs().GreaterThan(tolerance) {
			t.Fatalf("step %d: drift %s exceeds %s", step, drift, tolerance)
		}
	}
}
