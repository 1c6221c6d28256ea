package netting

import (
	"errors"
	"testing"
	"time"

	"github.com/atmx/perp-engine/internal/pricing"
	"github.com/atmx/perp-engine/internal/product"
	"github.com/shopspring/decimal"
)

func n(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func units(v int64) decimal.Decimal { return n(v).Shift(8) }

func usd(v int64) decimal.Decimal { return n(v).Shift(8) }

func usdc(v int64) decimal.Decimal { return n(v).Shift(6) }

var params = Params{
	MinSlippage:     n(300_000), // 0.3%
	MaxSlippage:     n(800_000), // 0.8%
	Window:          time.Hour,
	VolatilityScale: n(1_000_000), // 0.01
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// poolDeltas is the underlying exposure of pools holding the given positions.
func poolDeltas(future, squeeth, spot decimal.Decimal) [product.Count]decimal.Decimal {
	return [product.Count]decimal.Decimal{
		pricing.UnderlyingExposure(product.Future, future, spot),
		pricing.UnderlyingExposure(product.Squeeth, squeeth, spot),
	}
}

func expectEqual(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func TestTolerance(t *testing.T) {
	tests := []struct {
		name     string
		variance decimal.Decimal
		age      time.Duration
		want     decimal.Decimal
	}{
		{"fresh price, no volatility", decimal.Zero, 0, n(300_000)},
		{"half window", decimal.Zero, 30 * time.Minute, n(550_000)},
		{"stale price", decimal.Zero, 3 * time.Hour, n(800_000)},
		{"volatility widens", n(16_000_000), 0, n(460_000)},
		{"volatility capped", n(64_000_000), 30 * time.Minute, n(800_000)},
		{"clock skew", decimal.Zero, -time.Minute, n(300_000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectEqual(t, "tolerance", Tolerance(params, tt.variance, tt.age), tt.want)
		})
	}
}

func TestTokenAmountForHedging(t *testing.T) {
	s := NewState()
	spot := usd(2000)

	// Pool short 100 squeeth (delta -40) and long 10 futures.
	r := s.TokenAmountForHedging(params, poolDeltas(units(10), units(-100), spot), spot, decimal.Zero, t0, t0)

	if !r.IsLong {
		t.Fatal("expected a long hedge")
	}
	expectEqual(t, "underlying", r.UnderlyingAmount, units(30))
	expectEqual(t, "usdc", r.USDCAmount, usdc(60_180))
	expectEqual(t, "squeeth target", r.Targets[product.Squeeth], units(40))
	expectEqual(t, "future target", r.Targets[product.Future], units(-10))

	short := s.TokenAmountForHedging(params, poolDeltas(units(30), decimal.Zero, spot), spot, decimal.Zero, t0, t0)
	if short.IsLong {
		t.Fatal("expected a short hedge")
	}
	// 30 · 2000 · 0.997
	expectEqual(t, "short usdc", short.USDCAmount, usdc(59_820))
}

func TestCompleteHedge(t *testing.T) {
	s := NewState()
	spot := usd(2000)

	r := s.TokenAmountForHedging(params, poolDeltas(units(10), units(-100), spot), spot, decimal.Zero, t0, t0)
	profits, err := s.CompleteHedge(r, usdc(60_000), t0)
	if err != nil {
		t.Fatal(err)
	}
	expectEqual(t, "squeeth hedge", s.Hedges[product.Squeeth], units(40))
	expectEqual(t, "future hedge", s.Hedges[product.Future], units(-10))
	expectEqual(t, "entry", s.EntryPrices[product.Squeeth], spot)
	expectEqual(t, "opening profit", profits[product.Squeeth], decimal.Zero)
	expectEqual(t, "last price", s.LastHedgePrice, spot)

	// Squeeth pool halves; the excess 20 is sold at 2100.
	r = s.TokenAmountForHedging(params, poolDeltas(units(10), units(-50), spot), spot, decimal.Zero, t0.Add(time.Minute), t0)
	if r.IsLong {
		t.Fatal("expected a short hedge")
	}
	expectEqual(t, "underlying", r.UnderlyingAmount, units(20))
	profits, err = s.CompleteHedge(r, usdc(42_000), t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	expectEqual(t, "squeeth profit", profits[product.Squeeth], usdc(2_000))
	expectEqual(t, "future profit", profits[product.Future], decimal.Zero)
	expectEqual(t, "squeeth hedge", s.Hedges[product.Squeeth], units(20))

	// Nothing left to do.
	r = s.TokenAmountForHedging(params, poolDeltas(units(10), units(-50), spot), spot, decimal.Zero, t0, t0)
	if _, err := s.CompleteHedge(r, decimal.Zero, t0); !errors.Is(err, ErrNettingInvariantViolation) {
		t.Errorf("expected ErrNettingInvariantViolation, got %v", err)
	}
}

func TestCompleteHedge_InternalNettingSettlesAtSpot(t *testing.T) {
	s := NewState()
	spot := usd(2000)

	// Squeeth delta +10 against future delta -10.
	r := s.TokenAmountForHedging(params, poolDeltas(units(-10), units(25), spot), spot, decimal.Zero, t0, t0)
	expectEqual(t, "underlying", r.UnderlyingAmount, decimal.Zero)

	if _, err := s.CompleteHedge(r, decimal.Zero, t0); err != nil {
		t.Fatal(err)
	}
	expectEqual(t, "squeeth hedge", s.Hedges[product.Squeeth], units(-10))
	expectEqual(t, "future hedge", s.Hedges[product.Future], units(10))
	expectEqual(t, "entry", s.EntryPrices[product.Future], spot)
}

func TestCompleteHedge_RejectsBadFills(t *testing.T) {
	s := NewState()
	spot := usd(2000)
	r := s.TokenAmountForHedging(params, poolDeltas(decimal.Zero, units(-100), spot), spot, decimal.Zero, t0, t0)

	for _, filled := range []decimal.Decimal{decimal.Zero, r.USDCAmount.Add(n(1))} {
		if _, err := s.CompleteHedge(r, filled, t0); !errors.Is(err, ErrSlippageExceeded) {
			t.Errorf("fill %s: expected ErrSlippageExceeded, got %v", filled, err)
		}
	}
	expectEqual(t, "hedge untouched", s.Hedges[product.Squeeth], decimal.Zero)
}

func TestSettleToSpot(t *testing.T) {
	s := NewState()
	spot := usd(2000)
	r := s.TokenAmountForHedging(params, poolDeltas(units(10), units(-100), spot), spot, decimal.Zero, t0, t0)
	if _, err := s.CompleteHedge(r, usdc(60_000), t0); err != nil {
		t.Fatal(err)
	}

	expectEqual(t, "unrealized", s.UnrealizedPnL(product.Squeeth, usd(2100)), usdc(4_000))

	profits := s.SettleToSpot(usd(2100))
	expectEqual(t, "squeeth", profits[product.Squeeth], usdc(4_000))
	expectEqual(t, "future", profits[product.Future], usdc(-1_000))
	expectEqual(t, "rebased", s.EntryPrices[product.Future], usd(2100))
	expectEqual(t, "settled", s.UnrealizedPnL(product.Squeeth, usd(2100)), decimal.Zero)
}
