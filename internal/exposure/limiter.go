// Package exposure implements position limits that account for the
// correlation between the two products.
//
// Future and Squeeth settle against the same underlying, so a trader long
// both is carrying one directional bet twice. The limiter caps each product's
// net size and, separately, the gross delta-weighted exposure across both.
package exposure

import (
	"errors"

	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/product"
	"github.com/shopspring/decimal"
)

var (
	// ErrPerProductLimitExceeded is returned when a trade would push a single
	// product's net position beyond the per-product maximum.
	ErrPerProductLimitExceeded = errors.New("exposure: per-product position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// delta-weighted exposure across both products beyond the correlated
	// maximum.
	ErrCorrelatedLimitExceeded = errors.New("exposure: correlated exposure limit exceeded")
)

// Positions holds one net size per product, in size units (8 decimals).
type Positions [product.Count]decimal.Decimal

// Deltas holds the per-unit delta of each product against the underlying,
// in rate units (1e8 = 1.0).
type Deltas [product.Count]decimal.Decimal

// PositionLimiter enforces position limits with correlation awareness.
// A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerProduct is the maximum absolute net size in any single product.
	MaxPerProduct decimal.Decimal

	// MaxCorrelated is the maximum gross underlying-equivalent exposure,
	// Σ |position × delta|, across both products.
	MaxCorrelated decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-product and
// correlated exposure limits.
func NewPositionLimiter(maxPerProduct, maxCorrelated decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerProduct: maxPerProduct,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether a trade respects position limits.
//
// Parameters:
//   - target: product being traded
//   - sizeDelta: signed change in size (+long / -short)
//   - existing: current net size per product for this vault
//   - deltas: per-unit delta of each product at the current spot
//
// Trades that shrink an exposure are always allowed, even when the vault is
// already over a limit after a parameter change.
func (l *PositionLimiter) CheckLimit(
	target product.ID,
	sizeDelta decimal.Decimal,
	existing Positions,
	deltas Deltas,
) error {
	// 1. Per-product limit.
	current := existing[target]
	next := current.Add(sizeDelta)

	if l.MaxPerProduct.IsPositive() &&
		next.Abs().GreaterThan(l.MaxPerProduct) &&
		next.Abs().GreaterThan(current.Abs()) {
		return ErrPerProductLimitExceeded
	}

	// 2. Correlated exposure: Σ |size × delta| before and after.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	after := existing
	after[target] = next
	before := Gross(existing, deltas)
	total := Gross(after, deltas)

	if total.GreaterThan(l.MaxCorrelated) && total.GreaterThan(before) {
		return ErrCorrelatedLimitExceeded
	}

	return nil
}

// Gross returns Σ |position × delta| in size units.
func Gross(positions Positions, deltas Deltas) decimal.Decimal {
	total := decimal.Zero
	for i, p := range positions {
		total = total.Add(fixedpoint.ApplyRate(p, deltas[i], false).Abs())
	}
	return total
}
