package margin

import (
	"github.com/atmx/perp-engine/internal/entryprice"
	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/pricing"
	"github.com/atmx/perp-engine/internal/product"
	"github.com/shopspring/decimal"
)

// Risk holds the collateral parameters.
type Risk struct {
	// RiskParam is the assumed adverse spot move, as a rate.
	RiskParam decimal.Decimal
	// MinCollateral is the USDC floor of any sub-vault holding a position.
	MinCollateral decimal.Decimal
	// LiquidationRewardRate is the share of minimum collateral paid to the
	// liquidator.
	LiquidationRewardRate decimal.Decimal
}

// Prices are the market inputs of a valuation.
type Prices struct {
	Spot decimal.Decimal
	// Trade are the prices a position is marked at, per product.
	Trade [product.Count]decimal.Decimal
	// Funding is the cumulative funding paid per unit of long position.
	Funding [product.Count]decimal.Decimal
}

// gammaDenominator turns |size·gamma|·move²/2 into USDC:
// 2 · 1e8 (size) · 1e8 (gamma) · 1e16 (price²) / 1e6 (USDC).
var gammaDenominator = decimal.New(2, 26)

// WeightedDelta is the underlying-equivalent size of a set of positions:
// squeeth·2·spot/10000 + future.
func WeightedDelta(positions [product.Count]decimal.Decimal, spot decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, id := range product.All() {
		total = total.Add(pricing.UnderlyingExposure(id, positions[id], spot))
	}
	return total
}

// RequiredCollateral is the loss of positions under a spot move of
// riskParam·spot, without the floor:
//
//	riskParam·|weightedDelta|·spot + ½·|gamma·size|·(riskParam·spot)²
//
// The pool uses it directly to size its locked liquidity.
func RequiredCollateral(positions [product.Count]decimal.Decimal, spot, riskParam decimal.Decimal) decimal.Decimal {
	move := fixedpoint.ApplyRate(spot, riskParam, true)

	deltaTerm := fixedpoint.Notional(WeightedDelta(positions, spot).Abs(), move, true)

	gammaTerm := decimal.Zero
	for _, id := range product.All() {
		g := pricing.Gamma(id)
		if g.IsZero() || positions[id].IsZero() {
			continue
		}
		gammaTerm = gammaTerm.Add(fixedpoint.MulDiv(positions[id].Abs().Mul(g), move.Mul(move), gammaDenominator, true))
	}
	return deltaTerm.Add(gammaTerm)
}

// SubVaultMinCollateral is RequiredCollateral floored at MinCollateral for
// a sub-vault that holds any position, and zero for a flat one.
func SubVaultMinCollateral(s SubVault, spot decimal.Decimal, risk Risk) decimal.Decimal {
	if s.IsFlat() {
		return decimal.Zero
	}
	return decimal.Max(RequiredCollateral(s.Positions, spot, risk.RiskParam), risk.MinCollateral)
}

// MinCollateral sums the per-sub-vault requirement. Deltas net inside a
// sub-vault but never across sub-vaults.
func MinCollateral(v *Vault, spot decimal.Decimal, risk Risk) decimal.Decimal {
	total := decimal.Zero
	for _, s := range v.SubVaults {
		total = total.Add(SubVaultMinCollateral(s, spot, risk))
	}
	return total
}

// fundingOwed is what a position owes since its entry funding snapshot.
func fundingOwed(size, entryFunding, funding decimal.Decimal) decimal.Decimal {
	return fixedpoint.Notional(size, funding.Sub(entryFunding), false)
}

// PositionValue is the vault margin plus every position marked at
// prices.Trade, less funding owed. With all positions closed it equals the
// stored margin.
func PositionValue(v *Vault, prices Prices) decimal.Decimal {
	value := v.Margin
	for _, s := range v.SubVaults {
		for _, id := range product.All() {
			size := s.Positions[id]
			if size.IsZero() {
				continue
			}
			pnl := entryprice.UnrealizedValue(s.EntryPrices[id], size, prices.Trade[id])
			value = value.Add(fixedpoint.PriceValueToUSDC(pnl, false))
			value = value.Sub(fundingOwed(size, s.EntryFunding[id], prices.Funding[id]))
		}
	}
	return value
}

// CheckIM fails with ErrInsufficientMargin when the vault, after withdrawing
// withdrawn USDC, would be worth less than minCollateral·collateralRatio.
func CheckIM(v *Vault, prices Prices, risk Risk, collateralRatio, withdrawn decimal.Decimal) error {
	required := fixedpoint.ApplyRate(MinCollateral(v, prices.Spot, risk), collateralRatio, true)
	if PositionValue(v, prices).Sub(withdrawn).LessThan(required) {
		return ErrInsufficientMargin
	}
	return nil
}

// IsLiquidatable reports whether the vault is worth less than its minimum
// collateral.
func IsLiquidatable(v *Vault, prices Prices, risk Risk) bool {
	if v.Insolvent {
		return false
	}
	return PositionValue(v, prices).LessThan(MinCollateral(v, prices.Spot, risk))
}

// VaultStatus derives the lifecycle state of v at prices.
func VaultStatus(v *Vault, prices Prices, risk Risk) Status {
	switch {
	case v.Insolvent:
		return StatusInsolvent
	case IsLiquidatable(v, prices, risk):
		return StatusLiquidatable
	case v.IsFlat():
		return StatusClosed
	default:
		return StatusActive
	}
}

// MaxWithdrawableMargin is the largest margin withdrawal CheckIM accepts.
func MaxWithdrawableMargin(v *Vault, prices Prices, risk Risk, collateralRatio decimal.Decimal) decimal.Decimal {
	required := fixedpoint.ApplyRate(MinCollateral(v, prices.Spot, risk), collateralRatio, true)
	free := PositionValue(v, prices).Sub(required)
	if free.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(free, decimal.Max(v.Margin, decimal.Zero))
}
