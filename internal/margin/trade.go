package margin

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/entryprice"
	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/product"
	"github.com/shopspring/decimal"
)

// Fill is the effect of one trade on a vault.
type Fill struct {
	SubVault    int             `json:"sub_vault"`
	Product     product.ID      `json:"product"`
	Size        decimal.Decimal `json:"size"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	FundingPaid decimal.Decimal `json:"funding_paid"`
}

// ApplyTrade fills size of a product at tradePrice in sub-vault subIndex.
// subIndex may equal len(SubVaults) to open a new sub-vault. Funding owed
// on the product is settled first, then realised PnL is credited to margin.
// The caller checks collateral afterwards.
func (v *Vault) ApplyTrade(subIndex int, id product.ID, size, tradePrice, fundingPerPosition decimal.Decimal) (Fill, error) {
	if v.Insolvent {
		return Fill{}, ErrVaultInsolvent
	}
	if subIndex < 0 || subIndex > len(v.SubVaults) {
		return Fill{}, fmt.Errorf("%w: %d (vault has %d)", ErrInvalidSubVault, subIndex, len(v.SubVaults))
	}
	if subIndex == len(v.SubVaults) {
		v.SubVaults = append(v.SubVaults, newSubVault())
	}
	return v.fill(subIndex, id, size, tradePrice, fundingPerPosition), nil
}

func newSubVault() SubVault {
	var s SubVault
	for i := range s.Positions {
		s.Positions[i] = decimal.Zero
		s.EntryPrices[i] = decimal.Zero
		s.EntryFunding[i] = decimal.Zero
	}
	return s
}

func (v *Vault) fill(subIndex int, id product.ID, size, tradePrice, fundingPerPosition decimal.Decimal) Fill {
	s := v.SubVaults[subIndex]

	funding := fundingOwed(s.Positions[id], s.EntryFunding[id], fundingPerPosition)
	s.EntryFunding[id] = fundingPerPosition

	entry, profitValue := entryprice.Update(s.EntryPrices[id], s.Positions[id], tradePrice, size)
	profit := fixedpoint.PriceValueToUSDC(profitValue, false)
	s.EntryPrices[id] = entry
	s.Positions[id] = s.Positions[id].Add(size)

	v.Margin = v.Margin.Add(profit).Sub(funding)
	v.SubVaults[subIndex] = s

	return Fill{
		SubVault:    subIndex,
		Product:     id,
		Size:        size,
		Price:       tradePrice,
		RealizedPnL: profit,
		FundingPaid: funding,
	}
}

// Liquidation is the outcome of Liquidate.
type Liquidation struct {
	Fills []Fill `json:"fills"`
	// Closed is the vault-side trade size per product used to flatten it.
	// The pool takes the opposite side.
	Closed [product.Count]decimal.Decimal `json:"closed"`
	// Reward is paid to the liquidator out of the vault's margin.
	Reward decimal.Decimal `json:"reward"`
	// Shortfall is the negative margin left after closing, to be
	// socialised into the pools.
	Shortfall decimal.Decimal `json:"shortfall"`
	Insolvent bool            `json:"insolvent"`
}

// Liquidate force-closes every position of a liquidatable vault at
// prices.Trade, pays the liquidator LiquidationRewardRate of the minimum
// collateral (never more than the remaining margin) and flags the vault
// insolvent if its margin ends negative. The shortfall is written off the
// vault and returned.
func (v *Vault) Liquidate(prices Prices, risk Risk) (Liquidation, error) {
	if v.Insolvent {
		return Liquidation{}, ErrVaultInsolvent
	}
	from := VaultStatus(v, prices, risk)
	if from != StatusLiquidatable {
		return Liquidation{}, ErrVaultNotLiquidatable
	}

	minCollateral := MinCollateral(v, prices.Spot, risk)

	var res Liquidation
	for i := range res.Closed {
		res.Closed[i] = decimal.Zero
	}
	for i := range v.SubVaults {
		for _, id := range product.All() {
			size := v.SubVaults[i].Positions[id]
			if size.IsZero() {
				continue
			}
			f := v.fill(i, id, size.Neg(), prices.Trade[id], prices.Funding[id])
			res.Fills = append(res.Fills, f)
			res.Closed[id] = res.Closed[id].Add(f.Size)
		}
	}

	res.Reward = decimal.Min(
		fixedpoint.ApplyRate(minCollateral, risk.LiquidationRewardRate, false),
		decimal.Max(v.Margin, decimal.Zero),
	)
	v.Margin = v.Margin.Sub(res.Reward)

	if v.Margin.IsNegative() {
		res.Shortfall = v.Margin.Neg()
		res.Insolvent = true
		v.Margin = decimal.Zero
		v.Insolvent = true
	} else {
		res.Shortfall = decimal.Zero
	}

	if to := VaultStatus(v, prices, risk); !from.CanTransitionTo(to) {
		return Liquidation{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return res, nil
}
