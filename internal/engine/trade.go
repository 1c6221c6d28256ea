package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/exposure"
	"github.com/atmx/perp-engine/internal/feed"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pricing"
	"github.com/atmx/perp-engine/internal/product"
)

// TradeLeg is one product trade inside a sub-vault.
type TradeLeg struct {
	// SubVault indexes the vault's sub-vaults; len(SubVaults) opens a new one.
	SubVault int             `json:"sub_vault"`
	Product  product.ID      `json:"product"`
	Size     decimal.Decimal `json:"size"` // signed, 1e8
	// LimitPrice is the most a long pays or the least a short receives.
	// Zero disables the check.
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// TradeRequest opens, changes or closes positions of one vault and moves
// its margin. An empty VaultID mints a new vault for the caller.
type TradeRequest struct {
	Caller  string     `json:"caller"`
	VaultID string     `json:"vault_id"`
	Legs    []TradeLeg `json:"legs"`
	// MarginDelta is deposited before the legs when positive and withdrawn
	// after them when negative.
	MarginDelta decimal.Decimal `json:"margin_delta"`
	// Deadline rejects the request when it is processed later. Zero means none.
	Deadline time.Time `json:"deadline"`
}

// TradeResult reports the fills and the vault after the trade.
type TradeResult struct {
	VaultID       string            `json:"vault_id"`
	Fills         []margin.Fill     `json:"fills"`
	Fees          []decimal.Decimal `json:"fees"`
	Margin        decimal.Decimal   `json:"margin"`
	MinCollateral decimal.Decimal   `json:"min_collateral"`
	Status        margin.Status     `json:"status"`
}

// Trade executes req atomically: every leg fills, the vault passes its
// collateral check and the pools lock enough liquidity, or nothing changes.
func (e *Engine) Trade(ctx context.Context, req TradeRequest) (TradeResult, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.trade(ctx, e.begin("trade"), req)
	e.observe("trade", start, err)
	return res, err
}

func (e *Engine) trade(ctx context.Context, t *txn, req TradeRequest) (TradeResult, error) {
	if !req.Deadline.IsZero() && t.now.After(req.Deadline) {
		return TradeResult{}, fmt.Errorf("%w: %s", ErrDeadlineExceeded, req.Deadline.Format(time.RFC3339))
	}
	if req.Caller == "" {
		return TradeResult{}, fmt.Errorf("%w: caller is required", ErrUnauthorized)
	}
	if len(req.Legs) == 0 && req.MarginDelta.IsZero() {
		return TradeResult{}, fmt.Errorf("%w: nothing to do", ErrInvalidRequest)
	}
	for i, leg := range req.Legs {
		if !leg.Product.Valid() || leg.Size.IsZero() || leg.SubVault < 0 || leg.LimitPrice.IsNegative() {
			return TradeResult{}, fmt.Errorf("%w: leg %d", ErrInvalidRequest, i)
		}
	}

	if err := e.refresh(ctx, t); err != nil {
		return TradeResult{}, err
	}

	isNew := req.VaultID == ""
	var vault *margin.Vault
	if isNew {
		if req.MarginDelta.IsNegative() {
			return TradeResult{}, fmt.Errorf("%w: new vault cannot withdraw", ErrInvalidRequest)
		}
		vault = margin.NewVault("", req.Caller)
		vault.Margin = decimal.Zero
	} else {
		owner, err := e.deps.Vaults.OwnerOf(ctx, req.VaultID)
		if err != nil {
			return TradeResult{}, fmt.Errorf("%w: %w", ErrVaultNotFound, err)
		}
		if owner != req.Caller {
			return TradeResult{}, fmt.Errorf("%w: vault %s", ErrUnauthorized, req.VaultID)
		}
		if vault, err = t.vault(req.VaultID); err != nil {
			return TradeResult{}, err
		}
	}
	if vault.Insolvent {
		return TradeResult{}, margin.ErrVaultInsolvent
	}
	p := t.market.Params
	risk := riskOf(p)
	before := margin.VaultStatus(vault, t.prices(), risk)

	if req.MarginDelta.IsPositive() {
		if err := vault.AddMargin(req.MarginDelta); err != nil {
			return TradeResult{}, err
		}
	}

	limiter := exposure.NewPositionLimiter(p.MaxPositionPerProduct, p.MaxCorrelatedExposure)
	deltas := exposure.Deltas(pricing.Deltas(t.market.Spot))

	res := TradeResult{}
	for _, leg := range req.Legs {
		if err := limiter.CheckLimit(leg.Product, leg.Size, exposure.Positions(vault.NetPositions()), deltas); err != nil {
			metrics.PositionLimitRejections.Inc()
			return TradeResult{}, err
		}
		fill, fee, err := e.fill(t, vault, leg)
		if err != nil {
			return TradeResult{}, err
		}
		res.Fills = append(res.Fills, fill)
		res.Fees = append(res.Fees, fee)
	}

	withdrawn := decimal.Zero
	if req.MarginDelta.IsNegative() {
		withdrawn = req.MarginDelta.Neg()
		if withdrawn.GreaterThan(vault.Margin) {
			return TradeResult{}, fmt.Errorf("%w: withdrawing %s of %s", margin.ErrInsufficientMargin, withdrawn, vault.Margin)
		}
	}
	prices := t.prices()
	if err := margin.CheckIM(vault, prices, risk, p.MinCollateralRatio, withdrawn); err != nil {
		return TradeResult{}, fmt.Errorf("%w: min collateral %s", err, margin.MinCollateral(vault, prices.Spot, risk))
	}
	if withdrawn.IsPositive() {
		if err := vault.AddMargin(withdrawn.Neg()); err != nil {
			return TradeResult{}, err
		}
	}
	if after := margin.VaultStatus(vault, prices, risk); !before.CanTransitionTo(after) {
		return TradeResult{}, fmt.Errorf("%w: %s to %s", margin.ErrInvalidTransition, before, after)
	}

	if isNew {
		id, err := e.deps.Vaults.Mint(ctx, req.Caller)
		if err != nil {
			return TradeResult{}, fmt.Errorf("mint vault: %w", err)
		}
		if _, exists := t.base.Vaults[id]; exists {
			return TradeResult{}, fmt.Errorf("%w: %s", ErrVaultExists, id)
		}
		vault.ID = id
	}
	t.vaults[vault.ID] = vault

	for i, f := range res.Fills {
		id := f.Product
		t.record(model.LedgerEntry{
			Kind:        model.KindTrade,
			Account:     vault.ID,
			Owner:       vault.Owner,
			Product:     id,
			SubVault:    f.SubVault,
			Size:        f.Size,
			Price:       f.Price,
			RealizedPnL: f.RealizedPnL.Sub(f.FundingPaid),
			Fee:         res.Fees[i],
		})
		t.emit(feed.TypeTrade, vault.ID, &id, f)
	}
	if !req.MarginDelta.IsZero() {
		kind := model.KindDeposit
		if req.MarginDelta.IsNegative() {
			kind = model.KindWithdraw
		}
		t.record(model.LedgerEntry{Kind: kind, Account: vault.ID, Owner: vault.Owner, Amount: req.MarginDelta})
	}
	if len(res.Fills) > 0 {
		t.emit(feed.TypeHedgeRequirement, "", nil, t.requirement())
	}

	if err := e.commit(ctx, t); err != nil {
		return TradeResult{}, err
	}

	for _, f := range res.Fills {
		side := "long"
		if f.Size.IsNegative() {
			side = "short"
		}
		metrics.TradesTotal.WithLabelValues(f.Product.String(), side).Inc()
	}
	e.deps.Logger.Info("trade executed",
		"vault", vault.ID,
		"owner", vault.Owner,
		"legs", len(res.Fills),
		"margin_delta", req.MarginDelta.String(),
		"margin", vault.Margin.String(),
	)

	res.VaultID = vault.ID
	res.Margin = vault.Margin
	res.MinCollateral = margin.MinCollateral(vault, prices.Spot, risk)
	res.Status = margin.VaultStatus(vault, prices, risk)
	return res, nil
}

// fill prices one leg against its pool, applies it to the vault and moves
// the pool to the opposite side. It returns the fill and the fee embedded
// in its price.
func (e *Engine) fill(t *txn, vault *margin.Vault, leg TradeLeg) (margin.Fill, decimal.Decimal, error) {
	id := leg.Product
	p := t.market.Params
	isLong := leg.Size.IsPositive()
	pool := t.pool(id)

	feeRate := pricing.FeeRate(pool.CurrentLevel(), feeParams(p))
	mark := t.markPrice(id)
	raw := pricing.TradePrice(mark, isLong, feeRate)
	price := t.market.Guards[id].UpdatedPrice(spreadParams(p), isLong, raw, t.now)

	if leg.LimitPrice.IsPositive() {
		if isLong && price.GreaterThan(leg.LimitPrice) || !isLong && price.LessThan(leg.LimitPrice) {
			return margin.Fill{}, decimal.Zero, fmt.Errorf("%w: %s fill %s beyond limit %s", ErrStaleOrManipulatedPrice, id, price, leg.LimitPrice)
		}
	}

	f, err := vault.ApplyTrade(leg.SubVault, id, leg.Size, price, t.market.Funding[id])
	if err != nil {
		return margin.Fill{}, decimal.Zero, err
	}

	next := pool.Position.Sub(leg.Size)
	if _, err := pool.UpdatePoolPosition(leg.Size.Neg(), price, t.poolLock(id, next)); err != nil {
		return margin.Fill{}, decimal.Zero, fmt.Errorf("%s pool: %w", id, err)
	}

	fee := pricing.FeeAmount(leg.Size, mark, feeRate)
	if protocol := pricing.ProtocolFee(fee, p.ProtocolFee); protocol.IsPositive() {
		pool.AccruePnL(protocol.Neg())
		t.effect(func(ctx context.Context) error {
			return e.deps.Fees.Collect(ctx, id, protocol)
		})
	}
	return f, fee, nil
}

// LiquidateRequest names the vault to liquidate. The caller receives the
// reward.
type LiquidateRequest struct {
	Caller  string `json:"caller"`
	VaultID string `json:"vault_id"`
}

// Liquidate force-closes an undercollateralised vault. Any shortfall is
// written off against the pools.
func (e *Engine) Liquidate(ctx context.Context, req LiquidateRequest) (margin.Liquidation, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.liquidate(ctx, e.begin("liquidate"), req)
	e.observe("liquidate", start, err)
	return res, err
}

func (e *Engine) liquidate(ctx context.Context, t *txn, req LiquidateRequest) (margin.Liquidation, error) {
	if req.Caller == "" {
		return margin.Liquidation{}, fmt.Errorf("%w: caller is required", ErrUnauthorized)
	}
	if err := e.refresh(ctx, t); err != nil {
		return margin.Liquidation{}, err
	}
	vault, err := t.vault(req.VaultID)
	if err != nil {
		return margin.Liquidation{}, err
	}

	prices := t.prices()
	res, err := vault.Liquidate(prices, riskOf(t.market.Params))
	if err != nil {
		return margin.Liquidation{}, err
	}

	for _, id := range product.All() {
		closed := res.Closed[id]
		if closed.IsZero() {
			continue
		}
		pool := t.pool(id)
		if _, err := pool.UpdatePoolPosition(closed.Neg(), prices.Trade[id], t.poolLock(id, pool.Position.Sub(closed))); err != nil {
			return margin.Liquidation{}, fmt.Errorf("%s pool: %w", id, err)
		}
	}
	t.socialize(res.Shortfall)

	for _, f := range res.Fills {
		id := f.Product
		t.record(model.LedgerEntry{
			Kind:        model.KindLiquidation,
			Account:     vault.ID,
			Owner:       vault.Owner,
			Product:     id,
			SubVault:    f.SubVault,
			Size:        f.Size,
			Price:       f.Price,
			RealizedPnL: f.RealizedPnL.Sub(f.FundingPaid),
		})
	}
	t.record(model.LedgerEntry{
		Kind:    model.KindLiquidation,
		Account: vault.ID,
		Owner:   req.Caller,
		Amount:  res.Reward,
	})
	t.emit(feed.TypeLiquidation, vault.ID, nil, res)
	t.emit(feed.TypeHedgeRequirement, "", nil, t.requirement())

	if err := e.commit(ctx, t); err != nil {
		return margin.Liquidation{}, err
	}

	outcome := "solvent"
	if res.Insolvent {
		outcome = "insolvent"
	}
	metrics.LiquidationsTotal.WithLabelValues(outcome).Inc()
	e.deps.Logger.Info("vault liquidated",
		"vault", vault.ID,
		"liquidator", req.Caller,
		"reward", res.Reward.String(),
		"shortfall", res.Shortfall.String(),
		"insolvent", res.Insolvent,
	)
	return res, nil
}
