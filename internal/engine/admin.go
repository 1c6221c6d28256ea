package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/feed"
	"github.com/atmx/perp-engine/internal/liquidity"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/netting"
	"github.com/atmx/perp-engine/internal/pricing"
	"github.com/atmx/perp-engine/internal/product"
	"github.com/atmx/perp-engine/internal/store"
)

// UpdateParams applies a partial parameter update. Funding accrued under
// the old parameters is settled first.
func (e *Engine) UpdateParams(ctx context.Context, caller string, patch config.Patch) (config.Params, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.begin("update_params")
	params, err := func() (config.Params, error) {
		if err := e.authorizeController(caller); err != nil {
			return config.Params{}, err
		}
		if err := e.refresh(ctx, t); err != nil {
			return config.Params{}, err
		}
		next, err := t.market.Params.Apply(patch)
		if err != nil {
			return config.Params{}, err
		}
		t.market.Params = next
		t.emit(feed.TypeParams, "", nil, next)
		if err := e.commit(ctx, t); err != nil {
			return config.Params{}, err
		}
		return next, nil
	}()
	e.observe("update_params", start, err)
	if err == nil {
		e.deps.Logger.Info("parameters updated", "caller", caller)
	}
	return params, err
}

// view starts a read-only transaction at the latest oracle price. Its
// changes are never committed.
func (e *Engine) view(ctx context.Context, op string) (*txn, error) {
	t := e.begin(op)
	if err := e.refresh(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Vault returns a vault with its valuation.
func (e *Engine) Vault(ctx context.Context, id string) (model.VaultSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.view(ctx, "vault")
	if err != nil {
		return model.VaultSummary{}, err
	}
	v, err := t.vault(id)
	if err != nil {
		return model.VaultSummary{}, err
	}
	prices := t.prices()
	risk := riskOf(t.market.Params)
	return model.VaultSummary{
		Vault:         v,
		Status:        margin.VaultStatus(v, prices, risk),
		PositionValue: margin.PositionValue(v, prices),
		MinCollateral: margin.MinCollateral(v, prices.Spot, risk),
		Withdrawable:  margin.MaxWithdrawableMargin(v, prices, risk, t.market.Params.MinCollateralRatio),
	}, nil
}

// VaultStatus returns the lifecycle state of a vault at current prices.
func (e *Engine) VaultStatus(ctx context.Context, id string) (margin.Status, error) {
	s, err := e.Vault(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.Status, nil
}

// Pool returns the state and prices of one product's pool.
func (e *Engine) Pool(ctx context.Context, id product.ID) (model.PoolSummary, error) {
	if !id.Valid() {
		return model.PoolSummary{}, fmt.Errorf("%w: product %d", ErrInvalidRequest, int(id))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.view(ctx, "pool")
	if err != nil {
		return model.PoolSummary{}, err
	}
	p := t.viewPool(id)
	mark := t.markPrice(id)
	return model.PoolSummary{
		Product:         id,
		Symbol:          product.SymbolFor(e.deps.Underlying, id),
		Position:        p.Position,
		EntryPrice:      p.EntryPrice,
		AmountLiquidity: p.AmountLiquidity,
		LockedLiquidity: p.LockedLiquidity,
		Supply:          p.Supply,
		Level:           p.CurrentLevel(),
		FeeRate:         pricing.FeeRate(p.CurrentLevel(), feeParams(t.market.Params)),
		IndexPrice:      pricing.IndexPrice(id, t.market.Spot),
		MarkPrice:       mark,
		FundingRate:     t.fundingRate(id),
		UnrealizedPnL:   p.UnrealizedPnL(mark),
		HedgePnL:        t.viewHedges().UnrealizedPnL(id, t.market.Spot),
		Volatility:      pricing.Volatility(t.market.Variance),
	}, nil
}

// LPPosition returns an LP position valued as if the pool were settled now.
func (e *Engine) LPPosition(ctx context.Context, id product.ID, positionID string) (model.LPPositionSummary, error) {
	if !id.Valid() {
		return model.LPPositionSummary{}, fmt.Errorf("%w: product %d", ErrInvalidRequest, int(id))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.view(ctx, "lp_position")
	if err != nil {
		return model.LPPositionSummary{}, err
	}
	t.settleHedges()
	p := t.pool(id)
	p.SettleToMark(t.markPrice(id))

	pos, ok := p.LPPosition(positionID)
	if !ok {
		return model.LPPositionSummary{}, fmt.Errorf("%w: %s", liquidity.ErrPositionNotFound, positionID)
	}
	withdrawable, err := p.Withdrawable(positionID)
	if err != nil {
		return model.LPPositionSummary{}, err
	}
	return model.LPPositionSummary{
		Position:     pos,
		Product:      id,
		Value:        p.PositionValue(pos),
		AccruedPnL:   p.AccruedPnL(pos),
		Withdrawable: withdrawable,
	}, nil
}

// NettingSummary is the hedge state with the trade still required.
type NettingSummary struct {
	State       netting.State       `json:"state"`
	Requirement netting.Requirement `json:"requirement"`
	Open        bool                `json:"open"`
}

// Netting returns the hedge book and its open requirement.
func (e *Engine) Netting(ctx context.Context) (NettingSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.view(ctx, "netting")
	if err != nil {
		return NettingSummary{}, err
	}
	s := t.viewHedges()
	r := t.requirement()
	return NettingSummary{State: *s, Requirement: r, Open: s.Open(r)}, nil
}

// Ledger returns the entries of a vault or LP position.
func (e *Engine) Ledger(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	entries, err := e.deps.Store.GetLedgerEntriesByAccount(ctx, account)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return entries, err
}

// LedgerByOwner returns every entry booked to owner.
func (e *Engine) LedgerByOwner(ctx context.Context, owner string) ([]model.LedgerEntry, error) {
	entries, err := e.deps.Store.GetLedgerEntriesByOwner(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return entries, err
}
