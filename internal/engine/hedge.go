package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/external"
	"github.com/atmx/perp-engine/internal/feed"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/netting"
	"github.com/atmx/perp-engine/internal/product"
)

// HedgeResult reports a settled hedge.
type HedgeResult struct {
	Requirement netting.Requirement `json:"requirement"`
	// USDC is what the venue charged or paid for the underlying.
	USDC decimal.Decimal `json:"usdc"`
	// Profits are the realized hedge PnL booked to each pool, in USDC.
	Profits [product.Count]decimal.Decimal `json:"profits"`
}

// CompleteHedgeRequest reports a hedge executed outside the engine.
type CompleteHedgeRequest struct {
	Caller     string          `json:"caller"`
	Underlying decimal.Decimal `json:"underlying"`
	USDC       decimal.Decimal `json:"usdc"`
}

// HedgeRequirement returns the spot trade that would flatten the pools'
// combined delta at the latest oracle price. Nothing is persisted.
func (e *Engine) HedgeRequirement(ctx context.Context) (netting.Requirement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.begin("hedge_requirement")
	if err := e.refresh(ctx, t); err != nil {
		return netting.Requirement{}, err
	}
	return t.requirement(), nil
}

// Hedge sizes the requirement and executes it against the spot venue
// within its slippage tolerance.
func (e *Engine) Hedge(ctx context.Context, caller string) (HedgeResult, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.hedge(ctx, e.begin("hedge"), caller)
	e.observe("hedge", start, err)
	return res, err
}

func (e *Engine) hedge(ctx context.Context, t *txn, caller string) (HedgeResult, error) {
	if err := e.authorizeController(caller); err != nil {
		return HedgeResult{}, err
	}
	if err := e.refresh(ctx, t); err != nil {
		return HedgeResult{}, err
	}
	req := t.requirement()
	if !t.viewHedges().Open(req) {
		return HedgeResult{}, netting.ErrNettingInvariantViolation
	}

	usdc := decimal.Zero
	if req.UnderlyingAmount.IsPositive() {
		swap, err := e.deps.Venue.Swap(ctx, external.SwapOrder{
			IsLong:     req.IsLong,
			Underlying: req.UnderlyingAmount,
			LimitUSDC:  req.USDCAmount,
			Deadline:   t.now.Add(t.market.Params.HedgeSlippageWindow),
		})
		if err != nil {
			return HedgeResult{}, fmt.Errorf("spot venue: %w", err)
		}
		usdc = swap.USDC
	}
	res, err := e.completeHedge(ctx, t, req, usdc)
	if err != nil && req.UnderlyingAmount.IsPositive() {
		e.deps.Logger.Error("hedge swap executed but not settled",
			"is_long", req.IsLong,
			"underlying", req.UnderlyingAmount.String(),
			"usdc", usdc.String(),
			"err", err,
		)
	}
	return res, err
}

// CompleteHedge settles a hedge the controller executed itself. The
// underlying amount must match the current requirement.
func (e *Engine) CompleteHedge(ctx context.Context, req CompleteHedgeRequest) (HedgeResult, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.begin("complete_hedge")
	res, err := func() (HedgeResult, error) {
		if err := e.authorizeController(req.Caller); err != nil {
			return HedgeResult{}, err
		}
		if err := e.refresh(ctx, t); err != nil {
			return HedgeResult{}, err
		}
		r := t.requirement()
		if !req.Underlying.Equal(r.UnderlyingAmount) {
			return HedgeResult{}, fmt.Errorf("%w: underlying %s, required %s", ErrInvalidRequest, req.Underlying, r.UnderlyingAmount)
		}
		return e.completeHedge(ctx, t, r, req.USDC)
	}()
	e.observe("complete_hedge", start, err)
	return res, err
}

func (e *Engine) completeHedge(ctx context.Context, t *txn, r netting.Requirement, usdc decimal.Decimal) (HedgeResult, error) {
	profits, err := t.hedges().CompleteHedge(r, usdc, t.now)
	if err != nil {
		return HedgeResult{}, err
	}
	for _, id := range product.All() {
		if !profits[id].IsZero() {
			t.pool(id).AccruePnL(profits[id])
		}
		delta := r.Targets[id].Sub(t.base.Netting.Hedges[id])
		if delta.IsZero() {
			continue
		}
		t.record(model.LedgerEntry{
			Kind:        model.KindHedge,
			Account:     id.String(),
			Product:     id,
			Size:        delta,
			Price:       t.hedge.LastHedgePrice,
			RealizedPnL: profits[id],
		})
	}

	res := HedgeResult{Requirement: r, USDC: usdc, Profits: profits}
	t.emit(feed.TypeHedge, "", nil, res)

	if err := e.commit(ctx, t); err != nil {
		return HedgeResult{}, err
	}
	metrics.HedgesTotal.Inc()
	e.deps.Logger.Info("hedge settled",
		"is_long", r.IsLong,
		"underlying", r.UnderlyingAmount.String(),
		"usdc", usdc.String(),
		"price", t.hedge.LastHedgePrice.String(),
	)
	return res, nil
}
