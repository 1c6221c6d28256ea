package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/feed"
	"github.com/atmx/perp-engine/internal/liquidity"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/product"
)

// DepositRequest adds liquidity to one pool over the fee levels [Lower, Upper).
type DepositRequest struct {
	Caller  string          `json:"caller"`
	Product product.ID      `json:"product"`
	Amount  decimal.Decimal `json:"amount"`
	Lower   int64           `json:"lower"`
	Upper   int64           `json:"upper"`
}

// WithdrawRequest takes USDC out of an LP position. A zero Amount withdraws
// as much as the pool allows.
type WithdrawRequest struct {
	Caller     string          `json:"caller"`
	Product    product.ID      `json:"product"`
	PositionID string          `json:"position_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// Deposit settles the pool to mark and adds a new LP position, minting
// pool shares to the caller.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (liquidity.DepositResult, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.deposit(ctx, e.begin("deposit"), req)
	e.observe("deposit", start, err)
	return res, err
}

func (e *Engine) deposit(ctx context.Context, t *txn, req DepositRequest) (liquidity.DepositResult, error) {
	if req.Caller == "" {
		return liquidity.DepositResult{}, fmt.Errorf("%w: caller is required", ErrUnauthorized)
	}
	if !req.Product.Valid() {
		return liquidity.DepositResult{}, fmt.Errorf("%w: product %d", ErrInvalidRequest, int(req.Product))
	}
	if err := e.refresh(ctx, t); err != nil {
		return liquidity.DepositResult{}, err
	}
	t.settleHedges()

	id := req.Product
	pool := t.pool(id)
	pool.SettleToMark(t.markPrice(id))

	res, err := pool.Deposit(req.Caller, req.Amount, req.Lower, req.Upper)
	if err != nil {
		return liquidity.DepositResult{}, err
	}
	t.effect(func(ctx context.Context) error {
		return e.deps.Shares.Mint(ctx, id, req.Caller, res.Shares)
	})

	t.record(model.LedgerEntry{
		Kind:    model.KindDeposit,
		Account: res.PositionID,
		Owner:   req.Caller,
		Product: id,
		Amount:  res.Charged,
	})
	t.emit(feed.TypeDeposit, res.PositionID, &id, res)

	if err := e.commit(ctx, t); err != nil {
		return liquidity.DepositResult{}, err
	}
	e.deps.Logger.Info("liquidity deposited",
		"product", id.String(),
		"position", res.PositionID,
		"owner", req.Caller,
		"amount", res.Charged.String(),
		"lower", req.Lower,
		"upper", req.Upper,
	)
	return res, nil
}

// Withdraw settles the pool to mark and takes USDC out of an LP position,
// burning its shares pro rata.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (liquidity.WithdrawResult, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.withdraw(ctx, e.begin("withdraw"), req)
	e.observe("withdraw", start, err)
	return res, err
}

func (e *Engine) withdraw(ctx context.Context, t *txn, req WithdrawRequest) (liquidity.WithdrawResult, error) {
	if !req.Product.Valid() || req.Amount.IsNegative() {
		return liquidity.WithdrawResult{}, fmt.Errorf("%w: product %d amount %s", ErrInvalidRequest, int(req.Product), req.Amount)
	}
	id := req.Product
	pos, ok := t.viewPool(id).LPPosition(req.PositionID)
	if !ok {
		return liquidity.WithdrawResult{}, fmt.Errorf("%w: %s", liquidity.ErrPositionNotFound, req.PositionID)
	}
	if req.Caller == "" || pos.Owner != req.Caller {
		return liquidity.WithdrawResult{}, fmt.Errorf("%w: position %s", ErrUnauthorized, req.PositionID)
	}
	if err := e.refresh(ctx, t); err != nil {
		return liquidity.WithdrawResult{}, err
	}
	t.settleHedges()

	pool := t.pool(id)
	pool.SettleToMark(t.markPrice(id))

	amount := req.Amount
	if amount.IsZero() {
		limit, err := pool.MaxWithdrawable(req.PositionID)
		if err != nil {
			return liquidity.WithdrawResult{}, err
		}
		if !limit.IsPositive() {
			return liquidity.WithdrawResult{}, fmt.Errorf("%w: nothing withdrawable from %s", liquidity.ErrInsufficientLiquidity, req.PositionID)
		}
		amount = limit
	}

	res, err := pool.Withdraw(req.PositionID, amount)
	if err != nil {
		return liquidity.WithdrawResult{}, err
	}
	t.effect(func(ctx context.Context) error {
		return e.deps.Shares.Burn(ctx, id, req.Caller, res.SharesBurned)
	})

	t.record(model.LedgerEntry{
		Kind:    model.KindWithdraw,
		Account: res.PositionID,
		Owner:   req.Caller,
		Product: id,
		Amount:  res.Amount.Neg(),
	})
	t.emit(feed.TypeWithdraw, res.PositionID, &id, res)

	if err := e.commit(ctx, t); err != nil {
		return liquidity.WithdrawResult{}, err
	}
	e.deps.Logger.Info("liquidity withdrawn",
		"product", id.String(),
		"position", res.PositionID,
		"owner", req.Caller,
		"amount", res.Amount.String(),
		"closed", res.Closed,
	)
	return res, nil
}
