// Package engine coordinates the pools, the trader vaults and the hedge
// state. It is the single owner of every ledger table: each operation runs
// under one lock on a private copy of what it touches, is persisted through
// the store, and only then replaces the live state. A failed operation
// leaves nothing behind.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/external"
	"github.com/atmx/perp-engine/internal/feed"
	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/liquidity"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/netting"
	"github.com/atmx/perp-engine/internal/pricing"
	"github.com/atmx/perp-engine/internal/product"
	"github.com/atmx/perp-engine/internal/store"
)

var (
	// ErrUnauthorized is returned when the caller does not own the vault or
	// position, or is not the controller for administrative calls.
	ErrUnauthorized = errors.New("engine: unauthorized")

	// ErrStaleOrManipulatedPrice is returned when a fill breaches the
	// caller's limit after the spread guard, or the oracle answers a
	// non-positive price.
	ErrStaleOrManipulatedPrice = errors.New("engine: stale or manipulated price")

	// ErrDeadlineExceeded is returned for requests received after their deadline.
	ErrDeadlineExceeded = errors.New("engine: deadline exceeded")

	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("engine: invalid request")

	// ErrVaultNotFound is returned for unknown vault ids.
	ErrVaultNotFound = errors.New("engine: vault not found")

	// ErrVaultExists is returned when the vault token issues an id the
	// engine already holds a vault for.
	ErrVaultExists = errors.New("engine: vault already exists")
)

// Deps are the collaborators of an Engine. Store and Oracle are required;
// the rest default to in-memory implementations. The default vault registry
// is rebuilt from the owners of the restored vaults.
type Deps struct {
	Store  store.Store
	Oracle external.PriceOracle
	Shares external.ShareToken
	Vaults external.VaultToken
	Venue  external.SpotVenue
	Fees   external.FeeSink
	Feed   feed.Sink
	Logger *slog.Logger
	Now    func() time.Time

	// Underlying names the spot asset in market symbols. Defaults to ETH.
	Underlying string
}

// Engine serialises every state transition of the AMM.
type Engine struct {
	mu         sync.Mutex
	deps       Deps
	controller string
	state      *model.State
}

// New restores the engine from the store, or starts an empty market with
// params when the store has no state yet.
func New(ctx context.Context, deps Deps, controller string, params config.Params) (*Engine, error) {
	if deps.Store == nil || deps.Oracle == nil {
		return nil, fmt.Errorf("%w: store and oracle are required", ErrInvalidRequest)
	}
	if deps.Shares == nil {
		deps.Shares = external.NewMemoryShareToken()
	}
	if deps.Venue == nil {
		deps.Venue = external.NewOracleVenue(deps.Oracle, decimal.Zero)
	}
	if deps.Fees == nil {
		deps.Fees = external.NewMemoryFeeSink()
	}
	if deps.Feed == nil {
		deps.Feed = feed.Sinks{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Underlying == "" {
		deps.Underlying = "ETH"
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	state, err := deps.Store.LoadState(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		state = newState(params)
		deps.Logger.Info("starting empty market", "max_level", params.MaxLevel)
	case err != nil:
		return nil, fmt.Errorf("load state: %w", err)
	default:
		deps.Logger.Info("state restored", "vaults", len(state.Vaults), "round", state.Market.RoundID)
	}
	for _, id := range product.All() {
		if state.Pools[id] == nil {
			state.Pools[id] = liquidity.NewPool(id, state.Market.Params.MaxLevel)
		}
	}
	if state.Netting == nil {
		state.Netting = netting.NewState()
	}
	if state.Vaults == nil {
		state.Vaults = make(map[string]*margin.Vault)
	}
	if deps.Vaults == nil {
		owners := make(map[string]string, len(state.Vaults))
		for id, v := range state.Vaults {
			owners[id] = v.Owner
		}
		deps.Vaults = external.NewMemoryVaultTokenFrom(owners)
	}

	e := &Engine{deps: deps, controller: controller, state: state}
	e.updateGauges()
	return e, nil
}

func newState(params config.Params) *model.State {
	s := &model.State{
		Market: model.Market{
			Spot:     decimal.Zero,
			Variance: params.InitialVariance,
			Params:   params,
		},
		Netting: netting.NewState(),
		Vaults:  make(map[string]*margin.Vault),
	}
	for _, id := range product.All() {
		s.Market.Funding[id] = decimal.Zero
		s.Pools[id] = liquidity.NewPool(id, params.MaxLevel)
	}
	return s
}

// Params returns the live parameters.
func (e *Engine) Params() config.Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Market.Params
}

func (e *Engine) authorizeController(caller string) error {
	if caller == "" || caller != e.controller {
		return fmt.Errorf("%w: %q is not the controller", ErrUnauthorized, caller)
	}
	return nil
}

// txn is the working copy of one operation. Pools, vaults and the hedge
// state are cloned on first write.
type txn struct {
	op     string
	now    time.Time
	base   *model.State
	market model.Market

	pools   [product.Count]*liquidity.Pool
	hedge   *netting.State
	vaults  map[string]*margin.Vault
	entries []model.LedgerEntry
	events  []feed.Event
	effects []func(context.Context) error
}

func (e *Engine) begin(op string) *txn {
	return &txn{
		op:     op,
		now:    e.deps.Now().UTC(),
		base:   e.state,
		market: e.state.Market,
		vaults: make(map[string]*margin.Vault),
	}
}

func (t *txn) pool(id product.ID) *liquidity.Pool {
	if t.pools[id] == nil {
		t.pools[id] = t.base.Pools[id].Clone()
	}
	return t.pools[id]
}

func (t *txn) viewPool(id product.ID) *liquidity.Pool {
	if t.pools[id] != nil {
		return t.pools[id]
	}
	return t.base.Pools[id]
}

func (t *txn) hedges() *netting.State {
	if t.hedge == nil {
		t.hedge = t.base.Netting.Clone()
	}
	return t.hedge
}

func (t *txn) viewHedges() *netting.State {
	if t.hedge != nil {
		return t.hedge
	}
	return t.base.Netting
}

func (t *txn) vault(id string) (*margin.Vault, error) {
	if v, ok := t.vaults[id]; ok {
		return v, nil
	}
	v, ok := t.base.Vaults[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, id)
	}
	c := v.Clone()
	t.vaults[id] = c
	return c, nil
}

func (t *txn) record(e model.LedgerEntry) {
	e.ID = fmt.Sprintf("%s-%d-%d", e.Kind, t.now.UnixNano(), len(t.entries))
	e.Timestamp = t.now
	t.entries = append(t.entries, e)
}

func (t *txn) emit(typ, account string, id *product.ID, payload any) {
	evt := feed.Event{Type: typ, Account: account, Payload: payload, Timestamp: t.now}
	if id != nil {
		evt.Product = id.String()
	}
	t.events = append(t.events, evt)
}

func (t *txn) effect(fn func(context.Context) error) {
	t.effects = append(t.effects, fn)
}

// commit persists the change set, swaps it into the live state and then
// runs the external effects. Nothing outside the engine is touched when the
// store rejects the change set.
func (e *Engine) commit(ctx context.Context, t *txn) error {
	cs := &model.ChangeSet{
		Market:  &t.market,
		Netting: t.hedge,
		Entries: t.entries,
	}
	for _, p := range t.pools {
		if p != nil {
			cs.Pools = append(cs.Pools, p)
		}
	}
	ids := make([]string, 0, len(t.vaults))
	for id := range t.vaults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		cs.Vaults = append(cs.Vaults, t.vaults[id])
	}

	if err := e.deps.Store.Commit(ctx, cs); err != nil {
		return fmt.Errorf("commit %s: %w", t.op, err)
	}

	e.state.Market = t.market
	for i, p := range t.pools {
		if p != nil {
			e.state.Pools[i] = p
		}
	}
	if t.hedge != nil {
		e.state.Netting = t.hedge
	}
	for id, v := range t.vaults {
		e.state.Vaults[id] = v
	}

	e.updateGauges()
	for _, fn := range t.effects {
		if err := fn(ctx); err != nil {
			// The ledger is already durable; the collaborator has to be
			// reconciled from the ledger entries.
			metrics.OperationErrors.WithLabelValues(t.op, "effect").Inc()
			e.deps.Logger.Error("external effect failed after commit", "op", t.op, "err", err)
		}
	}
	for _, evt := range t.events {
		e.deps.Feed.Publish(ctx, evt)
	}
	return nil
}

func (e *Engine) updateGauges() {
	for _, id := range product.All() {
		p := e.state.Pools[id]
		label := id.String()
		metrics.PoolLiquidity.WithLabelValues(label).Set(metrics.Float(p.AmountLiquidity, fixedpoint.USDCDecimals))
		metrics.PoolLocked.WithLabelValues(label).Set(metrics.Float(p.LockedLiquidity, fixedpoint.USDCDecimals))
		metrics.PoolPosition.WithLabelValues(label).Set(metrics.Float(p.Position, fixedpoint.SizeDecimals))
		metrics.HedgePosition.WithLabelValues(label).Set(metrics.Float(e.state.Netting.Hedges[id], fixedpoint.SizeDecimals))
	}
	metrics.Vaults.Set(float64(len(e.state.Vaults)))
}

// observe records latency and, for failed operations, the error class.
func (e *Engine) observe(op string, start time.Time, err error) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OperationErrors.WithLabelValues(op, Reason(err)).Inc()
		e.deps.Logger.Warn("operation rejected", "op", op, "err", err)
	}
}

// refresh reads the oracle, folds a new round into realized variance and
// accrues funding since the last interaction.
func (e *Engine) refresh(ctx context.Context, t *txn) error {
	round, err := e.deps.Oracle.LatestRoundData(ctx)
	if err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	if !round.Price.IsPositive() {
		return fmt.Errorf("%w: oracle answered %s", ErrStaleOrManipulatedPrice, round.Price)
	}

	m := &t.market
	if round.ID != m.RoundID || !m.Spot.IsPositive() {
		if m.Spot.IsPositive() && round.UpdatedAt.After(m.SpotUpdatedAt) {
			m.Variance = pricing.UpdateVariance(m.Variance, m.Spot, round.Price, round.UpdatedAt.Sub(m.SpotUpdatedAt), m.Params.VarianceLambda)
		}
		m.RoundID = round.ID
		m.Spot = round.Price
		m.SpotUpdatedAt = round.UpdatedAt
	}

	t.accrueFunding()
	return nil
}

func (t *txn) accrueFunding() {
	m := &t.market
	elapsed := t.now.Sub(m.FundingUpdatedAt)
	if m.FundingUpdatedAt.IsZero() || elapsed <= 0 {
		if m.FundingUpdatedAt.IsZero() {
			m.FundingUpdatedAt = t.now
		}
		return
	}
	for _, id := range product.All() {
		rate := t.fundingRate(id)
		inc := pricing.FundingPerPosition(pricing.MarkPrice(pricing.IndexPrice(id, m.Spot), rate), rate, elapsed, m.Params.FundingPeriod)
		if inc.IsZero() {
			continue
		}
		m.Funding[id] = m.Funding[id].Add(inc)
		if pos := t.viewPool(id).Position; !pos.IsZero() {
			// The pool is the counterparty of every vault position.
			t.pool(id).AccruePnL(fixedpoint.Notional(pos, inc, false).Neg())
		}
	}
	m.FundingUpdatedAt = t.now
}

func (t *txn) fundingRate(id product.ID) decimal.Decimal {
	p := t.viewPool(id)
	return pricing.FundingRate(id, fundingParams(t.market.Params), t.market.Variance, p.Position, p.LockedLiquidity, p.AmountLiquidity)
}

func (t *txn) markPrice(id product.ID) decimal.Decimal {
	return pricing.MarkPrice(pricing.IndexPrice(id, t.market.Spot), t.fundingRate(id))
}

func (t *txn) prices() margin.Prices {
	p := margin.Prices{Spot: t.market.Spot, Funding: t.market.Funding}
	for _, id := range product.All() {
		p.Trade[id] = t.markPrice(id)
	}
	return p
}

// poolLock is the liquidity a pool must lock to carry position.
func (t *txn) poolLock(id product.ID, position decimal.Decimal) decimal.Decimal {
	var positions [product.Count]decimal.Decimal
	positions[id] = position
	return margin.RequiredCollateral(positions, t.market.Spot, t.market.Params.PoolRiskParam)
}

func (t *txn) poolDeltas() [product.Count]decimal.Decimal {
	var out [product.Count]decimal.Decimal
	for _, id := range product.All() {
		out[id] = pricing.UnderlyingExposure(id, t.viewPool(id).Position, t.market.Spot)
	}
	return out
}

func (t *txn) requirement() netting.Requirement {
	return t.viewHedges().TokenAmountForHedging(
		nettingParams(t.market.Params), t.poolDeltas(),
		t.market.Spot, t.market.Variance, t.now, t.market.SpotUpdatedAt,
	)
}

// settleHedges books the hedges' unrealized PnL into their pools so that
// liquidity changes see it.
func (t *txn) settleHedges() {
	if !t.viewHedges().LastHedgeAt.IsZero() {
		profits := t.hedges().SettleToSpot(t.market.Spot)
		for _, id := range product.All() {
			if !profits[id].IsZero() {
				t.pool(id).AccruePnL(profits[id])
			}
		}
	}
}

// socialize spreads a vault shortfall over the pools pro rata to their
// liquidity.
func (t *txn) socialize(amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	var funded []product.ID
	total := decimal.Zero
	for _, id := range product.All() {
		if al := t.viewPool(id).AmountLiquidity; al.IsPositive() {
			funded = append(funded, id)
			total = total.Add(al)
		}
	}
	if len(funded) == 0 {
		t.pool(product.Future).AccruePnL(amount.Neg())
		return
	}
	remaining := amount
	for i, id := range funded {
		share := remaining
		if i < len(funded)-1 {
			share = fixedpoint.MulDiv(amount, t.viewPool(id).AmountLiquidity, total, false)
		}
		remaining = remaining.Sub(share)
		t.pool(id).AccruePnL(share.Neg())
	}
}
