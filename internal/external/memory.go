package external

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/product"
)

// StaticOracle is a PriceOracle whose rounds are pushed by the caller.
type StaticOracle struct {
	mu    sync.RWMutex
	round Round
}

// NewStaticOracle returns an oracle answering price as round 1.
func NewStaticOracle(price decimal.Decimal, at time.Time) *StaticOracle {
	return &StaticOracle{round: Round{ID: 1, Price: price, UpdatedAt: at}}
}

// SetPrice publishes a new round.
func (o *StaticOracle) SetPrice(price decimal.Decimal, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.round = Round{ID: o.round.ID + 1, Price: price, UpdatedAt: at}
}

func (o *StaticOracle) LatestRoundData(_ context.Context) (Round, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.round.ID == 0 {
		return Round{}, ErrNoPrice
	}
	return o.round, nil
}

// MemoryShareToken keeps share balances in a map.
type MemoryShareToken struct {
	mu       sync.RWMutex
	balances [product.Count]map[string]decimal.Decimal
}

// NewMemoryShareToken creates an empty ledger.
func NewMemoryShareToken() *MemoryShareToken {
	t := &MemoryShareToken{}
	for i := range t.balances {
		t.balances[i] = make(map[string]decimal.Decimal)
	}
	return t
}

func (t *MemoryShareToken) Mint(_ context.Context, id product.ID, owner string, shares decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[id][owner] = t.balances[id][owner].Add(shares)
	return nil
}

func (t *MemoryShareToken) Burn(_ context.Context, id product.ID, owner string, shares decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.balances[id][owner]
	if bal.LessThan(shares) {
		return fmt.Errorf("%w: %s has %s, burning %s", ErrInsufficientShares, owner, bal, shares)
	}
	t.balances[id][owner] = bal.Sub(shares)
	return nil
}

func (t *MemoryShareToken) BalanceOf(_ context.Context, id product.ID, owner string) (decimal.Decimal, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances[id][owner], nil
}

// MemoryVaultToken numbers vaults sequentially.
type MemoryVaultToken struct {
	mu     sync.RWMutex
	next   uint64
	owners map[string]string
}

// NewMemoryVaultToken creates an empty registry.
func NewMemoryVaultToken() *MemoryVaultToken {
	return &MemoryVaultToken{owners: make(map[string]string)}
}

// NewMemoryVaultTokenFrom creates a registry that already holds owners,
// keyed by vault id. Numbering continues after the largest numeric id.
func NewMemoryVaultTokenFrom(owners map[string]string) *MemoryVaultToken {
	t := NewMemoryVaultToken()
	for id, owner := range owners {
		t.owners[id] = owner
		if n, err := strconv.ParseUint(id, 10, 64); err == nil && n > t.next {
			t.next = n
		}
	}
	return t
}

func (t *MemoryVaultToken) Mint(_ context.Context, owner string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		t.next++
		id := strconv.FormatUint(t.next, 10)
		if _, taken := t.owners[id]; !taken {
			t.owners[id] = owner
			return id, nil
		}
	}
}

func (t *MemoryVaultToken) OwnerOf(_ context.Context, vaultID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	owner, ok := t.owners[vaultID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownVault, vaultID)
	}
	return owner, nil
}

// OracleVenue fills swaps at the oracle price moved by a fixed slippage rate.
type OracleVenue struct {
	Oracle   PriceOracle
	Slippage decimal.Decimal

	mu    sync.Mutex
	swaps []SwapOrder
}

// NewOracleVenue creates a venue quoting off oracle.
func NewOracleVenue(oracle PriceOracle, slippage decimal.Decimal) *OracleVenue {
	return &OracleVenue{Oracle: oracle, Slippage: slippage}
}

func (v *OracleVenue) Swap(ctx context.Context, order SwapOrder) (SwapResult, error) {
	round, err := v.Oracle.LatestRoundData(ctx)
	if err != nil {
		return SwapResult{}, err
	}
	one := fixedpoint.OneRate()
	var usdc decimal.Decimal
	if order.IsLong {
		price := fixedpoint.ApplyRate(round.Price, one.Add(v.Slippage), true)
		usdc = fixedpoint.Notional(order.Underlying, price, true)
		if usdc.GreaterThan(order.LimitUSDC) {
			return SwapResult{}, fmt.Errorf("%w: pay %s > %s", ErrSwapFailed, usdc, order.LimitUSDC)
		}
	} else {
		price := fixedpoint.ApplyRate(round.Price, one.Sub(v.Slippage), false)
		usdc = fixedpoint.Notional(order.Underlying, price, false)
		if usdc.LessThan(order.LimitUSDC) {
			return SwapResult{}, fmt.Errorf("%w: receive %s < %s", ErrSwapFailed, usdc, order.LimitUSDC)
		}
	}

	v.mu.Lock()
	v.swaps = append(v.swaps, order)
	v.mu.Unlock()
	return SwapResult{USDC: usdc}, nil
}

// Swaps returns the executed orders.
func (v *OracleVenue) Swaps() []SwapOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]SwapOrder(nil), v.swaps...)
}

// MemoryFeeSink accumulates protocol fees per product.
type MemoryFeeSink struct {
	mu        sync.RWMutex
	collected [product.Count]decimal.Decimal
}

// NewMemoryFeeSink creates an empty sink.
func NewMemoryFeeSink() *MemoryFeeSink {
	return &MemoryFeeSink{}
}

func (s *MemoryFeeSink) Collect(_ context.Context, id product.ID, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collected[id] = s.collected[id].Add(amount)
	return nil
}

// Collected returns the fees received for a product.
func (s *MemoryFeeSink) Collected(id product.ID) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collected[id]
}
