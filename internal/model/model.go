// Package model defines the records shared by the engine, the store and the
// HTTP layer. All monetary values use shopspring/decimal integer base units.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/liquidity"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/netting"
	"github.com/atmx/perp-engine/internal/product"
	"github.com/atmx/perp-engine/internal/spread"
)

// EntryKind classifies ledger entries.
type EntryKind string

const (
	KindTrade       EntryKind = "trade"
	KindLiquidation EntryKind = "liquidation"
	KindHedge       EntryKind = "hedge"
	KindDeposit     EntryKind = "deposit"
	KindWithdraw    EntryKind = "withdraw"
)

// LedgerEntry is an immutable record of one fill or liquidity change.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	Kind        EntryKind       `json:"kind" db:"kind"`
	Account     string          `json:"account" db:"account"` // vault id or LP position id
	Owner       string          `json:"owner" db:"owner"`
	Product     product.ID      `json:"product" db:"product"`
	SubVault    int             `json:"sub_vault" db:"sub_vault"`
	Size        decimal.Decimal `json:"size" db:"size"` // signed, trader side
	Price       decimal.Decimal `json:"price" db:"price"`
	Amount      decimal.Decimal `json:"amount" db:"amount"` // USDC moved
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	Fee         decimal.Decimal `json:"fee" db:"fee"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// Market is the engine-wide state outside the pools and vaults: the last
// oracle round, realized variance, funding accumulators, spread guards and
// the live parameters.
type Market struct {
	RoundID       uint64          `json:"round_id"`
	Spot          decimal.Decimal `json:"spot"`
	SpotUpdatedAt time.Time       `json:"spot_updated_at"`
	Variance      decimal.Decimal `json:"variance"`

	// Funding is the cumulative funding paid per unit of long position.
	Funding          [product.Count]decimal.Decimal `json:"funding"`
	FundingUpdatedAt time.Time                      `json:"funding_updated_at"`

	Guards [product.Count]spread.Guard `json:"guards"`
	Params config.Params               `json:"params"`
}

// State is everything the engine owns.
type State struct {
	Market  Market                         `json:"market"`
	Pools   [product.Count]*liquidity.Pool `json:"pools"`
	Netting *netting.State                 `json:"netting"`
	Vaults  map[string]*margin.Vault       `json:"vaults"`
}

// ChangeSet is what one engine operation persists. Stores apply it
// atomically.
type ChangeSet struct {
	Market  *Market
	Pools   []*liquidity.Pool
	Netting *netting.State
	Vaults  []*margin.Vault
	Entries []LedgerEntry
}

// PoolSummary is the read model of one pool.
type PoolSummary struct {
	Product         product.ID      `json:"product"`
	Symbol          string          `json:"symbol"`
	Position        decimal.Decimal `json:"position"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	AmountLiquidity decimal.Decimal `json:"amount_liquidity"`
	LockedLiquidity decimal.Decimal `json:"locked_liquidity"`
	Supply          decimal.Decimal `json:"supply"`
	Level           int64           `json:"level"`
	FeeRate         decimal.Decimal `json:"fee_rate"`
	IndexPrice      decimal.Decimal `json:"index_price"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	FundingRate     decimal.Decimal `json:"funding_rate"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	HedgePnL        decimal.Decimal `json:"hedge_pnl"`
	Volatility      decimal.Decimal `json:"volatility"`
}

// VaultSummary is the read model of one vault.
type VaultSummary struct {
	Vault         *margin.Vault   `json:"vault"`
	Status        margin.Status   `json:"status"`
	PositionValue decimal.Decimal `json:"position_value"`
	MinCollateral decimal.Decimal `json:"min_collateral"`
	Withdrawable  decimal.Decimal `json:"withdrawable"`
}

// LPPositionSummary is the read model of one LP position.
type LPPositionSummary struct {
	Position     liquidity.Position `json:"position"`
	Product      product.ID         `json:"product"`
	Value        decimal.Decimal    `json:"value"`
	AccruedPnL   decimal.Decimal    `json:"accrued_pnl"`
	Withdrawable decimal.Decimal    `json:"withdrawable"`
}
