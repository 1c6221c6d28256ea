// Package external declares the collaborators the engine drives but does not
// own: the price oracle, the pool-share and vault-ownership tokens, the spot
// venue used for hedging and the protocol fee sink. In-memory
// implementations back the tests and the development server.
package external

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/product"
)

var (
	// ErrInsufficientShares is returned when burning more shares than held.
	ErrInsufficientShares = errors.New("external: insufficient share balance")

	// ErrUnknownVault is returned by OwnerOf for an unminted vault.
	ErrUnknownVault = errors.New("external: unknown vault token")

	// ErrSwapFailed is returned when the venue cannot honour a swap's limit.
	ErrSwapFailed = errors.New("external: swap limit not met")

	// ErrNoPrice is returned by an oracle that has not been given a round.
	ErrNoPrice = errors.New("external: no oracle round")
)

// Round is one oracle answer. Price uses 1e8 precision.
type Round struct {
	ID        uint64          `json:"id"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PriceOracle reports the underlying's spot price.
type PriceOracle interface {
	LatestRoundData(ctx context.Context) (Round, error)
}

// ShareToken is the pool-share token of each product's pool.
type ShareToken interface {
	Mint(ctx context.Context, id product.ID, owner string, shares decimal.Decimal) error
	Burn(ctx context.Context, id product.ID, owner string, shares decimal.Decimal) error
	BalanceOf(ctx context.Context, id product.ID, owner string) (decimal.Decimal, error)
}

// VaultToken tracks ownership of trader vaults.
type VaultToken interface {
	Mint(ctx context.Context, owner string) (vaultID string, err error)
	OwnerOf(ctx context.Context, vaultID string) (string, error)
}

// SwapOrder is an exact-underlying swap against the spot venue. A long
// order buys Underlying paying at most LimitUSDC; a short order sells it
// receiving at least LimitUSDC.
type SwapOrder struct {
	IsLong     bool
	Underlying decimal.Decimal
	LimitUSDC  decimal.Decimal
	Deadline   time.Time
}

// SwapResult reports the USDC actually paid or received.
type SwapResult struct {
	USDC decimal.Decimal
}

// SpotVenue executes hedge swaps.
type SpotVenue interface {
	Swap(ctx context.Context, order SwapOrder) (SwapResult, error)
}

// FeeSink receives the protocol share of trading fees.
type FeeSink interface {
	Collect(ctx context.Context, id product.ID, amount decimal.Decimal) error
}
