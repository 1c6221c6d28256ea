// Package margin implements trader vaults: isolated sub-vaults holding signed
// Future and Squeeth positions against one shared USDC margin balance, their
// collateral requirements, valuation and liquidation.
package margin

import (
	"errors"

	"github.com/atmx/perp-engine/internal/product"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientMargin is returned when a trade or margin withdrawal
	// would leave a vault below its required collateral.
	ErrInsufficientMargin = errors.New("margin: insufficient margin")

	// ErrVaultNotLiquidatable is returned when liquidating a vault that
	// still meets its minimum collateral.
	ErrVaultNotLiquidatable = errors.New("margin: vault is not liquidatable")

	// ErrVaultInsolvent is returned for any position change on an
	// insolvent vault.
	ErrVaultInsolvent = errors.New("margin: vault is insolvent")

	// ErrInvalidSubVault is returned for a sub-vault index that is neither
	// existing nor the next one to open.
	ErrInvalidSubVault = errors.New("margin: invalid sub-vault index")

	// ErrInvalidTransition is returned when an operation would move a vault
	// between two states the lifecycle does not connect.
	ErrInvalidTransition = errors.New("margin: invalid vault status transition")
)

// Status is the lifecycle state of a vault.
type Status int32

const (
	StatusActive Status = iota
	StatusLiquidatable
	StatusClosed
	StatusInsolvent
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusLiquidatable:
		return "Liquidatable"
	case StatusClosed:
		return "Closed"
	case StatusInsolvent:
		return "Insolvent"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CanTransitionTo validates state transitions. Insolvent is terminal; the
// others move freely with prices and trades.
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusActive:       {StatusActive, StatusLiquidatable, StatusClosed},
		StatusLiquidatable: {StatusActive, StatusLiquidatable, StatusClosed, StatusInsolvent},
		StatusClosed:       {StatusActive, StatusClosed},
		StatusInsolvent:    {StatusInsolvent},
	}
	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// SubVault is one isolated group of positions.
type SubVault struct {
	// Positions are signed sizes per product (1e8).
	Positions [product.Count]decimal.Decimal `json:"positions"`
	// EntryPrices are weighted entry prices per product (1e8).
	EntryPrices [product.Count]decimal.Decimal `json:"entry_prices"`
	// EntryFunding is the funding-per-position accumulator at the last
	// settlement of each product.
	EntryFunding [product.Count]decimal.Decimal `json:"entry_funding"`
}

// IsFlat reports whether the sub-vault holds no position.
func (s SubVault) IsFlat() bool {
	for _, p := range s.Positions {
		if !p.IsZero() {
			return false
		}
	}
	return true
}

// Vault is a trader's margin account.
type Vault struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
	Margin    decimal.Decimal `json:"margin"`
	SubVaults []SubVault      `json:"sub_vaults"`
	Insolvent bool            `json:"insolvent"`
}

// NewVault creates an empty vault.
func NewVault(id, owner string) *Vault {
	return &Vault{ID: id, Owner: owner}
}

// Clone returns a deep copy.
func (v *Vault) Clone() *Vault {
	c := *v
	c.SubVaults = append([]SubVault(nil), v.SubVaults...)
	return &c
}

// IsFlat reports whether every sub-vault is flat.
func (v *Vault) IsFlat() bool {
	for _, s := range v.SubVaults {
		if !s.IsFlat() {
			return false
		}
	}
	return true
}

// NetPositions sums positions across sub-vaults per product.
func (v *Vault) NetPositions() [product.Count]decimal.Decimal {
	var out [product.Count]decimal.Decimal
	for i := range out {
		out[i] = decimal.Zero
	}
	for _, s := range v.SubVaults {
		for i, p := range s.Positions {
			out[i] = out[i].Add(p)
		}
	}
	return out
}

// AddMargin credits (or, when negative, debits) the margin balance. The
// caller checks collateral afterwards.
func (v *Vault) AddMargin(amount decimal.Decimal) error {
	if v.Insolvent {
		return ErrVaultInsolvent
	}
	v.Margin = v.Margin.Add(amount)
	return nil
}
