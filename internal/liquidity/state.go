package liquidity

import (
	"encoding/json"

	"github.com/atmx/perp-engine/internal/product"
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// poolState is the persisted form of a Pool.
type poolState struct {
	Product          product.ID      `json:"product"`
	MaxLevel         int64           `json:"max_level"`
	Position         decimal.Decimal `json:"position"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	LockedLiquidity  decimal.Decimal `json:"locked_liquidity"`
	AmountLiquidity  decimal.Decimal `json:"amount_liquidity"`
	Supply           decimal.Decimal `json:"supply"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	Capital          decimal.Decimal `json:"capital"`
	CapitalGrowth    decimal.Decimal `json:"capital_growth"`
	UnattributedPnL  decimal.Decimal `json:"unattributed_pnl"`
	Frontier         decimal.Decimal `json:"frontier"`
	ActiveLiquidity  decimal.Decimal `json:"active_liquidity"`
	GrowthGlobal     decimal.Decimal `json:"growth_global"`
	MultipliedGlobal decimal.Decimal `json:"multiplied_global"`
	Levels           []FeeLevel      `json:"levels"`
	Positions        []Position      `json:"positions"`
}

// MarshalJSON encodes the pool including its level table and positions.
func (p *Pool) MarshalJSON() ([]byte, error) {
	return json.Marshal(poolState{
		Product:          p.Product,
		MaxLevel:         p.MaxLevel,
		Position:         p.Position,
		EntryPrice:       p.EntryPrice,
		LockedLiquidity:  p.LockedLiquidity,
		AmountLiquidity:  p.AmountLiquidity,
		Supply:           p.Supply,
		RealizedPnL:      p.RealizedPnL,
		Capital:          p.Capital,
		CapitalGrowth:    p.CapitalGrowth,
		UnattributedPnL:  p.UnattributedPnL,
		Frontier:         p.Frontier,
		ActiveLiquidity:  p.ActiveLiquidity,
		GrowthGlobal:     p.GrowthGlobal,
		MultipliedGlobal: p.MultipliedGlobal,
		Levels:           p.Levels(),
		Positions:        p.Positions(),
	})
}

// UnmarshalJSON restores a pool written by MarshalJSON.
func (p *Pool) UnmarshalJSON(data []byte) error {
	var s poolState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = Pool{
		Product:          s.Product,
		MaxLevel:         s.MaxLevel,
		Position:         s.Position,
		EntryPrice:       s.EntryPrice,
		LockedLiquidity:  s.LockedLiquidity,
		AmountLiquidity:  s.AmountLiquidity,
		Supply:           s.Supply,
		RealizedPnL:      s.RealizedPnL,
		Capital:          s.Capital,
		CapitalGrowth:    s.CapitalGrowth,
		UnattributedPnL:  s.UnattributedPnL,
		Frontier:         s.Frontier,
		ActiveLiquidity:  s.ActiveLiquidity,
		GrowthGlobal:     s.GrowthGlobal,
		MultipliedGlobal: s.MultipliedGlobal,
		levels:           btree.NewG(levelTreeDegree, FeeLevel.Less),
		positions:        make(map[string]Position, len(s.Positions)),
	}
	for _, l := range s.Levels {
		p.levels.ReplaceOrInsert(l)
	}
	for _, pos := range s.Positions {
		p.positions[pos.ID] = pos
	}
	return nil
}
