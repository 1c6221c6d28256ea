// Package entryprice keeps weighted-average entry prices and realizes profit
// when a trade reduces or flips an existing position.
package entryprice

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixedpoint"
)

// Update applies a trade of tradeAmount at tradePrice to a position of size
// position opened at entryPrice. It returns the new entry price and the
// realized profit on the closed leg, expressed in price units
// (size * priceDelta / 1e8). It never mutates its inputs.
//
//   - adding (same sign, or flat before): size-weighted average, no profit
//   - reducing without crossing zero: entry unchanged, profit on the reduced size
//   - closing or flipping: profit on the whole old position, residual opens at tradePrice
func Update(entryPrice, position, tradePrice, tradeAmount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if tradeAmount.IsZero() {
		return entryPrice, decimal.Zero
	}

	newPosition := position.Add(tradeAmount)

	if position.IsZero() || fixedpoint.SameSign(position, tradeAmount) {
		weighted := entryPrice.Mul(position.Abs()).Add(tradePrice.Mul(tradeAmount.Abs()))
		newEntry := fixedpoint.Div(weighted, position.Abs().Add(tradeAmount.Abs()), false)
		return newEntry, decimal.Zero
	}

	if fixedpoint.SameSign(position, newPosition) {
		profit := fixedpoint.MulDiv(tradeAmount.Neg(), tradePrice.Sub(entryPrice), fixedpoint.OneSize(), false)
		return entryPrice, profit
	}

	profit := fixedpoint.MulDiv(position, tradePrice.Sub(entryPrice), fixedpoint.OneSize(), false)
	if newPosition.IsZero() {
		return decimal.Zero, profit
	}
	return tradePrice, profit
}

// UnrealizedValue marks a position at markPrice against its entry price, in
// price units.
func UnrealizedValue(entryPrice, position, markPrice decimal.Decimal) decimal.Decimal {
	return fixedpoint.MulDiv(position, markPrice.Sub(entryPrice), fixedpoint.OneSize(), false)
}
