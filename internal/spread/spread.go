// Package spread implements the anti-manipulation price guard applied to
// every pool trade. Within a safety window after a trade in one direction, a
// trade in the opposite direction is priced no better than the earlier
// extreme, decayed in steps as time passes.
package spread

import (
	"time"

	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/shopspring/decimal"
)

// Params configures the guard.
type Params struct {
	// SafetyWindow is how long after a trade the opposite side stays guarded.
	SafetyWindow time.Duration
	// DecreasePeriod is the step of the decay.
	DecreasePeriod time.Duration
	// DecreasePerPeriod is the rate the guarded price relaxes per step.
	DecreasePerPeriod decimal.Decimal
	// MaxDecrease caps the total relaxation.
	MaxDecrease decimal.Decimal
}

// Guard is the per-pool spread state.
type Guard struct {
	// MaxShortPrice is the highest price shorts received in the current window.
	MaxShortPrice decimal.Decimal `json:"max_short_price"`
	LastShortAt   time.Time       `json:"last_short_at"`
	// MinLongPrice is the lowest price longs paid in the current window.
	MinLongPrice decimal.Decimal `json:"min_long_price"`
	LastLongAt   time.Time       `json:"last_long_at"`
}

// decrease returns the relaxation rate after elapsed.
func decrease(p Params, elapsed time.Duration) decimal.Decimal {
	if p.DecreasePeriod <= 0 || elapsed <= 0 {
		return decimal.Zero
	}
	steps := decimal.NewFromInt(int64(elapsed / p.DecreasePeriod))
	return decimal.Min(p.DecreasePerPeriod.Mul(steps), p.MaxDecrease)
}

func within(p Params, last, now time.Time) bool {
	return !last.IsZero() && !now.Before(last) && now.Sub(last) <= p.SafetyWindow
}

// Price returns the guarded price for a trade without recording it.
func (g Guard) Price(p Params, isLong bool, rawPrice decimal.Decimal, now time.Time) decimal.Decimal {
	one := fixedpoint.OneRate()
	if isLong {
		if !within(p, g.LastShortAt, now) || g.MaxShortPrice.IsZero() {
			return rawPrice
		}
		floor := fixedpoint.ApplyRate(g.MaxShortPrice, one.Sub(decrease(p, now.Sub(g.LastShortAt))), true)
		return decimal.Max(rawPrice, floor)
	}
	if !within(p, g.LastLongAt, now) || g.MinLongPrice.IsZero() {
		return rawPrice
	}
	ceiling := fixedpoint.ApplyRate(g.MinLongPrice, one.Add(decrease(p, now.Sub(g.LastLongAt))), false)
	return decimal.Min(rawPrice, ceiling)
}

// UpdatedPrice returns the guarded price and records the trade as the
// latest on its side.
func (g *Guard) UpdatedPrice(p Params, isLong bool, rawPrice decimal.Decimal, now time.Time) decimal.Decimal {
	price := g.Price(p, isLong, rawPrice, now)
	if isLong {
		if within(p, g.LastLongAt, now) && !g.MinLongPrice.IsZero() {
			g.MinLongPrice = decimal.Min(g.MinLongPrice, price)
		} else {
			g.MinLongPrice = price
		}
		g.LastLongAt = now
		return price
	}
	if within(p, g.LastShortAt, now) {
		g.MaxShortPrice = decimal.Max(g.MaxShortPrice, price)
	} else {
		g.MaxShortPrice = price
	}
	g.LastShortAt = now
	return price
}
