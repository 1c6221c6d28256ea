package engine

import (
	"errors"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/exposure"
	"github.com/atmx/perp-engine/internal/external"
	"github.com/atmx/perp-engine/internal/liquidity"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/netting"
	"github.com/atmx/perp-engine/internal/pricing"
	"github.com/atmx/perp-engine/internal/spread"
)

func riskOf(p config.Params) margin.Risk {
	return margin.Risk{
		RiskParam:             p.RiskParam,
		MinCollateral:         p.MinCollateral,
		LiquidationRewardRate: p.LiquidationRewardRate,
	}
}

func fundingParams(p config.Params) pricing.FundingParams {
	return pricing.FundingParams{
		Period:            p.FundingPeriod,
		SqueethMultiplier: p.SqueethFundingMultiplier,
		FutureMaxRate:     p.FutureMaxFundingRate,
	}
}

func feeParams(p config.Params) pricing.FeeParams {
	return pricing.FeeParams{
		BaseRate: p.BaseFeeRate,
		PerLevel: p.FeePerLevel,
		MaxRate:  p.MaxFeeRate,
	}
}

func spreadParams(p config.Params) spread.Params {
	return spread.Params{
		SafetyWindow:      p.SpreadSafetyWindow,
		DecreasePeriod:    p.SpreadDecreasePeriod,
		DecreasePerPeriod: p.SpreadDecreasePerPeriod,
		MaxDecrease:       p.MaxSpreadDecrease,
	}
}

func nettingParams(p config.Params) netting.Params {
	return netting.Params{
		MinSlippage:     p.HedgeMinSlippage,
		MaxSlippage:     p.HedgeMaxSlippage,
		Window:          p.HedgeSlippageWindow,
		VolatilityScale: p.HedgeVolatilityScale,
	}
}

// Reason classifies an operation error for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrStaleOrManipulatedPrice):
		return "stale_or_manipulated_price"
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, liquidity.ErrInvalidRange),
		errors.Is(err, liquidity.ErrInvalidAmount),
		errors.Is(err, margin.ErrInvalidSubVault),
		errors.Is(err, config.ErrInvalidParam):
		return "invalid_request"
	case errors.Is(err, ErrVaultNotFound), errors.Is(err, liquidity.ErrPositionNotFound):
		return "not_found"
	case errors.Is(err, ErrVaultExists):
		return "vault_exists"
	case errors.Is(err, liquidity.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, margin.ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, margin.ErrVaultNotLiquidatable):
		return "vault_not_liquidatable"
	case errors.Is(err, margin.ErrVaultInsolvent):
		return "vault_insolvent"
	case errors.Is(err, margin.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, netting.ErrNettingInvariantViolation):
		return "netting_invariant_violation"
	case errors.Is(err, netting.ErrSlippageExceeded), errors.Is(err, external.ErrSwapFailed):
		return "slippage_exceeded"
	case errors.Is(err, exposure.ErrPerProductLimitExceeded), errors.Is(err, exposure.ErrCorrelatedLimitExceeded):
		return "exposure_limit"
	default:
		return "internal"
	}
}
