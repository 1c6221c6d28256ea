package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidParam is returned by Validate and Apply when a parameter is out
// of bounds. The previous parameter set stays in force.
var ErrInvalidParam = errors.New("config: invalid parameter")

// Params holds the tunable economics of the engine. Rates are fixed-point
// with 8 decimals (5% = 5_000_000); USDC amounts have 6 decimals.
type Params struct {
	// Vault margin.
	RiskParam             decimal.Decimal `yaml:"risk_param" json:"risk_param"`
	MinCollateral         decimal.Decimal `yaml:"min_collateral" json:"min_collateral"`
	LiquidationRewardRate decimal.Decimal `yaml:"liquidation_reward_rate" json:"liquidation_reward_rate"`
	MinCollateralRatio    decimal.Decimal `yaml:"min_collateral_ratio" json:"min_collateral_ratio"`

	// Pool locking and fee levels.
	PoolRiskParam decimal.Decimal `yaml:"pool_risk_param" json:"pool_risk_param"`
	MaxLevel      int64           `yaml:"max_level" json:"max_level"`
	BaseFeeRate   decimal.Decimal `yaml:"base_fee_rate" json:"base_fee_rate"`
	FeePerLevel   decimal.Decimal `yaml:"fee_per_level" json:"fee_per_level"`
	MaxFeeRate    decimal.Decimal `yaml:"max_fee_rate" json:"max_fee_rate"`
	ProtocolFee   decimal.Decimal `yaml:"protocol_fee" json:"protocol_fee"`

	// Funding.
	FundingPeriod            time.Duration   `yaml:"funding_period" json:"funding_period"`
	SqueethFundingMultiplier decimal.Decimal `yaml:"squeeth_funding_multiplier" json:"squeeth_funding_multiplier"`
	FutureMaxFundingRate     decimal.Decimal `yaml:"future_max_funding_rate" json:"future_max_funding_rate"`
	VarianceLambda           decimal.Decimal `yaml:"variance_lambda" json:"variance_lambda"`
	InitialVariance          decimal.Decimal `yaml:"initial_variance" json:"initial_variance"`

	// Spread guard.
	SpreadSafetyWindow      time.Duration   `yaml:"spread_safety_window" json:"spread_safety_window"`
	SpreadDecreasePeriod    time.Duration   `yaml:"spread_decrease_period" json:"spread_decrease_period"`
	SpreadDecreasePerPeriod decimal.Decimal `yaml:"spread_decrease_per_period" json:"spread_decrease_per_period"`
	MaxSpreadDecrease       decimal.Decimal `yaml:"max_spread_decrease" json:"max_spread_decrease"`

	// Hedging.
	HedgeMinSlippage     decimal.Decimal `yaml:"hedge_min_slippage" json:"hedge_min_slippage"`
	HedgeMaxSlippage     decimal.Decimal `yaml:"hedge_max_slippage" json:"hedge_max_slippage"`
	HedgeSlippageWindow  time.Duration   `yaml:"hedge_slippage_window" json:"hedge_slippage_window"`
	HedgeVolatilityScale decimal.Decimal `yaml:"hedge_volatility_scale" json:"hedge_volatility_scale"`

	// Position limits, in size units. Zero disables a limit.
	MaxPositionPerProduct decimal.Decimal `yaml:"max_position_per_product" json:"max_position_per_product"`
	MaxCorrelatedExposure decimal.Decimal `yaml:"max_correlated_exposure" json:"max_correlated_exposure"`
}

// fp builds a fixed-point literal from its raw integer form.
func fp(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// DefaultParams returns the launch parameter set.
func DefaultParams() Params {
	return Params{
		RiskParam:             fp(7_500_000),     // 7.5%
		MinCollateral:         fp(100_000_000),   // 100 USDC
		LiquidationRewardRate: fp(20_000_000),    // 20%
		MinCollateralRatio:    fp(100_000_000),   // 1.0

		PoolRiskParam: fp(10_000_000), // 10%
		MaxLevel:      100,
		BaseFeeRate:   fp(50_000),    // 0.05%
		FeePerLevel:   fp(1_000),     // 0.001%
		MaxFeeRate:    fp(1_000_000), // 1%
		ProtocolFee:   fp(10_000_000), // 10% of fees

		FundingPeriod:            24 * time.Hour,
		SqueethFundingMultiplier: fp(100_000_000), // 1.0
		FutureMaxFundingRate:     fp(60_000),      // 0.06% per period
		VarianceLambda:           fp(94_000_000),  // 0.94
		InitialVariance:          fp(64_000_000),  // 80% annual vol

		SpreadSafetyWindow:      time.Minute,
		SpreadDecreasePeriod:    10 * time.Second,
		SpreadDecreasePerPeriod: fp(100_000),   // 0.1%
		MaxSpreadDecrease:       fp(5_000_000), // 5%

		HedgeMinSlippage:     fp(300_000), // 0.3%
		HedgeMaxSlippage:     fp(800_000), // 0.8%
		HedgeSlippageWindow:  time.Hour,
		HedgeVolatilityScale: fp(1_000_000), // 0.01

		MaxPositionPerProduct: decimal.Zero,
		MaxCorrelatedExposure: decimal.Zero,
	}
}

var oneRate = decimal.NewFromInt(100_000_000)

// Validate checks every parameter bound.
func (p Params) Validate() error {
	checks := []struct {
		ok   bool
		name string
		v    any
	}{
		{p.RiskParam.IsPositive() && p.RiskParam.LessThan(oneRate), "risk_param", p.RiskParam},
		{!p.MinCollateral.IsNegative(), "min_collateral", p.MinCollateral},
		{!p.LiquidationRewardRate.IsNegative() && p.LiquidationRewardRate.LessThanOrEqual(oneRate), "liquidation_reward_rate", p.LiquidationRewardRate},
		{p.MinCollateralRatio.GreaterThanOrEqual(oneRate), "min_collateral_ratio", p.MinCollateralRatio},
		{p.PoolRiskParam.IsPositive() && p.PoolRiskParam.LessThan(oneRate), "pool_risk_param", p.PoolRiskParam},
		{p.MaxLevel > 0 && p.MaxLevel <= 10_000, "max_level", p.MaxLevel},
		{!p.BaseFeeRate.IsNegative(), "base_fee_rate", p.BaseFeeRate},
		{!p.FeePerLevel.IsNegative(), "fee_per_level", p.FeePerLevel},
		{p.MaxFeeRate.GreaterThanOrEqual(p.BaseFeeRate) && p.MaxFeeRate.LessThan(oneRate), "max_fee_rate", p.MaxFeeRate},
		{!p.ProtocolFee.IsNegative() && p.ProtocolFee.LessThanOrEqual(oneRate), "protocol_fee", p.ProtocolFee},
		{p.FundingPeriod > 0, "funding_period", p.FundingPeriod},
		{!p.SqueethFundingMultiplier.IsNegative(), "squeeth_funding_multiplier", p.SqueethFundingMultiplier},
		{!p.FutureMaxFundingRate.IsNegative() && p.FutureMaxFundingRate.LessThan(oneRate), "future_max_funding_rate", p.FutureMaxFundingRate},
		{!p.VarianceLambda.IsNegative() && p.VarianceLambda.LessThan(oneRate), "variance_lambda", p.VarianceLambda},
		{!p.InitialVariance.IsNegative(), "initial_variance", p.InitialVariance},
		{p.SpreadSafetyWindow >= 0, "spread_safety_window", p.SpreadSafetyWindow},
		{p.SpreadDecreasePeriod > 0, "spread_decrease_period", p.SpreadDecreasePeriod},
		{!p.SpreadDecreasePerPeriod.IsNegative(), "spread_decrease_per_period", p.SpreadDecreasePerPeriod},
		{!p.MaxSpreadDecrease.IsNegative() && p.MaxSpreadDecrease.LessThan(oneRate), "max_spread_decrease", p.MaxSpreadDecrease},
		{!p.HedgeMinSlippage.IsNegative(), "hedge_min_slippage", p.HedgeMinSlippage},
		{p.HedgeMaxSlippage.GreaterThanOrEqual(p.HedgeMinSlippage) && p.HedgeMaxSlippage.LessThan(oneRate), "hedge_max_slippage", p.HedgeMaxSlippage},
		{p.HedgeSlippageWindow > 0, "hedge_slippage_window", p.HedgeSlippageWindow},
		{!p.HedgeVolatilityScale.IsNegative(), "hedge_volatility_scale", p.HedgeVolatilityScale},
		{!p.MaxPositionPerProduct.IsNegative(), "max_position_per_product", p.MaxPositionPerProduct},
		{!p.MaxCorrelatedExposure.IsNegative(), "max_correlated_exposure", p.MaxCorrelatedExposure},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("%w: %s out of range (%v)", ErrInvalidParam, c.name, c.v)
		}
	}
	return nil
}

// Patch is a partial parameter update. Nil fields are left unchanged.
type Patch struct {
	RiskParam             *decimal.Decimal `json:"risk_param,omitempty"`
	MinCollateral         *decimal.Decimal `json:"min_collateral,omitempty"`
	LiquidationRewardRate *decimal.Decimal `json:"liquidation_reward_rate,omitempty"`
	MinCollateralRatio    *decimal.Decimal `json:"min_collateral_ratio,omitempty"`
	PoolRiskParam         *decimal.Decimal `json:"pool_risk_param,omitempty"`
	BaseFeeRate           *decimal.Decimal `json:"base_fee_rate,omitempty"`
	FeePerLevel           *decimal.Decimal `json:"fee_per_level,omitempty"`
	MaxFeeRate            *decimal.Decimal `json:"max_fee_rate,omitempty"`
	ProtocolFee           *decimal.Decimal `json:"protocol_fee,omitempty"`

	SqueethFundingMultiplier *decimal.Decimal `json:"squeeth_funding_multiplier,omitempty"`
	FutureMaxFundingRate     *decimal.Decimal `json:"future_max_funding_rate,omitempty"`

	SpreadDecreasePerPeriod *decimal.Decimal `json:"spread_decrease_per_period,omitempty"`
	MaxSpreadDecrease       *decimal.Decimal `json:"max_spread_decrease,omitempty"`

	HedgeMinSlippage     *decimal.Decimal `json:"hedge_min_slippage,omitempty"`
	HedgeMaxSlippage     *decimal.Decimal `json:"hedge_max_slippage,omitempty"`
	HedgeVolatilityScale *decimal.Decimal `json:"hedge_volatility_scale,omitempty"`

	MaxPositionPerProduct *decimal.Decimal `json:"max_position_per_product,omitempty"`
	MaxCorrelatedExposure *decimal.Decimal `json:"max_correlated_exposure,omitempty"`
}

// Apply returns a copy of p with the patch applied. The result is validated
// as a whole; on error p is returned unchanged.
func (p Params) Apply(patch Patch) (Params, error) {
	next := p
	if patch.RiskParam != nil {
		if err := next.SetRiskParam(*patch.RiskParam); err != nil {
			return p, err
		}
	}
	if patch.HedgeMinSlippage != nil || patch.HedgeMaxSlippage != nil {
		lo, hi := next.HedgeMinSlippage, next.HedgeMaxSlippage
		if patch.HedgeMinSlippage != nil {
			lo = *patch.HedgeMinSlippage
		}
		if patch.HedgeMaxSlippage != nil {
			hi = *patch.HedgeMaxSlippage
		}
		if err := next.SetHedgeSlippage(lo, hi); err != nil {
			return p, err
		}
	}

	set := func(dst *decimal.Decimal, src *decimal.Decimal) {
		if src != nil {
			*dst = *src
		}
	}
	set(&next.MinCollateral, patch.MinCollateral)
	set(&next.LiquidationRewardRate, patch.LiquidationRewardRate)
	set(&next.MinCollateralRatio, patch.MinCollateralRatio)
	set(&next.PoolRiskParam, patch.PoolRiskParam)
	set(&next.BaseFeeRate, patch.BaseFeeRate)
	set(&next.FeePerLevel, patch.FeePerLevel)
	set(&next.MaxFeeRate, patch.MaxFeeRate)
	set(&next.ProtocolFee, patch.ProtocolFee)
	set(&next.SqueethFundingMultiplier, patch.SqueethFundingMultiplier)
	set(&next.FutureMaxFundingRate, patch.FutureMaxFundingRate)
	set(&next.SpreadDecreasePerPeriod, patch.SpreadDecreasePerPeriod)
	set(&next.MaxSpreadDecrease, patch.MaxSpreadDecrease)
	set(&next.HedgeVolatilityScale, patch.HedgeVolatilityScale)
	set(&next.MaxPositionPerProduct, patch.MaxPositionPerProduct)
	set(&next.MaxCorrelatedExposure, patch.MaxCorrelatedExposure)

	if err := next.Validate(); err != nil {
		return p, err
	}
	return next, nil
}

// SetRiskParam updates the vault risk parameter, a rate in (0, 1).
func (p *Params) SetRiskParam(v decimal.Decimal) error {
	if !v.IsPositive() || !v.LessThan(oneRate) {
		return fmt.Errorf("%w: risk_param out of range (%v)", ErrInvalidParam, v)
	}
	p.RiskParam = v
	return nil
}

// SetHedgeSlippage updates both hedge slippage bounds together so that the
// lo <= hi check sees the final pair.
func (p *Params) SetHedgeSlippage(lo, hi decimal.Decimal) error {
	if lo.IsNegative() || hi.LessThan(lo) || !hi.LessThan(oneRate) {
		return fmt.Errorf("%w: hedge slippage [%v, %v]", ErrInvalidParam, lo, hi)
	}
	p.HedgeMinSlippage, p.HedgeMaxSlippage = lo, hi
	return nil
}
