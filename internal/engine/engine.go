// Package engine computes leveraged-position return and risk metrics from
// vault rates and reward APRs.
package engine

import (
	"errors"
	"math"
)

// ErrInvalidLeverage rejects positions with leverage below 1.
var ErrInvalidLeverage = errors.New("leverage must be >= 1.0")

// Inputs are the rates and parameters of one computation. All rates and the
// liquidation threshold are in percent; prices in USD.
type Inputs struct {
	Leverage float64

	SupplyAPRPct           float64
	CollateralRewardAPRPct float64
	BorrowAPRPct           float64
	BorrowRewardAPRPct     float64

	PriceCollateralUSD      float64
	PriceBorrowUSD          float64
	LiquidationThresholdPct float64
}

// Result carries the computed metrics plus the intermediate effective rates.
type Result struct {
	SupplyTotalPct float64
	BorrowNetPct   float64
	ROEPct         float64
	HF             float64
}

// Compute returns the annualized return on equity and the health factor for
// a leveraged position.
//
// The supply side earns base plus rewards; the borrow side pays base minus
// rewards. With leverage L, equity of 1 controls L of collateral against
// L-1 of debt:
//
//	roe = L*supplyTotal - (L-1)*borrowNet
//
// The health factor compares the liquidation-weighted collateral value to
// the debt value. Zero debt (L == 1) means the position cannot be
// liquidated and HF is +Inf.
func Compute(in Inputs) (Result, error) {
	if in.Leverage < 1.0 {
		return Result{}, ErrInvalidLeverage
	}

	supplyTotal := in.SupplyAPRPct + in.CollateralRewardAPRPct
	borrowNet := in.BorrowAPRPct - in.BorrowRewardAPRPct
	roe := in.Leverage*supplyTotal - (in.Leverage-1.0)*borrowNet

	lt := in.LiquidationThresholdPct / 100.0
	debt := (in.Leverage - 1.0) * in.PriceBorrowUSD
	hf := math.Inf(1)
	if debt > 0 {
		hf = in.Leverage * in.PriceCollateralUSD * lt / debt
	}

	return Result{
		SupplyTotalPct: supplyTotal,
		BorrowNetPct:   borrowNet,
		ROEPct:         roe,
		HF:             hf,
	}, nil
}
