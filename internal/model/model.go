// Package model defines the core data structures shared across the service.
package model

import (
	"encoding/json"
	"math"
	"time"
)

// Role marks which side of a leveraged position a reward record applies to.
type Role string

// Reward roles. The reward feed's LEND action maps to collateral,
// BORROW maps to borrow.
const (
	RoleCollateral Role = "collateral"
	RoleBorrow     Role = "borrow"
)

// StatusLive is the reward-record status meaning the campaign is active.
// Any other status resolves to a 0% effective rate.
const StatusLive = "LIVE"

// AssetSnapshot is one sample of a vault's on-chain state.
// Snapshots are immutable once written and never updated.
type AssetSnapshot struct {
	// Network key, e.g. "avalanche" / "base".
	Network string `json:"network"`

	// VaultAddress is the lower-cased vault address used for all lookups.
	VaultAddress string `json:"vaultAddress"`

	// VaultAddressOriginal keeps the original casing for display.
	VaultAddressOriginal string `json:"vaultAddressOriginal,omitempty"`

	// Ts is the coarse batch timestamp shared by every snapshot of one
	// polling run. TsTick is the fine per-fetch timestamp.
	Ts     time.Time `json:"ts"`
	TsTick time.Time `json:"tsTick"`

	// Annualized rates in percent, already converted from on-chain units.
	// NaN means the rate read degraded while utilization still succeeded.
	BorrowAPRPct float64 `json:"borrowAprPct"`
	SupplyAPRPct float64 `json:"supplyAprPct"`

	// Utilization in percent: totalBorrows / totalAssets * 100.
	UtilizationPct float64 `json:"utilizationPct"`

	// Labels cached from discovery for convenience.
	VaultSymbol string `json:"vaultSymbol,omitempty"`
	VaultName   string `json:"vaultName,omitempty"`
}

// RewardRecord is one observation of a reward program's APR for a
// (network, vault, role) triple at a timestamp. The history is append-only
// except for same-timestamp corrections keyed by (Source, OpportunityID, Ts).
type RewardRecord struct {
	Network      string `json:"network"`
	Protocol     string `json:"protocol,omitempty"`
	VaultAddress string `json:"vaultAddress"`
	Role         Role   `json:"role"`

	// RewardAPRPct is the cumulated reward APR in percent. Nil means the
	// feed carried no rate for this observation.
	RewardAPRPct *float64 `json:"rewardAprPct,omitempty"`

	TVLUSD     float64 `json:"tvlUsd,omitempty"`
	Name       string  `json:"name,omitempty"`
	Status     string  `json:"status"`
	DepositURL string  `json:"depositUrl,omitempty"`

	// Ts is the time the APR was measured (feed timestamp when present,
	// minute-floored ingest time otherwise).
	Ts time.Time `json:"ts"`

	// Identity of the upstream observation, used for idempotent upsert.
	Source        string `json:"source"`
	OpportunityID string `json:"opportunityId"`
	ChainID       int64  `json:"chainId,omitempty"`

	Rewards []RewardTokenValue `json:"rewards,omitempty"`
}

// RewardTokenValue is a light per-token breakdown of a reward record.
type RewardTokenValue struct {
	TokenAddress     string  `json:"tokenAddress,omitempty"`
	Symbol           string  `json:"symbol,omitempty"`
	Decimals         int     `json:"decimals,omitempty"`
	PriceUSD         float64 `json:"priceUsd,omitempty"`
	Amount           float64 `json:"amount,omitempty"`
	ValueUSD         float64 `json:"valueUsd,omitempty"`
	DistributionType string  `json:"distributionType,omitempty"`
	CampaignID       string  `json:"campaignId,omitempty"`
}

// MetricPoint is one computed ROE / health-factor result with the full
// breakdown of the inputs that produced it.
type MetricPoint struct {
	// Echo of the request identity.
	Network         string  `json:"network"`
	CollateralVault string  `json:"collateralVault"`
	BorrowVault     string  `json:"borrowVault"`
	Leverage        float64 `json:"leverage"`

	// Timestamps of the snapshots actually used.
	CollateralTs time.Time `json:"collateralTs"`
	BorrowTs     time.Time `json:"borrowTs"`

	// Rates used for the calculation, all in percent APR.
	CollateralSupplyAPRPct  float64 `json:"collateralSupplyAprPct"`
	BorrowBorrowAPRPct      float64 `json:"borrowBorrowAprPct"`
	CollateralRewardsAPRPct float64 `json:"collateralRewardsAprPct"`
	BorrowRewardsAPRPct     float64 `json:"borrowRewardsAprPct"`
	SupplyTotalPct          float64 `json:"supplyTotalPct"`
	BorrowNetPct            float64 `json:"borrowNetPct"`

	// Utilizations, informational.
	CollateralUtilPct float64 `json:"collateralUtilPct"`
	BorrowUtilPct     float64 `json:"borrowUtilPct"`

	// Prices and risk parameter used.
	PriceCollateralUSD      float64 `json:"priceCollateralUsd"`
	PriceBorrowUSD          float64 `json:"priceBorrowUsd"`
	LiquidationThresholdPct float64 `json:"liquidationThresholdPct"`

	// Outputs. HF is +Inf when the computed debt is zero.
	ROEPct float64 `json:"roePct"`
	HF     float64 `json:"hf"`

	Note string `json:"note,omitempty"`
}

// MarshalJSON encodes non-finite values as null, since JSON has no
// representation for them. HF is +Inf at zero debt, and rates propagate NaN
// when a vault's on-chain rate read degraded to a partial result.
func (p MetricPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Network         string   `json:"network"`
		CollateralVault string   `json:"collateralVault"`
		BorrowVault     string   `json:"borrowVault"`
		Leverage        *float64 `json:"leverage"`

		CollateralTs time.Time `json:"collateralTs"`
		BorrowTs     time.Time `json:"borrowTs"`

		CollateralSupplyAPRPct  *float64 `json:"collateralSupplyAprPct"`
		BorrowBorrowAPRPct      *float64 `json:"borrowBorrowAprPct"`
		CollateralRewardsAPRPct *float64 `json:"collateralRewardsAprPct"`
		BorrowRewardsAPRPct     *float64 `json:"borrowRewardsAprPct"`
		SupplyTotalPct          *float64 `json:"supplyTotalPct"`
		BorrowNetPct            *float64 `json:"borrowNetPct"`

		CollateralUtilPct *float64 `json:"collateralUtilPct"`
		BorrowUtilPct     *float64 `json:"borrowUtilPct"`

		PriceCollateralUSD      *float64 `json:"priceCollateralUsd"`
		PriceBorrowUSD          *float64 `json:"priceBorrowUsd"`
		LiquidationThresholdPct *float64 `json:"liquidationThresholdPct"`

		ROEPct *float64 `json:"roePct"`
		HF     *float64 `json:"hf"`

		Note string `json:"note,omitempty"`
	}{
		Network:                 p.Network,
		CollateralVault:         p.CollateralVault,
		BorrowVault:             p.BorrowVault,
		Leverage:                finite(p.Leverage),
		CollateralTs:            p.CollateralTs,
		BorrowTs:                p.BorrowTs,
		CollateralSupplyAPRPct:  finite(p.CollateralSupplyAPRPct),
		BorrowBorrowAPRPct:      finite(p.BorrowBorrowAPRPct),
		CollateralRewardsAPRPct: finite(p.CollateralRewardsAPRPct),
		BorrowRewardsAPRPct:     finite(p.BorrowRewardsAPRPct),
		SupplyTotalPct:          finite(p.SupplyTotalPct),
		BorrowNetPct:            finite(p.BorrowNetPct),
		CollateralUtilPct:       finite(p.CollateralUtilPct),
		BorrowUtilPct:           finite(p.BorrowUtilPct),
		PriceCollateralUSD:      finite(p.PriceCollateralUSD),
		PriceBorrowUSD:          finite(p.PriceBorrowUSD),
		LiquidationThresholdPct: finite(p.LiquidationThresholdPct),
		ROEPct:                  finite(p.ROEPct),
		HF:                      finite(p.HF),
		Note:                    p.Note,
	})
}

// finite returns nil for values JSON cannot carry.
func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// VaultInfo identifies one vault discovered on a network.
type VaultInfo struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol,omitempty"`
	Name    string `json:"name,omitempty"`
}

// SnapshotTime returns the fine per-fetch timestamp when present and the
// batch timestamp otherwise.
func (s AssetSnapshot) SnapshotTime() time.Time {
	if !s.TsTick.IsZero() {
		return s.TsTick
	}
	return s.Ts
}
