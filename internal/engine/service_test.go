package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/defistat/internal/config"
	"github.com/yourorg/defistat/internal/model"
	"github.com/yourorg/defistat/internal/rewards"
	"github.com/yourorg/defistat/internal/store"
)

const (
	colVault = "0xc000000000000000000000000000000000000001"
	borVault = "0xb000000000000000000000000000000000000002"
)

func testConfig() config.Config {
	return config.Config{
		Calc: config.CalcDefaults{
			LiquidationThresholdPct: 83,
			PriceCollateralUSD:      1,
			PriceBorrowUSD:          1,
		},
	}
}

func ts(minute int) time.Time {
	return time.Date(2026, 5, 10, 8, minute, 0, 0, time.UTC)
}

func snap(vault string, t time.Time, supplyPct, borrowPct float64) model.AssetSnapshot {
	return model.AssetSnapshot{
		Network:      "ethereum",
		VaultAddress: vault,
		Ts:           t,
		TsTick:       t,
		SupplyAPRPct: supplyPct,
		BorrowAPRPct: borrowPct,
	}
}

func newService(t *testing.T, snaps ...model.AssetSnapshot) (*Service, *store.MemStore) {
	t.Helper()
	s := store.NewMemStore()
	require.NoError(t, s.SaveSnapshots(context.Background(), snaps))
	return NewService(s, rewards.NewResolver(s), testConfig()), s
}

func pf(v float64) *float64 { return &v }

func TestComputePointFromLatestSnapshots(t *testing.T) {
	svc, _ := newService(t,
		snap(colVault, ts(0), 4, 0),
		snap(colVault, ts(10), 5, 0),
		snap(borVault, ts(10), 0, 8),
	)

	point, err := svc.ComputePoint(context.Background(), PointRequest{
		Network:         "ethereum",
		CollateralVault: colVault,
		BorrowVault:     borVault,
		Leverage:        3,
	})
	require.NoError(t, err)

	assert.InDelta(t, -1.0, point.ROEPct, 1e-9)
	assert.InDelta(t, 1.245, point.HF, 1e-9)
	assert.Equal(t, ts(10), point.CollateralTs, "latest snapshot wins")
	assert.InDelta(t, 5.0, point.CollateralSupplyAPRPct, 1e-9)
}

func TestComputePointAtTimestamp(t *testing.T) {
	svc, _ := newService(t,
		snap(colVault, ts(0), 4, 0),
		snap(colVault, ts(20), 5, 0),
		snap(borVault, ts(0), 0, 8),
		snap(borVault, ts(20), 0, 9),
	)

	at := ts(10)
	point, err := svc.ComputePoint(context.Background(), PointRequest{
		Network:         "ethereum",
		CollateralVault: colVault,
		BorrowVault:     borVault,
		Leverage:        2,
		Ts:              &at,
	})
	require.NoError(t, err)
	assert.Equal(t, ts(0), point.CollateralTs)
	assert.InDelta(t, 8.0, point.BorrowBorrowAPRPct, 1e-9)
}

func TestComputePointMissingSnapshot(t *testing.T) {
	svc, _ := newService(t, snap(colVault, ts(0), 4, 0))

	_, err := svc.ComputePoint(context.Background(), PointRequest{
		Network:         "ethereum",
		CollateralVault: colVault,
		BorrowVault:     borVault,
		Leverage:        2,
	})
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestComputePointRejectsBadAddress(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.ComputePoint(context.Background(), PointRequest{
		Network:         "ethereum",
		CollateralVault: "not-an-address",
		BorrowVault:     borVault,
		Leverage:        2,
	})
	assert.Error(t, err)
}

func TestComputePointUserRewardsApplyWithoutHistory(t *testing.T) {
	svc, _ := newService(t,
		snap(colVault, ts(0), 5, 0),
		snap(borVault, ts(0), 0, 8),
	)

	point, err := svc.ComputePoint(context.Background(), PointRequest{
		Network:                 "ethereum",
		CollateralVault:         colVault,
		BorrowVault:             borVault,
		Leverage:                3,
		CollateralRewardsAPRPct: pf(2),
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, point.CollateralRewardsAPRPct, 1e-9)
	assert.InDelta(t, 7.0, point.SupplyTotalPct, 1e-9)
}

func TestComputePointIngestedRewardsWinOverUserValue(t *testing.T) {
	svc, st := newService(t,
		snap(colVault, ts(30), 5, 0),
		snap(borVault, ts(30), 0, 8),
	)
	require.NoError(t, st.SaveRewards(context.Background(), []model.RewardRecord{{
		Network:       "ethereum",
		VaultAddress:  colVault,
		Role:          model.RoleCollateral,
		RewardAPRPct:  pf(3),
		Status:        model.StatusLive,
		Ts:            ts(0),
		Source:        "merkl",
		OpportunityID: "opp-1",
	}}))

	point, err := svc.ComputePoint(context.Background(), PointRequest{
		Network:                 "ethereum",
		CollateralVault:         colVault,
		BorrowVault:             borVault,
		Leverage:                3,
		CollateralRewardsAPRPct: pf(99),
	})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, point.CollateralRewardsAPRPct, 1e-9)
}

func TestComputePointOverrides(t *testing.T) {
	svc, _ := newService(t,
		snap(colVault, ts(0), 5, 0),
		snap(borVault, ts(0), 0, 8),
	)

	point, err := svc.ComputePoint(context.Background(), PointRequest{
		Network:                 "ethereum",
		CollateralVault:         colVault,
		BorrowVault:             borVault,
		Leverage:                2,
		LiquidationThresholdPct: pf(90),
		PriceBorrowUSD:          pf(2),
	})
	require.NoError(t, err)
	assert.InDelta(t, 90.0, point.LiquidationThresholdPct, 1e-9)
	assert.InDelta(t, 2*1*0.9/2.0, point.HF, 1e-9)
}

func TestComputeSeriesJoinsByBatchTs(t *testing.T) {
	svc, _ := newService(t,
		snap(colVault, ts(0), 5, 0),
		snap(colVault, ts(10), 6, 0),
		snap(borVault, ts(0), 0, 8),
		snap(borVault, ts(10), 0, 9),
		snap(borVault, ts(20), 0, 10),
	)

	points, err := svc.ComputeSeries(context.Background(), SeriesRequest{
		Network:         "ethereum",
		CollateralVault: colVault,
		BorrowVault:     borVault,
		Leverage:        3,
		From:            ts(0),
		To:              ts(30),
	})
	require.NoError(t, err)
	require.Len(t, points, 2, "only common batch timestamps pair")

	assert.Equal(t, ts(0), points[0].CollateralTs)
	assert.InDelta(t, -1.0, points[0].ROEPct, 1e-9)
	assert.Equal(t, ts(10), points[1].CollateralTs)
	assert.InDelta(t, 3*6.0-2*9.0, points[1].ROEPct, 1e-9)
}

func TestComputeSeriesEmptySideMeansEmptySeries(t *testing.T) {
	svc, _ := newService(t, snap(colVault, ts(0), 5, 0))

	points, err := svc.ComputeSeries(context.Background(), SeriesRequest{
		Network:         "ethereum",
		CollateralVault: colVault,
		BorrowVault:     borVault,
		Leverage:        2,
		From:            ts(0),
		To:              ts(30),
	})
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestComputeSeriesTickFallback(t *testing.T) {
	// No shared batch timestamps; ticks 5 seconds apart.
	col := snap(colVault, ts(0), 5, 0)
	bor := snap(borVault, ts(0).Add(5*time.Second), 0, 8)
	svc, _ := newService(t, col, bor)

	points, err := svc.ComputeSeries(context.Background(), SeriesRequest{
		Network:         "ethereum",
		CollateralVault: colVault,
		BorrowVault:     borVault,
		Leverage:        3,
		From:            ts(0),
		To:              ts(30),
		TickTolerance:   30 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Contains(t, points[0].Note, "matched by tick")
}

func TestComputeSeriesRewardsFromTimeline(t *testing.T) {
	svc, st := newService(t,
		snap(colVault, ts(0), 5, 0),
		snap(colVault, ts(20), 5, 0),
		snap(borVault, ts(0), 0, 8),
		snap(borVault, ts(20), 0, 8),
	)
	require.NoError(t, st.SaveRewards(context.Background(), []model.RewardRecord{{
		Network:       "ethereum",
		VaultAddress:  colVault,
		Role:          model.RoleCollateral,
		RewardAPRPct:  pf(2),
		Status:        model.StatusLive,
		Ts:            ts(10),
		Source:        "merkl",
		OpportunityID: "opp-1",
	}}))

	points, err := svc.ComputeSeries(context.Background(), SeriesRequest{
		Network:         "ethereum",
		CollateralVault: colVault,
		BorrowVault:     borVault,
		Leverage:        2,
		From:            ts(0),
		To:              ts(30),
	})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.InDelta(t, 0.0, points[0].CollateralRewardsAPRPct, 1e-9, "campaign not yet started")
	assert.InDelta(t, 2.0, points[1].CollateralRewardsAPRPct, 1e-9)
}
