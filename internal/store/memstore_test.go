package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/defistat/internal/model"
)

func ts(minute int) time.Time {
	return time.Date(2026, 5, 1, 12, minute, 0, 0, time.UTC)
}

func snap(network, vault string, t time.Time) model.AssetSnapshot {
	return model.AssetSnapshot{Network: network, VaultAddress: vault, Ts: t}
}

func reward(network, vault string, role model.Role, oid string, t time.Time, apr float64) model.RewardRecord {
	return model.RewardRecord{
		Network:       network,
		VaultAddress:  vault,
		Role:          role,
		RewardAPRPct:  &apr,
		Status:        model.StatusLive,
		Ts:            t,
		Source:        "merkl",
		OpportunityID: oid,
	}
}

func TestSnapshotLookups(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.SaveSnapshots(ctx, []model.AssetSnapshot{
		snap("ethereum", "0xaa", ts(0)),
		snap("ethereum", "0xaa", ts(10)),
		snap("ethereum", "0xaa", ts(20)),
		snap("ethereum", "0xbb", ts(5)),
		snap("base", "0xaa", ts(30)),
	}))

	latest, err := s.LatestSnapshot(ctx, "ethereum", "0xAA")
	require.NoError(t, err)
	assert.Equal(t, ts(20), latest.Ts)

	at, err := s.SnapshotAtOrBefore(ctx, "ethereum", "0xaa", ts(15))
	require.NoError(t, err)
	assert.Equal(t, ts(10), at.Ts)

	at, err = s.SnapshotAtOrBefore(ctx, "ethereum", "0xaa", ts(10))
	require.NoError(t, err)
	assert.Equal(t, ts(10), at.Ts, "boundary is inclusive")

	_, err = s.SnapshotAtOrBefore(ctx, "ethereum", "0xaa", ts(0).Add(-time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)

	ranged, err := s.SnapshotsInRange(ctx, "ethereum", "0xaa", ts(0), ts(10))
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.True(t, ranged[0].Ts.Before(ranged[1].Ts))

	_, err = s.LatestSnapshot(ctx, "ethereum", "0xcc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVaultsDistinct(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	withMeta := snap("ethereum", "0xAA", ts(10))
	withMeta.VaultSymbol = "eUSDC"
	withMeta.VaultName = "Euler USDC"
	require.NoError(t, s.SaveSnapshots(ctx, []model.AssetSnapshot{
		snap("ethereum", "0xaa", ts(0)),
		withMeta,
		snap("ethereum", "0xbb", ts(0)),
		snap("base", "0xcc", ts(0)),
	}))

	vaults, err := s.Vaults(ctx, "ethereum")
	require.NoError(t, err)
	require.Len(t, vaults, 2)
	assert.Equal(t, "0xaa", vaults[0].Address)
	assert.Equal(t, "eUSDC", vaults[0].Symbol)
}

func TestSaveRewardsUpsertsByKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	first := reward("ethereum", "0xaa", model.RoleCollateral, "opp-1", ts(0), 3.0)
	require.NoError(t, s.SaveRewards(ctx, []model.RewardRecord{first}))

	corrected := first
	apr := 4.5
	corrected.RewardAPRPct = &apr
	require.NoError(t, s.SaveRewards(ctx, []model.RewardRecord{corrected}))

	got, err := s.RewardByKey(ctx, "merkl", "opp-1", ts(0))
	require.NoError(t, err)
	assert.Equal(t, 4.5, *got.RewardAPRPct, "later write for the same key wins")

	all, err := s.RewardsInRange(ctx, "ethereum", "0xaa", model.RoleCollateral, ts(0), ts(59))
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRewardTimeLookups(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.SaveRewards(ctx, []model.RewardRecord{
		reward("ethereum", "0xaa", model.RoleCollateral, "opp-1", ts(0), 1.0),
		reward("ethereum", "0xaa", model.RoleCollateral, "opp-1", ts(20), 2.0),
		reward("ethereum", "0xaa", model.RoleBorrow, "opp-2", ts(10), 9.0),
	}))

	earliest, err := s.EarliestRewardTs(ctx, "ethereum", "0xaa", model.RoleCollateral)
	require.NoError(t, err)
	assert.Equal(t, ts(0), earliest)

	at, err := s.RewardAtOrBefore(ctx, "ethereum", "0xaa", model.RoleCollateral, ts(15))
	require.NoError(t, err)
	assert.Equal(t, 1.0, *at.RewardAPRPct)

	latest, err := s.LatestRewardForOpportunity(ctx, "merkl", "opp-1")
	require.NoError(t, err)
	assert.Equal(t, ts(20), latest.Ts)

	latest, err = s.LatestRewardForVault(ctx, "ethereum", "0xaa", model.RoleBorrow)
	require.NoError(t, err)
	assert.Equal(t, "opp-2", latest.OpportunityID)

	_, err = s.EarliestRewardTs(ctx, "base", "0xaa", model.RoleCollateral)
	assert.ErrorIs(t, err, ErrNotFound)
}
