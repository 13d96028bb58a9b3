// Package store persists asset snapshots and reward records and serves the
// time-based lookups the metrics services are built on.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/yourorg/defistat/internal/model"
)

// ErrNotFound is returned when a lookup matches no stored row.
var ErrNotFound = errors.New("store: not found")

// SnapshotStore holds per-vault rate snapshots keyed by network, vault
// address and batch timestamp.
type SnapshotStore interface {
	// SaveSnapshots appends a batch of snapshots.
	SaveSnapshots(ctx context.Context, snapshots []model.AssetSnapshot) error

	// LatestSnapshot returns the most recent snapshot for the vault.
	LatestSnapshot(ctx context.Context, network, vault string) (model.AssetSnapshot, error)

	// SnapshotAtOrBefore returns the newest snapshot with Ts <= ts.
	SnapshotAtOrBefore(ctx context.Context, network, vault string, ts time.Time) (model.AssetSnapshot, error)

	// SnapshotsInRange returns snapshots with from <= Ts <= to, ascending by Ts.
	SnapshotsInRange(ctx context.Context, network, vault string, from, to time.Time) ([]model.AssetSnapshot, error)

	// Vaults lists the distinct vaults seen on a network.
	Vaults(ctx context.Context, network string) ([]model.VaultInfo, error)
}

// RewardStore holds reward campaign records. Saving with an existing
// (source, opportunity id, ts) key replaces the stored row, so upstream
// corrections for an already-seen timestamp win.
type RewardStore interface {
	SaveRewards(ctx context.Context, records []model.RewardRecord) error

	// RewardByKey returns the record stored under (source, opportunityID, ts).
	RewardByKey(ctx context.Context, source, opportunityID string, ts time.Time) (model.RewardRecord, error)

	// LatestRewardForOpportunity returns the newest record for an upstream
	// opportunity across all timestamps.
	LatestRewardForOpportunity(ctx context.Context, source, opportunityID string) (model.RewardRecord, error)

	// LatestRewardForVault returns the newest record for a vault side,
	// regardless of source.
	LatestRewardForVault(ctx context.Context, network, vault string, role model.Role) (model.RewardRecord, error)

	// RewardsInRange returns records with from <= Ts <= to for a vault side,
	// ascending by Ts.
	RewardsInRange(ctx context.Context, network, vault string, role model.Role, from, to time.Time) ([]model.RewardRecord, error)

	// EarliestRewardTs returns the oldest record timestamp for a vault side.
	EarliestRewardTs(ctx context.Context, network, vault string, role model.Role) (time.Time, error)

	// RewardAtOrBefore returns the newest record with Ts <= ts for a vault side.
	RewardAtOrBefore(ctx context.Context, network, vault string, role model.Role, ts time.Time) (model.RewardRecord, error)
}

// Store bundles both stores behind one value for wiring convenience.
type Store interface {
	SnapshotStore
	RewardStore
}
