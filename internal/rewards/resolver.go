package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourorg/defistat/internal/model"
	"github.com/yourorg/defistat/internal/store"
)

// Resolver answers single-point reward APR lookups against the store. Series
// computations should load a range once and use a Timeline instead.
type Resolver struct {
	rewards store.RewardStore
}

func NewResolver(rewards store.RewardStore) *Resolver {
	return &Resolver{rewards: rewards}
}

// ResolveAt returns the reward APR percent in effect for a vault side at ts.
// defaultPct applies when the vault has no reward history at all, or when ts
// predates the earliest record.
func (r *Resolver) ResolveAt(ctx context.Context, network, vault string, role model.Role, ts time.Time, defaultPct float64) (float64, error) {
	earliest, err := r.rewards.EarliestRewardTs(ctx, network, vault, role)
	if errors.Is(err, store.ErrNotFound) {
		return defaultPct, nil
	}
	if err != nil {
		return 0, fmt.Errorf("earliest reward ts: %w", err)
	}
	if ts.Before(earliest) {
		return defaultPct, nil
	}

	rec, err := r.rewards.RewardAtOrBefore(ctx, network, vault, role, ts)
	if errors.Is(err, store.ErrNotFound) {
		// History exists and ts is not before it, so the caller default no
		// longer applies; a missing floor record resolves to zero.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reward at or before: %w", err)
	}
	return effectiveApr(rec.Status, rec.RewardAPRPct), nil
}

// TimelineFor loads the reward records overlapping [from, to] (widened by
// PrefetchBuffer) and builds a Timeline for repeated in-range lookups.
func (r *Resolver) TimelineFor(ctx context.Context, network, vault string, role model.Role, from, to time.Time, defaultPct float64) (*Timeline, error) {
	records, err := r.rewards.RewardsInRange(ctx, network, vault, role, from.Add(-PrefetchBuffer), to.Add(PrefetchBuffer))
	if err != nil {
		return nil, fmt.Errorf("load reward range: %w", err)
	}
	// A record older than the widened window may still govern the start of
	// the range; pull the floor record in explicitly.
	prior, err := r.rewards.RewardAtOrBefore(ctx, network, vault, role, from.Add(-PrefetchBuffer))
	if err == nil {
		records = append(records, prior)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load reward floor: %w", err)
	}
	return NewTimeline(records, defaultPct), nil
}
