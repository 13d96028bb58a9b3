package rewards

import (
	"context"
	"errors"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/defistat/internal/model"
	"github.com/yourorg/defistat/internal/store"
)

// aprEpsilon is the APR delta below which two records count as unchanged.
const aprEpsilon = 1e-6

// IngestStats summarizes one deduplicated ingest run.
type IngestStats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Deduplicator writes feed records as a change log: a record is stored only
// when it differs from the latest stored state for its campaign, so the
// store holds transitions rather than one row per poll.
type Deduplicator struct {
	rewards store.RewardStore
}

func NewDeduplicator(rewards store.RewardStore) *Deduplicator {
	return &Deduplicator{rewards: rewards}
}

// Ingest applies records one at a time. A record whose exact
// (source, opportunity id, ts) key is already stored replaces the stored row,
// so upstream corrections for a timestamp win. Otherwise the record is
// compared against the latest prior state and discarded when nothing
// changed. Failures are logged and counted; they never abort the batch.
func (d *Deduplicator) Ingest(ctx context.Context, records []model.RewardRecord) IngestStats {
	var stats IngestStats
	for _, rec := range records {
		outcome, err := d.ingestOne(ctx, rec)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"source":      rec.Source,
				"opportunity": rec.OpportunityID,
				"vault":       rec.VaultAddress,
			}).Warnf("[rewards] ingest record failed: %v", err)
			stats.Failed++
			continue
		}
		switch outcome {
		case outcomeCreated:
			stats.Created++
		case outcomeUpdated:
			stats.Updated++
		case outcomeSkipped:
			stats.Skipped++
		}
	}
	return stats
}

type ingestOutcome int

const (
	outcomeCreated ingestOutcome = iota
	outcomeUpdated
	outcomeSkipped
)

func (d *Deduplicator) ingestOne(ctx context.Context, rec model.RewardRecord) (ingestOutcome, error) {
	existing, err := d.rewards.RewardByKey(ctx, rec.Source, rec.OpportunityID, rec.Ts)
	if err == nil {
		if sameState(existing, rec) {
			return outcomeSkipped, nil
		}
		if err := d.rewards.SaveRewards(ctx, []model.RewardRecord{rec}); err != nil {
			return 0, err
		}
		return outcomeUpdated, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	prior, err := d.latestPrior(ctx, rec)
	if err == nil && sameState(prior, rec) {
		return outcomeSkipped, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	if err := d.rewards.SaveRewards(ctx, []model.RewardRecord{rec}); err != nil {
		return 0, err
	}
	return outcomeCreated, nil
}

// latestPrior finds the stored state this record would supersede. Records
// with an upstream opportunity id match on it; records without one fall back
// to the vault side they describe.
func (d *Deduplicator) latestPrior(ctx context.Context, rec model.RewardRecord) (model.RewardRecord, error) {
	if rec.OpportunityID != "" {
		return d.rewards.LatestRewardForOpportunity(ctx, rec.Source, rec.OpportunityID)
	}
	return d.rewards.LatestRewardForVault(ctx, rec.Network, rec.VaultAddress, rec.Role)
}

func sameState(a, b model.RewardRecord) bool {
	return a.Status == b.Status && aprWithinEpsilon(a.RewardAPRPct, b.RewardAPRPct)
}

func aprWithinEpsilon(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return math.Abs(*a-*b) < aprEpsilon
}
