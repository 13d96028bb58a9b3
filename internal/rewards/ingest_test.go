package rewards

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/defistat/internal/model"
	"github.com/yourorg/defistat/internal/store"
)

func feedRec(oid string, t time.Time, status string, apr *float64) model.RewardRecord {
	return model.RewardRecord{
		Network:       "ethereum",
		VaultAddress:  "0xaa",
		Role:          model.RoleCollateral,
		RewardAPRPct:  apr,
		Status:        status,
		Ts:            t,
		Source:        "merkl",
		OpportunityID: oid,
	}
}

func TestIngestCreatesFirstObservation(t *testing.T) {
	d := NewDeduplicator(store.NewMemStore())
	stats := d.Ingest(context.Background(), []model.RewardRecord{
		feedRec("opp-1", at(10), model.StatusLive, pf(3)),
	})
	assert.Equal(t, IngestStats{Created: 1}, stats)
}

func TestIngestDiscardsUnchangedState(t *testing.T) {
	s := store.NewMemStore()
	d := NewDeduplicator(s)
	ctx := context.Background()

	d.Ingest(ctx, []model.RewardRecord{feedRec("opp-1", at(10), model.StatusLive, pf(3))})
	stats := d.Ingest(ctx, []model.RewardRecord{feedRec("opp-1", at(11), model.StatusLive, pf(3))})
	assert.Equal(t, IngestStats{Skipped: 1}, stats)

	// Only the transition is stored.
	recs, err := s.RewardsInRange(ctx, "ethereum", "0xaa", model.RoleCollateral, at(0), at(23))
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestIngestTinyAprDriftIsNoOp(t *testing.T) {
	d := NewDeduplicator(store.NewMemStore())
	ctx := context.Background()

	d.Ingest(ctx, []model.RewardRecord{feedRec("opp-1", at(10), model.StatusLive, pf(3))})
	stats := d.Ingest(ctx, []model.RewardRecord{feedRec("opp-1", at(11), model.StatusLive, pf(3+5e-7))})
	assert.Equal(t, IngestStats{Skipped: 1}, stats)
}

func TestIngestStoresRealChanges(t *testing.T) {
	d := NewDeduplicator(store.NewMemStore())
	ctx := context.Background()

	d.Ingest(ctx, []model.RewardRecord{feedRec("opp-1", at(10), model.StatusLive, pf(3))})

	stats := d.Ingest(ctx, []model.RewardRecord{feedRec("opp-1", at(11), model.StatusLive, pf(5))})
	assert.Equal(t, IngestStats{Created: 1}, stats, "apr change is a transition")

	stats = d.Ingest(ctx, []model.RewardRecord{feedRec("opp-1", at(12), "PAST", pf(5))})
	assert.Equal(t, IngestStats{Created: 1}, stats, "status change is a transition")
}

func TestIngestSameKeyCorrectionOverwrites(t *testing.T) {
	s := store.NewMemStore()
	d := NewDeduplicator(s)
	ctx := context.Background()

	d.Ingest(ctx, []model.RewardRecord{feedRec("opp-1", at(10), model.StatusLive, pf(3))})
	stats := d.Ingest(ctx, []model.RewardRecord{feedRec("opp-1", at(10), model.StatusLive, pf(4))})
	assert.Equal(t, IngestStats{Updated: 1}, stats)

	got, err := s.RewardByKey(ctx, "merkl", "opp-1", at(10))
	require.NoError(t, err)
	assert.Equal(t, 4.0, *got.RewardAPRPct)
}

func TestIngestSameKeySameStateSkips(t *testing.T) {
	d := NewDeduplicator(store.NewMemStore())
	ctx := context.Background()

	d.Ingest(ctx, []model.RewardRecord{feedRec("opp-1", at(10), model.StatusLive, pf(3))})
	stats := d.Ingest(ctx, []model.RewardRecord{feedRec("opp-1", at(10), model.StatusLive, pf(3))})
	assert.Equal(t, IngestStats{Skipped: 1}, stats)
}

func TestIngestFallsBackToVaultSideWithoutOpportunityID(t *testing.T) {
	d := NewDeduplicator(store.NewMemStore())
	ctx := context.Background()

	first := feedRec("", at(10), model.StatusLive, pf(3))
	d.Ingest(ctx, []model.RewardRecord{first})

	same := feedRec("", at(11), model.StatusLive, pf(3))
	stats := d.Ingest(ctx, []model.RewardRecord{same})
	assert.Equal(t, IngestStats{Skipped: 1}, stats)
}

func TestIngestIndependentOpportunities(t *testing.T) {
	d := NewDeduplicator(store.NewMemStore())
	ctx := context.Background()

	stats := d.Ingest(ctx, []model.RewardRecord{
		feedRec("opp-1", at(10), model.StatusLive, pf(3)),
		feedRec("opp-2", at(10), model.StatusLive, pf(3)),
	})
	assert.Equal(t, IngestStats{Created: 2}, stats, "dedup is per campaign, not per vault")
}
