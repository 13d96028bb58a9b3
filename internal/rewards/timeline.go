// Package rewards tracks incentive campaigns per vault side: ingesting feed
// records, and resolving the reward APR in effect at any point in time.
package rewards

import (
	"sort"
	"strings"
	"time"

	"github.com/yourorg/defistat/internal/model"
)

// PrefetchBuffer widens reward lookups around a requested series range so
// the campaign state in effect at the range edges is available.
const PrefetchBuffer = 6 * time.Hour

type timelineEntry struct {
	ts     time.Time
	status string
	aprPct *float64
}

// Timeline answers "what reward APR applied at time t" for one vault side
// from a set of ingested records. Adjacent records with the same status and
// APR are compacted; lookups floor to the latest entry at or before t.
type Timeline struct {
	entries    []timelineEntry
	defaultPct float64
}

// NewTimeline builds a timeline from records in any order. defaultPct is
// returned for times before the first record, or when there are no records.
func NewTimeline(records []model.RewardRecord, defaultPct float64) *Timeline {
	sorted := make([]model.RewardRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ts.Before(sorted[j].Ts) })

	t := &Timeline{defaultPct: defaultPct}
	for _, r := range sorted {
		if n := len(t.entries); n > 0 {
			last := t.entries[n-1]
			if last.status == r.Status && aprEqualStrict(last.aprPct, r.RewardAPRPct) {
				continue
			}
		}
		t.entries = append(t.entries, timelineEntry{ts: r.Ts, status: r.Status, aprPct: r.RewardAPRPct})
	}
	return t
}

// Len returns the number of entries after compaction.
func (t *Timeline) Len() int { return len(t.entries) }

// AprAt returns the reward APR percent in effect at ts. Before the first
// record (or with no records at all) the caller default applies. A record
// whose campaign is not live, or that carries no APR, contributes zero.
func (t *Timeline) AprAt(ts time.Time) float64 {
	if len(t.entries) == 0 || ts.Before(t.entries[0].ts) {
		return t.defaultPct
	}
	// Floor search: the last entry with entry.ts <= ts.
	idx := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].ts.After(ts) }) - 1
	return effectiveApr(t.entries[idx].status, t.entries[idx].aprPct)
}

// effectiveApr applies the live rule. The feed's status casing varies, so
// the comparison is case-insensitive.
func effectiveApr(status string, aprPct *float64) float64 {
	if !strings.EqualFold(status, model.StatusLive) || aprPct == nil {
		return 0
	}
	return *aprPct
}

func aprEqualStrict(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
