package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	batch time.Time
	tick  time.Time
	id    string
}

func key() Key[sample] {
	return Key[sample]{
		Batch: func(s sample) time.Time { return s.batch },
		Tick: func(s sample) time.Time {
			if !s.tick.IsZero() {
				return s.tick
			}
			return s.batch
		},
	}
}

func base(minute, sec int) time.Time {
	return time.Date(2026, 3, 1, 9, minute, sec, 0, time.UTC)
}

func batched(minute int, id string) sample {
	return sample{batch: base(minute, 0), id: id}
}

func ticked(minute, sec int, id string) sample {
	return sample{batch: base(minute, sec), tick: base(minute, sec), id: id}
}

func TestJoinExactBatchTimestamps(t *testing.T) {
	left := []sample{batched(0, "l0"), batched(10, "l1"), batched(20, "l2")}
	right := []sample{batched(0, "r0"), batched(20, "r2"), batched(30, "r3")}

	pairs := Join(left, right, key(), key(), 0)
	require.Len(t, pairs, 2)
	assert.Equal(t, "l0", pairs[0].A.id)
	assert.Equal(t, "r0", pairs[0].B.id)
	assert.Equal(t, "l2", pairs[1].A.id)
	assert.Equal(t, "r2", pairs[1].B.id)
}

func TestJoinSelfIsIdentity(t *testing.T) {
	series := []sample{batched(0, "a"), batched(10, "b"), batched(20, "c")}
	pairs := Join(series, series, key(), key(), 0)
	require.Len(t, pairs, 3)
	for i, p := range pairs {
		assert.Equal(t, series[i].id, p.A.id)
		assert.Equal(t, series[i].id, p.B.id)
	}
}

func TestJoinFallsBackToNearestTick(t *testing.T) {
	// No shared batch timestamps; ticks are 5s apart.
	left := []sample{ticked(0, 0, "l0"), ticked(10, 0, "l1")}
	right := []sample{ticked(0, 5, "r0"), ticked(10, 5, "r1")}

	pairs := Join(left, right, key(), key(), 30*time.Second)
	require.Len(t, pairs, 2)
	assert.Equal(t, "r0", pairs[0].B.id)
	assert.Equal(t, "r1", pairs[1].B.id)
}

func TestJoinToleranceBoundaryIsInclusive(t *testing.T) {
	left := []sample{ticked(0, 0, "l0")}
	right := []sample{ticked(0, 30, "r0")}

	pairs := Join(left, right, key(), key(), 30*time.Second)
	assert.Len(t, pairs, 1, "diff equal to tolerance pairs")

	pairs = Join(left, right, key(), key(), 29*time.Second)
	assert.Empty(t, pairs, "diff above tolerance does not")
}

func TestJoinPicksClosestNotFirst(t *testing.T) {
	left := []sample{ticked(10, 0, "l0")}
	right := []sample{ticked(0, 0, "far"), ticked(9, 58, "near"), ticked(20, 0, "later")}

	pairs := Join(left, right, key(), key(), time.Minute)
	require.Len(t, pairs, 1)
	assert.Equal(t, "near", pairs[0].B.id)
}

func TestJoinExactWinsOverNearest(t *testing.T) {
	// One shared batch timestamp exists, so the fallback never runs and the
	// near-miss pair is not produced.
	left := []sample{batched(0, "l0"), batched(10, "l1")}
	right := []sample{batched(0, "r0"), {batch: base(10, 3), tick: base(10, 3), id: "r1"}}

	pairs := Join(left, right, key(), key(), time.Minute)
	require.Len(t, pairs, 1)
	assert.Equal(t, "r0", pairs[0].B.id)
}

func TestJoinOutputSortedByLeftBatch(t *testing.T) {
	left := []sample{batched(0, "l0"), batched(10, "l1"), batched(20, "l2")}
	right := []sample{batched(20, "r2"), batched(0, "r0"), batched(10, "r1")}

	// Right side arrives unsorted; the exact phase is index-based so it still
	// matches, and output order follows the left series.
	pairs := Join(left, right, key(), key(), 0)
	require.Len(t, pairs, 3)
	for i := 1; i < len(pairs); i++ {
		assert.True(t, pairs[i-1].A.batch.Before(pairs[i].A.batch))
	}
}

func TestJoinNegativeToleranceClamped(t *testing.T) {
	left := []sample{ticked(0, 0, "l0")}
	right := []sample{ticked(0, 0, "r0")}

	pairs := Join(left, right, key(), key(), -time.Second)
	assert.Len(t, pairs, 1, "zero-distance match survives a clamped tolerance")
}
