// Package reconcile aligns two time series sampled by independent pollers.
//
// The join runs in two phases. Snapshots taken in the same polling run share
// a batch timestamp, so an exact join on it is tried first. When the two
// series share no batch timestamps at all (pollers out of phase, backfilled
// data), the fallback pairs each left sample with the nearest right sample
// by fine timestamp, within a tolerance.
package reconcile

import (
	"sort"
	"time"
)

// Key extracts the two timestamps of a series element. Batch is the coarse
// timestamp shared across one polling run; Tick is the fine per-sample time
// used by the nearest-match fallback.
type Key[T any] struct {
	Batch func(T) time.Time
	Tick  func(T) time.Time
}

// Pair is one aligned sample from each series.
type Pair[A, B any] struct {
	A A
	B B
}

// Join aligns two series. Both inputs must be ascending by batch timestamp;
// the fallback phase walks a single forward cursor and misses matches on
// unsorted input. The result is sorted by the left element's batch
// timestamp.
func Join[A, B any](as []A, bs []B, ka Key[A], kb Key[B], tolerance time.Duration) []Pair[A, B] {
	if tolerance < 0 {
		tolerance = 0
	}

	out := joinExact(as, bs, ka, kb)
	if len(out) == 0 {
		out = joinNearest(as, bs, ka, kb, tolerance)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := ka.Batch(out[i].A), ka.Batch(out[j].A)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return kb.Batch(out[i].B).Before(kb.Batch(out[j].B))
	})
	return out
}

func joinExact[A, B any](as []A, bs []B, ka Key[A], kb Key[B]) []Pair[A, B] {
	byTs := make(map[int64]A, len(as))
	for _, a := range as {
		ts := ka.Batch(a)
		if ts.IsZero() {
			continue
		}
		if _, ok := byTs[ts.UnixMilli()]; !ok {
			byTs[ts.UnixMilli()] = a
		}
	}

	var out []Pair[A, B]
	for _, b := range bs {
		ts := kb.Batch(b)
		if ts.IsZero() {
			continue
		}
		if a, ok := byTs[ts.UnixMilli()]; ok {
			out = append(out, Pair[A, B]{A: a, B: b})
		}
	}
	return out
}

func joinNearest[A, B any](as []A, bs []B, ka Key[A], kb Key[B], tolerance time.Duration) []Pair[A, B] {
	var out []Pair[A, B]
	j := 0
	for _, a := range as {
		at := ka.Tick(a)
		if at.IsZero() {
			continue
		}

		bestIdx := -1
		bestDiff := time.Duration(1<<63 - 1)
		for j < len(bs) {
			bt := kb.Tick(bs[j])
			if bt.IsZero() {
				j++
				continue
			}
			diff := bt.Sub(at)
			if diff < 0 {
				diff = -diff
			}
			if diff >= bestDiff {
				// Distance started growing; the previous candidate wins.
				break
			}
			bestIdx, bestDiff = j, diff
			if bt.After(at) && diff > 0 {
				break
			}
			j++
		}

		if bestIdx >= 0 && bestDiff <= tolerance {
			out = append(out, Pair[A, B]{A: a, B: bs[bestIdx]})
		}
	}
	return out
}
