package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// Scenario 2: store = {3}, tip = 5. New-tip requests [4,5]; old-history
// requests [1,2]; gap is a no-op (fewer than two stored rows).
func TestScenarioStoreOfThreeTipFive(t *testing.T) {
	low, high := computeNewTipRange(3, true, 5)
	require.Equal(t, uint64(4), low)
	require.Equal(t, uint64(5), high)

	oldLow, oldHigh := computeOldHistoryRange(3, true)
	require.Equal(t, int64(1), oldLow)
	require.Equal(t, int64(2), oldHigh)

	_, _, ok := computeGapOuterRange(3, 3, true, true)
	require.False(t, ok, "single stored row means no interior range to probe")
}

// Scenario 1: empty store, tip = 5. New-tip requests [1,5]; old-history is
// [1,-1] (no-op); gap is empty.
func TestScenarioEmptyStoreTipFive(t *testing.T) {
	low, high := computeNewTipRange(0, false, 5)
	require.Equal(t, uint64(1), low)
	require.Equal(t, uint64(5), high)

	oldLow, oldHigh := computeOldHistoryRange(0, false)
	require.Equal(t, int64(1), oldLow)
	require.Equal(t, int64(-1), oldHigh)
	require.Less(t, oldHigh, oldLow, "old-history range must be a no-op on an empty store")

	_, _, ok := computeGapOuterRange(0, 0, false, false)
	require.False(t, ok)
}

// P5: the three passes' ranges are pairwise disjoint for any consistent
// store state (min <= max, tip >= max).
func TestRangesArePairwiseDisjoint(t *testing.T) {
	const minHeight, maxHeight, tip = 10, 50, 80

	newLow, newHigh := computeNewTipRange(maxHeight, true, tip)
	oldLow, oldHigh := computeOldHistoryRange(minHeight, true)
	gapLow, gapHigh, ok := computeGapOuterRange(minHeight, maxHeight, true, true)
	require.True(t, ok)

	require.Greater(t, newLow, uint64(maxHeight), "new-tip must start above max")
	require.Less(t, oldHigh, int64(minHeight), "old-history must end below min")
	require.True(t, gapLow > int64(minHeight) && gapHigh < int64(maxHeight), "gap must stay strictly inside (min, max)")

	require.Less(t, oldHigh, gapLow)
	require.Less(t, gapHigh, int64(newLow))
	_ = newHigh
}

// Scenario 3: store = {1,3,5}, tip = 5, FETCH_QUEUE = 2. Gap sync bisects
// [2,4]: count=1 != 3 and hi-lo = 2 <= FETCH_QUEUE but count != 0, so split at mid=3 into
// [2,3] (count=1 of 2, split again into [2,2] fetch and [3,3] covered) and
// [4,4] (count=0, size 1 <= 2, fetch directly).
func TestScenarioGapBisectionOfThreeStoredHeights(t *testing.T) {
	stored := map[uint64]bool{1: true, 3: true, 5: true}

	countFn := func(_ context.Context, lo, hi uint64) (uint64, error) {
		var n uint64
		for h := lo; h <= hi; h++ {
			if stored[h] {
				n++
			}
		}
		return n, nil
	}

	var fetched []uint64
	fetchFn := func(lo, hi uint64) {
		for h := lo; h <= hi; h++ {
			fetched = append(fetched, h)
			stored[h] = true
		}
	}

	gapLow, gapHigh, ok := computeGapOuterRange(1, 5, true, true)
	require.True(t, ok)
	require.Equal(t, int64(2), gapLow)
	require.Equal(t, int64(4), gapHigh)

	err := bisect(context.Background(), uint64(gapLow), uint64(gapHigh), 2, countFn, fetchFn)
	require.NoError(t, err)

	require.ElementsMatch(t, []uint64{2, 4}, fetched)
	for h := uint64(1); h <= 5; h++ {
		require.True(t, stored[h], "height %d should be stored after gap sync", h)
	}
}

func TestBisectNoOpWhenRangeFullyCovered(t *testing.T) {
	calls := 0
	countFn := func(_ context.Context, lo, hi uint64) (uint64, error) {
		calls++
		return hi - lo + 1, nil
	}
	fetchFn := func(lo, hi uint64) { t.Fatalf("unexpected fetch of [%d,%d]", lo, hi) }

	err := bisect(context.Background(), 10, 20, 5, countFn, fetchFn)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestBisectNeverRequestsMoreThanFetchQueueAtOnce(t *testing.T) {
	const fetchQueue = 4
	countFn := func(_ context.Context, lo, hi uint64) (uint64, error) { return 0, nil }

	var fetched []uint64
	fetchFn := func(lo, hi uint64) {
		require.LessOrEqual(t, int(hi-lo+1), fetchQueue)
		for h := lo; h <= hi; h++ {
			fetched = append(fetched, h)
		}
	}

	err := bisect(context.Background(), 1, 100, fetchQueue, countFn, fetchFn)
	require.NoError(t, err)
	require.Len(t, fetched, 100)
}
