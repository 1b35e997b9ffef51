package orchestrator

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/buildtrace/core/internal/domain"
)

func pr(idx int, name string) *domain.PageResult {
	n := name
	return &domain.PageResult{PageIndex: idx, DrawingName: &n}
}

func sortedPairs(ps []MatchedPair) []MatchedPair {
	out := append([]MatchedPair(nil), ps...)
	sort.Slice(out, func(i, j int) bool { return out[i].DrawingName < out[j].DrawingName })
	return out
}

func TestResolvePairs_MatchesByDrawingName(t *testing.T) {
	old := []*domain.PageResult{pr(0, "A-101"), pr(1, "A-102")}
	new_ := []*domain.PageResult{pr(0, "A-101"), pr(1, "A-103")}

	result := ResolvePairs(old, new_, nil)

	require.Len(t, result.Matched, 1)
	require.Equal(t, MatchedPair{DrawingName: "A-101", OldPageIndex: 0, NewPageIndex: 0}, result.Matched[0])
	require.Equal(t, []int{1}, result.UnmatchedOld)
	require.Equal(t, []int{1}, result.UnmatchedNew)
}

func TestResolvePairs_ZeroMatches(t *testing.T) {
	old := []*domain.PageResult{pr(0, "X-1")}
	new_ := []*domain.PageResult{pr(0, "Y-1")}

	result := ResolvePairs(old, new_, nil)
	require.Empty(t, result.Matched)
	require.Equal(t, []int{0}, result.UnmatchedOld)
	require.Equal(t, []int{0}, result.UnmatchedNew)
}

// ties on drawing_name within one side are broken by lowest
// page_index; the higher-indexed duplicate is dropped (and reported
// unmatched), never silently merged into the match.
func TestResolvePairs_TieBreakKeepsLowestPageIndex(t *testing.T) {
	old := []*domain.PageResult{pr(0, "A-101"), pr(5, "A-101")}
	new_ := []*domain.PageResult{pr(2, "A-101")}

	result := ResolvePairs(old, new_, nil)

	require.Len(t, result.Matched, 1)
	require.Equal(t, 0, result.Matched[0].OldPageIndex)
	require.Equal(t, []int{5}, result.UnmatchedOld)
}

func TestResolvePairs_NilDrawingNameNeverMatches(t *testing.T) {
	old := []*domain.PageResult{{PageIndex: 0, DrawingName: nil}}
	new_ := []*domain.PageResult{{PageIndex: 0, DrawingName: nil}}

	result := ResolvePairs(old, new_, nil)
	require.Empty(t, result.Matched)
	require.Equal(t, []int{0}, result.UnmatchedOld)
	require.Equal(t, []int{0}, result.UnmatchedNew)
}

// Given two OCR runs whose (drawing_name, page_index) sets are
// permutations of each other, the set of matched pairs produced is
// identical regardless of input order.
func TestResolvePairs_OrderIndependence(t *testing.T) {
	names := []string{"A-101", "A-102", "A-103", "A-104", "A-105"}

	base := make([]*domain.PageResult, len(names))
	for i, n := range names {
		base[i] = pr(i, n)
	}

	shuffled := append([]*domain.PageResult(nil), base...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	want := sortedPairs(ResolvePairs(base, base, nil).Matched)
	got := sortedPairs(ResolvePairs(shuffled, shuffled, nil).Matched)
	require.Equal(t, want, got)
}
