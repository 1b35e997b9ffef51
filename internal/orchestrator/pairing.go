package orchestrator

import (
	"sort"

	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/platform/logger"
)

// MatchedPair is one (drawing_name, old_page_index, new_page_index) triple
// produced by the Pairing Resolver.
type MatchedPair struct {
	DrawingName  string
	OldPageIndex int
	NewPageIndex int
}

// PairingResult is the full output of resolving two OCR page sets: the
// matched pairs, ordered by old page index, plus the pages on either side that found no
// counterpart (reported in job output metadata, never failing the job).
type PairingResult struct {
	Matched      []MatchedPair
	UnmatchedOld []int
	UnmatchedNew []int
}

// ResolvePairs builds drawing_name -> page_index maps from both OCR page
// result sets and intersects them. Ties on drawing_name within one side are
// broken by lowest page_index; all other occurrences are dropped with a
// warning.
func ResolvePairs(oldResults, newResults []*domain.PageResult, log *logger.Logger) PairingResult {
	oldByName := firstByName(oldResults, log, "old")
	newByName := firstByName(newResults, log, "new")

	matchedOldIdx := make(map[int]bool)
	matchedNewIdx := make(map[int]bool)

	var out PairingResult
	for name, oldIdx := range oldByName {
		newIdx, ok := newByName[name]
		if !ok {
			continue
		}
		out.Matched = append(out.Matched, MatchedPair{
			DrawingName:  name,
			OldPageIndex: oldIdx,
			NewPageIndex: newIdx,
		})
		matchedOldIdx[oldIdx] = true
		matchedNewIdx[newIdx] = true
	}
	sort.Slice(out.Matched, func(i, j int) bool {
		return out.Matched[i].OldPageIndex < out.Matched[j].OldPageIndex
	})

	for _, r := range oldResults {
		if !matchedOldIdx[r.PageIndex] {
			out.UnmatchedOld = append(out.UnmatchedOld, r.PageIndex)
		}
	}
	for _, r := range newResults {
		if !matchedNewIdx[r.PageIndex] {
			out.UnmatchedNew = append(out.UnmatchedNew, r.PageIndex)
		}
	}
	return out
}

// firstByName collapses a PageResult set into drawing_name -> lowest
// page_index, logging a warning for every name occurring more than once.
func firstByName(results []*domain.PageResult, log *logger.Logger, side string) map[string]int {
	byName := make(map[string]int)
	for _, r := range results {
		if r.DrawingName == nil || *r.DrawingName == "" {
			continue
		}
		name := *r.DrawingName
		existing, seen := byName[name]
		if !seen {
			byName[name] = r.PageIndex
			continue
		}
		if r.PageIndex < existing {
			if log != nil {
				log.Warn("pairing: duplicate drawing_name, dropping higher page_index",
					"side", side, "drawing_name", name, "kept_page_index", r.PageIndex, "dropped_page_index", existing)
			}
			byName[name] = r.PageIndex
		} else if log != nil {
			log.Warn("pairing: duplicate drawing_name, dropping higher page_index",
				"side", side, "drawing_name", name, "kept_page_index", existing, "dropped_page_index", r.PageIndex)
		}
	}
	return byName
}
