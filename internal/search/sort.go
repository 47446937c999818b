package search

import (
	"sort"

	"github.com/qpick/availability/backend/internal/scoring"
)

// resolveSortMode turns SortAuto into a concrete mode: rank when any store has
// live reports and any store ranks mid or higher.
func resolveSortMode(requested SortMode, stores []StoreResult) SortMode {
	if requested != SortAuto {
		if requested == "" {
			return SortDistance
		}
		return requested
	}
	hasData, hasSignal := false, false
	for _, store := range stores {
		if store.Score.Total > 0 {
			hasData = true
		}
		if store.Score.Rank >= scoring.RankMid {
			hasSignal = true
		}
	}
	if hasData && hasSignal {
		return SortRank
	}
	return SortDistance
}

func sortStores(stores []StoreResult, mode SortMode) {
	switch mode {
	case SortRank:
		scoring.SortByRank(stores)
	default:
		sort.SliceStable(stores, func(i, j int) bool {
			return stores[i].DistanceMeters < stores[j].DistanceMeters
		})
	}
}
