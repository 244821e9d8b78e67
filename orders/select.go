package orders

import (
	"slices"

	"github.com/querygate/querygate/common"
)

// FallbackOrderCount is how many of the highest indexed orders are served when none is fresh enough.
const FallbackOrderCount = 3

// FilterFresh keeps the orders within blockGap of both their own target height and the best target height
// reported by any candidate. When none qualifies it returns the FallbackOrderCount orders with the highest
// last height instead, and reports fallback. Nil candidates and candidates without metadata never qualify.
func FilterFresh(candidates []*common.Order, blockGap int64) (selected []common.Order, fallback bool) {
	eligible := make([]*common.Order, 0, len(candidates))
	var topTarget int64
	for _, o := range candidates {
		if o == nil || o.Metadata.IsEmpty() {
			continue
		}
		eligible = append(eligible, o)
		topTarget = max(topTarget, o.Metadata.TargetHeight)
	}

	selected = make([]common.Order, 0, len(eligible))
	for _, o := range eligible {
		if IsFresh(o.Metadata, topTarget, blockGap) {
			selected = append(selected, *o)
		}
	}
	if len(selected) > 0 || len(eligible) == 0 {
		return selected, false
	}

	ranked := slices.Clone(eligible)
	slices.SortStableFunc(ranked, func(a, b *common.Order) int {
		la, lb := a.Metadata.EffectiveLastHeight(), b.Metadata.EffectiveLastHeight()
		switch {
		case la > lb:
			return -1
		case la < lb:
			return 1
		}
		return 0
	})
	for _, o := range ranked[:min(FallbackOrderCount, len(ranked))] {
		selected = append(selected, *o)
	}
	return selected, true
}

// IsFresh requires known heights, a lag behind the indexer's own target under blockGap, and a lag behind the
// network's best known target under 1.5 blockGap.
func IsFresh(md *common.IndexingMetadata, topTarget, blockGap int64) bool {
	last := md.EffectiveLastHeight()
	if md.TargetHeight == 0 || last == 0 {
		return false
	}
	return md.TargetHeight-last < blockGap && float64(topTarget-last) < float64(blockGap)*1.5
}
