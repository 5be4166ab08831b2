package modwatch

import (
	"cmp"
	"slices"
)

// keepNewest keeps the max entries with the largest timestamps. Ties are
// broken by key so trimming is deterministic.
func keepNewest[V any](m map[string]V, maxItems int, ts func(V) int64) map[string]V {
	if len(m) <= maxItems {
		return m
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		if c := cmp.Compare(ts(m[b]), ts(m[a])); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	out := make(map[string]V, maxItems)
	for _, k := range keys[:max(maxItems, 0)] {
		out[k] = m[k]
	}
	return out
}

// TrimStates keeps the maxItems most recently created records.
func TrimStates(m map[string]ItemState, maxItems int) map[string]ItemState {
	return keepNewest(m, maxItems, func(s ItemState) int64 { return s.Created })
}

// TrimCache keeps the maxItems most recently observed cached items.
func TrimCache(m map[string]CachedItem, maxItems int) map[string]CachedItem {
	return keepNewest(m, maxItems, func(c CachedItem) int64 { return c.Observed })
}

// TrimSubscriptions keeps the maxItems most recently subscribed ids.
func TrimSubscriptions(m map[string]Subscription, maxItems int) map[string]Subscription {
	return keepNewest(m, maxItems, func(s Subscription) int64 { return s.T })
}

// TrimChanges drops the oldest appended changes beyond maxItems.
func TrimChanges(changes []Change, maxItems int) []Change {
	if len(changes) <= maxItems {
		return changes
	}
	return changes[len(changes)-maxItems:]
}
