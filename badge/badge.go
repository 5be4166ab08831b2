// Package badge counts unseen changes for the toolbar-style badge.
package badge

import (
	"maps"
	"slices"
	"strconv"

	"modwatch/detect"
	"modwatch/pkg/modwatch"
)

// UnseenIDs returns the ids of a target with at least one unseen record in a
// tracked dimension, sorted.
func UnseenIDs(st detect.State, opts modwatch.Options) []string {
	var hashes []map[string]modwatch.ItemState
	if opts.RemovalStatus.Track {
		hashes = append(hashes, st.Removed, st.Approved)
	}
	if opts.LockStatus.Track {
		hashes = append(hashes, st.Locked, st.Unlocked)
	}

	ids := map[string]struct{}{}
	for _, h := range hashes {
		for id, s := range h {
			if s.Unseen {
				ids[id] = struct{}{}
			}
		}
	}
	return slices.Sorted(maps.Keys(ids))
}

// Count sums the unseen ids over all targets. An id counts once per target
// even when it changed in both dimensions.
func Count(states []detect.State, opts modwatch.Options) int {
	n := 0
	for _, st := range states {
		n += len(UnseenIDs(st, opts))
	}
	return n
}

// Text renders a count as badge text; zero hides the badge.
func Text(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}
