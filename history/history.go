// Package history joins every target's change log with the cached item text
// into the rows shown on the history page.
package history

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"modwatch/detect"
	"modwatch/pkg/modwatch"
)

// Source is one target's recorded state.
type Source struct {
	Target modwatch.Target
	State  detect.State
}

// Row is one recorded change.
type Row struct {
	ID        string
	Target    string
	Action    string
	SeenCount int
	Kind      string // "comment" or "post"
	Text      string
	Link      string
	Observed  time.Time
	// ObservedAgo is the observed time relative to now, e.g. "3 hours ago".
	ObservedAgo string
	// TimeToAction is the time between the item's creation and the observed
	// change, or "n/a" when the item is not cached.
	TimeToAction string
}

// Seen renders the seen count column.
func (r Row) Seen() string {
	if r.SeenCount == 0 {
		return ""
	}
	return fmt.Sprintf("seen %dx", r.SeenCount)
}

// Build returns the rows for all sources, newest first.
func Build(sources []Source, now time.Time) []Row {
	var rows []Row
	for _, src := range sources {
		for _, c := range src.State.Changes {
			rows = append(rows, row(src.Target, c, src.State.Cache, now))
		}
	}
	slices.SortStableFunc(rows, func(a, b Row) int {
		if n := b.Observed.Compare(a.Observed); n != 0 {
			return n
		}
		if n := strings.Compare(a.Target, b.Target); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return rows
}

func row(t modwatch.Target, c modwatch.Change, cache map[string]modwatch.CachedItem, now time.Time) Row {
	observed := time.Unix(c.Observed, 0)
	r := Row{
		ID:           c.ID,
		Target:       t.String(),
		Action:       c.Type.String(),
		SeenCount:    c.SeenCount,
		Kind:         "post",
		Text:         c.ID,
		Observed:     observed,
		ObservedAgo:  humanize.RelTime(observed, now, "ago", "from now"),
		TimeToAction: "n/a",
	}
	if modwatch.IsComment(c.ID) {
		r.Kind = "comment"
	}

	item, ok := cache[c.ID]
	if !ok {
		r.Link = modwatch.ItemURL(c.ID, "")
		return r
	}
	if item.Text != "" {
		r.Text = item.Text
	}
	r.Link = modwatch.ItemURL(c.ID, item.PostID)
	if item.Created > 0 {
		r.TimeToAction = strings.TrimSpace(humanize.RelTime(time.Unix(item.Created, 0), observed, "", ""))
	}
	return r
}
