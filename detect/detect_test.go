package detect

import (
	"fmt"
	"slices"
	"testing"

	"modwatch/pkg/modwatch"

	"pgregory.net/rapid"
)

func approvedPost(name string, created int64) modwatch.Item {
	return modwatch.Item{Name: name, Author: "alice", Title: "title " + name, Created: created, RobotIndexable: true}
}

func removedPost(name string, created int64) modwatch.Item {
	return modwatch.Item{Name: name, Author: "alice", Title: "title " + name, Created: created}
}

func comment(name, body, author string) modwatch.Item {
	return modwatch.Item{Name: name, Author: author, Body: body, LinkID: "t3_parent", Created: 10, RobotIndexable: true}
}

func baseConfig(now int64) Config {
	return Config{
		Now:             now,
		From:            modwatch.FromNA,
		TrackRemoval:    true,
		NotifyRemoval:   true,
		TrackLock:       true,
		NotifyLock:      true,
		SeenThreshold:   2,
		RepeatThreshold: 90,
	}
}

func TestDetectSeedsFirstObservation(t *testing.T) {
	res := Detect(NewState(), []modwatch.Item{approvedPost("t3_a", 100)}, baseConfig(1000))

	if len(res.Appended) != 0 {
		t.Errorf("Detect() appended %d changes on first observation, want 0", len(res.Appended))
	}
	if res.Count != 0 || res.ShouldNotify() {
		t.Errorf("Detect() count = %d, ShouldNotify = %v, want 0/false", res.Count, res.ShouldNotify())
	}
	st, ok := res.State.Approved["t3_a"]
	if !ok || st.Unseen || st.Created != 100 {
		t.Errorf("Approved[t3_a] = %+v (present %v), want seeded seen record", st, ok)
	}
	if _, ok := res.State.Removed["t3_a"]; ok {
		t.Error("Removed[t3_a] present after approved observation")
	}
	if _, ok := res.State.Unlocked["t3_a"]; !ok {
		t.Error("Unlocked[t3_a] not seeded")
	}
	if _, ok := res.CacheUpdates["t3_a"]; !ok {
		t.Error("cache not seeded for non-user item")
	}
}

func TestDetectApprovedToRemoved(t *testing.T) {
	prior := NewState()
	prior.Approved["t3_a"] = modwatch.ItemState{Created: 100}

	res := Detect(prior, []modwatch.Item{removedPost("t3_a", 100)}, baseConfig(2000))

	want := []modwatch.Change{{ID: "t3_a", Observed: 2000, Type: modwatch.Removed}}
	if !slices.Equal(res.Appended, want) {
		t.Errorf("Appended = %+v, want %+v", res.Appended, want)
	}
	if st := res.State.Removed["t3_a"]; !st.Unseen {
		t.Errorf("Removed[t3_a] = %+v, want unseen", st)
	}
	if _, ok := res.State.Approved["t3_a"]; ok {
		t.Error("Approved[t3_a] not cleared")
	}
	if res.Count != 1 || !slices.Equal(res.Labels, []string{"mod removed"}) {
		t.Errorf("Count = %d, Labels = %v, want 1, [mod removed]", res.Count, res.Labels)
	}
	if got := res.Message(); got != "1 new [mod removed] actions, click to view" {
		t.Errorf("Message() = %q", got)
	}
	// Prior must be untouched.
	if _, ok := prior.Removed["t3_a"]; ok {
		t.Error("Detect() mutated prior state")
	}
}

func TestDetectReversalDebounce(t *testing.T) {
	prior := NewState()
	prior.Removed["t3_y"] = modwatch.ItemState{Created: 100}
	prior.Cache["t3_y"] = modwatch.CachedItem{Text: "original", Observed: 50, Created: 100}
	items := []modwatch.Item{approvedPost("t3_y", 100)}

	first := Detect(prior, items, baseConfig(1000))
	if len(first.Appended) != 0 {
		t.Fatalf("first poll appended %+v, want none", first.Appended)
	}
	if _, ok := first.State.Removed["t3_y"]; !ok {
		t.Fatal("first poll migrated the hash before threshold")
	}
	if got := first.State.Cache["t3_y"].SeenCount; got != 1 {
		t.Errorf("first poll SeenCount = %d, want 1", got)
	}

	second := Detect(first.State, items, baseConfig(2000))
	want := []modwatch.Change{{ID: "t3_y", Observed: 2000, Type: modwatch.Approved, SeenCount: 2}}
	if !slices.Equal(second.Appended, want) {
		t.Fatalf("second poll Appended = %+v, want %+v", second.Appended, want)
	}
	if _, ok := second.State.Removed["t3_y"]; ok {
		t.Error("Removed[t3_y] still present after reversal")
	}
	if st := second.State.Approved["t3_y"]; !st.Unseen {
		t.Errorf("Approved[t3_y] = %+v, want unseen", st)
	}
	if got := second.State.Cache["t3_y"].SeenCount; got != 0 {
		t.Errorf("SeenCount after commit = %d, want 0", got)
	}
	if !slices.Equal(second.Labels, []string{"approved"}) {
		t.Errorf("Labels = %v, want [approved]", second.Labels)
	}
}

func TestDetectAlertObservationResetsSeenCount(t *testing.T) {
	prior := NewState()
	prior.Removed["t3_y"] = modwatch.ItemState{Created: 100}
	prior.Cache["t3_y"] = modwatch.CachedItem{Text: "original", SeenCount: 1}

	res := Detect(prior, []modwatch.Item{removedPost("t3_y", 100)}, baseConfig(1000))
	if got := res.State.Cache["t3_y"].SeenCount; got != 0 {
		t.Errorf("SeenCount = %d, want 0 after alert observation", got)
	}
	if len(res.Appended) != 0 {
		t.Errorf("Appended = %+v, want none for already-known alert", res.Appended)
	}

	next := Detect(res.State, []modwatch.Item{approvedPost("t3_y", 100)}, baseConfig(2000))
	if len(next.Appended) != 0 {
		t.Errorf("reversal committed after one normal observation: %+v", next.Appended)
	}
}

func TestDetectRepeatThreshold(t *testing.T) {
	prior := NewState()
	prior.Removed["t3_y"] = modwatch.ItemState{Created: 100}
	prior.Changes = []modwatch.Change{{ID: "t3_y", Observed: 10, Type: modwatch.Approved}}
	items := []modwatch.Item{approvedPost("t3_y", 100)}

	cfg := baseConfig(1000)
	cfg.RepeatThreshold = 3

	state := prior
	for poll := 1; poll <= 3; poll++ {
		res := Detect(state, items, cfg)
		committed := len(res.Appended) == 1
		if want := poll == 3; committed != want {
			t.Fatalf("poll %d committed = %v, want %v", poll, committed, want)
		}
		state = res.State
	}
}

func TestDetectRepeatThresholdNeverBelowSeenThreshold(t *testing.T) {
	prior := NewState()
	prior.Removed["t3_y"] = modwatch.ItemState{Created: 100}
	prior.Changes = []modwatch.Change{{ID: "t3_y", Type: modwatch.Approved}}

	cfg := baseConfig(1000)
	cfg.RepeatThreshold = 0

	res := Detect(prior, []modwatch.Item{approvedPost("t3_y", 100)}, cfg)
	if len(res.Appended) != 0 {
		t.Errorf("committed with repeat threshold below seen threshold: %+v", res.Appended)
	}
}

func TestDetectUnseenRule(t *testing.T) {
	locked := approvedPost("t3_l", 1)
	locked.Locked = true

	tests := []struct {
		name       string
		from       modwatch.SubscribedFrom
		item       modwatch.Item
		hash       func(State) map[string]modwatch.ItemState
		wantUnseen bool
	}{
		{"scheduled removal", modwatch.FromNA, removedPost("t3_r", 1), func(s State) map[string]modwatch.ItemState { return s.Removed }, true},
		{"source removal", modwatch.FromSource, removedPost("t3_r", 1), func(s State) map[string]modwatch.ItemState { return s.Removed }, true},
		{"source lock", modwatch.FromSource, locked, func(s State) map[string]modwatch.ItemState { return s.Locked }, false},
		{"mirror removal", modwatch.FromMirror, removedPost("t3_r", 1), func(s State) map[string]modwatch.ItemState { return s.Removed }, false},
		{"mirror lock", modwatch.FromMirror, locked, func(s State) map[string]modwatch.ItemState { return s.Locked }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(1000)
			cfg.From = tt.from
			res := Detect(NewState(), []modwatch.Item{tt.item}, cfg)

			st, ok := tt.hash(res.State)[tt.item.Name]
			if !ok {
				t.Fatalf("no alert record for %s", tt.item.Name)
			}
			if st.Unseen != tt.wantUnseen {
				t.Errorf("Unseen = %v, want %v", st.Unseen, tt.wantUnseen)
			}
			if got := len(res.Appended) > 0; got != tt.wantUnseen {
				t.Errorf("change appended = %v, want %v", got, tt.wantUnseen)
			}
			if tt.wantUnseen != res.ShouldNotify() {
				t.Errorf("ShouldNotify() = %v, want %v", res.ShouldNotify(), tt.wantUnseen)
			}
		})
	}
}

func TestDetectUserDeleted(t *testing.T) {
	items := []modwatch.Item{
		comment("t1_del", "[deleted]", "[deleted]"),
		comment("t1_rem", `\[removed\]`, "[deleted]"),
	}
	res := Detect(NewState(), items, baseConfig(1000))

	got := map[string]modwatch.ChangeType{}
	for _, c := range res.Appended {
		got[c.ID] = c.Type
	}
	if got["t1_del"] != modwatch.Deleted || got["t1_rem"] != modwatch.Removed {
		t.Errorf("change types = %v, want t1_del deleted, t1_rem removed", got)
	}
	if !slices.Equal(res.Labels, []string{"mod removed", "user deleted"}) {
		t.Errorf("Labels = %v", res.Labels)
	}
	if res.Count != 2 {
		t.Errorf("Count = %d, want 2", res.Count)
	}
}

func TestDetectKeepsOriginalTextForRemovedItems(t *testing.T) {
	prior := NewState()
	prior.Approved["t1_c"] = modwatch.ItemState{Created: 10}
	prior.Locked["t1_c"] = modwatch.ItemState{Created: 10}
	prior.Cache["t1_c"] = modwatch.CachedItem{Text: "genuine text", Observed: 5, Created: 10}

	// Removed and unlocked in the same poll: the unlock commit must not
	// overwrite the cached text with the redacted body.
	removed := comment("t1_c", "[removed]", "[deleted]")
	cfg := baseConfig(1000)
	cfg.SeenThreshold = 1
	res := Detect(prior, []modwatch.Item{removed}, cfg)

	if got := res.State.Cache["t1_c"].Text; got != "genuine text" {
		t.Errorf("cached text = %q, want genuine text", got)
	}
	if len(res.Appended) != 2 {
		t.Errorf("Appended = %+v, want removed and unlocked", res.Appended)
	}
}

func TestDetectUserTargetCachesOnlyOnTransition(t *testing.T) {
	cfg := baseConfig(1000)
	cfg.IsUser = true

	res := Detect(NewState(), []modwatch.Item{approvedPost("t3_a", 1)}, cfg)
	if len(res.CacheUpdates) != 0 {
		t.Errorf("user target cached on first observation: %v", res.CacheUpdates)
	}

	res = Detect(res.State, []modwatch.Item{removedPost("t3_a", 1)}, cfg)
	c, ok := res.CacheUpdates["t3_a"]
	if !ok || c.Text != "title t3_a" {
		t.Errorf("CacheUpdates[t3_a] = %+v (present %v), want snapshot on transition", c, ok)
	}
}

func TestDetectNotifyAndTrackToggles(t *testing.T) {
	prior := NewState()
	prior.Approved["t3_a"] = modwatch.ItemState{Created: 1}
	prior.Unlocked["t3_a"] = modwatch.ItemState{Created: 1}
	item := removedPost("t3_a", 1)
	item.Locked = true

	cfg := baseConfig(1000)
	cfg.NotifyRemoval = false
	cfg.TrackLock = false
	res := Detect(prior, []modwatch.Item{item}, cfg)

	if res.Count != 1 {
		t.Errorf("Count = %d, want 1", res.Count)
	}
	if len(res.Labels) != 0 || res.ShouldNotify() {
		t.Errorf("Labels = %v, ShouldNotify = %v, want none with notify off", res.Labels, res.ShouldNotify())
	}
	if _, ok := res.State.Locked["t3_a"]; ok {
		t.Error("lock dimension evaluated while not tracked")
	}
}

func TestDetectLeavesMissingItemsAlone(t *testing.T) {
	prior := NewState()
	prior.Removed["t3_gone"] = modwatch.ItemState{Created: 1, Unseen: true}

	res := Detect(prior, []modwatch.Item{approvedPost("t3_other", 2)}, baseConfig(1000))
	if st, ok := res.State.Removed["t3_gone"]; !ok || !st.Unseen {
		t.Errorf("Removed[t3_gone] = %+v (present %v), want untouched", st, ok)
	}
}

func TestDetectExistingNormalRecordKeepsUnseen(t *testing.T) {
	prior := NewState()
	prior.Approved["t3_a"] = modwatch.ItemState{Created: 1, Unseen: true}

	res := Detect(prior, []modwatch.Item{approvedPost("t3_a", 1)}, baseConfig(1000))
	if !res.State.Approved["t3_a"].Unseen {
		t.Error("re-observing a normal item cleared its unseen flag")
	}
}

func TestDetectTrimsChangeLog(t *testing.T) {
	prior := NewState()
	for i := range modwatch.MaxChanges {
		prior.Changes = append(prior.Changes, modwatch.Change{ID: fmt.Sprintf("old%d", i), Observed: int64(i)})
	}
	prior.Approved["t3_a"] = modwatch.ItemState{Created: 1}

	res := Detect(prior, []modwatch.Item{removedPost("t3_a", 1)}, baseConfig(5000))
	if len(res.State.Changes) != modwatch.MaxChanges {
		t.Fatalf("len(Changes) = %d, want %d", len(res.State.Changes), modwatch.MaxChanges)
	}
	if res.State.Changes[0].ID != "old1" || res.State.Changes[modwatch.MaxChanges-1].ID != "t3_a" {
		t.Errorf("trim kept %s..%s, want old1..t3_a", res.State.Changes[0].ID, res.State.Changes[modwatch.MaxChanges-1].ID)
	}
}

func TestIsRemovedAndUserDeleted(t *testing.T) {
	tests := []struct {
		name        string
		item        modwatch.Item
		removed     bool
		userDeleted bool
	}{
		{"live comment", comment("t1_a", "hi", "bob"), false, false},
		{"mod removed comment", comment("t1_a", "[removed]", "[deleted]"), true, false},
		{"user deleted comment", comment("t1_a", "[deleted]", "[deleted]"), true, true},
		{"body marker only", comment("t1_a", "[removed]", "bob"), false, false},
		{"live post", approvedPost("t3_a", 1), false, false},
		{"removed post", removedPost("t3_a", 1), true, false},
		{"deleted post", modwatch.Item{Name: "t3_a", Author: "[deleted]"}, true, true},
		{"category moderator", modwatch.Item{Name: "t3_a", Author: "[deleted]", RobotIndexable: true, RemovedByCategory: "moderator"}, true, false},
		{"category deleted", modwatch.Item{Name: "t3_a", Author: "bob", RobotIndexable: true, RemovedByCategory: "deleted"}, true, true},
		{"legal takedown", modwatch.Item{Name: "t1_a", Body: "[deleted]", Author: "[deleted]", RemovalReason: "legal"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRemoved(&tt.item); got != tt.removed {
				t.Errorf("IsRemoved() = %v, want %v", got, tt.removed)
			}
			if got := IsUserDeleted(&tt.item); got != tt.userDeleted {
				t.Errorf("IsUserDeleted() = %v, want %v", got, tt.userDeleted)
			}
		})
	}
}

func itemGen(maxID int) *rapid.Generator[modwatch.Item] {
	return rapid.Custom(func(t *rapid.T) modwatch.Item {
		return modwatch.Item{
			Name:           fmt.Sprintf("t3_%d", rapid.IntRange(0, maxID).Draw(t, "id")),
			Author:         "alice",
			Title:          "title",
			Created:        rapid.Int64Range(0, 10_000).Draw(t, "created"),
			RobotIndexable: rapid.Bool().Draw(t, "indexable"),
			Locked:         rapid.Bool().Draw(t, "locked"),
		}
	})
}

func TestDetectBoundsProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := baseConfig(1000)
		cfg.SeenThreshold = 1
		state := NewState()
		polls := rapid.IntRange(1, 4).Draw(t, "polls")
		for p := range polls {
			batch := rapid.SliceOfN(itemGen(400), 0, 200).Draw(t, fmt.Sprintf("batch%d", p))
			cfg.Now += 60
			state = Detect(state, batch, cfg).State

			if len(state.Changes) > modwatch.MaxChanges {
				t.Fatalf("change log length %d exceeds %d", len(state.Changes), modwatch.MaxChanges)
			}
			for name, m := range map[string]map[string]modwatch.ItemState{
				"removed": state.Removed, "approved": state.Approved, "locked": state.Locked, "unlocked": state.Unlocked,
			} {
				if len(m) > modwatch.MaxStatesPerObject {
					t.Fatalf("%s has %d entries, exceeds %d", name, len(m), modwatch.MaxStatesPerObject)
				}
			}
			if len(state.Cache) > modwatch.MaxCachedItems {
				t.Fatalf("cache has %d entries, exceeds %d", len(state.Cache), modwatch.MaxCachedItems)
			}
		}
	})
}

func TestDetectIdempotentProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := baseConfig(1000)
		cfg.SeenThreshold = 1
		cfg.RepeatThreshold = 1
		cfg.From = rapid.SampledFrom([]modwatch.SubscribedFrom{modwatch.FromNA, modwatch.FromSource, modwatch.FromMirror}).Draw(t, "from")

		// Ids stay below the per-bucket cap so nothing is evicted.
		state := NewState()
		polls := rapid.IntRange(1, 4).Draw(t, "polls")
		var batch []modwatch.Item
		for p := range polls {
			batch = rapid.SliceOfN(itemGen(99), 0, 100).Draw(t, fmt.Sprintf("batch%d", p))
			cfg.Now += 60
			state = Detect(state, batch, cfg).State
		}

		// Polling the same batch again changes nothing.
		cfg.Now += 60
		again := Detect(state, batch, cfg)
		if len(again.Appended) != 0 {
			t.Fatalf("repeat poll appended %+v", again.Appended)
		}
		if again.Count != 0 {
			t.Fatalf("repeat poll count = %d", again.Count)
		}
	})
}

func TestDetectNeverSeenItemsLandInOneBucket(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		batch := rapid.SliceOfN(itemGen(99), 1, 100).Draw(t, "batch")
		res := Detect(NewState(), batch, baseConfig(1000))

		for _, item := range dedupe(batch) {
			_, inRemoved := res.State.Removed[item.Name]
			_, inApproved := res.State.Approved[item.Name]
			if inRemoved == inApproved {
				t.Fatalf("%s: removed=%v approved=%v, want exactly one", item.Name, inRemoved, inApproved)
			}
			if !IsRemoved(item) && slices.ContainsFunc(res.Appended, func(c modwatch.Change) bool {
				return c.ID == item.Name && c.Type == modwatch.Approved
			}) {
				t.Fatalf("%s: seeding recorded an approval", item.Name)
			}
		}
	})
}
