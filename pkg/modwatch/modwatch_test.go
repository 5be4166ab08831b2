package modwatch

import (
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestChangeTypeString(t *testing.T) {
	tests := []struct {
		ct   ChangeType
		want string
	}{
		{Removed, "mod removed"},
		{Approved, "approved"},
		{Locked, "locked"},
		{Unlocked, "unlocked"},
		{Edited, "edited"},
		{Deleted, "user deleted"},
		{ChangeType(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.ct.String(); got != tt.want {
			t.Errorf("ChangeType(%d).String() = %q, want %q", tt.ct, got, tt.want)
		}
	}
}

func TestReformatText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"entities", "a &amp; b &gt; c &lt; d", "a & b > c < d"},
		{"whitespace", "  one\n\ntwo\tthree  ", "one two three"},
		{"truncates", strings.Repeat("x", 400), strings.Repeat("x", 300)},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReformatText(tt.input); got != tt.want {
				t.Errorf("ReformatText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewCachedItem(t *testing.T) {
	comment := &Item{Name: "t1_abc", Body: "hello &amp; bye", LinkID: "t3_post", Created: 100}
	got := NewCachedItem(comment, 500)
	want := CachedItem{Text: "hello & bye", Observed: 500, Created: 100, PostID: "t3_post"}
	if got != want {
		t.Errorf("NewCachedItem(comment) = %+v, want %+v", got, want)
	}

	post := &Item{Name: "t3_xyz", Title: "A title", Body: "ignored", Created: 7}
	got = NewCachedItem(post, 9)
	want = CachedItem{Text: "A title", Observed: 9, Created: 7, PostID: "t3_xyz"}
	if got != want {
		t.Errorf("NewCachedItem(post) = %+v, want %+v", got, want)
	}
}

func TestTrimStatesKeepsNewestByCreated(t *testing.T) {
	m := map[string]ItemState{}
	for i := range 140 {
		m[fmt.Sprintf("t1_%03d", i)] = ItemState{Created: int64(i)}
	}
	got := TrimStates(m, MaxStatesPerObject)
	if len(got) != MaxStatesPerObject {
		t.Fatalf("TrimStates() len = %d, want %d", len(got), MaxStatesPerObject)
	}
	for i := range 10 {
		if _, ok := got[fmt.Sprintf("t1_%03d", i)]; ok {
			t.Errorf("TrimStates() kept oldest entry %d", i)
		}
	}
	if _, ok := got["t1_139"]; !ok {
		t.Error("TrimStates() dropped newest entry")
	}
}

func TestTrimChangesDropsFromFront(t *testing.T) {
	var changes []Change
	for i := range 105 {
		// Observed runs backwards so a timestamp sort would keep the wrong end.
		changes = append(changes, Change{ID: fmt.Sprint(i), Observed: int64(1000 - i)})
	}
	got := TrimChanges(changes, MaxChanges)
	if len(got) != MaxChanges {
		t.Fatalf("TrimChanges() len = %d, want %d", len(got), MaxChanges)
	}
	if got[0].ID != "5" || got[len(got)-1].ID != "104" {
		t.Errorf("TrimChanges() kept [%s..%s], want [5..104]", got[0].ID, got[len(got)-1].ID)
	}
}

func TestTrimSubscriptionsEvictsLeastRecent(t *testing.T) {
	m := map[string]Subscription{}
	for i := range 101 {
		m[fmt.Sprintf("t3_%03d", i)] = Subscription{T: int64(1000 + i)}
	}
	got := TrimSubscriptions(m, MaxOtherSubscriptions)
	if len(got) != MaxOtherSubscriptions {
		t.Fatalf("TrimSubscriptions() len = %d, want %d", len(got), MaxOtherSubscriptions)
	}
	if _, ok := got["t3_000"]; ok {
		t.Error("TrimSubscriptions() kept the least recently subscribed id")
	}
}

func TestTrimProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		created := rapid.SliceOfN(rapid.Int64Range(0, 1_000), 0, 300).Draw(t, "created")
		limit := rapid.IntRange(1, 200).Draw(t, "limit")

		m := make(map[string]ItemState, len(created))
		for i, c := range created {
			m[fmt.Sprint(i)] = ItemState{Created: c}
		}
		got := TrimStates(m, limit)
		if len(got) > limit {
			t.Fatalf("len = %d exceeds limit %d", len(got), limit)
		}
		if len(m) <= limit && len(got) != len(m) {
			t.Fatalf("trimmed %d entries under the limit", len(m)-len(got))
		}
		// Every kept entry is at least as new as every dropped one.
		var minKept int64 = 1 << 62
		for _, s := range got {
			minKept = min(minKept, s.Created)
		}
		for k, s := range m {
			if _, ok := got[k]; !ok && s.Created > minKept {
				t.Fatalf("dropped %s (created %d) while keeping created %d", k, s.Created, minKept)
			}
		}
	})
}

func TestValidIdentifiers(t *testing.T) {
	ids := map[string]bool{
		"t1_abc123": true,
		"t3_xyz":    true,
		"t2_abc":    false,
		"t3_":       false,
		"t3_ABC":    false,
		"../etc":    false,
	}
	for id, want := range ids {
		if got := ValidThingID(id); got != want {
			t.Errorf("ValidThingID(%q) = %v, want %v", id, got, want)
		}
	}
	users := map[string]bool{
		"rhaksw":    true,
		"Some-User": true,
		"":          false,
		"a/b":       false,
		"u_":        true,
	}
	for u, want := range users {
		if got := ValidUsername(u); got != want {
			t.Errorf("ValidUsername(%q) = %v, want %v", u, got, want)
		}
	}
}

func TestLinks(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"post", ItemURL("t3_abc", ""), "https://www.reddit.com/comments/abc"},
		{"comment in context", ItemURL("t1_def", "t3_abc"), "https://www.reddit.com/comments/abc/-/def?context=3"},
		{"comment without post", ItemURL("t1_def", ""), "https://www.reddit.com/api/info?id=t1_def"},
		{"user without unseen", TargetURL(UserTarget("alice"), nil), "https://www.reveddit.com/user/alice"},
		{"user with unseen", TargetURL(UserTarget("alice"), []string{"t1_a", "t3_b"}), "https://www.reveddit.com/user/alice?removal_status=all&show=t1_a%2Ct3_b"},
		{"other", TargetURL(OtherTarget, []string{"t1_a"}), "https://www.reveddit.com/info?id=t1_a&removal_status=all"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}

	if SubscribedFromURL("https://www.reveddit.com/user/alice") != FromMirror {
		t.Error("mirror URL not classified as mirror")
	}
	if SubscribedFromURL("https://www.reddit.com/r/golang/comments/abc") != FromSource {
		t.Error("source URL not classified as source")
	}
	if SubscribedFromURL("") != FromNA {
		t.Error("missing URL not classified as not applicable")
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{"other", OtherTarget, false},
		{"u/alice", UserTarget("alice"), false},
		{"u/", Target{}, true},
		{"alice", Target{}, true},
		{"u/../x", Target{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTarget(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTarget(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if !tt.wantErr && got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{"defaults", func(*Options) {}, false},
		{"zero interval", func(o *Options) { o.Interval = 0 }, true},
		{"zero seen count", func(o *Options) { o.SeenCount = 0 }, true},
		{"long interval", func(o *Options) { o.Interval = 60 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.mutate(&o)
			if err := o.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
