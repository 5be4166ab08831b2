// Package modwatch contains the core domain types for the moderation watch service.
package modwatch

import (
	"fmt"
	"regexp"
	"strings"
)

// Storage limits. These mirror the sync and local storage quotas the state
// layout was designed around.
const (
	MaxUserSubscriptions  = 5
	MaxOtherSubscriptions = 100
	MaxStatesPerObject    = 130
	MaxChanges            = 100
	MaxCachedItems        = 500
)

// Defaults for user options.
const (
	DefaultInterval  = 1 // minutes
	DefaultSeenCount = 2
)

// ChangeType classifies a recorded change. Values are persisted; do not renumber.
type ChangeType int

// Change types.
const (
	Removed  ChangeType = 1
	Approved ChangeType = 2
	Locked   ChangeType = 3
	Unlocked ChangeType = 4
	Edited   ChangeType = 5
	Deleted  ChangeType = 6
)

// String returns the label shown in notifications and history.
func (c ChangeType) String() string {
	switch c {
	case Removed:
		return "mod removed"
	case Approved:
		return "approved"
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	case Edited:
		return "edited"
	case Deleted:
		return "user deleted"
	}
	return "unknown"
}

// SubscribedFrom records where a subscription was made, which decides
// whether the state observed at subscribe time counts as already seen.
type SubscribedFrom int

// Subscription sources.
const (
	FromSource SubscribedFrom = iota // the content platform itself
	FromMirror                       // the mirror site that renders moderation state
	FromNA                           // scheduled polls
)

// Target is a subscription target: one username, or the flat set of
// individually subscribed ids ("other").
type Target struct {
	Name   string
	IsUser bool
}

// OtherTarget holds every individually subscribed post or comment.
var OtherTarget = Target{Name: "other"}

// UserTarget returns the target for a username.
func UserTarget(user string) Target {
	return Target{Name: user, IsUser: true}
}

func (t Target) String() string {
	if t.IsUser {
		return "u/" + t.Name
	}
	return t.Name
}

// ParseTarget parses the String form of a target: "u/<name>" or "other".
func ParseTarget(s string) (Target, error) {
	if s == OtherTarget.Name {
		return OtherTarget, nil
	}
	if name, ok := strings.CutPrefix(s, "u/"); ok && ValidUsername(name) {
		return UserTarget(name), nil
	}
	return Target{}, fmt.Errorf("invalid target %q", s)
}

var (
	thingIDPattern  = regexp.MustCompile(`^t[13]_[a-z0-9]{1,13}$`)
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
)

// ValidThingID reports whether id is a post (t3_) or comment (t1_) fullname.
func ValidThingID(id string) bool {
	return thingIDPattern.MatchString(id)
}

// ValidUsername reports whether user is a plausible account name.
func ValidUsername(user string) bool {
	return usernamePattern.MatchString(user)
}

// Item is the canonical upstream item. Every fetcher variant normalizes into it.
type Item struct {
	Name              string `json:"name"`
	Author            string `json:"author"`
	Body              string `json:"body,omitempty"`
	Title             string `json:"title,omitempty"`
	Subreddit         string `json:"subreddit,omitempty"`
	LinkID            string `json:"link_id,omitempty"`
	RemovedByCategory string `json:"removed_by_category,omitempty"`
	RemovalReason     string `json:"removal_reason,omitempty"`
	Created           int64  `json:"created_utc"`
	Locked            bool   `json:"locked"`
	RobotIndexable    bool   `json:"is_robot_indexable"`
	Quarantine        bool   `json:"quarantine"`
}

// IsComment reports whether name is a comment fullname.
func IsComment(name string) bool {
	return strings.HasPrefix(name, "t1")
}

// IsComment reports whether the item is a comment.
func (i *Item) IsComment() bool {
	return IsComment(i.Name)
}

// PostID returns the parent post fullname for comments, or the item's own name for posts.
func (i *Item) PostID() string {
	if i.IsComment() {
		return i.LinkID
	}
	return i.Name
}

// ItemState is the compact per-id record kept in a known-state dictionary.
type ItemState struct {
	Created int64  `json:"c"`
	Unseen  bool   `json:"u"`
	PostID  string `json:"p,omitempty"`
}

// Change is one entry of the append-only change log.
type Change struct {
	ID        string     `json:"i"`
	Observed  int64      `json:"o"`
	Type      ChangeType `json:"g"`
	SeenCount int        `json:"s,omitempty"`
}

// CachedItem is the locally cached snapshot of an item's text. SeenCount and
// LockSeenCount count consecutive normal observations while a reversal of the
// removal or lock dimension is pending.
type CachedItem struct {
	Text          string `json:"t"`
	Observed      int64  `json:"o"`
	Created       int64  `json:"c"`
	SeenCount     int    `json:"s,omitempty"`
	LockSeenCount int    `json:"l,omitempty"`
	PostID        string `json:"p,omitempty"`
}

const maxTextLength = 300

// NewCachedItem snapshots an item observed at now.
func NewCachedItem(item *Item, now int64) CachedItem {
	text := item.Title
	if item.IsComment() {
		text = ReformatText(item.Body)
	}
	return CachedItem{
		Text:     text,
		Observed: now,
		Created:  item.Created,
		PostID:   item.PostID(),
	}
}

var textReplacer = strings.NewReplacer("&amp;", "&", "&gt;", ">", "&lt;", "<")

// ReformatText unescapes the entities the platform leaves in bodies,
// collapses whitespace and truncates to the cache text limit.
func ReformatText(body string) string {
	s := strings.Join(strings.Fields(textReplacer.Replace(body)), " ")
	if r := []rune(s); len(r) > maxTextLength {
		s = string(r[:maxTextLength])
	}
	return s
}

// StatusOption toggles tracking and notification for one dimension.
type StatusOption struct {
	Track  bool `json:"track" yaml:"track"`
	Notify bool `json:"notify" yaml:"notify"`
}

// Options are the user-tunable settings.
type Options struct {
	Interval           int          `json:"interval" yaml:"interval"` // minutes
	SeenCount          int          `json:"seen_count" yaml:"seen_count"`
	CustomClientID     string       `json:"custom_clientid" yaml:"custom_clientid"`
	RemovalStatus      StatusOption `json:"removal_status" yaml:"removal_status"`
	LockStatus         StatusOption `json:"lock_status" yaml:"lock_status"`
	MonitorQuarantined bool         `json:"monitor_quarantined" yaml:"monitor_quarantined"`
	HideSubscribe      bool         `json:"hide_subscribe" yaml:"hide_subscribe"`
}

// DefaultOptions returns the options written on first start.
func DefaultOptions() Options {
	return Options{
		Interval:      DefaultInterval,
		SeenCount:     DefaultSeenCount,
		RemovalStatus: StatusOption{Track: true, Notify: true},
		LockStatus:    StatusOption{Track: true, Notify: true},
	}
}

// Validate checks option ranges.
func (o *Options) Validate() error {
	if o.Interval < 1 {
		return fmt.Errorf("interval must be at least 1 minute, got %d", o.Interval)
	}
	if o.SeenCount < 1 {
		return fmt.Errorf("seen_count must be at least 1, got %d", o.SeenCount)
	}
	return nil
}

// Subscription is an "other" subscription entry.
type Subscription struct {
	T int64 `json:"t"` // subscribed at, unix seconds
}
