// Package detect implements change detection: it diffs observed items against
// the previously recorded state and decides which changes to record and
// notify about.
//
// Detect is a pure function of (prior state, observed batch, config). It does
// no I/O; persisting the result and dispatching notifications is up to the caller.
package detect

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"modwatch/pkg/modwatch"
)

// Thresholds for the reversal debounce.
const (
	DefaultSeenThreshold = modwatch.DefaultSeenCount
	MinRepeatThreshold   = 60
	MaxRepeatThreshold   = 120 // exclusive
)

// Dimension is one tracked status with an alert bucket and a normal bucket.
type Dimension struct {
	Name    string
	Alert   modwatch.ChangeType
	Normal  modwatch.ChangeType
	IsAlert func(*modwatch.Item) bool
	counter func(*modwatch.CachedItem) *int
}

// Tracked dimensions.
var (
	Removal = Dimension{
		Name:    "removal",
		Alert:   modwatch.Removed,
		Normal:  modwatch.Approved,
		IsAlert: IsRemoved,
		counter: func(c *modwatch.CachedItem) *int { return &c.SeenCount },
	}
	Lock = Dimension{
		Name:    "lock",
		Alert:   modwatch.Locked,
		Normal:  modwatch.Unlocked,
		IsAlert: func(i *modwatch.Item) bool { return i.Locked },
		counter: func(c *modwatch.CachedItem) *int { return &c.LockSeenCount },
	}
)

// State is everything recorded for one subscription target.
type State struct {
	Removed  map[string]modwatch.ItemState
	Approved map[string]modwatch.ItemState
	Locked   map[string]modwatch.ItemState
	Unlocked map[string]modwatch.ItemState
	Changes  []modwatch.Change
	Cache    map[string]modwatch.CachedItem
}

// NewState returns an empty state.
func NewState() State {
	return State{
		Removed:  map[string]modwatch.ItemState{},
		Approved: map[string]modwatch.ItemState{},
		Locked:   map[string]modwatch.ItemState{},
		Unlocked: map[string]modwatch.ItemState{},
		Cache:    map[string]modwatch.CachedItem{},
	}
}

func cloneStates(m map[string]modwatch.ItemState) map[string]modwatch.ItemState {
	if m == nil {
		return map[string]modwatch.ItemState{}
	}
	return maps.Clone(m)
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := State{
		Removed:  cloneStates(s.Removed),
		Approved: cloneStates(s.Approved),
		Locked:   cloneStates(s.Locked),
		Unlocked: cloneStates(s.Unlocked),
		Changes:  slices.Clone(s.Changes),
		Cache:    maps.Clone(s.Cache),
	}
	if c.Cache == nil {
		c.Cache = map[string]modwatch.CachedItem{}
	}
	return c
}

// Config controls one detection run.
type Config struct {
	Now             int64 // unix seconds
	IsUser          bool
	From            modwatch.SubscribedFrom
	TrackRemoval    bool
	NotifyRemoval   bool
	TrackLock       bool
	NotifyLock      bool
	SeenThreshold   int
	RepeatThreshold int
}

// NewConfig builds a config from user options.
func NewConfig(opts modwatch.Options, target modwatch.Target, from modwatch.SubscribedFrom, now int64, repeatThreshold int) Config {
	return Config{
		Now:             now,
		IsUser:          target.IsUser,
		From:            from,
		TrackRemoval:    opts.RemovalStatus.Track,
		NotifyRemoval:   opts.RemovalStatus.Notify,
		TrackLock:       opts.LockStatus.Track,
		NotifyLock:      opts.LockStatus.Notify,
		SeenThreshold:   opts.SeenCount,
		RepeatThreshold: repeatThreshold,
	}
}

// Result is the outcome of one detection run.
type Result struct {
	// State holds the updated known-state dictionaries and change log, trimmed.
	// State.Cache is the prior cache merged with CacheUpdates.
	State State
	// CacheUpdates holds only the cached items written by this run.
	CacheUpdates map[string]modwatch.CachedItem
	// Appended lists the change records added by this run, in append order.
	Appended []modwatch.Change
	// Count is the number of unseen changes.
	Count int
	// Labels are the change-type labels for notification-enabled dimensions.
	Labels []string
}

// ShouldNotify reports whether the run produced a notification-worthy change.
func (r *Result) ShouldNotify() bool {
	return r.Count > 0 && len(r.Labels) > 0
}

// Message renders the notification text, e.g. "3 new [mod removed, locked] actions, click to view".
func (r *Result) Message() string {
	return fmt.Sprintf("%d new [%s] actions, click to view", r.Count, strings.Join(r.Labels, ", "))
}

type detection struct {
	cfg     Config
	state   State
	updates map[string]modwatch.CachedItem
	result  *Result
}

// Detect classifies each observed item against the prior state. Ids absent
// from items keep their recorded state.
func Detect(prior State, items []modwatch.Item, cfg Config) Result {
	if cfg.SeenThreshold <= 0 {
		cfg.SeenThreshold = DefaultSeenThreshold
	}
	if cfg.RepeatThreshold < cfg.SeenThreshold {
		cfg.RepeatThreshold = cfg.SeenThreshold
	}

	res := Result{}
	d := &detection{
		cfg:     cfg,
		state:   prior.Clone(),
		updates: map[string]modwatch.CachedItem{},
		result:  &res,
	}

	batch := dedupe(items)
	if cfg.TrackRemoval {
		d.mark(Removal, d.state.Removed, d.state.Approved, batch, cfg.NotifyRemoval)
	}
	if cfg.TrackLock {
		d.mark(Lock, d.state.Locked, d.state.Unlocked, batch, cfg.NotifyLock)
	}

	st := d.state
	st.Removed = modwatch.TrimStates(st.Removed, modwatch.MaxStatesPerObject)
	st.Approved = modwatch.TrimStates(st.Approved, modwatch.MaxStatesPerObject)
	st.Locked = modwatch.TrimStates(st.Locked, modwatch.MaxStatesPerObject)
	st.Unlocked = modwatch.TrimStates(st.Unlocked, modwatch.MaxStatesPerObject)
	st.Changes = modwatch.TrimChanges(st.Changes, modwatch.MaxChanges)
	maps.Copy(st.Cache, d.updates)
	st.Cache = modwatch.TrimCache(st.Cache, modwatch.MaxCachedItems)

	res.State = st
	res.CacheUpdates = d.updates
	return res
}

// dedupe keeps the last occurrence of each name, in first-seen order.
func dedupe(items []modwatch.Item) []*modwatch.Item {
	idx := make(map[string]int, len(items))
	out := make([]*modwatch.Item, 0, len(items))
	for i := range items {
		if items[i].Name == "" {
			continue
		}
		if j, ok := idx[items[i].Name]; ok {
			out[j] = &items[i]
			continue
		}
		idx[items[i].Name] = len(out)
		out = append(out, &items[i])
	}
	return out
}

func (d *detection) mark(dim Dimension, alertHash, normalHash map[string]modwatch.ItemState, batch []*modwatch.Item, notify bool) {
	var alerts, deleted, normals int

	for _, item := range batch {
		if !dim.IsAlert(item) {
			continue
		}
		switch d.observeAlert(dim, item, alertHash, normalHash) {
		case modwatch.Deleted:
			deleted++
		case dim.Alert:
			alerts++
		}
	}
	for _, item := range batch {
		if dim.IsAlert(item) {
			continue
		}
		if d.observeNormal(dim, item, alertHash, normalHash) {
			normals++
		}
	}

	d.result.Count += alerts + deleted + normals
	if !notify {
		return
	}
	if alerts > 0 {
		d.result.Labels = append(d.result.Labels, dim.Alert.String())
	}
	if deleted > 0 {
		d.result.Labels = append(d.result.Labels, modwatch.Deleted.String())
	}
	if normals > 0 {
		d.result.Labels = append(d.result.Labels, dim.Normal.String())
	}
}

// markUnseen decides whether a new alert is news to the user. Subscribing
// from the source platform shows lock state but not removals; subscribing
// from the mirror shows both.
func markUnseen(from modwatch.SubscribedFrom, dim Dimension) bool {
	switch from {
	case modwatch.FromMirror:
		return false
	case modwatch.FromSource:
		return dim.Alert == modwatch.Removed
	}
	return true
}

// observeAlert handles an item currently in the alert bucket. It returns the
// recorded change type, or 0 when nothing was recorded.
func (d *detection) observeAlert(dim Dimension, item *modwatch.Item, alertHash, normalHash map[string]modwatch.ItemState) modwatch.ChangeType {
	d.seedCache(item)
	d.resetCounter(dim, item.Name)

	if _, known := alertHash[item.Name]; known {
		return 0
	}

	unseen := markUnseen(d.cfg.From, dim)
	alertHash[item.Name] = modwatch.ItemState{Created: item.Created, Unseen: unseen, PostID: item.PostID()}
	delete(normalHash, item.Name)
	if d.cfg.IsUser {
		d.writeCache(item)
	}
	if !unseen {
		return 0
	}

	typ := dim.Alert
	if dim.Alert == modwatch.Removed && IsUserDeleted(item) {
		typ = modwatch.Deleted
	}
	d.appendChange(modwatch.Change{ID: item.Name, Observed: d.cfg.Now, Type: typ})
	return typ
}

// observeNormal handles an item currently in the normal bucket and reports
// whether a reversal was committed.
func (d *detection) observeNormal(dim Dimension, item *modwatch.Item, alertHash, normalHash map[string]modwatch.ItemState) bool {
	d.seedCache(item)

	if _, pending := alertHash[item.Name]; !pending {
		if _, known := normalHash[item.Name]; !known {
			normalHash[item.Name] = modwatch.ItemState{Created: item.Created, PostID: item.PostID()}
		}
		return false
	}

	seen := d.bumpCounter(dim, item)
	threshold := d.cfg.SeenThreshold
	if d.recorded(item.Name, dim.Normal) {
		threshold = d.cfg.RepeatThreshold
	}
	if seen < threshold {
		return false
	}

	normalHash[item.Name] = modwatch.ItemState{Created: item.Created, Unseen: true, PostID: item.PostID()}
	delete(alertHash, item.Name)
	d.appendChange(modwatch.Change{ID: item.Name, Observed: d.cfg.Now, Type: dim.Normal, SeenCount: seen})
	d.writeCache(item)
	d.resetCounter(dim, item.Name)
	return true
}

func (d *detection) appendChange(c modwatch.Change) {
	d.state.Changes = append(d.state.Changes, c)
	d.result.Appended = append(d.result.Appended, c)
}

// recorded reports whether the change log already holds this transition.
func (d *detection) recorded(id string, typ modwatch.ChangeType) bool {
	for _, c := range d.state.Changes {
		if c.ID == id && c.Type == typ {
			return true
		}
	}
	return false
}

func (d *detection) cached(name string) (modwatch.CachedItem, bool) {
	if c, ok := d.updates[name]; ok {
		return c, true
	}
	c, ok := d.state.Cache[name]
	return c, ok
}

// seedCache snapshots a non-user-tracked item the first time it is seen.
// User pages keep the original text upstream, so user-tracked items are only
// cached when they change.
func (d *detection) seedCache(item *modwatch.Item) {
	if d.cfg.IsUser {
		return
	}
	if _, ok := d.cached(item.Name); !ok {
		d.updates[item.Name] = modwatch.NewCachedItem(item, d.cfg.Now)
	}
}

// writeCache refreshes the snapshot, keeping counters. The text of a removed
// non-user-tracked item is never replaced, since upstream has redacted it.
func (d *detection) writeCache(item *modwatch.Item) {
	c := modwatch.NewCachedItem(item, d.cfg.Now)
	if prev, ok := d.cached(item.Name); ok {
		c.SeenCount = prev.SeenCount
		c.LockSeenCount = prev.LockSeenCount
		if !d.cfg.IsUser && IsRemoved(item) {
			c.Text = prev.Text
		}
	}
	d.updates[item.Name] = c
}

func (d *detection) bumpCounter(dim Dimension, item *modwatch.Item) int {
	c, ok := d.cached(item.Name)
	if !ok {
		c = modwatch.NewCachedItem(item, d.cfg.Now)
	}
	n := dim.counter(&c)
	*n++
	d.updates[item.Name] = c
	return *n
}

func (d *detection) resetCounter(dim Dimension, name string) {
	c, ok := d.cached(name)
	if !ok {
		return
	}
	if n := dim.counter(&c); *n != 0 {
		*n = 0
		d.updates[name] = c
	}
}
