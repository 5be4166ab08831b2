// Package storage persists subscriptions, watch state and options.
//
// State lives in two areas. The sync area holds the small, authoritative
// records: subscriptions, options and the per-target known-state dictionaries
// and change logs. The local area holds bulky or machine-local data: cached
// item text and the degraded-state marker.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"modwatch/detect"
	"modwatch/pkg/modwatch"
)

// SchemaVersion tags the storage layout written by Init.
const SchemaVersion = 1

const (
	keySchema               = "schema_version"
	keyOptions              = "options"
	keyUserSubscriptions    = "user_subscriptions"
	keyOtherSubscriptions   = "other_subscriptions"
	keyLastCheck            = "last_check"
	keyLastCheckQuarantined = "last_check_quarantined"
	keyErrorStatus          = "error_status"
)

const (
	kindRemoved  = "removed"
	kindApproved = "approved"
	kindLocked   = "locked"
	kindUnlocked = "unlocked"
	kindChanges  = "changes"
)

var stateKinds = []string{kindRemoved, kindApproved, kindLocked, kindUnlocked}

// stateKey names a track namespace, e.g. removed_u_alice or locked_other.
func stateKey(kind string, t modwatch.Target) string {
	if t.IsUser {
		return kind + "_u_" + t.Name
	}
	return kind + "_other"
}

func cacheKey(t modwatch.Target) string {
	return stateKey("items", t)
}

func targetKeys(t modwatch.Target) []string {
	keys := make([]string, 0, len(stateKinds)+1)
	for _, k := range stateKinds {
		keys = append(keys, stateKey(k, t))
	}
	return append(keys, stateKey(kindChanges, t))
}

// Store is the repository over the sync and local areas.
type Store struct {
	sync   Backend
	local  Backend
	logger *slog.Logger
}

// New creates a store.
func New(sync, local Backend, logger *slog.Logger) *Store {
	return &Store{sync: sync, local: local, logger: logger}
}

// WithCycleCache returns a store that shares the backends but caches reads
// until it is dropped. Poll cycles use one so each key is fetched once.
func (s *Store) WithCycleCache() *Store {
	return &Store{sync: NewCached(s.sync), local: NewCached(s.local), logger: s.logger}
}

func decode(vals map[string][]byte, key string, dst any) error {
	v, ok := vals[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func encode(vals map[string][]byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	vals[key] = data
	return nil
}

func emptyTargetValues(t modwatch.Target) (map[string][]byte, error) {
	vals := map[string][]byte{}
	for _, k := range stateKinds {
		if err := encode(vals, stateKey(k, t), map[string]modwatch.ItemState{}); err != nil {
			return nil, err
		}
	}
	if err := encode(vals, stateKey(kindChanges, t), []modwatch.Change{}); err != nil {
		return nil, err
	}
	return vals, nil
}

// Init writes the default layout when storage is empty.
func (s *Store) Init(ctx context.Context, defaults modwatch.Options) error {
	vals, err := s.sync.Get(ctx, keySchema)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if _, ok := vals[keySchema]; ok {
		var version int
		if err := decode(vals, keySchema, &version); err != nil {
			return err
		}
		if version > SchemaVersion {
			s.logger.Warn("Storage written by a newer version", "version", version, "supported", SchemaVersion)
		}
		return nil
	}

	layout, err := emptyTargetValues(modwatch.OtherTarget)
	if err != nil {
		return err
	}
	for key, v := range map[string]any{
		keySchema:             SchemaVersion,
		keyOptions:            defaults,
		keyUserSubscriptions:  map[string]modwatch.Subscription{},
		keyOtherSubscriptions: map[string]modwatch.Subscription{},
	} {
		if err := encode(layout, key, v); err != nil {
			return err
		}
	}
	if err := s.sync.Set(ctx, layout); err != nil {
		return fmt.Errorf("write default layout: %w", err)
	}
	s.logger.Info("Initialized storage", "schema_version", SchemaVersion)
	return nil
}

// Options returns the persisted options, with defaults for missing fields.
func (s *Store) Options(ctx context.Context) (modwatch.Options, error) {
	opts := modwatch.DefaultOptions()
	vals, err := s.sync.Get(ctx, keyOptions)
	if err != nil {
		return opts, fmt.Errorf("load options: %w", err)
	}
	if err := decode(vals, keyOptions, &opts); err != nil {
		return modwatch.DefaultOptions(), err
	}
	return opts, nil
}

// SaveOptions persists opts.
func (s *Store) SaveOptions(ctx context.Context, opts modwatch.Options) error {
	vals := map[string][]byte{}
	if err := encode(vals, keyOptions, opts); err != nil {
		return err
	}
	if err := s.sync.Set(ctx, vals); err != nil {
		return fmt.Errorf("save options: %w", err)
	}
	return nil
}

func (s *Store) subscriptions(ctx context.Context, key string) (map[string]modwatch.Subscription, error) {
	vals, err := s.sync.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	subs := map[string]modwatch.Subscription{}
	if err := decode(vals, key, &subs); err != nil {
		return nil, err
	}
	if subs == nil {
		subs = map[string]modwatch.Subscription{}
	}
	return subs, nil
}

// Users returns the subscribed usernames, sorted.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	subs, err := s.subscriptions(ctx, keyUserSubscriptions)
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(subs)), nil
}

// SubscribedIDs returns the individually subscribed ids with their subscribe times.
func (s *Store) SubscribedIDs(ctx context.Context) (map[string]modwatch.Subscription, error) {
	return s.subscriptions(ctx, keyOtherSubscriptions)
}

// Targets returns every target that has something to poll: each user, then
// "other" if any id is subscribed.
func (s *Store) Targets(ctx context.Context) ([]modwatch.Target, error) {
	users, err := s.Users(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]modwatch.Target, 0, len(users)+1)
	for _, u := range users {
		targets = append(targets, modwatch.UserTarget(u))
	}
	ids, err := s.SubscribedIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		targets = append(targets, modwatch.OtherTarget)
	}
	return targets, nil
}

// SubscribeUser adds a user and creates its empty track namespaces.
func (s *Store) SubscribeUser(ctx context.Context, user string, now int64) error {
	if !modwatch.ValidUsername(user) {
		return fmt.Errorf("subscribe %q: %w", user, ErrInvalidTarget)
	}
	subs, err := s.subscriptions(ctx, keyUserSubscriptions)
	if err != nil {
		return err
	}
	if _, ok := subs[user]; ok {
		return fmt.Errorf("subscribe %q: %w", user, ErrAlreadySubscribed)
	}
	if len(subs) >= modwatch.MaxUserSubscriptions {
		return fmt.Errorf("subscribe %q: %w", user, ErrMaxSubscriptions)
	}
	subs[user] = modwatch.Subscription{T: now}

	vals, err := emptyTargetValues(modwatch.UserTarget(user))
	if err != nil {
		return err
	}
	if err := encode(vals, keyUserSubscriptions, subs); err != nil {
		return err
	}
	if err := s.sync.Set(ctx, vals); err != nil {
		return fmt.Errorf("save user subscription: %w", err)
	}
	s.logger.Info("User subscribed", "user", user, "user_count", len(subs))
	return nil
}

// UnsubscribeUser removes a user with its namespaces and cached items.
func (s *Store) UnsubscribeUser(ctx context.Context, user string) error {
	subs, err := s.subscriptions(ctx, keyUserSubscriptions)
	if err != nil {
		return err
	}
	if _, ok := subs[user]; !ok {
		return nil
	}
	delete(subs, user)

	vals := map[string][]byte{}
	if err := encode(vals, keyUserSubscriptions, subs); err != nil {
		return err
	}
	if err := s.sync.Set(ctx, vals); err != nil {
		return fmt.Errorf("save user subscriptions: %w", err)
	}

	t := modwatch.UserTarget(user)
	if err := s.sync.Remove(ctx, targetKeys(t)...); err != nil {
		return fmt.Errorf("remove user state: %w", err)
	}
	if err := s.local.Remove(ctx, cacheKey(t)); err != nil {
		return fmt.Errorf("remove user cache: %w", err)
	}
	s.logger.Info("User unsubscribed", "user", user)
	return nil
}

// SubscribeID subscribes a post or comment. Re-subscribing refreshes its
// time. Past the cap the least recently subscribed ids are dropped.
func (s *Store) SubscribeID(ctx context.Context, id string, now int64) error {
	if !modwatch.ValidThingID(id) {
		return fmt.Errorf("subscribe %q: %w", id, ErrInvalidTarget)
	}
	subs, err := s.subscriptions(ctx, keyOtherSubscriptions)
	if err != nil {
		return err
	}
	subs[id] = modwatch.Subscription{T: now}
	if trimmed := modwatch.TrimSubscriptions(subs, modwatch.MaxOtherSubscriptions); len(trimmed) < len(subs) {
		s.logger.Debug("Dropped oldest subscriptions", "dropped", len(subs)-len(trimmed))
		subs = trimmed
	}

	vals := map[string][]byte{}
	if err := encode(vals, keyOtherSubscriptions, subs); err != nil {
		return err
	}
	if err := s.sync.Set(ctx, vals); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	s.logger.Info("Subscribed", "id", id, "subscription_count", len(subs))
	return nil
}

// UnsubscribeID drops an id and its records from the "other" namespaces.
func (s *Store) UnsubscribeID(ctx context.Context, id string) error {
	subs, err := s.subscriptions(ctx, keyOtherSubscriptions)
	if err != nil {
		return err
	}
	st, err := s.LoadTarget(ctx, modwatch.OtherTarget)
	if err != nil {
		return err
	}
	delete(subs, id)
	for _, m := range []map[string]modwatch.ItemState{st.Removed, st.Approved, st.Locked, st.Unlocked} {
		delete(m, id)
	}
	delete(st.Cache, id)

	vals := map[string][]byte{}
	if err := encode(vals, keyOtherSubscriptions, subs); err != nil {
		return err
	}
	if err := s.SaveTarget(ctx, modwatch.OtherTarget, st); err != nil {
		return err
	}
	if err := s.sync.Set(ctx, vals); err != nil {
		return fmt.Errorf("save subscriptions: %w", err)
	}
	s.logger.Info("Unsubscribed", "id", id)
	return nil
}

// LoadTarget reads a target's known-state dictionaries, change log and cache.
func (s *Store) LoadTarget(ctx context.Context, t modwatch.Target) (detect.State, error) {
	st := detect.NewState()
	vals, err := s.sync.Get(ctx, targetKeys(t)...)
	if err != nil {
		return st, fmt.Errorf("load state for %s: %w", t, err)
	}
	for key, dst := range map[string]any{
		stateKey(kindRemoved, t):  &st.Removed,
		stateKey(kindApproved, t): &st.Approved,
		stateKey(kindLocked, t):   &st.Locked,
		stateKey(kindUnlocked, t): &st.Unlocked,
		stateKey(kindChanges, t):  &st.Changes,
	} {
		if err := decode(vals, key, dst); err != nil {
			return st, err
		}
	}

	local, err := s.local.Get(ctx, cacheKey(t))
	if err != nil {
		return st, fmt.Errorf("load cache for %s: %w", t, err)
	}
	if err := decode(local, cacheKey(t), &st.Cache); err != nil {
		return st, err
	}
	return st.Clone(), nil
}

// SaveTarget writes a target's state: the sync keys in one call, then the cache.
func (s *Store) SaveTarget(ctx context.Context, t modwatch.Target, st detect.State) error {
	vals := map[string][]byte{}
	for key, v := range map[string]any{
		stateKey(kindRemoved, t):  modwatch.TrimStates(st.Removed, modwatch.MaxStatesPerObject),
		stateKey(kindApproved, t): modwatch.TrimStates(st.Approved, modwatch.MaxStatesPerObject),
		stateKey(kindLocked, t):   modwatch.TrimStates(st.Locked, modwatch.MaxStatesPerObject),
		stateKey(kindUnlocked, t): modwatch.TrimStates(st.Unlocked, modwatch.MaxStatesPerObject),
		stateKey(kindChanges, t):  modwatch.TrimChanges(st.Changes, modwatch.MaxChanges),
	} {
		if err := encode(vals, key, v); err != nil {
			return err
		}
	}
	if err := s.sync.Set(ctx, vals); err != nil {
		return fmt.Errorf("save state for %s: %w", t, err)
	}

	local := map[string][]byte{}
	if err := encode(local, cacheKey(t), modwatch.TrimCache(st.Cache, modwatch.MaxCachedItems)); err != nil {
		return err
	}
	if err := s.local.Set(ctx, local); err != nil {
		return fmt.Errorf("save cache for %s: %w", t, err)
	}
	return nil
}

// MarkSeen clears the unseen flag on a target's records. A nil ids marks
// everything; otherwise only the listed ids. It reports how many records changed.
func (s *Store) MarkSeen(ctx context.Context, t modwatch.Target, ids []string) (int, error) {
	vals, err := s.sync.Get(ctx, targetKeys(t)[:len(stateKinds)]...)
	if err != nil {
		return 0, fmt.Errorf("load state for %s: %w", t, err)
	}

	changed := 0
	out := map[string][]byte{}
	for _, kind := range stateKinds {
		key := stateKey(kind, t)
		m := map[string]modwatch.ItemState{}
		if err := decode(vals, key, &m); err != nil {
			return 0, err
		}
		dirty := false
		for id, st := range m {
			if !st.Unseen || (ids != nil && !slices.Contains(ids, id)) {
				continue
			}
			st.Unseen = false
			m[id] = st
			dirty = true
			changed++
		}
		if dirty {
			if err := encode(out, key, m); err != nil {
				return 0, err
			}
		}
	}
	if len(out) == 0 {
		return 0, nil
	}
	if err := s.sync.Set(ctx, out); err != nil {
		return 0, fmt.Errorf("save seen state for %s: %w", t, err)
	}
	return changed, nil
}

// MarkAllSeen marks every target seen.
func (s *Store) MarkAllSeen(ctx context.Context) error {
	targets, err := s.Targets(ctx)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if _, err := s.MarkSeen(ctx, t, nil); err != nil {
			return err
		}
	}
	return nil
}

// LastChecks returns the unix times of the last poll and the last poll that
// included quarantined content.
func (s *Store) LastChecks(ctx context.Context) (last, quarantined int64, err error) {
	vals, err := s.sync.Get(ctx, keyLastCheck, keyLastCheckQuarantined)
	if err != nil {
		return 0, 0, fmt.Errorf("load last check: %w", err)
	}
	if err := decode(vals, keyLastCheck, &last); err != nil {
		return 0, 0, err
	}
	if err := decode(vals, keyLastCheckQuarantined, &quarantined); err != nil {
		return 0, 0, err
	}
	return last, quarantined, nil
}

// RecordCheck stores the time of a completed poll.
func (s *Store) RecordCheck(ctx context.Context, now int64, includedQuarantined bool) error {
	vals := map[string][]byte{}
	if err := encode(vals, keyLastCheck, now); err != nil {
		return err
	}
	if includedQuarantined {
		if err := encode(vals, keyLastCheckQuarantined, now); err != nil {
			return err
		}
	}
	if err := s.sync.Set(ctx, vals); err != nil {
		return fmt.Errorf("save last check: %w", err)
	}
	return nil
}

// ErrorStatus returns the persisted degraded-state message, or "".
func (s *Store) ErrorStatus(ctx context.Context) (string, error) {
	vals, err := s.local.Get(ctx, keyErrorStatus)
	if err != nil {
		return "", fmt.Errorf("load error status: %w", err)
	}
	var msg string
	if err := decode(vals, keyErrorStatus, &msg); err != nil {
		return "", err
	}
	return msg, nil
}

// SetErrorStatus persists the degraded-state message. An empty message clears it.
func (s *Store) SetErrorStatus(ctx context.Context, msg string) error {
	if msg == "" {
		if err := s.local.Remove(ctx, keyErrorStatus); err != nil {
			return fmt.Errorf("clear error status: %w", err)
		}
		return nil
	}
	vals := map[string][]byte{}
	if err := encode(vals, keyErrorStatus, msg); err != nil {
		return err
	}
	if err := s.local.Set(ctx, vals); err != nil {
		return fmt.Errorf("save error status: %w", err)
	}
	return nil
}
