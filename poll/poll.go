// Package poll runs watch cycles: it fetches every subscribed target, diffs
// the items against recorded state and notifies about changes.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"modwatch/badge"
	"modwatch/detect"
	"modwatch/history"
	"modwatch/pkg/modwatch"
	"modwatch/scraper"
	"modwatch/storage"
)

// ErrCycleInProgress is returned by CheckAll while another cycle runs.
var ErrCycleInProgress = errors.New("poll cycle already in progress")

const (
	// quarantineProbeInterval is how often a cycle opts in to quarantined
	// content while monitoring it is off.
	quarantineProbeInterval = 5 * 24 * time.Hour
	// maxConsecutiveFailures flips the degraded flag.
	maxConsecutiveFailures = 3

	notificationTitle = "modwatch"
	degradedMessage   = "Unable to reach the platform. Check the account token or network."
)

// Fetcher retrieves items from the platform.
type Fetcher interface {
	ByID(ctx context.Context, ids []string, quarantined bool) ([]modwatch.Item, error)
	ByUser(ctx context.Context, user string, uq scraper.UserQuery) (*scraper.Listing, error)
	OldUserPage(ctx context.Context, user string, uq scraper.UserQuery) (*scraper.OldPage, error)
}

// Notifier delivers notifications without blocking.
type Notifier interface {
	Notify(id, title, message string)
}

// Monitor runs poll cycles and applies the user actions that touch watch state.
type Monitor struct {
	fetcher  Fetcher
	store    *storage.Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	repeatThreshold int

	running atomic.Bool
	// active is the cycle's caching store while a cycle runs.
	active atomic.Pointer[storage.Store]
	// mu serializes read-modify-write of target state.
	mu sync.Mutex

	statusMu sync.Mutex
	failures int
	degraded atomic.Bool
	badge    atomic.Int64
}

// New creates a new poll monitor. The anti-repeat threshold is drawn once here.
func New(fetcher Fetcher, store *storage.Store, notifier Notifier, logger *slog.Logger) *Monitor {
	return &Monitor{
		fetcher:         fetcher,
		store:           store,
		notifier:        notifier,
		logger:          logger,
		now:             time.Now,
		repeatThreshold: detect.MinRepeatThreshold + rand.IntN(detect.MaxRepeatThreshold-detect.MinRepeatThreshold),
	}
}

// SetRepeatThreshold overrides the anti-repeat threshold.
func (m *Monitor) SetRepeatThreshold(n int) {
	m.repeatThreshold = n
}

// repo returns the store to use: the running cycle's cache if there is one,
// so user actions and the cycle see the same data.
func (m *Monitor) repo() *storage.Store {
	if s := m.active.Load(); s != nil {
		return s
	}
	return m.store
}

// Start restores the degraded flag and badge from storage.
func (m *Monitor) Start(ctx context.Context) error {
	msg, err := m.store.ErrorStatus(ctx)
	if err != nil {
		return err
	}
	if msg != "" {
		m.degraded.Store(true)
		m.logger.Warn("Starting in degraded state", "error_status", msg)
	}
	return m.refreshBadge(ctx, m.store)
}

// CheckAll runs one poll cycle over every target.
func (m *Monitor) CheckAll(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer m.running.Store(false)

	st := m.store.WithCycleCache()
	m.active.Store(st)
	defer m.active.Store(nil)

	opts, err := st.Options(ctx)
	if err != nil {
		return err
	}
	targets, err := st.Targets(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	_, lastQuarantined, err := st.LastChecks(ctx)
	if err != nil {
		return err
	}

	now := m.now()
	probe := !opts.MonitorQuarantined && now.Sub(time.Unix(lastQuarantined, 0)) > quarantineProbeInterval
	quarantined := opts.MonitorQuarantined || probe
	m.logger.Info("Checking targets", "count", len(targets), "quarantined", quarantined, "probe", probe, "timestamp", now.Format(time.RFC3339))

	var checked, failed, notified int
	sawQuarantined := false
	for _, t := range targets {
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping poll check", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		items, texts, err := m.fetch(ctx, t, quarantined)
		if err != nil {
			m.fetchFailed(ctx, st, t, err)
			failed++
			continue
		}
		m.fetchSucceeded(ctx, st)
		checked++
		for i := range items {
			if items[i].Quarantine {
				sawQuarantined = true
				break
			}
		}

		sent, err := m.apply(ctx, st, t, items, texts, opts, modwatch.FromNA, now)
		if err != nil {
			m.logger.Warn("Target check failed", "target", t.String(), "error", err)
			continue
		}
		if sent {
			notified++
		}
	}

	if probe && sawQuarantined {
		opts.MonitorQuarantined = true
		if err := st.SaveOptions(ctx, opts); err != nil {
			m.logger.Warn("Failed to enable quarantine monitoring", "error", err)
		} else {
			m.logger.Info("Quarantined content found, monitoring enabled")
		}
	}
	if err := st.RecordCheck(ctx, now.Unix(), quarantined); err != nil {
		m.logger.Warn("Failed to record check time", "error", err)
	}
	if err := m.refreshBadge(ctx, st); err != nil {
		m.logger.Warn("Failed to refresh badge", "error", err)
	}

	m.logger.Info("Target check completed",
		"total_targets", len(targets),
		"checked", checked,
		"failed", failed,
		"notified", notified,
		"badge", m.badge.Load())
	return nil
}

// fetch returns the current items of a target. For users the overview gives
// the ids and the original text, and the by-id lookup gives moderation state.
// texts maps ids to the overview's cache text.
func (m *Monitor) fetch(ctx context.Context, t modwatch.Target, quarantined bool) (items []modwatch.Item, texts map[string]string, err error) {
	if !t.IsUser {
		subs, err := m.repo().SubscribedIDs(ctx)
		if err != nil {
			return nil, nil, err
		}
		items, err := m.fetcher.ByID(ctx, slices.Sorted(maps.Keys(subs)), quarantined)
		return items, nil, err
	}

	overview, err := m.userOverview(ctx, t.Name, quarantined)
	if err != nil {
		return nil, nil, err
	}
	if len(overview) == 0 {
		return nil, nil, nil
	}
	ids := make([]string, len(overview))
	texts = make(map[string]string, len(overview))
	for i := range overview {
		ids[i] = overview[i].Name
		if c := modwatch.NewCachedItem(&overview[i], 0); c.Text != "" {
			texts[overview[i].Name] = c.Text
		}
	}
	items, err = m.fetcher.ByID(ctx, ids, quarantined)
	if err != nil {
		return nil, nil, err
	}
	return items, texts, nil
}

// userOverview fetches the newest page of a user's overview, falling back
// to the legacy HTML site unless the failure is an auth error.
func (m *Monitor) userOverview(ctx context.Context, user string, quarantined bool) ([]modwatch.Item, error) {
	uq := scraper.UserQuery{Sort: "new", Quarantined: quarantined}
	l, err := m.fetcher.ByUser(ctx, user, uq)
	if err == nil {
		return l.Items, nil
	}
	if scraper.IsAuthError(err) {
		return nil, err
	}
	m.logger.Info("User overview failed, trying legacy page", "user", user, "error", err)
	page, oldErr := m.fetcher.OldUserPage(ctx, user, uq)
	if oldErr != nil {
		return nil, errors.Join(err, oldErr)
	}
	return page.Items, nil
}

// apply diffs items against the target's state, persists the result and
// notifies. It reports whether a notification was sent.
func (m *Monitor) apply(ctx context.Context, st *storage.Store, t modwatch.Target, items []modwatch.Item, texts map[string]string, opts modwatch.Options, from modwatch.SubscribedFrom, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Ids unsubscribed while the fetch ran must not be recorded again.
	if !t.IsUser {
		subs, err := st.SubscribedIDs(ctx)
		if err != nil {
			return false, err
		}
		items = slices.DeleteFunc(slices.Clone(items), func(item modwatch.Item) bool {
			_, ok := subs[item.Name]
			return !ok
		})
	}

	prior, err := st.LoadTarget(ctx, t)
	if err != nil {
		return false, err
	}
	res := detect.Detect(prior, items, detect.NewConfig(opts, t, from, now.Unix(), m.repeatThreshold))

	// The by-id lookup redacts removed text; the author's page keeps it.
	for id, c := range res.CacheUpdates {
		if text := texts[id]; text != "" {
			c.Text = text
			res.CacheUpdates[id] = c
			if _, ok := res.State.Cache[id]; ok {
				res.State.Cache[id] = c
			}
		}
	}

	if err := st.SaveTarget(ctx, t, res.State); err != nil {
		if !errors.Is(err, storage.ErrUnavailable) {
			return false, err
		}
		m.logger.Warn("Storage unavailable, state not saved", "target", t.String(), "error", err)
	}

	m.logger.Info("Target checked",
		"target", t.String(),
		"items", len(items),
		"changes", len(res.Appended),
		"unseen", res.Count)

	if !res.ShouldNotify() {
		return false, nil
	}
	m.notifier.Notify(t.String(), notificationTitle+": "+t.String(), res.Message())
	return true, nil
}

func (m *Monitor) fetchFailed(ctx context.Context, st *storage.Store, t modwatch.Target, err error) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	m.failures++
	m.logger.Warn("Fetch failed, target unchanged", "target", t.String(), "consecutive_failures", m.failures, "error", err)
	if m.degraded.Load() || (!scraper.IsAuthError(err) && m.failures < maxConsecutiveFailures) {
		return
	}
	m.degraded.Store(true)
	if err := st.SetErrorStatus(ctx, degradedMessage); err != nil {
		m.logger.Warn("Failed to persist error status", "error", err)
	}
	m.logger.Error("Entering degraded state", "consecutive_failures", m.failures, "auth_error", scraper.IsAuthError(err))
}

func (m *Monitor) fetchSucceeded(ctx context.Context, st *storage.Store) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	m.failures = 0
	if !m.degraded.Load() {
		return
	}
	m.degraded.Store(false)
	if err := st.SetErrorStatus(ctx, ""); err != nil {
		m.logger.Warn("Failed to clear error status", "error", err)
	}
	m.logger.Info("Fetch succeeded, degraded state cleared")
}

// Degraded reports whether recent fetches failed.
func (m *Monitor) Degraded() bool {
	return m.degraded.Load()
}

// Badge returns the badge text for the current unseen count.
func (m *Monitor) Badge() string {
	return badge.Text(int(m.badge.Load()))
}

// Unseen returns the current unseen count.
func (m *Monitor) Unseen() int {
	return int(m.badge.Load())
}

func (m *Monitor) loadAll(ctx context.Context, st *storage.Store) ([]history.Source, error) {
	targets, err := st.Targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	sources := make([]history.Source, 0, len(targets))
	for _, t := range targets {
		state, err := st.LoadTarget(ctx, t)
		if err != nil {
			return nil, err
		}
		sources = append(sources, history.Source{Target: t, State: state})
	}
	return sources, nil
}

func (m *Monitor) refreshBadge(ctx context.Context, st *storage.Store) error {
	opts, err := st.Options(ctx)
	if err != nil {
		return err
	}
	sources, err := m.loadAll(ctx, st)
	if err != nil {
		return err
	}
	states := make([]detect.State, len(sources))
	for i := range sources {
		states[i] = sources[i].State
	}
	n := badge.Count(states, opts)
	if old := m.badge.Swap(int64(n)); old != int64(n) {
		m.logger.Debug("Badge updated", "count", n, "previous", old)
	}
	return nil
}

// History returns the change history across all targets, newest first.
func (m *Monitor) History(ctx context.Context) ([]history.Row, error) {
	sources, err := m.loadAll(ctx, m.repo())
	if err != nil {
		return nil, err
	}
	return history.Build(sources, m.now()), nil
}

// Options returns the persisted options.
func (m *Monitor) Options(ctx context.Context) (modwatch.Options, error) {
	return m.repo().Options(ctx)
}

// SetOptions persists options. Tracked dimensions may change, so the badge is
// recomputed.
func (m *Monitor) SetOptions(ctx context.Context, opts modwatch.Options) error {
	st := m.repo()
	if err := st.SaveOptions(ctx, opts); err != nil {
		return err
	}
	return m.refreshBadge(ctx, st)
}

// SubscribeUser subscribes a user and checks the user's items right away.
// The check runs like a scheduled poll whatever page it came from, so
// removals and locks already in place count as unseen.
func (m *Monitor) SubscribeUser(ctx context.Context, user, pageURL string) error {
	st := m.repo()
	if err := st.SubscribeUser(ctx, user, m.now().Unix()); err != nil {
		return err
	}
	m.logger.Debug("User subscribed", "user", user, "page_url", pageURL)
	m.setCurrentState(ctx, st, modwatch.UserTarget(user), modwatch.FromNA)
	return nil
}

// UnsubscribeUser removes a user and everything recorded for it.
func (m *Monitor) UnsubscribeUser(ctx context.Context, user string) error {
	m.mu.Lock()
	st := m.repo()
	err := st.UnsubscribeUser(ctx, user)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.refreshBadge(ctx, st)
}

// SubscribeID subscribes a post or comment and records its current state.
func (m *Monitor) SubscribeID(ctx context.Context, id, pageURL string) error {
	st := m.repo()
	if err := st.SubscribeID(ctx, id, m.now().Unix()); err != nil {
		return err
	}
	if err := m.SetCurrentState(ctx, id, pageURL); err != nil {
		m.logger.Warn("Initial check failed", "id", id, "error", err)
	}
	return nil
}

// UnsubscribeID removes an individually subscribed id.
func (m *Monitor) UnsubscribeID(ctx context.Context, id string) error {
	m.mu.Lock()
	st := m.repo()
	err := st.UnsubscribeID(ctx, id)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.refreshBadge(ctx, st)
}

// SetCurrentState looks up one subscribed id and records its state in the
// context of the page it was subscribed from. Removals already visible on
// that page are not reported as news.
func (m *Monitor) SetCurrentState(ctx context.Context, id, pageURL string) error {
	if !modwatch.ValidThingID(id) {
		return fmt.Errorf("set state of %q: %w", id, storage.ErrInvalidTarget)
	}
	st := m.repo()
	opts, err := st.Options(ctx)
	if err != nil {
		return err
	}
	items, err := m.fetcher.ByID(ctx, []string{id}, opts.MonitorQuarantined)
	if err != nil {
		m.fetchFailed(ctx, st, modwatch.OtherTarget, err)
		return fmt.Errorf("look up %s: %w", id, err)
	}
	m.fetchSucceeded(ctx, st)
	if _, err := m.apply(ctx, st, modwatch.OtherTarget, items, nil, opts, modwatch.SubscribedFromURL(pageURL), m.now()); err != nil {
		return err
	}
	return m.refreshBadge(ctx, st)
}

// setCurrentState checks a freshly subscribed target. Failures leave the
// subscription in place; the next cycle seeds it instead.
func (m *Monitor) setCurrentState(ctx context.Context, st *storage.Store, t modwatch.Target, from modwatch.SubscribedFrom) {
	opts, err := st.Options(ctx)
	if err != nil {
		m.logger.Warn("Initial check skipped", "target", t.String(), "error", err)
		return
	}
	items, texts, err := m.fetch(ctx, t, opts.MonitorQuarantined)
	if err != nil {
		m.logger.Warn("Initial check failed", "target", t.String(), "error", err)
		return
	}
	if _, err := m.apply(ctx, st, t, items, texts, opts, from, m.now()); err != nil {
		m.logger.Warn("Initial check failed", "target", t.String(), "error", err)
		return
	}
	if err := m.refreshBadge(ctx, st); err != nil {
		m.logger.Warn("Failed to refresh badge", "error", err)
	}
}

// MarkSeen clears unseen flags on a target: all of them for nil ids,
// otherwise only the listed ids.
func (m *Monitor) MarkSeen(ctx context.Context, t modwatch.Target, ids []string) (int, error) {
	m.mu.Lock()
	st := m.repo()
	n, err := st.MarkSeen(ctx, t, ids)
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return n, m.refreshBadge(ctx, st)
}

// MarkAllSeen clears every unseen flag.
func (m *Monitor) MarkAllSeen(ctx context.Context) error {
	m.mu.Lock()
	st := m.repo()
	err := st.MarkAllSeen(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.refreshBadge(ctx, st)
}

// ResolveTarget returns the mirror page that shows a target's unseen
// changes and marks the target seen. It backs notification clicks.
func (m *Monitor) ResolveTarget(ctx context.Context, t modwatch.Target) (string, error) {
	m.mu.Lock()
	st := m.repo()
	opts, err := st.Options(ctx)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	state, err := st.LoadTarget(ctx, t)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	ids := badge.UnseenIDs(state, opts)
	if len(ids) == 0 && !t.IsUser {
		subs, err := st.SubscribedIDs(ctx)
		if err != nil {
			m.mu.Unlock()
			return "", err
		}
		ids = slices.Sorted(maps.Keys(subs))
	}
	_, err = st.MarkSeen(ctx, t, nil)
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := m.refreshBadge(ctx, st); err != nil {
		m.logger.Warn("Failed to refresh badge", "error", err)
	}
	return modwatch.TargetURL(t, ids), nil
}
