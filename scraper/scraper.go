// Package scraper fetches items from the content platform and normalizes
// them into modwatch.Item.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"modwatch/pkg/modwatch"
)

// Default endpoints.
const (
	DefaultBaseURL  = "https://www.reddit.com"
	DefaultOAuthURL = "https://oauth.reddit.com"
	DefaultOldURL   = "https://old.reddit.com"
)

// DefaultUserAgent identifies the service to the platform.
const DefaultUserAgent = "modwatch/1.0 (moderation status watcher)"

const (
	maxIDsPerRequest = 100
	userPageLimit    = 100
	// quarantineOptIn is the preference cookie that makes quarantined
	// content visible to the request.
	quarantineOptIn = `_options=%7B%22pref_quarantine_optin%22%3Atrue%7D`
)

// HTTPError is a non-OK response from the platform.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsAuthError reports whether err is a 401 or 403 response.
func IsAuthError(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) &&
		(httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden)
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}

// retryable excludes client errors other than rate limiting; repeating them
// cannot succeed.
func retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// Authorizer adds credentials to a request. How they are obtained is up to the caller.
type Authorizer interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// BearerToken authorizes requests with a fixed OAuth token.
type BearerToken string

// Authorize implements Authorizer.
func (t BearerToken) Authorize(_ context.Context, req *http.Request) error {
	if t == "" {
		return errors.New("empty bearer token")
	}
	req.Header.Set("Authorization", "bearer "+string(t))
	return nil
}

// Config configures a Scraper. Zero values select the defaults.
type Config struct {
	Auth      Authorizer
	BaseURL   string
	OAuthURL  string
	OldURL    string
	UserAgent string
	Attempts  uint
	Delay     time.Duration
}

// Scraper fetches items from the platform's JSON API.
type Scraper struct {
	client *http.Client
	logger *slog.Logger
	cfg    Config
}

// New creates a new scraper.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Scraper {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.OAuthURL == "" {
		cfg.OAuthURL = DefaultOAuthURL
	}
	if cfg.OldURL == "" {
		cfg.OldURL = DefaultOldURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay == 0 {
		cfg.Delay = time.Second
	}
	return &Scraper{client: client, logger: logger, cfg: cfg}
}

// UserQuery selects a page of a user's overview.
type UserQuery struct {
	After       string // paging token
	Sort        string // new, top, controversial...
	TimeWindow  string // hour, day, week, month, year, all
	Quarantined bool   // opt in to quarantined content
}

// Listing is one page of items.
type Listing struct {
	Items []modwatch.Item
	After string
}

// endpoint picks the authenticated or anonymous host for path. Anonymous
// requests need the .json suffix.
func (s *Scraper) endpoint(path string, query url.Values) string {
	base := s.cfg.BaseURL + "/" + path
	if s.cfg.Auth != nil {
		base = s.cfg.OAuthURL + "/" + path
	} else if !strings.HasSuffix(path, ".json") {
		base += ".json"
	}
	return base + "?" + query.Encode()
}

// ByID looks up items by fullname. A nil error with no items means none of
// the ids exist any more; a non-nil error means the lookup itself failed.
func (s *Scraper) ByID(ctx context.Context, ids []string, quarantined bool) ([]modwatch.Item, error) {
	var items []modwatch.Item
	for start := 0; start < len(ids); start += maxIDsPerRequest {
		chunk := ids[start:min(start+maxIDsPerRequest, len(ids))]
		q := url.Values{"id": {strings.Join(chunk, ",")}, "raw_json": {"1"}}

		l, err := s.fetchListing(ctx, s.endpoint("api/info", q), quarantined, "lookup_by_id")
		if err != nil {
			return nil, fmt.Errorf("lookup %d ids: %w", len(chunk), err)
		}
		items = append(items, l.Items...)
	}
	return items, nil
}

// ByUser fetches one page of a user's overview.
func (s *Scraper) ByUser(ctx context.Context, user string, uq UserQuery) (*Listing, error) {
	if !modwatch.ValidUsername(user) {
		return nil, fmt.Errorf("invalid username %q", user)
	}
	q := url.Values{"limit": {fmt.Sprint(userPageLimit)}, "raw_json": {"1"}}
	if uq.Sort != "" {
		q.Set("sort", uq.Sort)
	}
	if uq.After != "" {
		q.Set("after", uq.After)
	}
	if uq.TimeWindow != "" {
		q.Set("t", uq.TimeWindow)
	}

	l, err := s.fetchListing(ctx, s.endpoint("user/"+user+"/overview", q), uq.Quarantined, "lookup_by_user")
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", user, err)
	}
	return l, nil
}

func (s *Scraper) newRequest(ctx context.Context, target string, quarantined bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept-Language", "en")
	cookie := "over18=1"
	if quarantined {
		cookie += "; " + quarantineOptIn
	}
	req.Header.Set("Cookie", cookie)
	if s.cfg.Auth != nil && strings.HasPrefix(target, s.cfg.OAuthURL) {
		if err := s.cfg.Auth.Authorize(ctx, req); err != nil {
			return nil, retry.Unrecoverable(fmt.Errorf("authorize request: %w", err))
		}
	}
	return req, nil
}

// do performs a GET with retries and hands the OK response body to parse.
func (s *Scraper) do(ctx context.Context, target string, quarantined bool, purpose string, parse func(*http.Response) error) error {
	err := retry.Do(
		func() error {
			s.logger.Debug("HTTP request starting", "method", "GET", "url", target, "purpose", purpose)

			req, err := s.newRequest(ctx, target, quarantined)
			if err != nil {
				return err
			}

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				s.logger.Warn("HTTP request failed", "url", target, "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Debug("HTTP request completed",
				"url", target,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return &HTTPError{URL: target, StatusCode: resp.StatusCode}
			}
			if err := parse(resp); err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(s.cfg.Attempts),
		retry.Delay(s.cfg.Delay),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(s.cfg.Delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "url", target, "error", err)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil {
		return fmt.Errorf("after retries: %w", err)
	}
	return nil
}

func (s *Scraper) fetchListing(ctx context.Context, target string, quarantined bool, purpose string) (*Listing, error) {
	var l *Listing
	err := s.do(ctx, target, quarantined, purpose, func(resp *http.Response) error {
		var raw rawListing
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return fmt.Errorf("decode listing: %w", err)
		}
		var err error
		l, err = raw.normalize()
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Listing parsed", "url", target, "items", len(l.Items))
	return l, nil
}
