package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"

	"modwatch/pkg/modwatch"
)

// OldPage is a user overview scraped from the legacy HTML site.
type OldPage struct {
	Listing
	// QuarantinedSubreddits lists subreddits whose items carried a quarantine stamp.
	QuarantinedSubreddits []string
}

// OldUserPage fetches a user's overview from the legacy HTML site. It is the
// fallback when the JSON API is unavailable; bodies are converted back to
// markdown so items match what the API returns.
func (s *Scraper) OldUserPage(ctx context.Context, user string, uq UserQuery) (*OldPage, error) {
	if !modwatch.ValidUsername(user) {
		return nil, fmt.Errorf("invalid username %q", user)
	}
	q := url.Values{"limit": {fmt.Sprint(userPageLimit)}}
	if uq.Sort != "" {
		q.Set("sort", uq.Sort)
	}
	if uq.After != "" {
		q.Set("after", uq.After)
	}
	if uq.TimeWindow != "" {
		q.Set("t", uq.TimeWindow)
	}
	target := s.cfg.OldURL + "/user/" + user + "/?" + q.Encode()

	var page *OldPage
	err := s.do(ctx, target, uq.Quarantined, "old_user_page", func(resp *http.Response) error {
		var err error
		page, err = parseOldPage(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("old user page %s: %w", user, err)
	}
	s.logger.Debug("Old user page parsed", "user", user, "items", len(page.Items), "quarantined_subreddits", len(page.QuarantinedSubreddits))
	return page, nil
}

func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
}

func parseOldPage(r io.Reader) (*OldPage, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if doc.Find("#siteTable").Length() == 0 {
		return nil, fmt.Errorf("no item table found (title=%q)", strings.TrimSpace(doc.Find("title").First().Text()))
	}

	md := newMarkdownConverter()
	page := &OldPage{}
	quarantined := map[string]bool{}

	doc.Find("#siteTable > .thing").Each(func(_ int, sel *goquery.Selection) {
		item, ok := parseThing(sel, md)
		if !ok {
			return
		}
		if item.Quarantine && item.Subreddit != "" {
			quarantined[item.Subreddit] = true
		}
		page.Items = append(page.Items, item)
	})

	if href, ok := doc.Find(".nav-buttons .next-button a").First().Attr("href"); ok {
		if u, err := url.Parse(href); err == nil {
			page.After = u.Query().Get("after")
		}
	}
	for sub := range quarantined {
		page.QuarantinedSubreddits = append(page.QuarantinedSubreddits, sub)
	}
	slices.Sort(page.QuarantinedSubreddits)
	return page, nil
}

func parseThing(sel *goquery.Selection, md *converter.Converter) (modwatch.Item, bool) {
	name := sel.AttrOr("data-fullname", "")
	if name == "" {
		return modwatch.Item{}, false
	}
	item := modwatch.Item{
		Name:      name,
		Author:    sel.AttrOr("data-author", ""),
		Subreddit: sel.AttrOr("data-subreddit", ""),
		// The legacy page only lists items it would also index.
		RobotIndexable: true,
		Locked:         sel.HasClass("locked"),
	}
	if ms, err := strconv.ParseInt(sel.AttrOr("data-timestamp", ""), 10, 64); err == nil {
		item.Created = ms / 1000
	}

	entry := sel.Find(".entry").First()
	if item.IsComment() {
		// /r/<sub>/comments/<post>/<slug>/<comment>/
		if parts := strings.Split(sel.AttrOr("data-permalink", ""), "/"); len(parts) > 4 && parts[4] != "" {
			item.LinkID = "t3_" + parts[4]
		}
		if entry.Find(".tagline .locked-tagline").Length() > 0 {
			item.Locked = true
		}
	} else {
		item.Title = strings.TrimSpace(entry.Find("p.title a.title").First().Text())
	}

	if body := entry.Find(".usertext-body .md").First(); body.Length() > 0 {
		if html, err := body.Html(); err == nil {
			if text, err := md.ConvertString(html); err == nil {
				item.Body = strings.TrimSpace(text)
			}
		}
	}
	if entry.Find(".admin_takedown").Length() > 0 {
		item.RemovalReason = "legal"
	}
	if sel.Find(".quarantine-stamp").Length() > 0 {
		item.Quarantine = true
	}
	return item, true
}
