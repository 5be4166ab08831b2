package modwatch

import (
	"net/url"
	"strings"
)

// Site roots.
const (
	SourceURL = "https://www.reddit.com"
	MirrorURL = "https://www.reveddit.com"
)

// SubscribedFromURL classifies the page a subscription was made from. No page
// means no context.
func SubscribedFromURL(pageURL string) SubscribedFrom {
	if pageURL == "" {
		return FromNA
	}
	if strings.HasPrefix(pageURL, MirrorURL) {
		return FromMirror
	}
	return FromSource
}

// shortID strips the kind prefix from a fullname.
func shortID(fullname string) string {
	if _, after, ok := strings.Cut(fullname, "_"); ok {
		return after
	}
	return fullname
}

// ItemURL links to an item on the source platform. Comments link in context
// when their post is known, and fall back to an info lookup otherwise.
func ItemURL(id, postID string) string {
	if !IsComment(id) {
		return SourceURL + "/comments/" + shortID(id)
	}
	if postID == "" {
		return SourceURL + "/api/info?id=" + url.QueryEscape(id)
	}
	return SourceURL + "/comments/" + shortID(postID) + "/-/" + shortID(id) + "?context=3"
}

// TargetURL links to a target on the mirror, highlighting ids.
func TargetURL(t Target, ids []string) string {
	q := url.Values{}
	if len(ids) > 0 {
		q.Set("removal_status", "all")
	}
	if t.IsUser {
		u := MirrorURL + "/user/" + url.PathEscape(t.Name)
		if len(ids) > 0 {
			q.Set("show", strings.Join(ids, ","))
			u += "?" + q.Encode()
		}
		return u
	}
	q.Set("id", strings.Join(ids, ","))
	return MirrorURL + "/info?" + q.Encode()
}
