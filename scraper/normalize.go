package scraper

import (
	"errors"

	"modwatch/pkg/modwatch"
)

// rawListing is the platform's listing envelope.
type rawListing struct {
	Data *struct {
		After    *string    `json:"after"`
		Children []rawChild `json:"children"`
	} `json:"data"`
}

type rawChild struct {
	Kind string  `json:"kind"`
	Data rawItem `json:"data"`
}

// rawItem carries the fields the detector needs. Nullable fields are pointers.
type rawItem struct {
	Name              string  `json:"name"`
	Author            string  `json:"author"`
	Body              string  `json:"body"`
	Title             string  `json:"title"`
	Subreddit         string  `json:"subreddit"`
	LinkID            string  `json:"link_id"`
	RemovedByCategory *string `json:"removed_by_category"`
	RemovalReason     *string `json:"removal_reason"`
	CreatedUTC        float64 `json:"created_utc"`
	Locked            bool    `json:"locked"`
	RobotIndexable    *bool   `json:"is_robot_indexable"`
	Quarantine        bool    `json:"quarantine"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *rawItem) item() modwatch.Item {
	indexable := true
	if r.RobotIndexable != nil {
		indexable = *r.RobotIndexable
	}
	return modwatch.Item{
		Name:              r.Name,
		Author:            r.Author,
		Body:              r.Body,
		Title:             r.Title,
		Subreddit:         r.Subreddit,
		LinkID:            r.LinkID,
		RemovedByCategory: deref(r.RemovedByCategory),
		RemovalReason:     deref(r.RemovalReason),
		Created:           int64(r.CreatedUTC),
		Locked:            r.Locked,
		RobotIndexable:    indexable,
		Quarantine:        r.Quarantine,
	}
}

// normalize keeps comments and posts; other kinds (accounts, more-links) are skipped.
func (l *rawListing) normalize() (*Listing, error) {
	if l.Data == nil || l.Data.Children == nil {
		return nil, errors.New("listing has no data")
	}
	out := &Listing{After: deref(l.Data.After)}
	for i := range l.Data.Children {
		c := &l.Data.Children[i]
		if (c.Kind != "t1" && c.Kind != "t3") || c.Data.Name == "" {
			continue
		}
		out.Items = append(out.Items, c.Data.item())
	}
	return out, nil
}
