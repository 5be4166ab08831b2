package detect

import (
	"strings"

	"modwatch/pkg/modwatch"
)

const (
	markerRemoved = "[removed]"
	markerDeleted = "[deleted]"
)

// unescape strips the markdown escaping the platform sometimes adds to markers.
func unescape(s string) string {
	return strings.ReplaceAll(s, `\`, "")
}

// IsRemoved reports whether an item is no longer publicly visible.
//
// An explicit removal field wins. Otherwise comments count as removed when
// both body and author carry deletion markers, and posts when they are no
// longer indexable.
func IsRemoved(item *modwatch.Item) bool {
	if item.RemovedByCategory != "" || item.RemovalReason != "" {
		return true
	}
	if item.IsComment() {
		body := unescape(item.Body)
		return (body == markerRemoved || body == markerDeleted) && unescape(item.Author) == markerDeleted
	}
	return !item.RobotIndexable
}

// IsUserDeleted reports whether a removed item was deleted by its author
// rather than by a moderator. Precedence: removed_by_category, then an
// explicit removal reason (always a moderator or admin action), then the
// body and author markers.
func IsUserDeleted(item *modwatch.Item) bool {
	switch item.RemovedByCategory {
	case "":
	case "deleted":
		return true
	default:
		return false
	}
	if item.RemovalReason != "" {
		return false
	}
	if unescape(item.Author) != markerDeleted {
		return false
	}
	if item.IsComment() {
		return unescape(item.Body) == markerDeleted
	}
	return !item.RobotIndexable
}
