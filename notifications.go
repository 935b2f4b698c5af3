package marketsync

import (
	"sort"
	"time"
)

// NotificationState is the notification feed, newest first, with its derived
// unread count. Values are treated as immutable: transitions return a new
// state and never write through the old one.
type NotificationState struct {
	Items       []Notification
	UnreadCount int
}

// ReduceNotifications applies ev to s. Events that do not concern
// notifications return s unchanged.
func ReduceNotifications(s NotificationState, ev Event, now time.Time) NotificationState {
	var items []Notification
	switch e := ev.(type) {
	case NotificationCreated:
		items = upsertNotification(s.Items, e.Notification)
	case NotificationsRead:
		items = markNotificationsRead(s.Items, e.IDs, eventTime(e.At, now))
	case NotificationDeleted:
		items = removeNotification(s.Items, e.ID)
	case NotificationsReplaced:
		items = replaceNotifications(e.Notifications)
	case NotificationsRestored:
		items = restoreNotifications(s.Items, e.Priors)
	default:
		return s
	}
	return NotificationState{Items: items, UnreadCount: countUnread(items)}
}

func countUnread(items []Notification) int {
	n := 0
	for _, it := range items {
		if it.ReadAt == nil {
			n++
		}
	}
	return n
}

func indexNotification(items []Notification, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// upsertNotification prepends n, or replaces an existing entry with the same
// id in place. A read entry stays read.
func upsertNotification(items []Notification, n Notification) []Notification {
	if i := indexNotification(items, n.ID); i >= 0 {
		out := append([]Notification(nil), items...)
		if n.ReadAt == nil {
			n.ReadAt = items[i].ReadAt
		}
		out[i] = n
		return out
	}
	out := make([]Notification, 0, len(items)+1)
	out = append(out, n)
	return append(out, items...)
}

func markNotificationsRead(items []Notification, ids []string, at time.Time) []Notification {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []Notification
	for i, it := range items {
		if _, ok := want[it.ID]; !ok || it.ReadAt != nil {
			continue
		}
		if out == nil {
			out = append([]Notification(nil), items...)
		}
		readAt := at
		out[i].ReadAt = &readAt
	}
	if out == nil {
		return items
	}
	return out
}

func removeNotification(items []Notification, id string) []Notification {
	i := indexNotification(items, id)
	if i < 0 {
		return items
	}
	out := make([]Notification, 0, len(items)-1)
	out = append(out, items[:i]...)
	return append(out, items[i+1:]...)
}

// replaceNotifications copies list, collapses duplicate ids (first wins) and
// orders it newest first.
func replaceNotifications(list []Notification) []Notification {
	seen := make(map[string]struct{}, len(list))
	out := make([]Notification, 0, len(list))
	for _, n := range list {
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func restoreNotifications(items []Notification, priors []NotificationPrior) []Notification {
	out := append([]Notification(nil), items...)
	for _, p := range priors {
		i := indexNotification(out, p.ID)
		switch {
		case p.Prior == nil && i >= 0:
			out = append(out[:i], out[i+1:]...)
		case p.Prior != nil && i >= 0:
			out[i] = *p.Prior
		case p.Prior != nil:
			at := p.Index
			if at < 0 || at > len(out) {
				at = len(out)
			}
			out = append(out, Notification{})
			copy(out[at+1:], out[at:])
			out[at] = *p.Prior
		}
	}
	return out
}
