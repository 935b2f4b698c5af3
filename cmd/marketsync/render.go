package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/classifieds-hub/marketsync"
)

func writeNotifications(w io.Writer, items []marketsync.Notification, unread int) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "No notifications.")
		return err
	}
	fmt.Fprintf(w, "%d notifications, %d unread\n", len(items), unread)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, n := range items {
		mark := " "
		if n.Unread() {
			mark = "*"
		}
		title := n.Title
		if title == "" {
			title = n.Body
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", mark, n.ID, valueOrDefault(n.Kind, "-"), shorten(title, 48), stamp(n.CreatedAt))
	}
	return tw.Flush()
}

func writeConversations(w io.Writer, convs []marketsync.Conversation) error {
	if len(convs) == 0 {
		_, err := fmt.Fprintln(w, "No conversations found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range convs {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf("(%d unread)", c.UnreadCount)
		}
		last := "-"
		if m := c.LastMessage; m != nil {
			last = shorten(m.Body, 40)
			if m.Pending {
				last += " [sending]"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, valueOrDefault(c.CounterpartRef, "-"), last, unread, stamp(c.UpdatedAt))
	}
	return tw.Flush()
}

// writeSnapshot is the watch view.
func writeSnapshot(w io.Writer, s marketsync.Snapshot) error {
	state := "offline"
	if s.Connected {
		state = "live"
		if !s.Baseline {
			state = "live, syncing"
		}
	}
	user := "-"
	if s.Identity != nil {
		user = valueOrDefault(s.Identity.Username, s.Identity.UserID)
	}
	fmt.Fprintf(w, "── %s · %s · v%d ──\n", user, state, s.Version)
	fmt.Fprintf(w, "Notifications: %d (%d unread)\n", len(s.Notifications), s.UnreadCount)

	unread := 0
	for _, c := range s.Conversations {
		unread += c.UnreadCount
	}
	fmt.Fprintf(w, "Conversations: %d (%d unread messages)\n", len(s.Conversations), unread)
	if len(s.OnlineUserIDs) > 0 {
		fmt.Fprintf(w, "Online: %s\n", strings.Join(s.OnlineUserIDs, ", "))
	}
	for _, t := range s.Typing {
		fmt.Fprintf(w, "%s is typing in %s\n", t.UserID, t.ConversationID)
	}
	return nil
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}
