package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

var notificationsUnread bool

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"n"},
	Short:   "Inspect and update the notification feed",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		engine, err := startEngine(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		snap := engine.Snapshot()
		items := snap.Notifications
		if notificationsUnread {
			items = items[:0:0]
			for _, n := range snap.Notifications {
				if n.Unread() {
					items = append(items, n)
				}
			}
		}
		return render(cmd.OutOrStdout(), outputFormat, items, func(w io.Writer) error {
			return writeNotifications(w, items, snap.UnreadCount)
		})
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id>...",
	Short: "Mark notifications read",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNotificationMutation(cmd, func(ctx context.Context, e mutator) error {
			return waitMutation(ctx, e.MarkAsRead(args...))
		})
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification read",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNotificationMutation(cmd, func(ctx context.Context, e mutator) error {
			return waitMutation(ctx, e.MarkAllAsRead())
		})
	},
}

var notificationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNotificationMutation(cmd, func(ctx context.Context, e mutator) error {
			return waitMutation(ctx, e.DeleteNotification(args[0]))
		})
	},
}

func runNotificationMutation(cmd *cobra.Command, do func(context.Context, mutator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	engine, err := startEngine(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := do(ctx, engine); err != nil {
		return err
	}
	snap := engine.Snapshot()
	fmt.Fprintf(cmd.OutOrStdout(), "Done. %d unread.\n", snap.UnreadCount)
	return nil
}

func init() {
	notificationsListCmd.Flags().BoolVar(&notificationsUnread, "unread", false, "Show only unread notifications")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsReadAllCmd)
	notificationsCmd.AddCommand(notificationsDeleteCmd)
	rootCmd.AddCommand(notificationsCmd)
}
