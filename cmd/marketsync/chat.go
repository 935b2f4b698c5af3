package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/classifieds-hub/marketsync"
	"github.com/spf13/cobra"
)

// mutator is the part of the engine the mutation commands use.
type mutator interface {
	MarkAsRead(ids ...string) *marketsync.MutationHandle
	MarkAllAsRead() *marketsync.MutationHandle
	DeleteNotification(id string) *marketsync.MutationHandle
	SendMessage(conversationID, text string) *marketsync.MutationHandle
	MarkMessagesAsRead(ids []string, conversationID string) *marketsync.MutationHandle
}

var (
	chatListUnread bool
	chatReadIDs    []string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Conversation commands",
	Long:  "List conversations, send messages and mark messages read.",
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
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

		convs := engine.Snapshot().Conversations
		if chatListUnread {
			filtered := convs[:0:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}
		return render(cmd.OutOrStdout(), outputFormat, convs, func(w io.Writer) error {
			return writeConversations(w, convs)
		})
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, text := args[0], strings.Join(args[1:], " ")
		return runChatMutation(cmd, func(ctx context.Context, e mutator) error {
			return waitMutation(ctx, e.SendMessage(conv, text))
		})
	},
}

var chatReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark messages of a conversation read",
	Long:  "Mark messages read. Without --id every unread message of the conversation is marked.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChatMutation(cmd, func(ctx context.Context, e mutator) error {
			return waitMutation(ctx, e.MarkMessagesAsRead(chatReadIDs, args[0]))
		})
	},
}

func runChatMutation(cmd *cobra.Command, do func(context.Context, mutator) error) error {
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
	fmt.Fprintln(cmd.OutOrStdout(), "Done.")
	return nil
}

func init() {
	chatListCmd.Flags().BoolVar(&chatListUnread, "unread", false, "Show only conversations with unread messages")
	chatReadCmd.Flags().StringSliceVar(&chatReadIDs, "id", nil, "Message id to mark read (repeatable)")

	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatReadCmd)
	rootCmd.AddCommand(chatCmd)
}
