package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Environment string      `json:"environment"`
	BaseURL     string      `json:"baseUrl"`
	Transport   string      `json:"transport"`
	Token       string      `json:"token"`
	UserID      string      `json:"userId,omitempty"`
	Username    string      `json:"username,omitempty"`
	Live        *liveStatus `json:"live,omitempty"`
	LiveError   string      `json:"liveError,omitempty"`
}

type liveStatus struct {
	UserID        string `json:"userId"`
	Notifications int    `json:"notifications"`
	Unread        int    `json:"unread"`
	Conversations int    `json:"conversations"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and, when a token is stored, fetch live account and feed status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		client := newClient(cfg)
		rep := statusReport{
			Environment: valueOrDefault(cfg.Default.Environment, "production"),
			BaseURL:     client.BaseURL(),
			Transport:   valueOrDefault(cfg.Default.Transport, "ws"),
			Token:       "(not set)",
			UserID:      cfg.Auth.UserID,
			Username:    cfg.Auth.Username,
		}
		if cfg.Auth.Token != "" {
			rep.Token = maskKey(cfg.Auth.Token)

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if engine, err := startEngine(ctx, cfg, false); err != nil {
				rep.LiveError = err.Error()
			} else {
				snap := engine.Snapshot()
				engine.Close()
				rep.Live = &liveStatus{
					Notifications: len(snap.Notifications),
					Unread:        snap.UnreadCount,
					Conversations: len(snap.Conversations),
				}
				if snap.Identity != nil {
					rep.Live.UserID = snap.Identity.UserID
				}
			}
		}

		return render(cmd.OutOrStdout(), outputFormat, rep, func(w io.Writer) error {
			return writeStatus(w, rep)
		})
	},
}

func writeStatus(w io.Writer, rep statusReport) error {
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Environment: %s\n", rep.Environment)
	fmt.Fprintf(w, "  Base URL:    %s\n", rep.BaseURL)
	fmt.Fprintf(w, "  Transport:   %s\n", rep.Transport)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Auth:")
	fmt.Fprintf(w, "  Token:       %s\n", rep.Token)
	if rep.UserID != "" {
		fmt.Fprintf(w, "  User ID:     %s\n", rep.UserID)
		fmt.Fprintf(w, "  Username:    %s\n", valueOrDefault(rep.Username, "(none)"))
	}
	switch {
	case rep.Live != nil:
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Live status:")
		fmt.Fprintf(w, "  User ID:       %s\n", rep.Live.UserID)
		fmt.Fprintf(w, "  Notifications: %d (%d unread)\n", rep.Live.Notifications, rep.Live.Unread)
		fmt.Fprintf(w, "  Conversations: %d\n", rep.Live.Conversations)
	case rep.LiveError != "":
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Live status:")
		fmt.Fprintf(w, "  Error: %s\n", rep.LiveError)
	}
	return nil
}
