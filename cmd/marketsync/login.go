package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/classifieds-hub/marketsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Verify a token and store it",
	Long:  "Resolve the account behind a token and store the token and identity locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = args[0]

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		loader := newSessionLoader(cfg, newClient(cfg), nil)
		id, err := loader.Load(ctx, cfg.Auth.Token)
		if err != nil {
			if errors.Is(err, marketsync.ErrAuthRetriesExhausted) {
				return fmt.Errorf("token rejected: %w", err)
			}
			return fmt.Errorf("login failed: %w", err)
		}

		// Only the auth section is persisted; environment overrides stay out
		// of the file.
		file, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		file.Auth = marketsyncAuth(id)
		if err := saveConfig(file); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Login successful!")
		fmt.Fprintf(cmd.OutOrStdout(), "  User ID:  %s\n", id.UserID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Username: %s\n", valueOrDefault(id.Username, "(none)"))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := clearCredentials(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

func marketsyncAuth(id *marketsync.Identity) ConfigAuth {
	return ConfigAuth{Token: id.Token, UserID: id.UserID, Username: id.Username}
}

// clearCredentials drops the stored token and identity.
func clearCredentials() error {
	cfg, err := readConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Auth = ConfigAuth{}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}
