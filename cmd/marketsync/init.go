package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initEnvironment string
	initTransport   string
)

func init() {
	initCmd.Flags().StringVar(&initEnvironment, "environment", "production", "Environment: production or staging")
	initCmd.Flags().StringVar(&initTransport, "transport", "ws", "Push transport: ws, sse or none")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [base-url]",
	Short: "Create ~/.marketsync/config.toml",
	Long:  "Initialize the marketsync CLI by writing the API endpoint and transport to the local configuration file.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Environment = initEnvironment
		if len(args) == 1 {
			if err := setConfigValue(cfg, "default.base_url", args[0]); err != nil {
				return err
			}
		}
		if err := setConfigValue(cfg, "default.transport", initTransport); err != nil {
			return err
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "warn"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
		return nil
	},
}
