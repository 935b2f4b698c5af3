package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/classifieds-hub/marketsync"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

// configEntry is one dot-notation key as config show and get present it.
type configEntry struct {
	key string
	def string
	get func(*Config) string
}

func boolValue(b bool) string {
	if b {
		return "true"
	}
	return ""
}

var configEntries = []configEntry{
	{"default.environment", "production", func(c *Config) string { return c.Default.Environment }},
	{"default.base_url", "", func(c *Config) string { return c.Default.BaseURL }},
	{"default.realtime_url", "", func(c *Config) string { return c.Default.RealtimeURL }},
	{"default.transport", "ws", func(c *Config) string { return c.Default.Transport }},
	{"auth.token", "", func(c *Config) string {
		if c.Auth.Token == "" {
			return ""
		}
		return maskKey(c.Auth.Token)
	}},
	{"auth.user_id", "", func(c *Config) string { return c.Auth.UserID }},
	{"auth.username", "", func(c *Config) string { return c.Auth.Username }},
	{"sync.poll_interval", marketsync.DefaultPollInterval.String(), func(c *Config) string { return c.Sync.PollInterval }},
	{"sync.chat_active", "false", func(c *Config) string { return boolValue(c.Sync.ChatActive) }},
	{"sync.max_auth_attempts", strconv.Itoa(marketsync.DefaultRetryPolicy().MaxAttempts), func(c *Config) string {
		if c.Sync.MaxAuthAttempts == 0 {
			return ""
		}
		return strconv.Itoa(c.Sync.MaxAuthAttempts)
	}},
	{"log.level", "warn", func(c *Config) string { return c.Log.Level }},
	{"log.pretty", "false", func(c *Config) string { return boolValue(c.Log.Pretty) }},
}

func findEntry(key string) (configEntry, bool) {
	for _, e := range configEntries {
		if e.key == key {
			return e, true
		}
	}
	return configEntry{}, false
}

func envFor(key string) string {
	for env, k := range envKeys {
		if k == key {
			return env
		}
	}
	return ""
}

// resolve returns the effective value of e and where it came from: the
// config file, an environment override, the built-in default, or unset.
func (e configEntry) resolve(file, effective *Config) (value, source string) {
	fv, ev := e.get(file), e.get(effective)
	switch {
	case ev != fv && ev != "":
		return ev, "env " + envFor(e.key)
	case fv != "":
		return fv, "file"
	case e.def != "":
		return e.def, "default"
	}
	return "-", "unset"
}

// writeConfig prints the effective configuration grouped by section.
func writeConfig(w io.Writer, file, effective *Config) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	section := ""
	for _, e := range configEntries {
		sec, field, _ := strings.Cut(e.key, ".")
		if sec != section {
			if section != "" {
				fmt.Fprintln(tw)
			}
			fmt.Fprintf(tw, "[%s]\n", sec)
			section = sec
		}
		value, source := e.resolve(file, effective)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", field, value, source)
	}
	return tw.Flush()
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage marketsync configuration",
	Long:  "View or modify the marketsync CLI configuration stored in ~/.marketsync/config.toml.\nMARKETSYNC_* environment variables override the file.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := readConfig()
		if err != nil {
			return err
		}
		effective, err := loadConfig()
		if err != nil {
			return err
		}
		if outputFormat != "text" {
			masked := *effective
			if masked.Auth.Token != "" {
				masked.Auth.Token = maskKey(masked.Auth.Token)
			}
			return render(cmd.OutOrStdout(), outputFormat, masked, nil)
		}

		out := cmd.OutOrStdout()
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(out, "No configuration file found. Run 'marketsync init' to create one.")
		} else {
			fmt.Fprintf(out, "# %s\n", path)
		}
		return writeConfig(out, file, effective)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entry, ok := findEntry(args[0])
		if !ok {
			return fmt.Errorf("unknown config key %q", args[0])
		}
		file, err := readConfig()
		if err != nil {
			return err
		}
		effective, err := loadConfig()
		if err != nil {
			return err
		}
		value, source := entry.resolve(file, effective)
		return render(cmd.OutOrStdout(), outputFormat, map[string]string{"key": entry.key, "value": value, "source": source}, func(w io.Writer) error {
			_, err := fmt.Fprintln(w, value)
			return err
		})
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: marketsync config set default.transport sse",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Set %s = %s\n", key, value)
		if env := envFor(key); env != "" && os.Getenv(env) != "" {
			fmt.Fprintf(out, "Note: %s is set and overrides this value.\n", env)
		}
		return nil
	},
}
