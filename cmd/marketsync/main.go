package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.marketsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Sync    ConfigSync    `toml:"sync"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds endpoint settings.
type ConfigDefault struct {
	Environment string `toml:"environment"`
	BaseURL     string `toml:"base_url"`
	RealtimeURL string `toml:"realtime_url"`
	// Transport is ws, sse or none.
	Transport string `toml:"transport"`
}

// ConfigAuth holds the cached credential and the identity it resolved to.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
}

// ConfigSync tunes the engine run by watch and the one-shot commands.
type ConfigSync struct {
	PollInterval    string `toml:"poll_interval"`
	ChatActive      bool   `toml:"chat_active"`
	MaxAuthAttempts int    `toml:"max_auth_attempts"`
}

type ConfigLog struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.marketsync (or $MARKETSYNC_HOME), creating
// it if needed.
func configDir() (string, error) {
	dir := os.Getenv("MARKETSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".marketsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfig reads and parses the config file without environment
// overrides. If the file does not exist, it returns a zero-value Config.
func readConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies MARKETSYNC_* overrides. A
// .env file in the working directory is loaded first when present.
func loadConfig() (*Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

var envKeys = map[string]string{
	"MARKETSYNC_ENVIRONMENT":   "default.environment",
	"MARKETSYNC_BASE_URL":      "default.base_url",
	"MARKETSYNC_REALTIME_URL":  "default.realtime_url",
	"MARKETSYNC_TRANSPORT":     "default.transport",
	"MARKETSYNC_TOKEN":         "auth.token",
	"MARKETSYNC_POLL_INTERVAL": "sync.poll_interval",
	"MARKETSYNC_CHAT_ACTIVE":   "sync.chat_active",
	"MARKETSYNC_LOG_LEVEL":     "log.level",
	"MARKETSYNC_LOG_PRETTY":    "log.pretty",
}

func applyEnv(cfg *Config, getenv func(string) string) {
	for env, key := range envKeys {
		if v := getenv(env); v != "" {
			// Keys in envKeys are all valid; a bad value keeps the file's.
			_ = setConfigValue(cfg, key, v)
		}
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "realtime_url":
			cfg.Default.RealtimeURL = value
		case "transport":
			switch value {
			case "ws", "sse", "none":
				cfg.Default.Transport = value
			default:
				return fmt.Errorf("transport must be ws, sse or none")
			}
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		switch field {
		case "poll_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid poll_interval: %w", err)
			}
			cfg.Sync.PollInterval = value
		case "chat_active":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid chat_active: %w", err)
			}
			cfg.Sync.ChatActive = b
		case "max_auth_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("max_auth_attempts must be a non-negative integer")
			}
			cfg.Sync.MaxAuthAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "log":
		switch field {
		case "level":
			if _, err := zerolog.ParseLevel(strings.ToLower(value)); err != nil {
				return fmt.Errorf("invalid log level %q", value)
			}
			cfg.Log.Level = strings.ToLower(value)
		case "pretty":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid pretty: %w", err)
			}
			cfg.Log.Pretty = b
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, sync, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var outputFormat string

var rootCmd = &cobra.Command{
	Use:   "marketsync",
	Short: "Marketplace notification and chat sync CLI",
	Long:  "Command-line interface for the marketsync engine.\nManage credentials, inspect notifications and conversations, and watch live updates.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("--format must be text, json or yaml")
		}
		cfg, err := readConfig()
		if err != nil {
			// Commands that need the config report the error themselves.
			cfg = &Config{}
		}
		applyEnv(cfg, os.Getenv)
		setupLogging(cfg.Log)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "o", "text", "Output format: text, json or yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
