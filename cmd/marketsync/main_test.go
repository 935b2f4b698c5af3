package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the CLI at an empty config directory and clears every
// override from the environment.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MARKETSYNC_HOME", dir)
	for env := range envKeys {
		t.Setenv(env, "")
	}
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
		check      func(t *testing.T, c *Config)
	}{
		{"default.base_url", "http://localhost:3000", false, func(t *testing.T, c *Config) { assert.Equal(t, "http://localhost:3000", c.Default.BaseURL) }},
		{"default.transport", "sse", false, func(t *testing.T, c *Config) { assert.Equal(t, "sse", c.Default.Transport) }},
		{"default.transport", "carrier-pigeon", true, nil},
		{"default.colour", "blue", true, nil},
		{"auth.token", "tok", false, func(t *testing.T, c *Config) { assert.Equal(t, "tok", c.Auth.Token) }},
		{"sync.poll_interval", "15s", false, func(t *testing.T, c *Config) { assert.Equal(t, "15s", c.Sync.PollInterval) }},
		{"sync.poll_interval", "soon", true, nil},
		{"sync.chat_active", "true", false, func(t *testing.T, c *Config) { assert.True(t, c.Sync.ChatActive) }},
		{"sync.chat_active", "maybe", true, nil},
		{"sync.max_auth_attempts", "5", false, func(t *testing.T, c *Config) { assert.Equal(t, 5, c.Sync.MaxAuthAttempts) }},
		{"sync.max_auth_attempts", "-1", true, nil},
		{"log.level", "DEBUG", false, func(t *testing.T, c *Config) { assert.Equal(t, "debug", c.Log.Level) }},
		{"log.level", "loud", true, nil},
		{"log.pretty", "1", false, func(t *testing.T, c *Config) { assert.True(t, c.Log.Pretty) }},
		{"nodot", "x", true, nil},
		{"server.port", "80", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			var c Config
			err := setConfigValue(&c, tt.key, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, &c)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	c := &Config{
		Default: ConfigDefault{Transport: "ws"},
		Sync:    ConfigSync{PollInterval: "30s"},
	}
	env := map[string]string{
		"MARKETSYNC_TOKEN":         "from-env",
		"MARKETSYNC_TRANSPORT":     "telepathy",
		"MARKETSYNC_POLL_INTERVAL": "5s",
		"MARKETSYNC_LOG_PRETTY":    "true",
	}
	applyEnv(c, func(k string) string { return env[k] })

	assert.Equal(t, "from-env", c.Auth.Token)
	assert.Equal(t, "ws", c.Default.Transport, "an invalid override keeps the file value")
	assert.Equal(t, "5s", c.Sync.PollInterval)
	assert.True(t, c.Log.Pretty)
}

func TestConfigRoundTrip(t *testing.T) {
	dir := isolate(t)

	c, err := readConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, c, "a missing file reads as empty")

	c.Default.Environment = "staging"
	c.Auth = ConfigAuth{Token: "tok", UserID: "u1", Username: "alice"}
	c.Sync.ChatActive = true
	require.NoError(t, saveConfig(c))

	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	back, err := readConfig()
	require.NoError(t, err)
	assert.Equal(t, c, back)
}

func TestReadConfig_Invalid(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[default\nbroken"), 0o600))
	_, err := readConfig()
	assert.ErrorContains(t, err, "cannot parse config")
}

func TestConfigCommands(t *testing.T) {
	isolate(t)

	out, err := execute(t, "config", "show", "-o", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "No configuration file found")

	out, err = execute(t, "config", "set", "auth.token", "mk_live_0123456789abcdef", "-o", "text")
	require.NoError(t, err)
	assert.Equal(t, "Set auth.token = mk_live_0123456789abcdef\n", out)

	_, err = execute(t, "config", "set", "default.transport", "fax", "-o", "text")
	assert.Error(t, err)

	out, err = execute(t, "config", "show", "-o", "json")
	require.NoError(t, err)
	var shown Config
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "mk_liv...cdef", shown.Auth.Token, "the token is masked")
}

func TestConfigGetShowsSource(t *testing.T) {
	isolate(t)

	out, err := execute(t, "config", "get", "default.transport", "-o", "text")
	require.NoError(t, err)
	assert.Equal(t, "ws\n", out, "unset keys report their default")

	_, err = execute(t, "config", "set", "sync.poll_interval", "15s", "-o", "text")
	require.NoError(t, err)
	t.Setenv("MARKETSYNC_POLL_INTERVAL", "5s")

	out, err = execute(t, "config", "get", "sync.poll_interval", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"sync.poll_interval","value":"5s","source":"env MARKETSYNC_POLL_INTERVAL"}`, out)

	out, err = execute(t, "config", "set", "sync.poll_interval", "20s", "-o", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "MARKETSYNC_POLL_INTERVAL is set and overrides this value")

	out, err = execute(t, "config", "show", "-o", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "[sync]\n")
	assert.Regexp(t, `poll_interval\s+5s\s+env MARKETSYNC_POLL_INTERVAL`, out)

	_, err = execute(t, "config", "get", "sync.nope", "-o", "text")
	assert.ErrorContains(t, err, "unknown config key")
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	isolate(t)
	_, err := execute(t, "config", "show", "-o", "xml")
	assert.ErrorContains(t, err, "--format")
	outputFormat = "text"
}

func TestEngineConfigAndTransport(t *testing.T) {
	c := &Config{Sync: ConfigSync{PollInterval: "10s", ChatActive: true}}
	ec := engineConfig(c)
	assert.Equal(t, "10s", ec.PollInterval.String())
	assert.True(t, ec.ChatActive)

	c.Sync.PollInterval = "whenever"
	assert.Zero(t, engineConfig(c).PollInterval)

	c.Default.Transport = "none"
	assert.Nil(t, transportFactory(c, "http://localhost"))
	c.Default.Transport = "sse"
	assert.NotNil(t, transportFactory(c, "http://localhost"))
	c.Default.Transport = ""
	assert.NotNil(t, transportFactory(c, "http://localhost"))
}

func TestNewClientFromConfig(t *testing.T) {
	assert.Equal(t, "http://localhost:3000", newClient(&Config{Default: ConfigDefault{BaseURL: "http://localhost:3000/"}}).BaseURL())
	assert.Equal(t, "https://api.staging.classifieds-hub.com", newClient(&Config{Default: ConfigDefault{Environment: "staging"}}).BaseURL())
	assert.Equal(t, "https://api.classifieds-hub.com", newClient(&Config{}).BaseURL())
}

func TestStartEngineWithoutToken(t *testing.T) {
	_, err := startEngine(context.Background(), &Config{}, false)
	assert.ErrorContains(t, err, "no token")
}
