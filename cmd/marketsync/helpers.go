package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/classifieds-hub/marketsync"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// setupLogging configures the global zerolog logger from the [log] section.
func setupLogging(c ConfigLog) {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning", "":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
	if c.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// newClient creates an API client authenticated with the stored token.
func newClient(cfg *Config) *marketsync.HTTPClient {
	var opts []marketsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, marketsync.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, marketsync.WithEnvironment(marketsync.Environment(cfg.Default.Environment)))
	}
	return marketsync.NewClient(cfg.Auth.Token, opts...)
}

func newSessionLoader(cfg *Config, client *marketsync.HTTPClient, sink marketsync.AuthSink) *marketsync.SessionLoader {
	policy := marketsync.DefaultRetryPolicy()
	if cfg.Sync.MaxAuthAttempts > 0 {
		policy.MaxAttempts = cfg.Sync.MaxAuthAttempts
	}
	return &marketsync.SessionLoader{
		Fetcher:          client,
		Sink:             sink,
		Policy:           policy,
		ClearCredentials: clearCredentials,
		Log:              log.Logger.With().Str("component", "session").Logger(),
	}
}

func engineConfig(cfg *Config) marketsync.Config {
	ec := marketsync.Config{ChatActive: cfg.Sync.ChatActive}
	if d, err := time.ParseDuration(cfg.Sync.PollInterval); err == nil {
		ec.PollInterval = d
	}
	return ec
}

// transportFactory returns the push transport configured in [default], or nil
// for poll-only operation.
func transportFactory(cfg *Config, base string) marketsync.TransportFactory {
	if cfg.Default.RealtimeURL != "" {
		base = cfg.Default.RealtimeURL
	}
	logger := log.Logger.With().Str("component", "transport").Logger()
	rc := &marketsync.RealtimeConfig{Logger: &logger}
	switch cfg.Default.Transport {
	case "none":
		return nil
	case "sse":
		return marketsync.SSETransportFactory(base, rc)
	default:
		return marketsync.WSTransportFactory(base, rc)
	}
}

// startEngine loads the stored session into a new engine and waits for its
// first authoritative fetch. One-shot commands run without push.
func startEngine(ctx context.Context, cfg *Config, push bool, opts ...marketsync.Option) (*marketsync.Engine, error) {
	if cfg.Auth.Token == "" {
		return nil, errors.New("no token; run 'marketsync login <token>' first")
	}
	client := newClient(cfg)
	var factory marketsync.TransportFactory
	if push {
		factory = transportFactory(cfg, client.BaseURL())
	}
	opts = append([]marketsync.Option{
		marketsync.WithLogger(log.Logger),
		marketsync.WithConfig(engineConfig(cfg)),
	}, opts...)
	engine := marketsync.NewEngine(client, factory, opts...)

	if _, err := newSessionLoader(cfg, client, engine).Load(ctx, cfg.Auth.Token); err != nil {
		engine.Close()
		return nil, err
	}
	if err := engine.Refresh(ctx); err != nil {
		engine.Close()
		return nil, fmt.Errorf("initial fetch: %w", err)
	}
	return engine, nil
}

// waitMutation blocks until h settles and turns a rollback into an error.
func waitMutation(ctx context.Context, h *marketsync.MutationHandle) error {
	if err := h.Wait(ctx); err != nil {
		return fmt.Errorf("%s failed: %w", h.Kind, err)
	}
	return nil
}

// render writes v in the requested format. text falls back to JSON when no
// text renderer is given.
func render(w io.Writer, format string, v interface{}, text func(io.Writer) error) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(toPlain(v)); err != nil {
			return err
		}
		return enc.Close()
	case "text":
		if text != nil {
			return text(w)
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// toPlain round-trips v through JSON so YAML output uses the JSON field names.
func toPlain(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// maskKey shows the first 6 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
