package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/classifieds-hub/marketsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	watchMetricsAddr string
	watchChat        bool
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	watchCmd.Flags().BoolVar(&watchChat, "chat", false, "Subscribe to the chat channel")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the sync engine and print every state change",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if watchChat {
			cfg.Sync.ChatActive = true
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics := marketsync.NewMetrics(reg)

		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Str("addr", watchMetricsAddr).Msg("metrics server failed")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		engine, err := startEngine(ctx, cfg, true, marketsync.WithMetrics(metrics))
		if err != nil {
			return err
		}
		defer engine.Close()

		out := cmd.OutOrStdout()
		var mu sync.Mutex
		var last uint64
		show := func(s marketsync.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			if s.Version != 0 && s.Version <= last {
				return
			}
			last = s.Version
			if outputFormat == "text" {
				_ = writeSnapshot(out, s)
				return
			}
			if outputFormat == "yaml" {
				fmt.Fprintln(out, "---")
			}
			_ = render(out, outputFormat, s, nil)
		}

		engine.OnChange(show)
		engine.OnFailure(func(f marketsync.MutationFailure) {
			log.Warn().Err(f.Err).Str("kind", string(f.Kind)).Strs("ids", f.IDs).Msg("change rolled back")
		})
		show(engine.Snapshot())

		<-ctx.Done()
		return nil
	},
}
