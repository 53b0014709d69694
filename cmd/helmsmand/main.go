// Copyright 2025 The Helmsman Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command helmsmand runs the orchestrator control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/helmsman-dev/helmsman/internal/config"
	"github.com/helmsman-dev/helmsman/internal/controlplane"
	"github.com/helmsman-dev/helmsman/internal/log"
	"github.com/helmsman-dev/helmsman/internal/secrets"
	"github.com/helmsman-dev/helmsman/internal/store"
	"github.com/helmsman-dev/helmsman/internal/store/memory"
	"github.com/helmsman-dev/helmsman/internal/store/sqlite"
	"github.com/helmsman-dev/helmsman/internal/workerrpc"
	"github.com/helmsman-dev/helmsman/internal/workerrpc/httprpc"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath    string
		storeBackend  string
		storePath     string
		fleetEndpoint string
	)

	root := &cobra.Command{
		Use:           "helmsmand",
		Short:         "Helmsman orchestrator control plane",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, storeBackend, storePath, fleetEndpoint)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	root.Flags().StringVar(&storeBackend, "store", "", "Storage backend (sqlite, memory)")
	root.Flags().StringVar(&storePath, "store-path", "", "SQLite database file")
	root.Flags().StringVar(&fleetEndpoint, "fleet-endpoint", "", "Worker fleet gateway base URL")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "helmsmand:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, storeBackend, storePath, fleetEndpoint string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if storeBackend != "" {
		cfg.Store.Backend = storeBackend
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}

	logOpts := log.FromEnv()
	if cfg.Log.Level != "" && os.Getenv("HELMSMAN_LOG_LEVEL") == "" {
		logOpts.Level = cfg.Log.Level
	}
	if cfg.Log.Format == "text" {
		logOpts.Format = log.FormatText
	}
	logger := log.New(logOpts)
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if fleetEndpoint == "" {
		fleetEndpoint = os.Getenv("HELMSMAN_FLEET_ENDPOINT")
	}
	if fleetEndpoint == "" {
		return errors.New("no fleet endpoint configured (--fleet-endpoint or HELMSMAN_FLEET_ENDPOINT)")
	}
	fleet := httprpc.New(fleetEndpoint)

	var opener secrets.Opener
	if sealer, err := secrets.NewSealerFromEnv(); err == nil {
		opener = sealer
	} else if !errors.Is(err, secrets.ErrNoKey) {
		return err
	} else {
		logger.Warn("no secrets key configured, provider secrets disabled")
	}

	cp, err := controlplane.New(controlplane.Options{
		Config:  cfg,
		Store:   st,
		Fleet:   fleet,
		Runtime: fleet,
		Routes:  workerrpc.NopRouteCleaner{},
		Opener:  opener,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	if cfg.Server.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.Server.MetricsAddr, logger)
	}
	if configPath != "" {
		go func() {
			if err := config.Watch(ctx, configPath, logger, cp.Settings.Invalidate); err != nil {
				logger.Warn("config watch unavailable", log.Error(err))
			}
		}()
	}

	logger.Info("starting helmsmand",
		slog.String("version", version),
		slog.String("store", cfg.Store.Backend),
		slog.String("fleet", log.SanitizeAPIKey(fleetEndpoint)))
	return cp.Run(ctx)
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return memory.New(), nil
	default:
		if dir := filepath.Dir(cfg.Store.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		return sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: true})
	}
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.Info("metrics listener started", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics listener failed", log.Error(err))
	}
}
