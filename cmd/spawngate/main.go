// Command spawngate is the Spawngate reverse proxy entry point.
//
// Usage:
//
//	spawngate run --config path/to/spawngate.toml
//	spawngate validate --config path/to/spawngate.toml
//
// Spawngate hot-reloads its backend list: edit the TOML file while the
// process is running and added or removed hosts take effect immediately; a
// changed backend's settings apply on its next start. Server-level settings
// (bind, port, admin, pool) are read only at startup. Shutdown is graceful: send SIGINT or SIGTERM and in-flight
// requests are drained subject to drain_timeout.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/spawngate/spawngate/internal/admin"
	"github.com/spawngate/spawngate/internal/backend"
	"github.com/spawngate/spawngate/internal/config"
	"github.com/spawngate/spawngate/internal/health"
	"github.com/spawngate/spawngate/internal/lifecycle"
	"github.com/spawngate/spawngate/internal/metrics"
	"github.com/spawngate/spawngate/internal/proxy"
	"github.com/spawngate/spawngate/internal/router"
	"github.com/spawngate/spawngate/internal/runtime"
)

// Version information, set at build time via -ldflags:
//
//	-X main.version=$(git describe --tags --always)
//	-X main.commit=$(git rev-parse --short HEAD)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "spawngate",
		Short: "Spawn-on-demand reverse proxy for serverless-style backends",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "spawngate.toml", "path to spawngate.toml")

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file without starting the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := config.Load(configPath)
			return err
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	})

	if err := root.Execute(); err != nil {
		slog.Error("spawngate: fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, v, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	prober := health.NewProber(cfg.PoolMaxIdlePerHost, cfg.PoolIdleTimeout)
	table := router.NewTable(nil)

	local := runtime.NewLocal(cfg.AdminPort)
	docker := runtime.NewDocker(cfg.AdminPort)
	ctrl := lifecycle.New(local, docker, table, prober, m)
	ctrl.ApplyConfig(cfg.Backends)

	config.Watch(v, func(newCfg config.ResolvedConfig) {
		ctrl.ApplyConfig(newCfg.Backends)
	})

	forwarder := proxy.New(table, ctrl, cfg.PoolMaxIdlePerHost, cfg.PoolIdleTimeout)

	adminSrv := admin.New(
		fmt.Sprintf("%s:%d", cfg.Bind, cfg.AdminPort),
		cfg.AdminJWTSecret,
		ctrl,
		table,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	)
	adminSrv.Start()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:      forwarder.Handler(),
		ReadTimeout:  0, // request_timeout is enforced per-backend in the forwarder
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("spawngate listening",
			"bind", cfg.Bind, "port", cfg.Port, "admin_port", cfg.AdminPort,
			"backends", len(cfg.Backends), "version", version, "commit", commit,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("spawngate: server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("spawngate: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), maxDrain(cfg.Backends))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("spawngate: forced listener shutdown", "error", err)
	}
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		slog.Warn("spawngate: backend shutdown reported errors", "error", err)
	}
	if err := adminSrv.Stop(shutdownCtx); err != nil {
		slog.Warn("spawngate: admin server shutdown error", "error", err)
	}

	slog.Info("spawngate: stopped")
	return nil
}

// maxDrain bounds the overall shutdown by the slowest backend's drain plus
// grace period, so Shutdown's context does not cut off a legitimately
// draining handle early.
func maxDrain(backends map[string]*backend.Config) time.Duration {
	max := 30 * time.Second
	for _, cfg := range backends {
		total := cfg.DrainTimeout + cfg.ShutdownGrace
		if total > max {
			max = total
		}
	}
	return max
}
