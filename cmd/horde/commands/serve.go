package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/teranos/horde/config"
	"github.com/teranos/horde/logger"
	"github.com/teranos/horde/oracle"
	"github.com/teranos/horde/swarm"
	"github.com/teranos/horde/version"
)

// ServeCmd runs the coordinator in the foreground
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the horde coordinator",
	Long: `Run the horde coordinator in foreground mode.

The coordinator will:
- Load the JSON snapshots (users, workers, stats)
- Snapshot state back to disk on a timer
- Reap waiting prompts that stall for ten minutes
- Serve Prometheus metrics when metrics.listen_addr is set
- Run until interrupted (Ctrl+C), taking a final snapshot on the way out`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if dbDir, _ := cmd.Flags().GetString("db-dir"); dbDir != "" {
			cfg.DB.Dir = dbDir
		}
		if err := logger.Initialize(cfg.Log.JSON); err != nil {
			return err
		}
		logger.Infow("Horde coordinator starting",
			"version", version.Get().String(),
			"snapshot_schema", version.SnapshotSchema)

		sizer := oracle.NewHuggingFace(
			cfg.Oracle.BaseURL,
			cfg.Oracle.RequestsPerMinute,
			time.Duration(cfg.Oracle.TimeoutSeconds)*time.Second,
		)

		store := swarm.NewStore(swarm.Options{
			Dir:                cfg.DB.Dir,
			Sizer:              sizer,
			SnapshotInterval:   cfg.SnapshotInterval(),
			ReaperInterval:     cfg.ReaperInterval(),
			StatsPruneInterval: cfg.StatsPruneInterval(),
			OracleTimeout:      time.Duration(cfg.Oracle.TimeoutSeconds) * time.Second,
			AllowAnonymous:     true,
			Logger:             logger.Logger.Named("swarm"),
		})
		if err := store.Load(""); err != nil {
			return err
		}

		if warning := store.CheckMemoryPressure(); warning != "" {
			logger.Warnw("Memory pressure at startup", "warning", warning)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		// Hot-apply interval changes when horde.toml is edited
		if watcher, err := config.NewWatcher("horde.toml"); err == nil {
			watcher.OnReload(func(newCfg *config.Config) error {
				store.SetIntervals(
					newCfg.SnapshotInterval(),
					newCfg.ReaperInterval(),
					newCfg.StatsPruneInterval(),
				)
				return nil
			})
			watcher.Start()
			defer watcher.Close()
		}

		if cfg.Metrics.ListenAddr != "" {
			go serveMetrics(ctx, cfg.Metrics.ListenAddr, store)
		}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			logger.Info("Shutdown signal received")
			cancel()
		}()

		store.Run(ctx)
		return logger.Cleanup()
	},
}

// serveMetrics exposes the store's collectors until ctx is cancelled
func serveMetrics(ctx context.Context, addr string, store *swarm.Store) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(swarm.NewMetrics(store))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infow("Metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Errorw("Metrics listener failed", "error", err)
	}
}

func init() {
	ServeCmd.Flags().String("db-dir", "", "Override the snapshot directory")
}
