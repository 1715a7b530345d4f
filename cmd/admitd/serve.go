package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nhalm/admit/config"
	"github.com/nhalm/admit/ratelimit"
	"github.com/nhalm/admit/store"
)

var serveFlags struct {
	listenAddress string
	watch         bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admission service",
	Long: `Start the admission service with the routes from the configuration file.

Examples:
  # Start with the default config file
  admitd serve

  # Override the listen address
  admitd serve --config /etc/admit/admit.yaml --listen 0.0.0.0:8080

  # Reload routes when the config file changes
  admitd serve --watch`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().BoolVar(&serveFlags.watch, "watch", false, "reload routes when the config file changes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.listenAddress != "" {
		cfg.Server.ListenAddress = serveFlags.listenAddress
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := ratelimit.NewMetrics(reg)

	table, err := buildRoutes(cfg, stores, metrics)
	if err != nil {
		return err
	}
	srv := newServer(table, stores, metrics, cfg.Server)

	if serveFlags.watch {
		watcher, err := config.NewWatcher(cfgFile, 0, func(next *config.Config) {
			if err := setupLogging(next.Logging); err != nil {
				log.Error().Err(err).Msg("failed to apply logging config")
			}
			srv.reload(next)
		})
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Error().Err(err).Msg("config watcher exited")
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      srv.router(cfg.Server.MetricsPath, reg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", cfg.Server.ListenAddress).
			Int("routes", len(table.routes)).
			Bool("redis", stores.Remote != nil).
			Msg("admitd listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

// openStores opens the local store and, when enabled, the Redis store. The
// returned function closes both.
func openStores(cfg *config.Config) (ratelimit.Stores, func(), error) {
	local := store.NewMemory(
		store.WithShards(cfg.Local.Shards),
		store.WithLockTimeout(cfg.Local.LockTimeout),
		store.WithSweepInterval(cfg.Local.SweepInterval),
	)
	stores := ratelimit.Stores{Local: local}

	if cfg.Redis.Enabled {
		remote, err := store.NewRedis(store.RedisConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Timeout:  cfg.Redis.Timeout,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			local.Close()
			return ratelimit.Stores{}, nil, err
		}
		stores.Remote = remote
	}

	closeAll := func() {
		if err := local.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close local store")
		}
		if stores.Remote != nil {
			if err := stores.Remote.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close redis store")
			}
		}
	}
	return stores, closeAll, nil
}
