package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	collabkit "github.com/c0deZ3R0/go-collab-kit"
	"github.com/c0deZ3R0/go-collab-kit/config"
	"github.com/c0deZ3R0/go-collab-kit/logging"
	prommetrics "github.com/c0deZ3R0/go-collab-kit/metrics/prom"
	"github.com/c0deZ3R0/go-collab-kit/storage/pebbledb"
	"github.com/c0deZ3R0/go-collab-kit/storage/postgres"
	"github.com/c0deZ3R0/go-collab-kit/storage/sqlite"
	redistransport "github.com/c0deZ3R0/go-collab-kit/transport/redis"
)

type serveOptions struct {
	root        *rootOptions
	metricsAddr string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{root: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a headless replica",
		Long: `serve starts an engine replica that integrates remote operations
from the configured transport and autosaves documents to the configured
storage backend. It runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "listen address for Prometheus metrics (disabled when empty)")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg := opts.root.cfg
	logger := logging.WithComponent(logging.Component("serve"))

	persistence, closePersistence, err := newPersistence(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer closePersistence()

	transport, closeTransport, err := newTransport(cfg.Transport)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer closeTransport()

	engineOpts := append(cfg.EngineOptions(),
		collabkit.WithPersistence(persistence),
		collabkit.WithMetrics(prommetrics.New()),
		collabkit.WithLogger(logging.WithComponent(logging.Component("engine"))),
	)
	if transport != nil {
		engineOpts = append(engineOpts, collabkit.WithTransport(transport))
	}

	engine, err := collabkit.New(engineOpts...)
	if err != nil {
		return err
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: opts.metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.ErrorContext(ctx, "Metrics listener failed", slog.String("error", err.Error()))
			}
		}()
		logger.InfoContext(ctx, "Serving metrics", slog.String("addr", opts.metricsAddr))
	}

	logger.InfoContext(ctx, "Replica running",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("transport", cfg.Transport.Driver),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.InfoContext(ctx, "Shutting down", slog.String("signal", s.String()))
	case <-ctx.Done():
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	return engine.Close()
}

// newPersistence builds the storage adapter named by the config. The
// returned func releases the adapter after the engine has closed.
func newPersistence(cfg config.StorageConfig) (collabkit.Persistence, func(), error) {
	switch cfg.Driver {
	case config.StorageSQLite:
		store, err := sqlite.NewWithDataSource(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.StoragePostgres:
		store, err := postgres.NewWithConnectionString(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.StoragePebble:
		store, err := pebbledb.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.StorageNone:
		return collabkit.NewMemoryPersistence(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// newTransport builds the replica transport named by the config. A nil
// transport means the replica runs standalone.
func newTransport(cfg config.TransportConfig) (collabkit.Transport, func(), error) {
	switch cfg.Driver {
	case config.TransportRedis:
		t, err := redistransport.New(&redistransport.Config{
			Addr:          cfg.RedisAddr,
			ChannelPrefix: cfg.ChannelPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, func() { _ = t.Close() }, nil
	case config.TransportInmem, config.TransportNone:
		// An in-process hub needs peers in the same process; a lone
		// serve command has none, so both run standalone.
		return nil, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport driver %q", cfg.Driver)
	}
}
