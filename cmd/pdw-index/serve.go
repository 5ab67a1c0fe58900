package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/api"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/cache"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/config"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/metrics"
)

const shutdownTimeout = 5 * time.Second

func NewServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the index cache HTTP server",
		Long: `Start the HTTP server. Pending writes are not flushed on shutdown;
clients that need durability must call the flush endpoint first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("storage", "", "blob storage backend (overrides storage.backend)")
	a.bind("addr", "server.addr")
	a.bind("storage", "storage.backend")
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	if err := a.validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			a.log.Error("failed to close storage", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector(true)
	opts := a.cfg.CacheOptions()
	opts.Store = b.store
	opts.Registry = b.registry
	opts.Codec = b.codec
	opts.Logger = a.log
	opts.Metrics = collector

	c, err := cache.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	defer c.Destroy()

	if a.v.ConfigFileUsed() != "" {
		config.Watch(a.v, a.log, c.UpdateTuning)
	}

	server := api.NewServer(c, api.Options{Addr: a.cfg.Server.Addr, Metrics: collector}, a.log)

	startupErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			a.log.Error("server startup failed", zap.Error(err))
			startupErr <- err
		}
	}()

	select {
	case err := <-startupErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
	}
	a.log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server shutdown error", zap.Error(err))
		return err
	}

	stats := c.GetCacheStats()
	if stats.TotalPendingVectors > 0 {
		a.log.Warn("discarding unflushed writes",
			zap.Int("users", stats.TotalUsers),
			zap.Int("pending", stats.TotalPendingVectors))
	}
	a.log.Info("server shutdown completed")
	return nil
}
