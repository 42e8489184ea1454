package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Swind/goo-runtime/config"
	"github.com/Swind/goo-runtime/core"
	obs "github.com/Swind/goo-runtime/observability/prometheus"
)

func newServeCmd() *cobra.Command {
	var (
		addr     string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose runtime metrics over HTTP while the demos run periodically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Metrics.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cfg.Logger("goort"), interval)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address for /metrics (overrides [metrics] addr)")
	cmd.Flags().DurationVar(&interval, "demo-interval", 10*time.Second, "how often the demo workload runs")
	return cmd
}

// serve runs the metrics endpoint until ctx is done.
func serve(ctx context.Context, cfg config.Config, logger core.Logger, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	reg := prom.NewRegistry()
	e, err := newEnv(cfg, logger, reg, io.Discard)
	if err != nil {
		return err
	}
	e.pool.Start(ctx)
	defer e.close()

	poller, err := obs.NewSnapshotPoller(reg, cfg.Metrics.PollInterval)
	if err != nil {
		return err
	}
	poller.AddPool(e.pool.ID(), e.pool)
	poller.Start(ctx)
	defer poller.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", core.F("addr", cfg.Metrics.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, name := range demoNames() {
			if err := demos[name](ctx, e); err != nil && ctx.Err() == nil {
				logger.Warn("demo failed", core.F("demo", name), core.F("error", err.Error()))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-serveErr:
			if ok {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		case <-ticker.C:
		}
	}
}
