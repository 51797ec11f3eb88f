package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/httpapi"
	"github.com/jkaninda/ngome/internal/scheduler"
)

var (
	serveAddr string
	serveDocs bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server (and scheduler, if configured)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override the listen address (e.g. :9090)")
	serveCmd.Flags().BoolVar(&serveDocs, "docs", false, "serve interactive OpenAPI docs")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(slog.LevelInfo)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Scheduled test batteries.
	var schedMetrics *scheduler.Metrics
	if m := sc.Obs.MetricsOrNil(); m != nil {
		schedMetrics = scheduler.NewMetrics(m.Registry)
	}
	sched := scheduler.New(sc.Runner, cfg.Scheduler, schedMetrics, logger)
	stopSched, err := sched.Start(ctx)
	if err != nil {
		return err
	}
	defer stopSched()

	// HTTP API.
	apiCfg := httpapi.Config{
		ListenAddr: cfg.Server.ListenAddr(),
		EnableDocs: serveDocs,
	}
	if cfg.Server != nil {
		apiCfg.APIKeys = cfg.Server.APIKeys
	}
	if serveAddr != "" {
		apiCfg.ListenAddr = serveAddr
	}
	if obs := sc.Obs; obs != nil {
		apiCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			apiCfg.Metrics = obs.Metrics
			apiCfg.MetricsRegistry = obs.Metrics.Registry
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				apiCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if ts := obs.TracerOrNil(); ts != nil {
			apiCfg.Tracer = ts.Tracer()
		}
	}

	gw := httpapi.NewGateway(apiCfg, sc.Manager, sc.Runner, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.String("error", err.Error()))
	}

	return nil
}
