package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/internal/transport"
)

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local sync agent",
		Long: `Run the local sync agent. The agent probes the survey service, replays the
offline queue on reconnect and on a fixed interval, and exposes health,
readiness, metrics and queue endpoints over HTTP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}

	// Step 1: Load configuration.
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	// Step 2: Initialize telemetry (logger, tracer).
	logger, err := newLogger(cfg)
	if err != nil {
		return withExitCode(1, err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.SetupTracing(ctx, cfg.Observability.Tracing, "surveysync-agent", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return withExitCode(1, err)
	}

	// Step 3: Wire storage, definitions, connectivity and the remote client.
	a, err := newApp(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("agent initialization failed", zap.Error(err))
		return withExitCode(1, err)
	}
	defer a.Close()

	// Step 4: Build HTTP router.
	router := transport.NewRouter(transport.Dependencies{
		Queue:          a.queue,
		Sender:         a.client,
		Definitions:    a.definitions,
		Registry:       a.registry,
		Status:         a.client,
		Readiness:      a.readiness(),
		Gatherer:       prometheus.DefaultGatherer,
		Metrics:        a.metrics,
		Logger:         logger,
		HandlerTimeout: cfg.Agent.WriteTimeout,
	})
	srv := httpServer(cfg.Agent, router)

	// Step 5: Start background tasks: probing and queue replay.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	stopWatch := a.queue.Watch(bgCtx, a.probe, a.client)
	go a.probe.Run(bgCtx)
	go a.queue.Run(bgCtx, cfg.Queue.ReplayInterval, a.probe, a.client)

	// SIGHUP reloads the local definitions.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-hup:
				_ = a.reloadDefinitions()
			}
		}
	}()

	// Step 6: Start HTTP server.
	logger.Info("agent started",
		zap.Int("port", cfg.Agent.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", a.registry.Len()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return withExitCode(1, err)
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Agent.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel background tasks and wait for in-flight replays.
	bgCancel()
	stopWatch()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
