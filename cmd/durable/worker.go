package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/durable/internal/config"
	"github.com/pitabwire/durable/internal/demo"
	"github.com/pitabwire/durable/internal/observability"
	"github.com/pitabwire/durable/workflow"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker until interrupted",
		Long: `Run a worker that pulls and executes the sample workflows.
The first SIGINT or SIGTERM drains running workflows for the configured
shutdown timeout, a second one abandons the drain and a third exits at once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(parent context.Context) error {
	// Step 1: Load configuration.
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "durable-worker", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 3: Open the storage driver and its bus.
	drv, closeDriver, err := openDriver(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDriver()

	// Step 4: Register workflows and build the worker.
	reg := workflow.NewRegistry()
	if err := demo.Register(reg); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	w := workflow.NewWorker(reg, drv,
		workflow.FromConfig(cfg.Worker),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
	)
	logger.Info("worker starting",
		zap.Stringer("worker_id", w.ID()),
		zap.Strings("workflows", reg.WorkflowNames()),
		zap.String("driver", cfg.Driver.Kind),
		zap.String("bus", cfg.Bus.Kind),
	)

	// Step 5: Start the ops server.
	var ops *observability.OpsServer
	if cfg.Observability.Metrics.Enabled {
		ops = observability.NewOpsServer(cfg.Observability.Metrics.Listen, observability.OpsDependencies{
			Ready:       observability.WorkerDependencies(drv, w),
			Gatherer:    prometheus.DefaultGatherer,
			MetricsPath: cfg.Observability.Metrics.Path,
			Logger:      logger,
		})
		if err := ops.Start(); err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	}

	// Step 6: Run the worker loop.
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 3)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	// Wait for shutdown signal or worker error.
	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutdown initiated", zap.Stringer("signal", sig))
	case <-parent.Done():
		logger.Info("shutdown initiated")
	case runErr = <-errCh:
		logger.Error("worker stopped", zap.Error(runErr))
	}

	// Graceful shutdown sequence.
	drainWorker(w, cfg.Worker, sigCh, logger)
	cancel()
	if runErr == nil {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	if ops != nil {
		if err := ops.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown error", zap.Error(err))
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}

// drainWorker stops the worker, waiting up to the shutdown timeout for
// running workflows to yield. A second signal abandons the wait and a third
// exits the process.
func drainWorker(w *workflow.Worker, cfg config.WorkerConfig, sigCh <-chan os.Signal, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Shutdown(ctx) }()

	signals := 1
	for {
		select {
		case err := <-done:
			if err != nil {
				logger.Warn("drain incomplete", zap.Error(err), zap.Int("running", w.Running()))
			}
			return
		case <-sigCh:
			signals++
			if signals >= 3 {
				logger.Warn("forced exit", zap.Int("running", w.Running()))
				_ = logger.Sync()
				os.Exit(1)
			}
			logger.Warn("abandoning drain, leases will expire", zap.Int("running", w.Running()))
			cancel()
		}
	}
}
