// Package observability wires logging, metrics, tracing and the ops HTTP
// server for workers.
package observability

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/durable/internal/config"
	"github.com/pitabwire/durable/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: storage failures, dead workflows, panics in workflow code
//   - warn:  recoverable activity failures, lost leases, drain timeouts
//   - info:  worker start/stop, workflow completion
//   - debug: replay decisions, pulls, wake notifications, lease GC
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// WorkflowLogger returns a logger enriched with the RayContext fields of a
// workflow run. If no logger is in the context, the fallback is used.
func WorkflowLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rc := model.RayContextFrom(ctx)
	if rc == nil {
		return logger
	}

	fields := []zap.Field{
		zap.Stringer("workflow_id", rc.WorkflowID),
		zap.String("workflow_name", rc.WorkflowName),
		zap.Stringer("ray_id", rc.RayID),
	}
	if rc.WorkerInstanceID != uuid.Nil {
		fields = append(fields, zap.Stringer("worker_instance_id", rc.WorkerInstanceID))
	}

	// Include trace_id if a span is active.
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}

	return logger.With(fields...)
}
