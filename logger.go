package taxgo

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with taxgo-specific helpers. It provides
// structured logging with consistent field names across build,
// classification and persistence.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. If handler is
// nil, uses the default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text
// logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithDatabase adds a database name field to the logger.
func (l *Logger) WithDatabase(name string) *Logger {
	return &Logger{Logger: l.Logger.With("database", name)}
}

// LogBuild logs the outcome of a database build.
func (l *Logger) LogBuild(ctx context.Context, sequences, fingerprints, distinct uint64, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "database build failed",
			"sequences", sequences,
			"fingerprints", fingerprints,
			"duration", duration,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "database build completed",
			"sequences", sequences,
			"fingerprints", fingerprints,
			"distinct_estimate", distinct,
			"duration", duration,
		)
	}
}

// LogFinalize logs the transition of the build table into its
// immutable form.
func (l *Logger) LogFinalize(ctx context.Context, capacity, size uint64, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "table finalize failed",
			"duration", duration,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "table finalized",
			"capacity", capacity,
			"size", size,
			"load_factor", float64(size)/float64(capacity),
			"duration", duration,
		)
	}
}

// LogClassifyBatch logs the outcome of a classification run.
func (l *Logger) LogClassifyBatch(ctx context.Context, reads, classified uint64, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "classification failed",
			"reads", reads,
			"duration", duration,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "classification completed",
			"reads", reads,
			"classified", classified,
			"duration", duration,
		)
	}
}

// LogSave logs a database save.
func (l *Logger) LogSave(ctx context.Context, name string, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "database save failed",
			"database", name,
			"duration", duration,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "database saved",
			"database", name,
			"duration", duration,
		)
	}
}

// LogLoad logs a database load.
func (l *Logger) LogLoad(ctx context.Context, name string, mapped bool, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "database load failed",
			"database", name,
			"duration", duration,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "database loaded",
			"database", name,
			"memory_mapped", mapped,
			"duration", duration,
		)
	}
}
