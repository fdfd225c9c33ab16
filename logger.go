package trakgo

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with engine-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithModelID adds a model_id field to the logger.
func (l *Logger) WithModelID(id int) *Logger {
	return &Logger{
		Logger: l.Logger.With("model_id", id),
	}
}

// WithProjDim adds a proj_dim field to the logger.
func (l *Logger) WithProjDim(dim int) *Logger {
	return &Logger{
		Logger: l.Logger.With("proj_dim", dim),
	}
}

// WithCount adds a count field to the logger.
func (l *Logger) WithCount(count int) *Logger {
	return &Logger{
		Logger: l.Logger.With("count", count),
	}
}

// LogCheckpointLoaded logs a checkpoint activation.
func (l *Logger) LogCheckpointLoaded(ctx context.Context, modelID int, state State, err error) {
	if err != nil {
		l.ErrorContext(ctx, "load checkpoint failed",
			"model_id", modelID,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "checkpoint loaded",
		"model_id", modelID,
		"state", state.String(),
	)
}

// LogFeaturize logs one featurize batch.
func (l *Logger) LogFeaturize(ctx context.Context, modelID, count, written int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "featurize failed",
			"model_id", modelID,
			"count", count,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "featurize completed",
		"model_id", modelID,
		"count", count,
		"written", written,
	)
}

// LogScore logs one score batch.
func (l *Logger) LogScore(ctx context.Context, modelID, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "score failed",
			"model_id", modelID,
			"count", count,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "score completed",
		"model_id", modelID,
		"count", count,
	)
}

// LogCorrection logs a correction matrix computation. A ridge term is
// reported at Warn.
func (l *Logger) LogCorrection(ctx context.Context, modelID int, cond, ridge float64, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, "correction failed",
			"model_id", modelID,
			"error", err,
		)
	case ridge > 0:
		l.WarnContext(ctx, "gram matrix ill-conditioned, ridge applied",
			"model_id", modelID,
			"cond", cond,
			"ridge", ridge,
		)
	default:
		l.InfoContext(ctx, "checkpoint finalized",
			"model_id", modelID,
			"cond", cond,
		)
	}
}

// LogFinalizeScores logs the ensembling step.
func (l *Logger) LogFinalizeScores(ctx context.Context, checkpoints, queries int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "finalize scores failed",
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "scores finalized",
		"count", checkpoints,
		"queries", queries,
	)
}

// LogResume logs reopening an existing save directory.
func (l *Logger) LogResume(ctx context.Context, dir string, checkpoints int) {
	l.InfoContext(ctx, "store resumed",
		"dir", dir,
		"count", checkpoints,
	)
}
