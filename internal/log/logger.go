// Package log wraps log/slog with foundry's conventions: a service attribute on every
// record, coded-error fields and helpers for job-scoped loggers.
package log

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"

	"github.com/felixgeelhaar/foundry/internal/errors"
)

// Logger is a structured logger
type Logger struct {
	slog   *slog.Logger
	config Config
}

// New creates a logger from config
func New(config Config) *Logger {
	if config.Output == nil {
		config.Output = DefaultConfig().Output
	}
	opts := &slog.HandlerOptions{
		Level:     config.Level.slogLevel(),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == FormatText {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	l := slog.New(handler)
	if config.ServiceName != "" {
		l = l.With("service", config.ServiceName)
	}
	if config.ServiceVersion != "" {
		l = l.With("version", config.ServiceVersion)
	}
	return &Logger{slog: l, config: config}
}

// Default returns a logger with DefaultConfig
func Default() *Logger {
	return New(DefaultConfig())
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	cfg := DefaultConfig()
	cfg.Output = io.Discard
	cfg.Level = LevelError
	return New(cfg)
}

// With returns a logger that adds args to every record
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), config: l.config}
}

// WithGroup nests subsequent attributes under name
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{slog: l.slog.WithGroup(name), config: l.config}
}

// ForJob scopes the logger to a job
func (l *Logger) ForJob(jobID string) *Logger {
	return l.With("job_id", jobID)
}

// ForPhase scopes the logger to a job phase
func (l *Logger) ForPhase(jobID, phase string) *Logger {
	return l.With("job_id", jobID, "phase", phase)
}

// WithError adds err to the logger. Coded errors also contribute error_code and suggestions.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}

	var fe *errors.FoundryError
	if stderrors.As(err, &fe) {
		args := []any{
			"error", err.Error(),
			"error_code", string(fe.Code),
		}
		if len(fe.Suggestions) > 0 {
			args = append(args, "suggestions", fe.Suggestions)
		}
		return l.With(args...)
	}

	return l.With("error", err.Error())
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.slog.DebugContext(ctx, msg, args...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slog.InfoContext(ctx, msg, args...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.slog.WarnContext(ctx, msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slog.ErrorContext(ctx, msg, args...)
}

// Enabled reports whether level would be emitted
func (l *Logger) Enabled(ctx context.Context, level Level) bool {
	return l.slog.Enabled(ctx, level.slogLevel())
}

// Slog exposes the underlying slog.Logger for libraries that want one
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}
