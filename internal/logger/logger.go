// Package logger provides structured logging utilities for the engine.
// It wraps log/slog with JSON formatting, context-based field extraction
// (item id, stage, task id), and optional Better Stack log shipping.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	slogbetterstack "github.com/samber/slog-betterstack"
)

// Logger is the application logger.
type Logger struct {
	*slog.Logger
	shutdown func(context.Context) error
}

// Options configures logger outputs and Better Stack integration.
type Options struct {
	BetterStackToken    string
	BetterStackEndpoint string
	Version             string
}

// New creates a new logger instance with JSON formatting to stdout.
func New(level string) *Logger {
	return NewWithOptions(level, os.Stdout, Options{})
}

// NewWithWriter creates a new logger writing to the provided writer.
func NewWithWriter(level string, w io.Writer) *Logger {
	return NewWithOptions(level, w, Options{})
}

// NewWithOptions creates a new logger instance with configurable sinks.
// When BetterStackToken is provided, logs are also shipped to Better Stack
// through an async buffer so remote delivery never blocks the engine.
func NewWithOptions(level string, w io.Writer, opts Options) *Logger {
	logLevel := parseLevel(level)
	replaceAttr := replaceAttrFunc()

	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       logLevel,
		AddSource:   true,
		ReplaceAttr: replaceAttr,
	})

	var handler slog.Handler = jsonHandler
	var asyncShutdown func(context.Context) error
	if opts.BetterStackToken != "" {
		bsOption := slogbetterstack.Option{
			Level:       logLevel,
			Token:       opts.BetterStackToken,
			Endpoint:    opts.BetterStackEndpoint,
			Timeout:     5 * time.Second,
			ReplaceAttr: replaceAttr,
		}
		shipper := newAsyncHandler(bsOption.NewBetterstackHandler(), 1024)
		asyncShutdown = shipper.Shutdown
		handler = newFanoutHandler(jsonHandler, shipper)
	}

	baseLogger := slog.New(NewContextHandler(handler))
	if opts.Version != "" {
		baseLogger = baseLogger.With("version", opts.Version)
	}
	return &Logger{Logger: baseLogger, shutdown: asyncShutdown}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func replaceAttrFunc() func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			a.Key = "timestamp"
		case slog.LevelKey:
			a.Key = "level"
			level := a.Value.String()
			if level == "WARN" {
				level = "warning"
			} else {
				level = strings.ToLower(level)
			}
			a.Value = slog.StringValue(level)
		case slog.MessageKey:
			a.Key = "message"
		}
		return a
	}
}

// WithComponent creates a child logger tagged with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With("component", component), shutdown: l.shutdown}
}

// WithField creates a child logger with a single extra field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{Logger: l.With(key, value), shutdown: l.shutdown}
}

// WithError creates a child logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Logger: l.With("error", err), shutdown: l.shutdown}
}

// Shutdown flushes any async logging pipelines (best-effort).
func (l *Logger) Shutdown(ctx context.Context) error {
	if l == nil || l.shutdown == nil {
		return nil
	}
	return l.shutdown(ctx)
}
