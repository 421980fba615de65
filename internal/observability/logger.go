// Package observability provides logging helpers for abrplay.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/jmylchreest/abrplay/internal/config"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"

	loggerKey contextKey = "logger"
)

// LevelTrace is more verbose than debug; per-segment scheduling decisions log here.
const LevelTrace = slog.Level(-8)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// level is shared by every logger built here so it can be changed at runtime.
var level = new(slog.LevelVar)

// sensitiveKeys are attribute keys (lowercased) whose values are never logged.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"apikey":        true,
	"api_key":       true,
	"credential":    true,
	"authorization": true,
	"cookie":        true,
}

// sensitiveParam matches credentials carried in URL query strings,
// including the signatures of pre-signed CDN segment URLs.
var sensitiveParam = regexp.MustCompile(`(?i)([?&](?:password|secret|token|apikey|api_key|credential|signature|sig|x-amz-signature|x-amz-credential|key-pair-id|policy|hdnts)=)[^&#\s"]*`)

// NewLogger creates a new slog.Logger based on the provided configuration.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided writer.
// This is useful for testing or custom output destinations.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level.Set(parseLevel(cfg.Level))

	redact := masq.New(
		masq.WithRedactMessage(RedactedValue),
		masq.WithFieldName("Password"),
		masq.WithFieldName("Secret"),
		masq.WithFieldName("Token"),
		masq.WithFieldName("Headers"),
	)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if cfg.TimeFormat != "" && len(groups) == 0 {
					if t, ok := a.Value.Any().(time.Time); ok {
						return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
					}
				}
				return a
			case slog.LevelKey:
				if l, ok := a.Value.Any().(slog.Level); ok && l <= LevelTrace {
					return slog.String(slog.LevelKey, "TRACE")
				}
				return a
			case slog.SourceKey:
				if src, ok := a.Value.Any().(*slog.Source); ok {
					return slog.String("logpos", relativeSource(src))
				}
				return a
			}
			if sensitiveKeys[strings.ToLower(a.Key)] {
				return slog.String(a.Key, RedactedValue)
			}
			if a.Value.Kind() == slog.KindString {
				return slog.String(a.Key, RedactURL(a.Value.String()))
			}
			if a.Value.Kind() == slog.KindAny {
				if _, isErr := a.Value.Any().(error); isErr {
					return a
				}
				return redact(groups, a)
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// RedactURL masks the values of credential-bearing query parameters.
func RedactURL(s string) string {
	if !strings.ContainsAny(s, "?&") {
		return s
	}
	return sensitiveParam.ReplaceAllString(s, "${1}"+RedactedValue)
}

// relativeSource trims a source path to package/file.go:line.
func relativeSource(src *slog.Source) string {
	dir := filepath.Base(filepath.Dir(src.File))
	return fmt.Sprintf("%s/%s:%d", dir, filepath.Base(src.File), src.Line)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLogLevel changes the level of every logger created by this package.
func SetLogLevel(l string) {
	level.Set(parseLevel(l))
}

// LogLevel returns the current level name.
func LogLevel() string {
	if level.Level() <= LevelTrace {
		return "trace"
	}
	return strings.ToLower(level.Level().String())
}

// WithApp tags the logger with the application name.
func WithApp(logger *slog.Logger, app string) *slog.Logger {
	return logger.With(slog.String("app", app))
}

// WithRequestID adds a request ID to the logger.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With(slog.String("request_id", requestID))
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithError adds an error to the logger attributes.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// LoggerFromContext extracts a logger from the context.
// If no logger is found, returns the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// RequestIDFromContext extracts a request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// SetDefault sets the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// TimedOperationWithError logs the start and end of an operation with its
// duration. The error pointer is read when the returned function runs, so
// errors assigned after this call are reported.
//
// Usage:
//
//	var err error
//	done := observability.TimedOperationWithError(ctx, logger, "load_manifest", &err)
//	defer done()
//	err = doSomething()
//
//nolint:gocritic // errPtr must be a pointer to capture errors set after this call
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	logger.DebugContext(ctx, "operation started", slog.String("operation", operation))

	return func() {
		duration := time.Since(start)
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "operation failed",
				slog.String("operation", operation),
				slog.Duration("duration", duration),
				slog.String("error", (*errPtr).Error()),
			)
			return
		}
		logger.InfoContext(ctx, "operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
		)
	}
}
