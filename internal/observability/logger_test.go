package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrplay/internal/config"
)

func jsonLogger(buf *bytes.Buffer, level string) *slog.Logger {
	return NewLoggerWithWriter(config.LoggingConfig{Level: level, Format: "json"}, buf)
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "info")
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, `"key":"value"`)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &parsed))
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"debug logs at debug level", "debug", slog.LevelDebug, true},
		{"info does not log debug", "info", slog.LevelDebug, false},
		{"info logs at info level", "info", slog.LevelInfo, true},
		{"warn does not log info", "warn", slog.LevelInfo, false},
		{"error logs at error level", "error", slog.LevelError, true},
		{"trace logs at trace level", "trace", LevelTrace, true},
		{"debug does not log trace", "debug", LevelTrace, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := jsonLogger(&buf, tt.configLevel)
			logger.Log(context.Background(), tt.logLevel, "test")

			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestTraceLevelDisplay(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "trace")
	logger.Log(context.Background(), LevelTrace, "trace message")

	assert.Contains(t, buf.String(), `"level":"TRACE"`)
	assert.NotContains(t, buf.String(), "DEBUG-4")
}

func TestSetLogLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "info")
	defer SetLogLevel("info")

	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	SetLogLevel("debug")
	assert.Equal(t, "debug", LogLevel())
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")

	SetLogLevel("trace")
	assert.Equal(t, "trace", LogLevel())
}

func TestNewLogger_AddSource(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json", AddSource: true}, &buf)
	logger.Info("test message")

	assert.Contains(t, buf.String(), `"logpos":"observability/logger_test.go:`)
}

func TestNewLogger_CustomTimeFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json", TimeFormat: "2006-01-02"}, &buf)
	logger.Info("test message")

	assert.Contains(t, buf.String(), time.Now().Format("2006-01-02"))
}

func TestWithHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := WithApp(WithComponent(WithRequestID(jsonLogger(&buf, "info"), "req-123"), "scheduler"), "abrplay")
	logger.Info("chained")

	output := buf.String()
	assert.Contains(t, output, `"request_id":"req-123"`)
	assert.Contains(t, output, `"component":"scheduler"`)
	assert.Contains(t, output, `"app":"abrplay"`)
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "info")

	WithError(logger, errors.New("something went wrong")).Info("test")
	assert.Contains(t, buf.String(), `"error":"something went wrong"`)

	buf.Reset()
	WithError(logger, nil).Info("test")
	assert.NotContains(t, buf.String(), `"error"`)
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "info")

	ctx := ContextWithLogger(context.Background(), logger)
	LoggerFromContext(ctx).Info("from context")
	assert.Contains(t, buf.String(), "from context")
	assert.NotNil(t, LoggerFromContext(context.Background()))

	ctx = ContextWithRequestID(context.Background(), "req-789")
	assert.Equal(t, "req-789", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestTimedOperationWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "info")
	ctx := context.Background()

	var err error
	done := TimedOperationWithError(ctx, logger, "load_manifest", &err)
	done()
	assert.Contains(t, buf.String(), "operation completed")
	assert.Contains(t, buf.String(), "load_manifest")

	buf.Reset()
	done = TimedOperationWithError(ctx, logger, "load_manifest", &err)
	err = errors.New("boom")
	done()
	assert.Contains(t, buf.String(), "operation failed")
	assert.Contains(t, buf.String(), "boom")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input))
		})
	}
}

func TestSensitiveDataRedaction(t *testing.T) {
	tests := []struct {
		fieldName     string
		sensitiveData string
	}{
		{"password", "secret123"},
		{"Password", "MyP@ssw0rd"},
		{"token", "jwt-token-abc"},
		{"api_key", "api-key-value"},
		{"Authorization", "Bearer xyz"},
		{"cookie", "session=abc"},
	}

	for _, tt := range tests {
		t.Run(tt.fieldName, func(t *testing.T) {
			var buf bytes.Buffer
			jsonLogger(&buf, "info").Info("test message", slog.String(tt.fieldName, tt.sensitiveData))

			assert.NotContains(t, buf.String(), tt.sensitiveData)
			assert.Contains(t, buf.String(), RedactedValue)
		})
	}
}

func TestSensitiveDataRedaction_Group(t *testing.T) {
	var buf bytes.Buffer
	jsonLogger(&buf, "info").Info("test with group",
		slog.Group("credentials",
			slog.String("username", "admin"),
			slog.String("password", "secret123"),
		),
	)

	assert.Contains(t, buf.String(), "admin")
	assert.NotContains(t, buf.String(), "secret123")
}

func TestSensitiveDataRedaction_StructField(t *testing.T) {
	type origin struct {
		Host     string
		Password string
	}

	var buf bytes.Buffer
	jsonLogger(&buf, "info").Info("origin", slog.Any("origin", origin{Host: "cdn.example.com", Password: "hunter2"}))

	assert.Contains(t, buf.String(), "cdn.example.com")
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestURLParameterRedaction(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		sensitive string
		param     string
	}{
		{"token", "https://cdn.example.com/v/1.m4s?token=abc123xyz&user=admin", "abc123xyz", "token"},
		{"signed url", "https://cdn.example.com/v/1.m4s?Expires=1&Signature=c2lnbmF0dXJl&Key-Pair-Id=K2", "c2lnbmF0dXJl", "Signature"},
		{"aws", "https://bucket.s3.amazonaws.com/seg.ts?X-Amz-Signature=deadbeef", "deadbeef", "X-Amz-Signature"},
		{"case insensitive", "http://example.com/api?PASSWORD=MySecret&user=test", "MySecret", "PASSWORD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			jsonLogger(&buf, "info").Info("segment fetched", slog.String("url", tt.url))

			assert.NotContains(t, buf.String(), tt.sensitive)
			assert.Contains(t, buf.String(), tt.param+"="+RedactedValue)
		})
	}
}

func TestURLParameterRedaction_PreservesNonSensitiveURL(t *testing.T) {
	url := "https://cdn.example.com/video/720p/seg-12.m4s?session=42&format=cmaf"

	var buf bytes.Buffer
	jsonLogger(&buf, "info").Info("segment fetched", slog.String("url", url))

	assert.Contains(t, buf.String(), "session=42")
	assert.Contains(t, buf.String(), "format=cmaf")
	assert.NotContains(t, buf.String(), RedactedValue)
	assert.Equal(t, url, RedactURL(url))
}
