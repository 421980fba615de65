package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jmylchreest/abrplay/internal/observability"
)

// quietPaths are polled by probes and scrapers and log at trace level.
var quietPaths = map[string]bool{
	"/livez":   true,
	"/readyz":  true,
	"/metrics": true,
}

func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case quietPaths[path]:
		return observability.LevelTrace
	default:
		return slog.LevelInfo
	}
}

// NewLoggingMiddleware logs one line per request once the handler returns.
// Handlers find a logger tagged with the request ID in their context.
func NewLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := GetRequestID(r.Context())
			ctx := observability.ContextWithLogger(r.Context(), observability.WithRequestID(logger, id))

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				// Nothing written: net/http answers 200 on return.
				status = http.StatusOK
			}

			logger.Log(ctx, requestLevel(r.URL.Path, status), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("size", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", id),
			)
		})
	}
}
