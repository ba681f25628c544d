package api

import (
	"net/http"
	"time"

	"github.com/goodtune/foresee/internal/metrics"
	"github.com/rs/zerolog"
)

// LoggingMiddleware creates middleware for logging HTTP requests.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := metrics.NewStatusWriter(w)
			next.ServeHTTP(wrapped, r)

			event := logger.Info()
			if r.URL.Path == "/healthz" {
				event = logger.Debug()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.Status()).
				Dur("duration", time.Since(start)).
				Msg("API request")
		})
	}
}
