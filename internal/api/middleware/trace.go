package middleware

import (
	"log/slog"
	"net/http"

	"github.com/ICIJ/datashare-sub004/internal/api/shared"
	"github.com/ICIJ/datashare-sub004/internal/platform/logger"
)

// NewTraceMiddleware adds a trace ID to the request context and a logger
// carrying it, so handlers and error responses can be correlated.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context())
			traceID := shared.GetTraceID(ctx)

			log := base.With(slog.String("trace_id", traceID))
			ctx = logger.WithLogger(ctx, log)

			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
