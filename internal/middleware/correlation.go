package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/benchwarmers/marketplace/internal/logging"
)

const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderRequestID     = "X-Request-Id"

	maxCorrelationIDLen = 128
)

// Correlation assigns every request a correlation id, echoes it in the
// response header and attaches a child logger carrying it.
func Correlation(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := incomingID(r)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderCorrelationID, id)

			ctx := logging.WithCorrelationID(r.Context(), id)
			ctx = logging.WithLogger(ctx, logger.With("correlation_id", id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func incomingID(r *http.Request) string {
	for _, h := range []string{HeaderCorrelationID, HeaderRequestID} {
		v := strings.TrimSpace(r.Header.Get(h))
		if v != "" && len(v) <= maxCorrelationIDLen {
			return v
		}
	}
	return ""
}
