package middleware

import (
	"net/http"

	"buildplane/internal/logger"

	"github.com/google/uuid"
)

// RequestIDMiddleware assigns each request a correlation ID, carried
// in the context and echoed in the X-Request-ID response header. An
// incoming X-Request-ID is honored so callers can correlate retries.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := logger.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
