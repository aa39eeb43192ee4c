package httputil

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/releasegate/pkg/contextkeys"
	"github.com/platinummonkey/releasegate/pkg/observability"
)

// RequestIDHeader carries the request ID in and out
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware assigns each request an ID, honouring a well-formed
// incoming X-Request-ID.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(contextkeys.WithRequestID(r.Context(), requestID)))
	})
}

// LoggingMiddleware attaches logger to the request context and logs each request
func LoggingMiddleware(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			ctx := observability.WithLogger(r.Context(), logger)
			r = r.WithContext(ctx)
			next.ServeHTTP(rw, r)

			observability.FromContext(ctx).WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rw.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("HTTP request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware recovers from panics and returns the generic try-again error
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := observability.MustRecover(recover()); err != nil {
				observability.FromContext(r.Context()).
					WithError(fmt.Errorf("%s %s: %w", r.Method, r.URL.Path, err)).
					Error("PANIC recovered in HTTP handler")
				WriteTryAgain(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
