package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/iago/distribution-engine/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.statusCode = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Trace logs one line per request and records request metrics. The route
// label is the matched mux pattern so ids do not explode cardinality.
func Trace(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			duration := time.Since(start)
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(recorder.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(duration.Seconds())

			if logger != nil {
				logger.Info("request",
					"request_id", GetRequestID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"status", recorder.statusCode,
					"duration_ms", duration.Milliseconds(),
				)
			}
		})
	}
}
