package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/searchgate/searchgate/internal/metrics"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Metrics returns a middleware that records Prometheus metrics.
func Metrics() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			metrics.ActiveConnections.Inc()
			defer metrics.ActiveConnections.Dec()

			next.ServeHTTP(rw, r)

			metrics.RecordRequest(r.Method, normalizePath(r.URL.Path), rw.statusCode, time.Since(start))
		})
	}
}

// normalizePath collapses identifiers in admin paths to keep label
// cardinality bounded.
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/metrics", "/v1/check", "/admin/stats", "/admin/reload", "/admin/apikeys", "/admin/limits":
		return path
	}

	switch {
	case strings.HasPrefix(path, "/admin/blocks/"):
		return "/admin/blocks/{type}/{id}"
	case strings.HasPrefix(path, "/admin/limits/"):
		return "/admin/limits/{scope}/{id}"
	case strings.HasPrefix(path, "/admin/apikeys/") && strings.HasSuffix(path, "/usage"):
		return "/admin/apikeys/{key}/usage"
	case strings.HasPrefix(path, "/admin/apikeys/"):
		return "/admin/apikeys/{key}"
	default:
		return "/other"
	}
}
