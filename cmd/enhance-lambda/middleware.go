package main

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/enhance-studio/internal/metrics"
)

// withAPIKey rejects requests without the configured bearer token. With no
// key configured every request is let through.
func withAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			log.Warn().Str("path", r.URL.Path).Msg("Blocked request: missing or invalid API key")
			httpError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// withMetrics emits RequestLatencyMs and RequestCount per request, with an
// Endpoint dimension.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(sr, r)

		metrics.New(metrics.Namespace).
			To(metricsOut).
			Dimension("Endpoint", normalizeEndpoint(r.URL.Path)).
			Duration("RequestLatencyMs", time.Since(start)).
			Count("RequestCount").
			Property("method", r.Method).
			Property("statusCode", sr.statusCode).
			Flush()
	})
}

// normalizeEndpoint maps request paths to low-cardinality endpoint names.
func normalizeEndpoint(path string) string {
	switch {
	case path == "/api/health", path == "/api/enhance/submit", path == "/api/enhance/webhook":
		return path
	case strings.HasPrefix(path, "/api/enhance/") && strings.HasSuffix(path, "/status"):
		return "/api/enhance/{id}/status"
	}
	return "other"
}
