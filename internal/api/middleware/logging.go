package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// StructuredLogger emits one slog line per request: request ID (set by chi's
// RequestID middleware), method, path, status, bytes written, and duration.
// Scrape and health-probe endpoints are skipped so periodic polling does not
// flood the log.
//
// The writer is wrapped with chi's WrapResponseWriter rather than a plain
// embed so Flusher and Hijacker survive the wrap; the call socket endpoint
// hijacks the connection during the websocket upgrade and segment downloads
// flush while streaming.
func StructuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			// The handler returned without writing; net/http sends 200.
			status = http.StatusOK
		}

		slog.Info("http request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}
