package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Recoverer converts handler panics into logged 500 responses so a single
// bad request cannot take the listener down. http.ErrAbortHandler is
// re-raised untouched: stream handlers use it to abandon a response
// mid-body, and net/http suppresses its stack trace.
//
// Mount after StructuredLogger so the request ID is in context and the
// substituted 500 still shows up in the access log.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			slog.Error("panic recovered",
				"request_id", chimw.GetReqID(r.Context()),
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)

			// A panic after the response is committed (mid-download, say)
			// cannot become an error envelope; drop the connection rather
			// than appending JSON to a partial body.
			if ww.Status() != 0 {
				panic(http.ErrAbortHandler)
			}

			ww.Header().Set("Content-Type", "application/json")
			ww.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(ww).Encode(errorEnvelope{Error: errorBody{Code: "internal", Message: "internal server error"}}) //nolint:errcheck
		}()

		next.ServeHTTP(ww, r)
	})
}
