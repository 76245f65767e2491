package middleware

import "net/http"

// apiHeaders is the static hardening policy for every response. The service
// serves JSON and recording bytes to authenticated clients only, so responses
// are never embeddable, scriptable, or cacheable by shared infrastructure;
// a cached download would sidestep access auditing.
var apiHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders stamps the hardening headers on every response. When
// tlsEnabled is true, Strict-Transport-Security is added as well; it is left
// out on plain HTTP so browsers do not cache an HSTS policy for a host that
// cannot honor it.
func SecurityHeaders(tlsEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range apiHeaders {
				h.Set(kv[0], kv[1])
			}
			if tlsEnabled {
				// Two years, subdomains included.
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}
