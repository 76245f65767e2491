package middleware

import (
	"net/http"
	"strings"
)

// corsPolicy is the precomputed decision table for the configured origins.
// Matching is case-insensitive on the serialized origin.
type corsPolicy struct {
	allowAll bool
	origins  map[string]struct{}
}

func newCORSPolicy(allowed []string) corsPolicy {
	p := corsPolicy{origins: make(map[string]struct{}, len(allowed))}
	for _, o := range allowed {
		o = normalizeOrigin(o)
		switch o {
		case "":
		case "*":
			p.allowAll = true
		default:
			p.origins[o] = struct{}{}
		}
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.allowAll {
		return true
	}
	_, ok := p.origins[normalizeOrigin(origin)]
	return ok
}

// CORS returns middleware granting cross-origin access to the configured
// origins. A "*" entry allows any origin. With nothing configured the
// middleware is inert: no headers are written and every request passes
// through, so same-origin and non-browser clients are unaffected.
//
// Preflights (OPTIONS carrying Access-Control-Request-Method) are answered
// here with 204 and never reach the router. A plain OPTIONS request is not
// a preflight and is forwarded as-is.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newCORSPolicy(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if !policy.allows(origin) {
				// A preflight from an unknown origin ends here; the
				// browser reads the missing allow headers as a denial.
				if preflight {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			if policy.allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}

			if preflight {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			// Browser clients need to read the throttling hint on 429s.
			h.Set("Access-Control-Expose-Headers", "Retry-After")
			next.ServeHTTP(w, r)
		})
	}
}

// ParseCORSOrigins splits the comma-separated CALLBRIDGE_CORS_ORIGINS value
// into individual origins. Blank entries are dropped; nil means unset.
func ParseCORSOrigins(raw string) []string {
	var origins []string
	for _, part := range strings.Split(raw, ",") {
		if o := normalizeOrigin(part); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// normalizeOrigin trims whitespace and any trailing slash and lowercases,
// so a configured "HTTPS://App.example.com/" still matches the browser's
// serialized origin.
func normalizeOrigin(o string) string {
	o = strings.TrimSpace(o)
	o = strings.TrimSuffix(o, "/")
	return strings.ToLower(o)
}
