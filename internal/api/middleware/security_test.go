package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func securityRequest(t *testing.T, tlsEnabled bool) *httptest.ResponseRecorder {
	t.Helper()
	handler := SecurityHeaders(tlsEnabled)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil))
	return rec
}

func TestSecurityHeadersPolicy(t *testing.T) {
	rec := securityRequest(t, false)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	for _, kv := range apiHeaders {
		if got := rec.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
	// Responses carry authorized call data; shared caches must not hold them.
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

func TestSecurityHeadersHSTSOnlyOverTLS(t *testing.T) {
	if got := securityRequest(t, false).Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("plain HTTP response carries HSTS %q", got)
	}

	got := securityRequest(t, true).Header().Get("Strict-Transport-Security")
	if got != "max-age=63072000; includeSubDomains" {
		t.Errorf("HSTS = %q", got)
	}
}

func TestSecurityHeadersForwardsRequest(t *testing.T) {
	var sawRequest *http.Request
	handler := SecurityHeaders(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRequest = r
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/calls", nil))

	if sawRequest == nil {
		t.Fatal("inner handler was never reached")
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
}
