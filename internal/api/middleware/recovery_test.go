package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecovererWritesEnvelope(t *testing.T) {
	captureLog(t)

	handler := Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("something went wrong")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("parsing 500 body: %v", err)
	}
	if env.Error.Code != "internal" {
		t.Errorf("error code = %q, want internal", env.Error.Code)
	}
	if env.Error.Message != "internal server error" {
		t.Errorf("error message = %q", env.Error.Message)
	}
}

func TestRecovererLogsPanic(t *testing.T) {
	buf := captureLog(t)

	handler := Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calls/abc/hangup", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := logEntry(t, buf)
	if entry["msg"] != "panic recovered" {
		t.Fatalf("msg = %v, want 'panic recovered'", entry["msg"])
	}
	if entry["panic"] != "test panic" {
		t.Errorf("panic = %v", entry["panic"])
	}
	if entry["method"] != "POST" || entry["path"] != "/api/v1/calls/abc/hangup" {
		t.Errorf("request fields = %v %v", entry["method"], entry["path"])
	}
	if stack, _ := entry["stack"].(string); !strings.Contains(stack, "goroutine") {
		t.Error("stack trace missing from log entry")
	}
}

func TestRecovererNoPanicPassesThrough(t *testing.T) {
	handler := Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"c1"}}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/calls", nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if rec.Body.String() != `{"data":{"id":"c1"}}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestRecovererReRaisesAbortHandler(t *testing.T) {
	buf := captureLog(t)

	handler := Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if recover() != http.ErrAbortHandler {
			t.Error("http.ErrAbortHandler was not re-raised")
		}
		if buf.Len() != 0 {
			t.Errorf("deliberate abort was logged: %s", buf.String())
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/recordings/r1/download", nil))
	t.Fatal("expected the abort panic to propagate")
}

func TestRecovererCommittedResponseDropsConnection(t *testing.T) {
	buf := captureLog(t)

	handler := Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial segment bytes"))
		panic("source read failed")
	}))

	rec := httptest.NewRecorder()
	defer func() {
		if recover() != http.ErrAbortHandler {
			t.Error("committed-response panic should abort the connection")
		}
		// No envelope may be appended to the half-sent body.
		if got := rec.Body.String(); got != "partial segment bytes" {
			t.Errorf("body = %q, want the partial payload untouched", got)
		}
		if entry := logEntry(t, buf); entry["panic"] != "source read failed" {
			t.Errorf("panic = %v, want the original cause logged", entry["panic"])
		}
	}()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/recordings/r1/download", nil))
	t.Fatal("expected an abort panic after the committed response")
}
