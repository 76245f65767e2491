package api

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/callbridge/callbridge/internal/api/middleware"
)

// startRecording drives a call to connected and starts an audio recording,
// returning the call and recording ids.
func (e *apiEnv) startRecording(t *testing.T, initiatorToken, counterpartToken string) (string, string) {
	t.Helper()
	callID := e.createCall(t, initiatorToken, "bob")
	e.connectCall(t, callID, initiatorToken, counterpartToken)

	resp := e.do(t, http.MethodPost, "/api/v1/calls/"+callID+"/recording", initiatorToken,
		map[string]any{"format": "audio"})
	var rec recordingResponse
	decodeData(t, resp, http.StatusCreated, &rec)
	if rec.Status != "recording" {
		t.Fatalf("status after start = %q, want recording", rec.Status)
	}
	return callID, rec.ID
}

// waitReady polls the recording until uploads finish and it turns ready.
func (e *apiEnv) waitReady(t *testing.T, recID, token string) recordingResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var rec recordingResponse
	for time.Now().Before(deadline) {
		resp := e.do(t, http.MethodGet, "/api/v1/recordings/"+recID, token, nil)
		decodeData(t, resp, http.StatusOK, &rec)
		if rec.Status == "ready" {
			return rec
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("recording %s never became ready (last status %q)", recID, rec.Status)
	return rec
}

// readAttachment asserts the status and download headers and returns the body.
func readAttachment(t *testing.T, resp *http.Response, wantStatus int) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading attachment: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, wantStatus, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("content-type = %q, want application/octet-stream", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Errorf("content-disposition = %q, want attachment", cd)
	}
	return body
}

func TestRecordingLifecycleOverAPI(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.token(t, "alice", middleware.RoleClient)
	bob := env.token(t, "bob", middleware.RoleProvider)

	_, recID := env.startRecording(t, alice, bob)
	env.pipe.Feed(recID, []byte("hello"))

	var rec recordingResponse
	decodeData(t, env.do(t, http.MethodPost, "/api/v1/recordings/"+recID+"/pause", alice, nil),
		http.StatusOK, &rec)
	if rec.Status != "paused" {
		t.Fatalf("status after pause = %q, want paused", rec.Status)
	}

	// Resuming while already recording conflicts; from paused it proceeds.
	decodeData(t, env.do(t, http.MethodPost, "/api/v1/recordings/"+recID+"/resume", bob, nil),
		http.StatusOK, &rec)
	if rec.Status != "recording" {
		t.Fatalf("status after resume = %q, want recording", rec.Status)
	}
	decodeError(t, env.do(t, http.MethodPost, "/api/v1/recordings/"+recID+"/resume", bob, nil),
		http.StatusConflict, "invalid_state_transition")

	env.pipe.Feed(recID, []byte("world"))
	decodeData(t, env.do(t, http.MethodPost, "/api/v1/recordings/"+recID+"/stop", alice, nil),
		http.StatusOK, nil)

	rec = env.waitReady(t, recID, alice)
	if rec.RetentionExpiresAt == nil {
		t.Error("ready recording has no retention deadline")
	}
	if len(rec.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(rec.Segments))
	}
	for i, seg := range rec.Segments {
		if seg.SequenceNumber != i {
			t.Errorf("segment %d has sequence %d", i, seg.SequenceNumber)
		}
		if !seg.Uploaded || seg.UploadedAt == nil {
			t.Errorf("segment %d not uploaded", i)
		}
		if seg.Checksum == "" {
			t.Errorf("segment %d has no checksum", i)
		}
	}
	if rec.Segments[0].SizeBytes != 5 || rec.Segments[1].SizeBytes != 5 {
		t.Errorf("segment sizes = %d, %d, want 5, 5",
			rec.Segments[0].SizeBytes, rec.Segments[1].SizeBytes)
	}
}

func TestRecordingStartRejections(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.token(t, "alice", middleware.RoleClient)
	bob := env.token(t, "bob", middleware.RoleProvider)
	carol := env.token(t, "carol", middleware.RoleClient)

	callID := env.createCall(t, alice, "bob")

	// Not yet connected.
	resp := env.do(t, http.MethodPost, "/api/v1/calls/"+callID+"/recording", alice,
		map[string]any{"format": "audio"})
	decodeError(t, resp, http.StatusConflict, "invalid_state_transition")

	env.connectCall(t, callID, alice, bob)

	resp = env.do(t, http.MethodPost, "/api/v1/calls/"+callID+"/recording", alice,
		map[string]any{"format": "flac"})
	decodeError(t, resp, http.StatusBadRequest, "validation")

	resp = env.do(t, http.MethodPost, "/api/v1/calls/"+callID+"/recording", carol,
		map[string]any{"format": "audio"})
	decodeError(t, resp, http.StatusForbidden, "unauthorized")

	// One active recording per call.
	resp = env.do(t, http.MethodPost, "/api/v1/calls/"+callID+"/recording", alice,
		map[string]any{"format": "audio"})
	decodeData(t, resp, http.StatusCreated, nil)
	resp = env.do(t, http.MethodPost, "/api/v1/calls/"+callID+"/recording", bob,
		map[string]any{"format": "audio"})
	decodeError(t, resp, http.StatusConflict, "invalid_state_transition")
}

func TestRecordingDownload(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.token(t, "alice", middleware.RoleClient)
	bob := env.token(t, "bob", middleware.RoleProvider)

	_, recID := env.startRecording(t, alice, bob)
	env.pipe.Feed(recID, []byte("audio-bytes"))

	// Whole-recording download requires the ready status.
	resp := env.do(t, http.MethodGet, "/api/v1/recordings/"+recID+"/download", alice, nil)
	decodeError(t, resp, http.StatusConflict, "invalid_state_transition")

	decodeData(t, env.do(t, http.MethodPost, "/api/v1/recordings/"+recID+"/stop", alice, nil),
		http.StatusOK, nil)
	env.waitReady(t, recID, alice)

	body := readAttachment(t, env.do(t, http.MethodGet, "/api/v1/recordings/"+recID+"/download", bob, nil),
		http.StatusOK)
	if string(body) != "audio-bytes" {
		t.Errorf("download body = %q, want audio-bytes", body)
	}

	// Single segments are addressed by sequence number.
	body = readAttachment(t, env.do(t, http.MethodGet,
		"/api/v1/recordings/"+recID+"/segments/0/download", alice, nil), http.StatusOK)
	if string(body) != "audio-bytes" {
		t.Errorf("segment body = %q, want audio-bytes", body)
	}

	decodeError(t, env.do(t, http.MethodGet,
		"/api/v1/recordings/"+recID+"/segments/7/download", alice, nil),
		http.StatusNotFound, "not_found")
	decodeError(t, env.do(t, http.MethodGet,
		"/api/v1/recordings/"+recID+"/segments/abc/download", alice, nil),
		http.StatusBadRequest, "validation")

	decodeError(t, env.do(t, http.MethodGet, "/api/v1/recordings/missing/download", alice, nil),
		http.StatusNotFound, "not_found")
}

func TestRecordingAccessControlOverAPI(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.token(t, "alice", middleware.RoleClient)
	bob := env.token(t, "bob", middleware.RoleProvider)
	carol := env.token(t, "carol", middleware.RoleClient)
	admin := env.token(t, "root", middleware.RoleAdmin)

	_, recID := env.startRecording(t, alice, bob)
	env.pipe.Feed(recID, []byte("private"))
	decodeData(t, env.do(t, http.MethodPost, "/api/v1/recordings/"+recID+"/stop", alice, nil),
		http.StatusOK, nil)
	env.waitReady(t, recID, alice)

	// A non-participant is refused and the refusal is audited.
	decodeError(t, env.do(t, http.MethodGet, "/api/v1/recordings/"+recID, carol, nil),
		http.StatusForbidden, "unauthorized")

	// Grant management is an admin surface.
	grantBody := map[string]any{
		"grantee_id": "carol",
		"permission": "view",
		"expires_at": time.Now().UTC().Add(time.Hour),
	}
	decodeError(t, env.do(t, http.MethodPost, "/api/v1/recordings/"+recID+"/grants", alice, grantBody),
		http.StatusForbidden, "forbidden")

	var grant grantResponse
	decodeData(t, env.do(t, http.MethodPost, "/api/v1/recordings/"+recID+"/grants", admin, grantBody),
		http.StatusCreated, &grant)
	if !grant.Live || grant.GranteeID != "carol" || grant.GrantedBy != "root" {
		t.Fatalf("unexpected grant: %+v", grant)
	}

	// The grant opens viewing but not downloading.
	decodeData(t, env.do(t, http.MethodGet, "/api/v1/recordings/"+recID, carol, nil),
		http.StatusOK, nil)
	decodeError(t, env.do(t, http.MethodGet, "/api/v1/recordings/"+recID+"/download", carol, nil),
		http.StatusForbidden, "unauthorized")

	// Revocation takes effect immediately; the row stays listed, expired.
	resp := env.do(t, http.MethodDelete, "/api/v1/grants/"+formatInt64(grant.ID), admin, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	decodeError(t, env.do(t, http.MethodGet, "/api/v1/recordings/"+recID, carol, nil),
		http.StatusForbidden, "unauthorized")

	var grants []grantResponse
	decodeData(t, env.do(t, http.MethodGet, "/api/v1/recordings/"+recID+"/grants", admin, nil),
		http.StatusOK, &grants)
	if len(grants) != 1 || grants[0].Live {
		t.Fatalf("unexpected grant listing: %+v", grants)
	}

	// The audit trail shows the denied attempts; only admins may read it.
	decodeError(t, env.do(t, http.MethodGet, "/api/v1/recordings/"+recID+"/access-log", carol, nil),
		http.StatusForbidden, "forbidden")

	var trail struct {
		Items []accessLogResponse `json:"items"`
		Total int                 `json:"total"`
	}
	decodeData(t, env.do(t, http.MethodGet, "/api/v1/recordings/"+recID+"/access-log?limit=100", admin, nil),
		http.StatusOK, &trail)
	if trail.Total == 0 {
		t.Fatal("audit trail is empty")
	}
	var deniedViews, grantsLogged int
	for _, e := range trail.Items {
		if e.AccessorID == "carol" && !e.Allowed {
			deniedViews++
		}
		if e.Action == "grant" {
			grantsLogged++
		}
	}
	if deniedViews < 2 {
		t.Errorf("denied carol entries = %d, want at least 2", deniedViews)
	}
	if grantsLogged != 1 {
		t.Errorf("grant entries = %d, want 1", grantsLogged)
	}
}

func TestGrantValidationOverAPI(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.token(t, "alice", middleware.RoleClient)
	bob := env.token(t, "bob", middleware.RoleProvider)
	admin := env.token(t, "root", middleware.RoleAdmin)

	_, recID := env.startRecording(t, alice, bob)
	base := "/api/v1/recordings/" + recID + "/grants"

	decodeError(t, env.do(t, http.MethodPost, base, admin, map[string]any{
		"grantee_id": "", "permission": "view", "expires_at": time.Now().Add(time.Hour),
	}), http.StatusBadRequest, "validation")

	decodeError(t, env.do(t, http.MethodPost, base, admin, map[string]any{
		"grantee_id": "carol", "permission": "peek", "expires_at": time.Now().Add(time.Hour),
	}), http.StatusBadRequest, "validation")

	decodeError(t, env.do(t, http.MethodPost, base, admin, map[string]any{
		"grantee_id": "carol", "permission": "view",
	}), http.StatusBadRequest, "validation")

	decodeError(t, env.do(t, http.MethodPost, base, admin, map[string]any{
		"grantee_id": "carol", "permission": "view", "expires_at": time.Now().Add(-time.Hour),
	}), http.StatusBadRequest, "validation")

	decodeError(t, env.do(t, http.MethodDelete, "/api/v1/grants/abc", admin, nil),
		http.StatusBadRequest, "validation")
	decodeError(t, env.do(t, http.MethodDelete, "/api/v1/grants/99999", admin, nil),
		http.StatusNotFound, "not_found")
}

func TestUserRecordingsEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.token(t, "alice", middleware.RoleClient)
	bob := env.token(t, "bob", middleware.RoleProvider)
	admin := env.token(t, "root", middleware.RoleAdmin)

	_, recID := env.startRecording(t, alice, bob)

	var recs []recordingResponse
	decodeData(t, env.do(t, http.MethodGet, "/api/v1/users/alice/recordings", alice, nil),
		http.StatusOK, &recs)
	if len(recs) != 1 || recs[0].ID != recID {
		t.Fatalf("unexpected listing: %+v", recs)
	}

	decodeError(t, env.do(t, http.MethodGet, "/api/v1/users/alice/recordings", bob, nil),
		http.StatusForbidden, "unauthorized")
	decodeData(t, env.do(t, http.MethodGet, "/api/v1/users/alice/recordings", admin, nil),
		http.StatusOK, &recs)
	if len(recs) != 1 {
		t.Fatalf("admin listing returned %d items, want 1", len(recs))
	}
}
