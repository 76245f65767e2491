package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/errdefs"
	"github.com/callbridge/callbridge/internal/events"
	"github.com/callbridge/callbridge/internal/storage"
	"github.com/callbridge/callbridge/internal/store"
	"github.com/callbridge/callbridge/internal/store/models"
)

// memAudit records audit entries and can be primed to fail.
type memAudit struct {
	mu      sync.Mutex
	entries []models.AccessLogEntry
	err     error
}

func (a *memAudit) Log(_ context.Context, e *models.AccessLogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, *e)
	return nil
}

func (a *memAudit) all() []models.AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.AccessLogEntry(nil), a.entries...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

type pipeEnv struct {
	pipe       *Pipeline
	db         *store.DB
	cfg        *config.Config
	audit      *memAudit
	blob       storage.Store
	recordings store.RecordingRepository
	segments   store.SegmentRepository
	outbox     store.OutboxRepository
}

func newPipeEnv(t *testing.T) *pipeEnv {
	t.Helper()
	dataDir := t.TempDir()
	db, err := store.Open(dataDir, "")
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		DataDir:              dataDir,
		MaxUploadAttempts:    3,
		MaxConcurrentUploads: 2,
		RetentionDays:        30,
	}
	blob, err := storage.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("storage.New() error: %v", err)
	}
	sealer, err := storage.NewSealer(nil, "")
	if err != nil {
		t.Fatalf("storage.NewSealer() error: %v", err)
	}

	logger := discardLogger()
	audit := &memAudit{}
	outbox := store.NewOutboxRepository(db)
	pipe := NewPipeline(cfg, store.NewRecordingRepository(db), store.NewSegmentRepository(db),
		store.NewSessionRepository(db), audit, blob, sealer, events.NewDispatcher(outbox, logger), nil, logger)
	t.Cleanup(pipe.Close)

	return &pipeEnv{
		pipe:       pipe,
		db:         db,
		cfg:        cfg,
		audit:      audit,
		blob:       blob,
		recordings: store.NewRecordingRepository(db),
		segments:   store.NewSegmentRepository(db),
		outbox:     outbox,
	}
}

func (e *pipeEnv) seedCall(t *testing.T, id string, status models.SessionStatus) {
	t.Helper()
	sess := &models.CallSession{
		ID:            id,
		InitiatorID:   "alice",
		CounterpartID: "bob",
		Status:        status,
		CreatedAt:     time.Now().UTC().Add(-time.Minute),
	}
	if err := store.NewSessionRepository(e.db).Create(context.Background(), sess); err != nil {
		t.Fatalf("seeding call %s: %v", id, err)
	}
}

func (e *pipeEnv) waitStatus(t *testing.T, recordingID string, want models.RecordingStatus) *models.Recording {
	t.Helper()
	var rec *models.Recording
	waitFor(t, 5*time.Second, func() bool {
		r, err := e.recordings.GetByID(context.Background(), recordingID)
		if err != nil {
			return false
		}
		rec = r
		return r.Status == want
	}, "recording never reached status "+string(want))
	return rec
}

func TestPipelineFullLifecycle(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCall(t, "call-1", models.SessionConnected)

	rec, err := env.pipe.Start(ctx, "call-1", "alice", models.FormatAudio)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if rec.Status != models.RecordingActive {
		t.Fatalf("status after start = %q, want recording", rec.Status)
	}

	env.pipe.Feed(rec.ID, []byte("hello"))
	env.pipe.Feed(rec.ID, []byte("world"))

	if err := env.pipe.Pause(ctx, rec.ID, "alice"); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	if err := env.pipe.Resume(ctx, rec.ID, "bob"); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	env.pipe.Feed(rec.ID, []byte("again"))

	if err := env.pipe.Stop(ctx, rec.ID, "alice"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	final := env.waitStatus(t, rec.ID, models.RecordingReady)
	if final.RetentionExpiresAt == nil {
		t.Fatal("ready recording should carry a retention deadline")
	}

	segs, err := env.segments.ListByRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ListByRecording() error: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	for i, seg := range segs {
		if seg.SequenceNumber != i {
			t.Errorf("segment %d has sequence %d", i, seg.SequenceNumber)
		}
		if seg.UploadedAt == nil {
			t.Errorf("segment %d never uploaded", i)
		}
		if seg.Checksum == "" || seg.StoragePath == "" {
			t.Errorf("segment %d missing upload metadata", i)
		}
	}
	// Offsets are contiguous: each segment starts where the previous ended.
	if segs[1].StartOffsetMS != segs[0].EndOffsetMS {
		t.Errorf("segment 1 starts at %d, segment 0 ends at %d", segs[1].StartOffsetMS, segs[0].EndOffsetMS)
	}
	if segs[0].SizeBytes != 10 || segs[1].SizeBytes != 5 {
		t.Errorf("segment sizes = %d, %d; want 10, 5", segs[0].SizeBytes, segs[1].SizeBytes)
	}

	// Blobs landed under the recording's prefix and spools are gone.
	for _, seg := range segs {
		ok, err := env.blob.Exists(ctx, seg.StoragePath)
		if err != nil || !ok {
			t.Errorf("blob %s missing (err=%v)", seg.StoragePath, err)
		}
	}
	if _, err := os.Stat(filepath.Join(env.cfg.DataDir, "spool", rec.ID, "000000.spool")); !os.IsNotExist(err) {
		t.Error("uploaded spool file should be removed")
	}

	rows, err := env.outbox.ListAfter(ctx, 0, 100)
	if err != nil {
		t.Fatalf("ListAfter() error: %v", err)
	}
	var types []string
	for _, row := range rows {
		types = append(types, row.Type)
	}
	want := []string{
		events.TypeRecordingStarted,
		events.TypeRecordingPaused,
		events.TypeRecordingResumed,
		events.TypeRecordingStopped,
		events.TypeRecordingReady,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestPipelineStartValidations(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCall(t, "call-live", models.SessionConnected)
	env.seedCall(t, "call-new", models.SessionInitiated)

	if _, err := env.pipe.Start(ctx, "call-live", "alice", "hologram"); err == nil {
		t.Error("unknown format should be rejected")
	}

	_, err := env.pipe.Start(ctx, "call-live", "mallory", models.FormatAudio)
	if !errors.Is(err, errdefs.ErrUnauthorized) {
		t.Errorf("outsider start error = %v, want ErrUnauthorized", err)
	}

	_, err = env.pipe.Start(ctx, "call-new", "alice", models.FormatAudio)
	if !errors.Is(err, errdefs.ErrInvalidStateTransition) {
		t.Errorf("start on initiated call error = %v, want ErrInvalidStateTransition", err)
	}

	_, err = env.pipe.Start(ctx, "no-such-call", "alice", models.FormatAudio)
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("unknown call error = %v, want ErrNotFound", err)
	}

	if _, err := env.pipe.Start(ctx, "call-live", "alice", models.FormatAudio); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	_, err = env.pipe.Start(ctx, "call-live", "bob", models.FormatVideo)
	if !errors.Is(err, errdefs.ErrInvalidStateTransition) {
		t.Errorf("second recording error = %v, want ErrInvalidStateTransition", err)
	}
}

func TestPipelineTransitionGuards(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCall(t, "call-1", models.SessionConnected)

	rec, err := env.pipe.Start(ctx, "call-1", "alice", models.FormatAudio)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Resume requires paused.
	if err := env.pipe.Resume(ctx, rec.ID, "alice"); !errors.Is(err, errdefs.ErrInvalidStateTransition) {
		t.Errorf("Resume() while recording = %v, want ErrInvalidStateTransition", err)
	}

	if err := env.pipe.Pause(ctx, rec.ID, "alice"); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	// Pause requires recording.
	if err := env.pipe.Pause(ctx, rec.ID, "alice"); !errors.Is(err, errdefs.ErrInvalidStateTransition) {
		t.Errorf("double Pause() = %v, want ErrInvalidStateTransition", err)
	}

	// Outsiders cannot drive the lifecycle.
	if err := env.pipe.Stop(ctx, rec.ID, "mallory"); !errors.Is(err, errdefs.ErrUnauthorized) {
		t.Errorf("outsider Stop() = %v, want ErrUnauthorized", err)
	}

	// Stop from paused is legal.
	if err := env.pipe.Stop(ctx, rec.ID, "bob"); err != nil {
		t.Fatalf("Stop() from paused error: %v", err)
	}
	env.waitStatus(t, rec.ID, models.RecordingReady)

	// Stop after terminal is rejected.
	if err := env.pipe.Stop(ctx, rec.ID, "alice"); !errors.Is(err, errdefs.ErrInvalidStateTransition) {
		t.Errorf("Stop() on ready = %v, want ErrInvalidStateTransition", err)
	}
}

func TestPipelineFeedWithoutCaptureDrops(t *testing.T) {
	env := newPipeEnv(t)

	env.pipe.Feed("nobody-home", []byte("lost"))
	if got := env.pipe.DroppedFeeds(); got != 1 {
		t.Fatalf("DroppedFeeds() = %d, want 1", got)
	}

	// Empty chunks are ignored, not counted.
	env.pipe.Feed("nobody-home", nil)
	if got := env.pipe.DroppedFeeds(); got != 1 {
		t.Fatalf("DroppedFeeds() after empty chunk = %d, want 1", got)
	}
}

func TestPipelineForcedStopOnCallEnd(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCall(t, "call-1", models.SessionConnected)

	rec, err := env.pipe.Start(ctx, "call-1", "alice", models.FormatAudio)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	env.pipe.Feed(rec.ID, []byte("cut short"))

	// Unrelated event types are ignored.
	env.pipe.HandleCallEvent(ctx, events.Event{Type: events.TypeCallRinging, CallID: "call-1"})
	got, _ := env.recordings.GetByID(ctx, rec.ID)
	if got.Status != models.RecordingActive {
		t.Fatalf("status after ringing event = %q", got.Status)
	}

	env.pipe.HandleCallEvent(ctx, events.Event{Type: events.TypeCallEnded, CallID: "call-1"})
	env.waitStatus(t, rec.ID, models.RecordingReady)

	// The forced stop is visible in the event meta.
	rows, err := env.outbox.ListAfter(ctx, 0, 100)
	if err != nil {
		t.Fatalf("ListAfter() error: %v", err)
	}
	var meta map[string]string
	for _, row := range rows {
		if row.Type == events.TypeRecordingStopped {
			if err := json.Unmarshal([]byte(row.Meta), &meta); err != nil {
				t.Fatalf("unmarshaling stop meta: %v", err)
			}
		}
	}
	if meta["forced"] != "true" || meta["call_event"] != events.TypeCallEnded {
		t.Errorf("stop meta = %v", meta)
	}

	// Calls with no recording are a no-op.
	env.pipe.HandleCallEvent(ctx, events.Event{Type: events.TypeCallEnded, CallID: "call-unrecorded"})
}

func TestPipelineRecoverFinalizesCrashedCapture(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCall(t, "call-1", models.SessionConnected)

	// A previous process died mid-capture: recording row says recording,
	// no segment rows, orphan spool bytes on disk.
	rec := &models.Recording{
		ID:          uuid.NewString(),
		CallID:      "call-1",
		Status:      models.RecordingActive,
		Format:      models.FormatAudio,
		InitiatedBy: "alice",
		CreatedAt:   time.Now().UTC().Add(-time.Minute),
		UpdatedAt:   time.Now().UTC().Add(-time.Minute),
	}
	if err := env.recordings.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	spool := filepath.Join(env.cfg.DataDir, "spool", rec.ID, "000000.spool")
	if err := os.MkdirAll(filepath.Dir(spool), 0o750); err != nil {
		t.Fatalf("mkdir spool: %v", err)
	}
	if err := os.WriteFile(spool, []byte("orphaned bytes"), 0o600); err != nil {
		t.Fatalf("writing spool: %v", err)
	}

	if err := env.pipe.Recover(ctx); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	env.waitStatus(t, rec.ID, models.RecordingReady)

	segs, err := env.segments.ListByRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ListByRecording() error: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].SizeBytes != int64(len("orphaned bytes")) {
		t.Errorf("recovered segment size = %d", segs[0].SizeBytes)
	}
	// The wall-clock span of an interrupted segment is unknowable.
	if segs[0].DurationMS != 0 {
		t.Errorf("recovered segment duration = %d, want 0", segs[0].DurationMS)
	}
	if segs[0].UploadedAt == nil {
		t.Error("recovered segment never uploaded")
	}
}

func TestPipelineRecoverPromotesStopped(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCall(t, "call-1", models.SessionConnected)

	rec := &models.Recording{
		ID:          uuid.NewString(),
		CallID:      "call-1",
		Status:      models.RecordingStopped,
		Format:      models.FormatAudio,
		InitiatedBy: "alice",
		CreatedAt:   time.Now().UTC().Add(-time.Minute),
		UpdatedAt:   time.Now().UTC().Add(-time.Minute),
	}
	if err := env.recordings.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := env.pipe.Recover(ctx); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	env.waitStatus(t, rec.ID, models.RecordingReady)
}

func TestPipelineSweepExpired(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCall(t, "call-1", models.SessionConnected)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(24 * time.Hour)

	seedReady := func(id string, expires time.Time, withBlob bool) {
		rec := &models.Recording{
			ID:                 id,
			CallID:             "call-1",
			Status:             models.RecordingReady,
			Format:             models.FormatAudio,
			InitiatedBy:        "alice",
			RetentionExpiresAt: &expires,
			CreatedAt:          past.Add(-time.Hour),
			UpdatedAt:          past,
		}
		if err := env.recordings.Create(ctx, rec); err != nil {
			t.Fatalf("seeding recording %s: %v", id, err)
		}
		if !withBlob {
			return
		}
		seg := &models.RecordingSegment{RecordingID: id, SequenceNumber: 0, SizeBytes: 4}
		if err := env.segments.Create(ctx, seg); err != nil {
			t.Fatalf("seeding segment: %v", err)
		}
		key := storage.SegmentKey(id, 0)
		if err := env.blob.Write(ctx, key, bytes.NewReader([]byte("blob")), 4); err != nil {
			t.Fatalf("writing blob: %v", err)
		}
		if err := env.segments.MarkUploaded(ctx, seg.ID, key, "cafe", 4, time.Now().UTC()); err != nil {
			t.Fatalf("marking uploaded: %v", err)
		}
	}

	seedReady("rec-expired", past, true)
	seedReady("rec-fresh", future, false)

	purged, err := env.pipe.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	// The expired recording, its blob, and its rows are gone.
	if _, err := env.recordings.GetByID(ctx, "rec-expired"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("expired recording still present: %v", err)
	}
	ok, err := env.blob.Exists(ctx, storage.SegmentKey("rec-expired", 0))
	if err != nil {
		t.Fatalf("Exists() error: %v", err)
	}
	if ok {
		t.Error("expired blob should be deleted")
	}

	// The fresh recording survives.
	if _, err := env.recordings.GetByID(ctx, "rec-fresh"); err != nil {
		t.Errorf("fresh recording lost: %v", err)
	}

	// The purge left its audit trail.
	entries := env.audit.all()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.RecordingID != "rec-expired" || e.Action != models.ActionPurged || !e.Allowed || e.AccessorID != "system" {
		t.Errorf("audit entry = %+v", e)
	}
}

func TestPipelineSweepSkipsOnAuditFailure(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCall(t, "call-1", models.SessionConnected)

	past := time.Now().UTC().Add(-time.Hour)
	rec := &models.Recording{
		ID:                 "rec-expired",
		CallID:             "call-1",
		Status:             models.RecordingReady,
		Format:             models.FormatAudio,
		InitiatedBy:        "alice",
		RetentionExpiresAt: &past,
		CreatedAt:          past,
		UpdatedAt:          past,
	}
	if err := env.recordings.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	env.audit.err = errors.New("audit store down")
	purged, err := env.pipe.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error: %v", err)
	}
	if purged != 0 {
		t.Fatalf("purged = %d, want 0 when the audit write fails", purged)
	}

	// The row survives so the next sweep can retry with a working audit log.
	if _, err := env.recordings.GetByID(ctx, "rec-expired"); err != nil {
		t.Fatalf("recording should survive a failed purge audit: %v", err)
	}
	env.audit.err = nil
	purged, err = env.pipe.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("retry SweepExpired() error: %v", err)
	}
	if purged != 1 {
		t.Fatalf("retry purged = %d, want 1", purged)
	}
}
