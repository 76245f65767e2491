// Package recording drives recordings from start through segment capture,
// pause/resume, serial upload, and retention purge. Captured bytes spool to
// local disk per segment; segments are sealed and shipped to blob storage by
// the uploader. Recording metadata lives in the store; the spool is the only
// local state and boot recovery reconciles it.
package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/callbridge/callbridge/internal/cache"
	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/errdefs"
	"github.com/callbridge/callbridge/internal/events"
	"github.com/callbridge/callbridge/internal/storage"
	"github.com/callbridge/callbridge/internal/store"
	"github.com/callbridge/callbridge/internal/store/models"
)

// AuditLogger writes audit entries. Satisfied by access.Service; the
// retention purge records the final entry for each purged recording.
type AuditLogger interface {
	Log(ctx context.Context, e *models.AccessLogEntry) error
}

// Pipeline is the recording state machine. All transitions for one
// recording are serialized through its keyed lock.
type Pipeline struct {
	recordings store.RecordingRepository
	segments   store.SegmentRepository
	sessions   store.SessionRepository
	audit      AuditLogger
	bus        *events.Dispatcher
	cache      *cache.Cache
	uploader   *uploader
	log        *slog.Logger
	now        func() time.Time

	spoolDir  string
	keyRef    string
	retention time.Duration
	statusTTL time.Duration

	locks *recLocks

	mu      sync.Mutex
	active  map[string]*capture // recordingID -> open segment capture
	dropped atomic.Int64
}

// NewPipeline wires the recording state machine and its uploader.
func NewPipeline(cfg *config.Config, recordings store.RecordingRepository, segments store.SegmentRepository, sessions store.SessionRepository, audit AuditLogger, blob storage.Store, sealer *storage.Sealer, bus *events.Dispatcher, statusCache *cache.Cache, logger *slog.Logger) *Pipeline {
	log := logger.With("subsystem", "recording")
	p := &Pipeline{
		recordings: recordings,
		segments:   segments,
		sessions:   sessions,
		audit:      audit,
		bus:        bus,
		cache:      statusCache,
		log:        log,
		now:        time.Now,
		spoolDir:   filepath.Join(cfg.DataDir, "spool"),
		keyRef:     sealer.ActiveKeyRef(),
		retention:  cfg.RecordingRetention(),
		statusTTL:  cfg.StatusCacheTTL(),
		locks:      newRecLocks(),
		active:     make(map[string]*capture),
	}
	p.uploader = newUploader(segments, blob, sealer, cfg.MaxUploadAttempts, cfg.MaxConcurrentUploads, log)
	p.uploader.onUploaded = p.handleSegmentUploaded
	p.uploader.onExhausted = p.handleUploadExhausted

	if p.keyRef == "" {
		log.Warn("no recording keys configured, segments will be stored in plaintext")
	}
	return p
}

// Start begins a recording on a connected call. The call must be connected,
// the initiator must be a participant, and the call must not already have a
// non-terminal recording.
func (p *Pipeline) Start(ctx context.Context, callID, initiatorID string, format models.RecordingFormat) (*models.Recording, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("invalid recording format %q", format)
	}

	sess, err := p.sessions.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !sess.Participant(initiatorID) {
		return nil, fmt.Errorf("%s is not a participant of call %s: %w", initiatorID, callID, errdefs.ErrUnauthorized)
	}
	if sess.Status != models.SessionConnected {
		return nil, fmt.Errorf("call %s is %s, recording requires connected: %w", callID, sess.Status, errdefs.ErrInvalidStateTransition)
	}

	existing, err := p.recordings.GetActiveByCallID(ctx, callID)
	if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("call %s already has recording %s (%s): %w", callID, existing.ID, existing.Status, errdefs.ErrInvalidStateTransition)
	}

	now := p.now().UTC()
	rec := &models.Recording{
		ID:               uuid.NewString(),
		CallID:           callID,
		Status:           models.RecordingActive,
		Format:           format,
		InitiatedBy:      initiatorID,
		EncryptionKeyRef: p.keyRef,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.recordings.Create(ctx, rec); err != nil {
		return nil, err
	}

	cap, err := p.openCapture(rec.ID, 0, 0)
	if err != nil {
		// Roll the row to failed so no phantom recording lingers.
		rec.Status = models.RecordingFailed
		rec.FailureReason = "spool unavailable"
		rec.UpdatedAt = p.now().UTC()
		if uerr := p.recordings.Update(ctx, rec); uerr != nil {
			p.log.Error("marking recording failed after spool error", "recording_id", rec.ID, "error", uerr)
		}
		return nil, fmt.Errorf("opening spool for recording %s: %w", rec.ID, err)
	}

	p.mu.Lock()
	p.active[rec.ID] = cap
	p.mu.Unlock()

	p.emit(ctx, events.TypeRecordingStarted, rec, initiatorID, nil)
	p.log.Info("recording started", "recording_id", rec.ID, "call_id", callID, "format", format)
	return rec, nil
}

// Feed appends captured bytes to the recording's open segment. Non-blocking:
// bytes fed while paused, stopping, or faster than the spool writer are
// dropped and counted.
func (p *Pipeline) Feed(recordingID string, data []byte) {
	if len(data) == 0 {
		return
	}
	p.mu.Lock()
	cap := p.active[recordingID]
	p.mu.Unlock()

	if cap == nil || !cap.feed(data) {
		p.dropped.Add(1)
	}
}

// Pause finalizes the open segment and suspends capture. Only a recording
// in the recording status can pause.
func (p *Pipeline) Pause(ctx context.Context, recordingID, actorID string) error {
	unlock := p.locks.Lock(recordingID)
	defer unlock()

	rec, err := p.loadForActor(ctx, recordingID, actorID)
	if err != nil {
		return err
	}
	if rec.Status != models.RecordingActive {
		return fmt.Errorf("cannot pause %s recording: %w", rec.Status, errdefs.ErrInvalidStateTransition)
	}

	if err := p.finalizeOpenSegment(ctx, rec); err != nil {
		return err
	}

	rec.Status = models.RecordingPaused
	rec.UpdatedAt = p.now().UTC()
	if err := p.recordings.Update(ctx, rec); err != nil {
		return err
	}

	p.emit(ctx, events.TypeRecordingPaused, rec, actorID, nil)
	p.log.Info("recording paused", "recording_id", rec.ID)
	return nil
}

// Resume opens the next segment and continues capture. Only a paused
// recording can resume. Offsets advance only while recording, so the new
// segment starts exactly where the previous one ended.
func (p *Pipeline) Resume(ctx context.Context, recordingID, actorID string) error {
	unlock := p.locks.Lock(recordingID)
	defer unlock()

	rec, err := p.loadForActor(ctx, recordingID, actorID)
	if err != nil {
		return err
	}
	if rec.Status != models.RecordingPaused {
		return fmt.Errorf("cannot resume %s recording: %w", rec.Status, errdefs.ErrInvalidStateTransition)
	}

	segs, err := p.segments.ListByRecording(ctx, rec.ID)
	if err != nil {
		return err
	}
	nextSeq := len(segs)
	var startOffset int64
	if nextSeq > 0 {
		startOffset = segs[nextSeq-1].EndOffsetMS
	}

	cap, err := p.openCapture(rec.ID, nextSeq, startOffset)
	if err != nil {
		return fmt.Errorf("opening spool for segment %d: %w", nextSeq, err)
	}
	p.mu.Lock()
	p.active[rec.ID] = cap
	p.mu.Unlock()

	rec.Status = models.RecordingActive
	rec.UpdatedAt = p.now().UTC()
	if err := p.recordings.Update(ctx, rec); err != nil {
		return err
	}

	p.emit(ctx, events.TypeRecordingResumed, rec, actorID, nil)
	p.log.Info("recording resumed", "recording_id", rec.ID, "segment", nextSeq)
	return nil
}

// Stop ends capture from recording or paused. The stopped status is
// transient: the row moves straight to uploading and reaches ready once
// every segment has uploaded.
func (p *Pipeline) Stop(ctx context.Context, recordingID, actorID string) error {
	unlock := p.locks.Lock(recordingID)
	defer unlock()

	rec, err := p.loadForActor(ctx, recordingID, actorID)
	if err != nil {
		return err
	}
	return p.stopLocked(ctx, rec, actorID, nil)
}

// stopLocked finalizes capture and moves the recording to uploading.
// Callers hold the recording lock.
func (p *Pipeline) stopLocked(ctx context.Context, rec *models.Recording, actorID string, meta map[string]string) error {
	switch rec.Status {
	case models.RecordingActive:
		if err := p.finalizeOpenSegment(ctx, rec); err != nil {
			return err
		}
	case models.RecordingPaused:
		// No open segment; everything is already finalized.
	default:
		return fmt.Errorf("cannot stop %s recording: %w", rec.Status, errdefs.ErrInvalidStateTransition)
	}

	rec.Status = models.RecordingUploading
	rec.UpdatedAt = p.now().UTC()
	if err := p.recordings.Update(ctx, rec); err != nil {
		return err
	}

	p.emit(ctx, events.TypeRecordingStopped, rec, actorID, meta)
	p.log.Info("recording stopped", "recording_id", rec.ID)

	// Every segment may already be uploaded (short recordings whose
	// earlier segments finished while paused).
	return p.maybeReady(ctx, rec)
}

// HandleCallEvent force-stops any active recording when its call reaches a
// terminal status. Subscribed on the event dispatcher.
func (p *Pipeline) HandleCallEvent(ctx context.Context, ev events.Event) {
	switch ev.Type {
	case events.TypeCallEnded, events.TypeCallMissed, events.TypeCallFailed:
	default:
		return
	}

	rec, err := p.recordings.GetActiveByCallID(ctx, ev.CallID)
	if err != nil {
		if !errors.Is(err, errdefs.ErrNotFound) {
			p.log.Error("loading recording for ended call", "call_id", ev.CallID, "error", err)
		}
		return
	}
	if rec.Status != models.RecordingActive && rec.Status != models.RecordingPaused {
		return
	}

	unlock := p.locks.Lock(rec.ID)
	defer unlock()

	// Reload under the lock; a racing stop may have won.
	rec, err = p.recordings.GetByID(ctx, rec.ID)
	if err != nil {
		return
	}
	if rec.Status != models.RecordingActive && rec.Status != models.RecordingPaused {
		return
	}

	p.log.Info("forcing recording stop on terminal call", "recording_id", rec.ID, "call_id", ev.CallID, "call_event", ev.Type)
	if err := p.stopLocked(ctx, rec, "", map[string]string{"forced": "true", "call_event": ev.Type}); err != nil {
		p.log.Error("forced recording stop", "recording_id", rec.ID, "error", err)
	}
}

// Get returns the recording, serving repeat status polls from the cache.
func (p *Pipeline) Get(ctx context.Context, recordingID string) (*models.Recording, error) {
	key := cache.RecordingStatusKey(recordingID)
	if raw, ok := p.cache.Get(ctx, key); ok {
		var cr cachedRecording
		if err := json.Unmarshal([]byte(raw), &cr); err == nil {
			return cr.toModel(), nil
		}
	}

	rec, err := p.recordings.GetByID(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(fromModel(rec)); err == nil {
		p.cache.Set(ctx, key, string(raw), p.statusTTL)
	}
	return rec, nil
}

// Segments returns the recording's segment rows in sequence order.
func (p *Pipeline) Segments(ctx context.Context, recordingID string) ([]models.RecordingSegment, error) {
	return p.segments.ListByRecording(ctx, recordingID)
}

// Recover reconciles recordings left mid-pipeline by a previous process:
// captures interrupted by a crash are finalized from their spool files and
// every segment without uploaded_at is re-enqueued.
func (p *Pipeline) Recover(ctx context.Context) error {
	recs, err := p.recordings.ListUnfinished(ctx)
	if err != nil {
		return err
	}

	for i := range recs {
		rec := &recs[i]
		unlock := p.locks.Lock(rec.ID)
		if err := p.recoverOne(ctx, rec); err != nil {
			p.log.Error("recovering recording", "recording_id", rec.ID, "error", err)
		}
		unlock()
	}
	if len(recs) > 0 {
		p.log.Info("recording recovery scan complete", "recordings", len(recs))
	}
	return nil
}

func (p *Pipeline) recoverOne(ctx context.Context, rec *models.Recording) error {
	segs, err := p.segments.ListByRecording(ctx, rec.ID)
	if err != nil {
		return err
	}

	switch rec.Status {
	case models.RecordingActive, models.RecordingPaused:
		// Capture died with the process. If an orphan spool exists for
		// the segment that was open, keep its bytes; the wall-clock
		// span of an interrupted segment is unknown, so its duration
		// records as zero.
		nextSeq := len(segs)
		spool := p.spoolPath(rec.ID, nextSeq)
		if st, err := os.Stat(spool); err == nil {
			var start int64
			if nextSeq > 0 {
				start = segs[nextSeq-1].EndOffsetMS
			}
			seg := &models.RecordingSegment{
				RecordingID:    rec.ID,
				SequenceNumber: nextSeq,
				StartOffsetMS:  start,
				EndOffsetMS:    start,
				SizeBytes:      st.Size(),
			}
			if err := p.segments.Create(ctx, seg); err != nil {
				return err
			}
			segs = append(segs, *seg)
		}
		rec.Status = models.RecordingUploading
		rec.UpdatedAt = p.now().UTC()
		if err := p.recordings.Update(ctx, rec); err != nil {
			return err
		}
		p.emit(ctx, events.TypeRecordingStopped, rec, "", map[string]string{"forced": "true", "reason": "recovered"})

	case models.RecordingStopped:
		rec.Status = models.RecordingUploading
		rec.UpdatedAt = p.now().UTC()
		if err := p.recordings.Update(ctx, rec); err != nil {
			return err
		}
	}

	pending := 0
	for _, seg := range segs {
		if seg.UploadedAt != nil {
			continue
		}
		p.uploader.enqueue(uploadJob{
			segmentID:   seg.ID,
			recordingID: rec.ID,
			seq:         seg.SequenceNumber,
			keyRef:      rec.EncryptionKeyRef,
			spoolPath:   p.spoolPath(rec.ID, seg.SequenceNumber),
		})
		pending++
	}
	if pending == 0 {
		return p.maybeReady(ctx, rec)
	}
	return nil
}

// SweepExpired purges ready recordings past their retention window: segment
// blobs are deleted, rows removed, and a final purged audit entry written.
// Run from the cron scheduler. Returns the number of recordings purged.
func (p *Pipeline) SweepExpired(ctx context.Context) (int, error) {
	expired, err := p.recordings.ListExpired(ctx, p.now().UTC())
	if err != nil {
		return 0, err
	}

	purged := 0
	for i := range expired {
		rec := &expired[i]
		if err := p.purgeOne(ctx, rec); err != nil {
			p.log.Error("purging expired recording", "recording_id", rec.ID, "error", err)
			continue
		}
		purged++
	}
	return purged, nil
}

func (p *Pipeline) purgeOne(ctx context.Context, rec *models.Recording) error {
	segs, err := p.segments.ListByRecording(ctx, rec.ID)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if seg.StoragePath == "" {
			continue
		}
		if err := p.uploader.blob.Delete(ctx, seg.StoragePath); err != nil {
			return fmt.Errorf("deleting segment blob %s: %w", seg.StoragePath, err)
		}
	}

	// The audit entry lands before the row is removed. If it cannot be
	// written the recording stays and the next sweep retries the purge;
	// blob deletes above are idempotent.
	entry := &models.AccessLogEntry{
		RecordingID: rec.ID,
		AccessorID:  "system",
		Action:      models.ActionPurged,
		Allowed:     true,
		At:          p.now().UTC(),
	}
	if err := p.audit.Log(ctx, entry); err != nil {
		return fmt.Errorf("writing purge audit entry: %w", err)
	}

	if err := p.recordings.Delete(ctx, rec.ID); err != nil {
		return err
	}
	// Leftover spool files are orphans at this point.
	if err := os.RemoveAll(filepath.Join(p.spoolDir, rec.ID)); err != nil {
		p.log.Warn("removing spool dir", "recording_id", rec.ID, "error", err)
	}

	p.cache.Delete(ctx, cache.RecordingStatusKey(rec.ID))
	p.log.Info("recording purged", "recording_id", rec.ID, "segments", len(segs))
	return nil
}

// Close stops accepting uploads and abandons open captures; pending segment
// rows stay unmarked and recover at next boot. Wait blocks until in-flight
// uploads finish.
func (p *Pipeline) Close() {
	p.uploader.close()

	p.mu.Lock()
	captures := p.active
	p.active = make(map[string]*capture)
	p.mu.Unlock()
	for _, cap := range captures {
		cap.abandon()
	}
}

// Wait blocks until in-flight uploads drain.
func (p *Pipeline) Wait() {
	p.uploader.wait()
}

// DroppedFeeds returns the count of fed chunks dropped because no segment
// was open or the spool writer was behind.
func (p *Pipeline) DroppedFeeds() int64 {
	return p.dropped.Load()
}

// UploadQueueDepth returns the number of segments waiting for or in upload.
func (p *Pipeline) UploadQueueDepth() int64 {
	return p.uploader.queueDepth()
}

// UploadRetries returns the total upload attempts that failed and retried.
func (p *Pipeline) UploadRetries() int64 {
	return p.uploader.retryCount()
}

// loadForActor loads the recording and enforces that a non-empty actor is a
// participant of its call. System callers pass "".
func (p *Pipeline) loadForActor(ctx context.Context, recordingID, actorID string) (*models.Recording, error) {
	rec, err := p.recordings.GetByID(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if actorID == "" {
		return rec, nil
	}
	sess, err := p.sessions.GetByID(ctx, rec.CallID)
	if err != nil {
		return nil, err
	}
	if !sess.Participant(actorID) {
		return nil, fmt.Errorf("%s is not a participant of call %s: %w", actorID, rec.CallID, errdefs.ErrUnauthorized)
	}
	return rec, nil
}

// finalizeOpenSegment closes the open capture, writes its segment row, and
// hands the spool to the uploader. Offsets advance only while recording:
// the segment spans openedAt to now.
func (p *Pipeline) finalizeOpenSegment(ctx context.Context, rec *models.Recording) error {
	p.mu.Lock()
	cap := p.active[rec.ID]
	delete(p.active, rec.ID)
	p.mu.Unlock()

	if cap == nil {
		return fmt.Errorf("recording %s has no open capture", rec.ID)
	}

	written, err := cap.finalize()
	if err != nil {
		return fmt.Errorf("finalizing segment %d: %w", cap.seq, err)
	}

	elapsed := p.now().Sub(cap.openedAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	seg := &models.RecordingSegment{
		RecordingID:    rec.ID,
		SequenceNumber: cap.seq,
		StartOffsetMS:  cap.startOffsetMS,
		EndOffsetMS:    cap.startOffsetMS + elapsed,
		DurationMS:     elapsed,
		SizeBytes:      written,
	}
	if err := p.segments.Create(ctx, seg); err != nil {
		return err
	}

	p.uploader.enqueue(uploadJob{
		segmentID:   seg.ID,
		recordingID: rec.ID,
		seq:         seg.SequenceNumber,
		keyRef:      rec.EncryptionKeyRef,
		spoolPath:   cap.path,
	})
	return nil
}

// handleSegmentUploaded moves an uploading recording to ready once its last
// segment lands. Invoked by the uploader after each successful upload.
func (p *Pipeline) handleSegmentUploaded(ctx context.Context, recordingID string) {
	unlock := p.locks.Lock(recordingID)
	defer unlock()

	rec, err := p.recordings.GetByID(ctx, recordingID)
	if err != nil {
		if !errors.Is(err, errdefs.ErrNotFound) {
			p.log.Error("loading recording after segment upload", "recording_id", recordingID, "error", err)
		}
		return
	}
	if err := p.maybeReady(ctx, rec); err != nil {
		p.log.Error("promoting recording to ready", "recording_id", recordingID, "error", err)
	}
}

// handleUploadExhausted fails the recording after a segment ran out of
// upload attempts. Already uploaded segments are retained for manual
// recovery.
func (p *Pipeline) handleUploadExhausted(ctx context.Context, recordingID string, cause error) {
	unlock := p.locks.Lock(recordingID)
	defer unlock()

	rec, err := p.recordings.GetByID(ctx, recordingID)
	if err != nil {
		p.log.Error("loading recording after upload exhaustion", "recording_id", recordingID, "error", err)
		return
	}
	if rec.Status.Terminal() {
		return
	}

	rec.Status = models.RecordingFailed
	rec.FailureReason = cause.Error()
	rec.UpdatedAt = p.now().UTC()
	if err := p.recordings.Update(ctx, rec); err != nil {
		p.log.Error("marking recording failed", "recording_id", recordingID, "error", err)
		return
	}

	p.emit(ctx, events.TypeRecordingFailed, rec, "", map[string]string{"reason": rec.FailureReason})
	p.log.Error("recording failed", "recording_id", rec.ID, "reason", rec.FailureReason)
}

// maybeReady promotes an uploading recording to ready when every segment has
// uploaded_at set, stamping the retention deadline.
func (p *Pipeline) maybeReady(ctx context.Context, rec *models.Recording) error {
	if rec.Status != models.RecordingUploading {
		return nil
	}
	pending, err := p.segments.CountPendingUpload(ctx, rec.ID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	now := p.now().UTC()
	expires := now.Add(p.retention)
	rec.Status = models.RecordingReady
	rec.RetentionExpiresAt = &expires
	rec.UpdatedAt = now
	if err := p.recordings.Update(ctx, rec); err != nil {
		return err
	}

	p.emit(ctx, events.TypeRecordingReady, rec, "", nil)
	p.log.Info("recording ready", "recording_id", rec.ID, "retention_expires_at", expires)
	return nil
}

func (p *Pipeline) openCapture(recordingID string, seq int, startOffsetMS int64) (*capture, error) {
	return newCapture(p.spoolPath(recordingID, seq), recordingID, seq, startOffsetMS, p.now(), p.log)
}

func (p *Pipeline) spoolPath(recordingID string, seq int) string {
	return filepath.Join(p.spoolDir, recordingID, fmt.Sprintf("%06d.spool", seq))
}

func (p *Pipeline) emit(ctx context.Context, typ string, rec *models.Recording, actor string, meta map[string]string) {
	p.bus.Publish(ctx, events.Event{
		Type:        typ,
		CallID:      rec.CallID,
		RecordingID: rec.ID,
		Actor:       actor,
		Meta:        meta,
	})
}

// cachedRecording is the cache serialization of a Recording, kept separate
// so the store models stay free of encoding tags.
type cachedRecording struct {
	ID                 string     `json:"id"`
	CallID             string     `json:"call_id"`
	Status             string     `json:"status"`
	Format             string     `json:"format"`
	InitiatedBy        string     `json:"initiated_by"`
	EncryptionKeyRef   string     `json:"encryption_key_ref"`
	FailureReason      string     `json:"failure_reason"`
	RetentionExpiresAt *time.Time `json:"retention_expires_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func fromModel(r *models.Recording) cachedRecording {
	return cachedRecording{
		ID:                 r.ID,
		CallID:             r.CallID,
		Status:             string(r.Status),
		Format:             string(r.Format),
		InitiatedBy:        r.InitiatedBy,
		EncryptionKeyRef:   r.EncryptionKeyRef,
		FailureReason:      r.FailureReason,
		RetentionExpiresAt: r.RetentionExpiresAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func (c cachedRecording) toModel() *models.Recording {
	return &models.Recording{
		ID:                 c.ID,
		CallID:             c.CallID,
		Status:             models.RecordingStatus(c.Status),
		Format:             models.RecordingFormat(c.Format),
		InitiatedBy:        c.InitiatedBy,
		EncryptionKeyRef:   c.EncryptionKeyRef,
		FailureReason:      c.FailureReason,
		RetentionExpiresAt: c.RetentionExpiresAt,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

// recLocks is a keyed mutex over recording ids, reference counted so the map
// stays bounded by in-flight operations.
type recLocks struct {
	mu    sync.Mutex
	locks map[string]*recLock
}

type recLock struct {
	mu   sync.Mutex
	refs int
}

func newRecLocks() *recLocks {
	return &recLocks{locks: make(map[string]*recLock)}
}

func (r *recLocks) Lock(recordingID string) func() {
	r.mu.Lock()
	l, ok := r.locks[recordingID]
	if !ok {
		l = &recLock{}
		r.locks[recordingID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, recordingID)
		}
		r.mu.Unlock()
	}
}
