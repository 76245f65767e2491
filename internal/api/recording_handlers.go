package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callbridge/callbridge/internal/access"
	"github.com/callbridge/callbridge/internal/api/middleware"
	"github.com/callbridge/callbridge/internal/store/models"
)

// recordingResponse is the JSON response for a single recording.
type recordingResponse struct {
	ID                 string            `json:"id"`
	CallID             string            `json:"call_id"`
	Status             string            `json:"status"`
	Format             string            `json:"format"`
	InitiatedBy        string            `json:"initiated_by"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	RetentionExpiresAt *time.Time        `json:"retention_expires_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Segments           []segmentResponse `json:"segments,omitempty"`
}

// segmentResponse is one captured chunk. Storage paths stay internal; the
// client addresses segments by sequence number.
type segmentResponse struct {
	SequenceNumber int        `json:"sequence_number"`
	StartOffsetMS  int64      `json:"start_offset_ms"`
	EndOffsetMS    int64      `json:"end_offset_ms"`
	DurationMS     int64      `json:"duration_ms"`
	SizeBytes      int64      `json:"size_bytes"`
	Checksum       string     `json:"checksum,omitempty"`
	Uploaded       bool       `json:"uploaded"`
	UploadedAt     *time.Time `json:"uploaded_at,omitempty"`
}

func toRecordingResponse(rec *models.Recording) recordingResponse {
	return recordingResponse{
		ID:                 rec.ID,
		CallID:             rec.CallID,
		Status:             string(rec.Status),
		Format:             string(rec.Format),
		InitiatedBy:        rec.InitiatedBy,
		FailureReason:      rec.FailureReason,
		RetentionExpiresAt: rec.RetentionExpiresAt,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
}

func toSegmentResponse(seg *models.RecordingSegment) segmentResponse {
	return segmentResponse{
		SequenceNumber: seg.SequenceNumber,
		StartOffsetMS:  seg.StartOffsetMS,
		EndOffsetMS:    seg.EndOffsetMS,
		DurationMS:     seg.DurationMS,
		SizeBytes:      seg.SizeBytes,
		Checksum:       seg.Checksum,
		Uploaded:       seg.StoragePath != "",
		UploadedAt:     seg.UploadedAt,
	}
}

// authorizeRecording runs the audited access decision for the caller.
func (s *Server) authorizeRecording(r *http.Request, action models.AccessAction) (*models.Recording, error) {
	id := middleware.IdentityFromContext(r.Context())
	return s.access.Authorize(r.Context(), access.Request{
		RecordingID: chi.URLParam(r, "id"),
		AccessorID:  id.UserID,
		IsAdmin:     id.IsAdmin(),
		Action:      action,
		SourceAddr:  r.RemoteAddr,
	})
}

// handleStartRecording starts capture on a connected call. The pipeline
// enforces participant membership and the one-active-recording rule.
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	callID := chi.URLParam(r, "id")

	var req struct {
		Format string `json:"format"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, "validation", errMsg)
		return
	}
	format := models.RecordingFormat(req.Format)
	if !format.Valid() {
		writeError(w, http.StatusBadRequest, "validation", "format must be one of audio, video, screen")
		return
	}

	rec, err := s.recordings.Start(r.Context(), callID, id.UserID, format)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRecordingResponse(rec))
}

// handleGetRecording returns recording metadata plus its segment list.
// Every attempt lands in the audit trail, allowed or not.
func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.authorizeRecording(r, models.ActionView)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	segs, err := s.recordings.Segments(r.Context(), rec.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := toRecordingResponse(rec)
	resp.Segments = make([]segmentResponse, len(segs))
	for i := range segs {
		resp.Segments[i] = toSegmentResponse(&segs[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePauseRecording suspends capture and closes out the open segment.
func (s *Server) handlePauseRecording(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	recID := chi.URLParam(r, "id")

	if err := s.recordings.Pause(r.Context(), recID, id.UserID); err != nil {
		writeDomainError(w, err)
		return
	}

	rec, err := s.recordings.Get(r.Context(), recID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordingResponse(rec))
}

// handleResumeRecording reopens capture on a paused recording; the next
// segment continues the sequence with no gap.
func (s *Server) handleResumeRecording(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	recID := chi.URLParam(r, "id")

	if err := s.recordings.Resume(r.Context(), recID, id.UserID); err != nil {
		writeDomainError(w, err)
		return
	}

	rec, err := s.recordings.Get(r.Context(), recID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordingResponse(rec))
}

// handleStopRecording finalizes capture. Upload of remaining segments
// continues in the background; status lands on ready or failed.
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	recID := chi.URLParam(r, "id")

	if err := s.recordings.Stop(r.Context(), recID, id.UserID); err != nil {
		writeDomainError(w, err)
		return
	}

	rec, err := s.recordings.Get(r.Context(), recID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordingResponse(rec))
}

// handleDownloadRecording streams the whole recording as one attachment,
// segments concatenated in sequence order and unsealed on the way out.
func (s *Server) handleDownloadRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.authorizeRecording(r, models.ActionDownload)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rec.Status != models.RecordingReady {
		writeError(w, http.StatusConflict, "invalid_state_transition",
			fmt.Sprintf("recording is %s, download requires ready", rec.Status))
		return
	}

	segs, err := s.recordings.Segments(r.Context(), rec.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	filename := fmt.Sprintf("%s.%s", rec.ID, rec.Format)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	for i := range segs {
		if err := s.streamSegment(r, w, rec, &segs[i]); err != nil {
			// Headers are already on the wire; all we can do is cut the stream.
			s.log.Error("streaming recording download",
				"recording_id", rec.ID, "sequence", segs[i].SequenceNumber, "error", err)
			return
		}
	}
}

// handleDownloadSegment streams a single uploaded segment. Unlike the whole
// recording it does not require the ready status, so uploaded segments of a
// failed recording stay retrievable.
func (s *Server) handleDownloadSegment(w http.ResponseWriter, r *http.Request) {
	rec, err := s.authorizeRecording(r, models.ActionDownload)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq < 0 {
		writeError(w, http.StatusBadRequest, "validation", "seq must be a non-negative integer")
		return
	}

	segs, err := s.recordings.Segments(r.Context(), rec.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var seg *models.RecordingSegment
	for i := range segs {
		if segs[i].SequenceNumber == seq {
			seg = &segs[i]
			break
		}
	}
	if seg == nil {
		writeError(w, http.StatusNotFound, "not_found", "segment not found")
		return
	}
	if seg.StoragePath == "" {
		writeError(w, http.StatusConflict, "invalid_state_transition", "segment is not uploaded yet")
		return
	}

	filename := fmt.Sprintf("%s-%03d.%s", rec.ID, seg.SequenceNumber, rec.Format)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := s.streamSegment(r, w, rec, seg); err != nil {
		s.log.Error("streaming segment download",
			"recording_id", rec.ID, "sequence", seg.SequenceNumber, "error", err)
	}
}

// streamSegment reads one sealed segment from the blob store, unseals it and
// writes the plaintext. The AEAD needs the whole sealed blob to authenticate,
// so the segment is buffered; segments are capped by the rotation interval.
func (s *Server) streamSegment(r *http.Request, w io.Writer, rec *models.Recording, seg *models.RecordingSegment) error {
	rc, _, err := s.blob.Read(r.Context(), seg.StoragePath)
	if err != nil {
		return fmt.Errorf("reading segment %d: %w", seg.SequenceNumber, err)
	}
	sealed, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("reading segment %d: %w", seg.SequenceNumber, err)
	}

	plain, err := s.sealer.Open(rec.EncryptionKeyRef, sealed)
	if err != nil {
		return fmt.Errorf("unsealing segment %d: %w", seg.SequenceNumber, err)
	}

	if _, err := w.Write(plain); err != nil {
		return fmt.Errorf("writing segment %d: %w", seg.SequenceNumber, err)
	}
	return nil
}

// handleListUserRecordings returns every recording the user may view:
// their own calls plus live grants. Self or admin only.
func (s *Server) handleListUserRecordings(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	userID := chi.URLParam(r, "id")

	if userID != id.UserID && !id.IsAdmin() {
		writeError(w, http.StatusForbidden, "unauthorized", "may only list your own recordings")
		return
	}

	recs, err := s.access.ListAccessible(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]recordingResponse, len(recs))
	for i := range recs {
		items[i] = toRecordingResponse(&recs[i])
	}
	writeJSON(w, http.StatusOK, items)
}
