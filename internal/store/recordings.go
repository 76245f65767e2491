package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/callbridge/callbridge/internal/errdefs"
	"github.com/callbridge/callbridge/internal/store/models"
)

// recordingRepo implements RecordingRepository.
type recordingRepo struct {
	db *DB
}

// NewRecordingRepository creates a new RecordingRepository.
func NewRecordingRepository(db *DB) RecordingRepository {
	return &recordingRepo{db: db}
}

const recordingColumns = `id, call_id, status, format, initiated_by,
	 encryption_key_ref, failure_reason, retention_expires_at, created_at, updated_at`

// Create inserts a new recording.
func (r *recordingRepo) Create(ctx context.Context, rec *models.Recording) error {
	_, err := r.db.exec(ctx,
		`INSERT INTO recordings (id, call_id, status, format, initiated_by,
		 encryption_key_ref, failure_reason, retention_expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CallID, rec.Status, rec.Format, rec.InitiatedBy,
		rec.EncryptionKeyRef, rec.FailureReason, rec.RetentionExpiresAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting recording: %w", err)
	}
	return nil
}

// GetByID returns a recording by id.
func (r *recordingRepo) GetByID(ctx context.Context, id string) (*models.Recording, error) {
	return r.scanOne(r.db.queryRow(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id,
	))
}

// Update modifies an existing recording.
func (r *recordingRepo) Update(ctx context.Context, rec *models.Recording) error {
	_, err := r.db.exec(ctx,
		`UPDATE recordings SET status = ?, failure_reason = ?,
		 retention_expires_at = ?, updated_at = ? WHERE id = ?`,
		rec.Status, rec.FailureReason, rec.RetentionExpiresAt, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating recording: %w", err)
	}
	return nil
}

// GetActiveByCallID returns the call's non-terminal recording, or
// errdefs.ErrNotFound when the call has none.
func (r *recordingRepo) GetActiveByCallID(ctx context.Context, callID string) (*models.Recording, error) {
	return r.scanOne(r.db.queryRow(ctx,
		`SELECT `+recordingColumns+` FROM recordings
		 WHERE call_id = ? AND status NOT IN ('ready', 'failed')
		 ORDER BY created_at DESC LIMIT 1`,
		callID,
	))
}

// ListByCallID returns all recordings of a call, newest first.
func (r *recordingRepo) ListByCallID(ctx context.Context, callID string) ([]models.Recording, error) {
	rows, err := r.db.query(ctx,
		`SELECT `+recordingColumns+` FROM recordings
		 WHERE call_id = ? ORDER BY created_at DESC`,
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recordings by call: %w", err)
	}
	return scanRecordings(rows)
}

// ListAccessibleTo returns recordings where the user is a call participant
// or holds a live grant.
func (r *recordingRepo) ListAccessibleTo(ctx context.Context, userID string, now time.Time) ([]models.Recording, error) {
	rows, err := r.db.query(ctx,
		`SELECT DISTINCT r.id, r.call_id, r.status, r.format, r.initiated_by,
		 r.encryption_key_ref, r.failure_reason, r.retention_expires_at, r.created_at, r.updated_at
		 FROM recordings r
		 JOIN call_sessions c ON c.id = r.call_id
		 LEFT JOIN access_grants g ON g.recording_id = r.id AND g.grantee_id = ? AND g.expires_at > ?
		 WHERE c.initiator_id = ? OR c.counterpart_id = ? OR g.id IS NOT NULL
		 ORDER BY r.created_at DESC`,
		userID, now, userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing accessible recordings: %w", err)
	}
	return scanRecordings(rows)
}

// ListExpired returns ready recordings whose retention window has passed.
func (r *recordingRepo) ListExpired(ctx context.Context, now time.Time) ([]models.Recording, error) {
	rows, err := r.db.query(ctx,
		`SELECT `+recordingColumns+` FROM recordings
		 WHERE status = 'ready' AND retention_expires_at IS NOT NULL AND retention_expires_at < ?`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired recordings: %w", err)
	}
	return scanRecordings(rows)
}

// ListUnfinished returns recordings left mid-pipeline, for boot recovery.
// Covers captures interrupted by a crash (recording, paused) as well as
// uploads that never completed (stopped, uploading).
func (r *recordingRepo) ListUnfinished(ctx context.Context) ([]models.Recording, error) {
	rows, err := r.db.query(ctx,
		`SELECT `+recordingColumns+` FROM recordings
		 WHERE status IN ('recording', 'paused', 'stopped', 'uploading')`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing unfinished recordings: %w", err)
	}
	return scanRecordings(rows)
}

// Delete removes the recording and its segment rows in one transaction.
func (r *recordingRepo) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, r.db.rebind(
		`DELETE FROM recording_segments WHERE recording_id = ?`), id); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting recording segments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, r.db.rebind(
		`DELETE FROM recordings WHERE id = ?`), id); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting recording: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing recording delete: %w", err)
	}
	return nil
}

// CountByStatus returns recording counts grouped by status.
func (r *recordingRepo) CountByStatus(ctx context.Context) (map[models.RecordingStatus]int64, error) {
	rows, err := r.db.query(ctx,
		`SELECT status, COUNT(*) FROM recordings GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("counting recordings by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.RecordingStatus]int64)
	for rows.Next() {
		var status models.RecordingStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning recording count row: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recording count rows: %w", err)
	}

	return counts, nil
}

func (r *recordingRepo) scanOne(row *sql.Row) (*models.Recording, error) {
	var rec models.Recording
	err := row.Scan(&rec.ID, &rec.CallID, &rec.Status, &rec.Format, &rec.InitiatedBy,
		&rec.EncryptionKeyRef, &rec.FailureReason, &rec.RetentionExpiresAt,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errdefs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning recording: %w", err)
	}
	return &rec, nil
}

func scanRecordings(rows *sql.Rows) ([]models.Recording, error) {
	defer rows.Close()

	var recs []models.Recording
	for rows.Next() {
		var rec models.Recording
		if err := rows.Scan(&rec.ID, &rec.CallID, &rec.Status, &rec.Format, &rec.InitiatedBy,
			&rec.EncryptionKeyRef, &rec.FailureReason, &rec.RetentionExpiresAt,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning recording row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recording rows: %w", err)
	}

	return recs, nil
}

// segmentRepo implements SegmentRepository.
type segmentRepo struct {
	db *DB
}

// NewSegmentRepository creates a new SegmentRepository.
func NewSegmentRepository(db *DB) SegmentRepository {
	return &segmentRepo{db: db}
}

// Create inserts a new recording segment.
func (r *segmentRepo) Create(ctx context.Context, seg *models.RecordingSegment) error {
	err := r.db.queryRow(ctx,
		`INSERT INTO recording_segments (recording_id, sequence_number, start_offset_ms,
		 end_offset_ms, duration_ms, storage_path, checksum, size_bytes, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		seg.RecordingID, seg.SequenceNumber, seg.StartOffsetMS,
		seg.EndOffsetMS, seg.DurationMS, seg.StoragePath, seg.Checksum,
		seg.SizeBytes, seg.UploadedAt,
	).Scan(&seg.ID)
	if err != nil {
		return fmt.Errorf("inserting recording segment: %w", err)
	}
	return nil
}

// ListByRecording returns all segments of a recording in sequence order.
func (r *segmentRepo) ListByRecording(ctx context.Context, recordingID string) ([]models.RecordingSegment, error) {
	rows, err := r.db.query(ctx,
		`SELECT id, recording_id, sequence_number, start_offset_ms, end_offset_ms,
		 duration_ms, storage_path, checksum, size_bytes, uploaded_at
		 FROM recording_segments WHERE recording_id = ? ORDER BY sequence_number`,
		recordingID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recording segments: %w", err)
	}
	return scanSegments(rows)
}

// ListPendingUpload returns segments without an upload stamp in sequence order.
func (r *segmentRepo) ListPendingUpload(ctx context.Context, recordingID string) ([]models.RecordingSegment, error) {
	rows, err := r.db.query(ctx,
		`SELECT id, recording_id, sequence_number, start_offset_ms, end_offset_ms,
		 duration_ms, storage_path, checksum, size_bytes, uploaded_at
		 FROM recording_segments
		 WHERE recording_id = ? AND uploaded_at IS NULL
		 ORDER BY sequence_number`,
		recordingID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pending segments: %w", err)
	}
	return scanSegments(rows)
}

// MarkUploaded stamps a segment as durably stored.
func (r *segmentRepo) MarkUploaded(ctx context.Context, id int64, storagePath, checksum string, sizeBytes int64, at time.Time) error {
	_, err := r.db.exec(ctx,
		`UPDATE recording_segments SET storage_path = ?, checksum = ?, size_bytes = ?,
		 uploaded_at = ? WHERE id = ?`,
		storagePath, checksum, sizeBytes, at, id,
	)
	if err != nil {
		return fmt.Errorf("marking segment uploaded: %w", err)
	}
	return nil
}

// CountPendingUpload returns the number of segments still waiting for upload.
func (r *segmentRepo) CountPendingUpload(ctx context.Context, recordingID string) (int64, error) {
	var count int64
	err := r.db.queryRow(ctx,
		`SELECT COUNT(*) FROM recording_segments
		 WHERE recording_id = ? AND uploaded_at IS NULL`,
		recordingID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending segments: %w", err)
	}
	return count, nil
}

func scanSegments(rows *sql.Rows) ([]models.RecordingSegment, error) {
	defer rows.Close()

	var segs []models.RecordingSegment
	for rows.Next() {
		var s models.RecordingSegment
		if err := rows.Scan(&s.ID, &s.RecordingID, &s.SequenceNumber, &s.StartOffsetMS,
			&s.EndOffsetMS, &s.DurationMS, &s.StoragePath, &s.Checksum,
			&s.SizeBytes, &s.UploadedAt); err != nil {
			return nil, fmt.Errorf("scanning segment row: %w", err)
		}
		segs = append(segs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating segment rows: %w", err)
	}

	return segs, nil
}
