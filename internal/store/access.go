package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/callbridge/callbridge/internal/errdefs"
	"github.com/callbridge/callbridge/internal/store/models"
)

// grantRepo implements GrantRepository.
type grantRepo struct {
	db *DB
}

// NewGrantRepository creates a new GrantRepository.
func NewGrantRepository(db *DB) GrantRepository {
	return &grantRepo{db: db}
}

// Create inserts a new access grant.
func (r *grantRepo) Create(ctx context.Context, g *models.AccessGrant) error {
	err := r.db.queryRow(ctx,
		`INSERT INTO access_grants (recording_id, grantee_id, permission, granted_by,
		 expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		g.RecordingID, g.GranteeID, g.Permission, g.GrantedBy,
		g.ExpiresAt, g.CreatedAt,
	).Scan(&g.ID)
	if err != nil {
		return fmt.Errorf("inserting access grant: %w", err)
	}
	return nil
}

// GetByID returns a grant by id.
func (r *grantRepo) GetByID(ctx context.Context, id int64) (*models.AccessGrant, error) {
	var g models.AccessGrant
	err := r.db.queryRow(ctx,
		`SELECT id, recording_id, grantee_id, permission, granted_by, expires_at, created_at
		 FROM access_grants WHERE id = ?`, id,
	).Scan(&g.ID, &g.RecordingID, &g.GranteeID, &g.Permission, &g.GrantedBy,
		&g.ExpiresAt, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errdefs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning access grant: %w", err)
	}
	return &g, nil
}

// ListByRecording returns all grants ever issued for a recording, including
// expired and revoked ones.
func (r *grantRepo) ListByRecording(ctx context.Context, recordingID string) ([]models.AccessGrant, error) {
	rows, err := r.db.query(ctx,
		`SELECT id, recording_id, grantee_id, permission, granted_by, expires_at, created_at
		 FROM access_grants WHERE recording_id = ? ORDER BY created_at DESC`,
		recordingID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing access grants: %w", err)
	}
	defer rows.Close()

	var grants []models.AccessGrant
	for rows.Next() {
		var g models.AccessGrant
		if err := rows.Scan(&g.ID, &g.RecordingID, &g.GranteeID, &g.Permission,
			&g.GrantedBy, &g.ExpiresAt, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning access grant row: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating access grant rows: %w", err)
	}

	return grants, nil
}

// HasLiveGrant reports whether the grantee holds an unexpired grant with
// sufficient permission. A download grant also satisfies view.
func (r *grantRepo) HasLiveGrant(ctx context.Context, recordingID, granteeID string, permission models.GrantPermission, now time.Time) (bool, error) {
	query := `SELECT COUNT(*) FROM access_grants
		 WHERE recording_id = ? AND grantee_id = ? AND expires_at > ?`
	args := []any{recordingID, granteeID, now}
	if permission == models.PermissionDownload {
		query += ` AND permission = ?`
		args = append(args, models.PermissionDownload)
	}
	var count int
	if err := r.db.queryRow(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("checking access grant: %w", err)
	}
	return count > 0, nil
}

// Revoke expires the grant now. Returns false when it was already expired.
func (r *grantRepo) Revoke(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := r.db.exec(ctx,
		`UPDATE access_grants SET expires_at = ? WHERE id = ? AND expires_at > ?`,
		at, id, at,
	)
	if err != nil {
		return false, fmt.Errorf("revoking access grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("counting revoked rows: %w", err)
	}
	return n > 0, nil
}

// accessLogRepo implements AccessLogRepository.
type accessLogRepo struct {
	db *DB
}

// NewAccessLogRepository creates a new AccessLogRepository.
func NewAccessLogRepository(db *DB) AccessLogRepository {
	return &accessLogRepo{db: db}
}

// Append writes one audit entry.
func (r *accessLogRepo) Append(ctx context.Context, e *models.AccessLogEntry) error {
	err := r.db.queryRow(ctx,
		`INSERT INTO access_log (recording_id, accessor_id, action, allowed, source_addr, logged_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		e.RecordingID, e.AccessorID, e.Action, e.Allowed, e.SourceAddr, e.At,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("appending access log entry: %w", err)
	}
	return nil
}

// ListByRecording returns audit entries for a recording, newest first,
// along with the total count.
func (r *accessLogRepo) ListByRecording(ctx context.Context, recordingID string, limit, offset int) ([]models.AccessLogEntry, int, error) {
	var total int
	err := r.db.queryRow(ctx,
		`SELECT COUNT(*) FROM access_log WHERE recording_id = ?`, recordingID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting access log entries: %w", err)
	}

	rows, err := r.db.query(ctx,
		`SELECT id, recording_id, accessor_id, action, allowed, source_addr, logged_at
		 FROM access_log WHERE recording_id = ?
		 ORDER BY logged_at DESC, id DESC LIMIT ? OFFSET ?`,
		recordingID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing access log entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AccessLogEntry
	for rows.Next() {
		var e models.AccessLogEntry
		if err := rows.Scan(&e.ID, &e.RecordingID, &e.AccessorID, &e.Action,
			&e.Allowed, &e.SourceAddr, &e.At); err != nil {
			return nil, 0, fmt.Errorf("scanning access log row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating access log rows: %w", err)
	}

	return entries, total, nil
}
