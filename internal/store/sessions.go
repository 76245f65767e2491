package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/callbridge/callbridge/internal/errdefs"
	"github.com/callbridge/callbridge/internal/store/models"
)

// sessionRepo implements SessionRepository.
type sessionRepo struct {
	db *DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *DB) SessionRepository {
	return &sessionRepo{db: db}
}

const sessionColumns = `id, initiator_id, counterpart_id, status, flagged,
	 escalation_level, escalated_to, end_reason, created_at, answered_at, ended_at`

// Create inserts a new call session.
func (r *sessionRepo) Create(ctx context.Context, s *models.CallSession) error {
	_, err := r.db.exec(ctx,
		`INSERT INTO call_sessions (id, initiator_id, counterpart_id, status, flagged,
		 escalation_level, escalated_to, end_reason, created_at, answered_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.InitiatorID, s.CounterpartID, s.Status, s.Flagged,
		s.EscalationLevel, s.EscalatedTo, s.EndReason, s.CreatedAt, s.AnsweredAt, s.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting call session: %w", err)
	}
	return nil
}

// GetByID returns a call session by id.
func (r *sessionRepo) GetByID(ctx context.Context, id string) (*models.CallSession, error) {
	return r.scanOne(r.db.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE id = ?`, id,
	))
}

// Update modifies an existing call session. Callers serialize writes to one
// call through the per-call lock.
func (r *sessionRepo) Update(ctx context.Context, s *models.CallSession) error {
	_, err := r.db.exec(ctx,
		`UPDATE call_sessions SET status = ?, flagged = ?, escalation_level = ?,
		 escalated_to = ?, end_reason = ?, answered_at = ?, ended_at = ?
		 WHERE id = ?`,
		s.Status, s.Flagged, s.EscalationLevel,
		s.EscalatedTo, s.EndReason, s.AnsweredAt, s.EndedAt, s.ID,
	)
	if err != nil {
		return fmt.Errorf("updating call session: %w", err)
	}
	return nil
}

// HasActiveForInitiator reports whether the initiator has a session that is
// not yet terminal.
func (r *sessionRepo) HasActiveForInitiator(ctx context.Context, initiatorID string) (bool, error) {
	var count int
	err := r.db.queryRow(ctx,
		`SELECT COUNT(*) FROM call_sessions
		 WHERE initiator_id = ? AND status IN ('initiated', 'ringing', 'connected')`,
		initiatorID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting active sessions: %w", err)
	}
	return count > 0, nil
}

// ListNonTerminal returns all sessions that have not reached a terminal
// status, oldest first. The escalation engine scans these every tick.
func (r *sessionRepo) ListNonTerminal(ctx context.Context) ([]models.CallSession, error) {
	rows, err := r.db.query(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions
		 WHERE status IN ('initiated', 'ringing', 'connected')
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing non-terminal sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.CallSession
	for rows.Next() {
		var s models.CallSession
		if err := rows.Scan(&s.ID, &s.InitiatorID, &s.CounterpartID, &s.Status, &s.Flagged,
			&s.EscalationLevel, &s.EscalatedTo, &s.EndReason, &s.CreatedAt,
			&s.AnsweredAt, &s.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}

	return sessions, nil
}

// CountNonTerminal returns the number of active sessions.
func (r *sessionRepo) CountNonTerminal(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.queryRow(ctx,
		`SELECT COUNT(*) FROM call_sessions
		 WHERE status IN ('initiated', 'ringing', 'connected')`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting non-terminal sessions: %w", err)
	}
	return count, nil
}

func (r *sessionRepo) scanOne(row *sql.Row) (*models.CallSession, error) {
	var s models.CallSession
	err := row.Scan(&s.ID, &s.InitiatorID, &s.CounterpartID, &s.Status, &s.Flagged,
		&s.EscalationLevel, &s.EscalatedTo, &s.EndReason, &s.CreatedAt,
		&s.AnsweredAt, &s.EndedAt)
	if err == sql.ErrNoRows {
		return nil, errdefs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call session: %w", err)
	}
	return &s, nil
}
