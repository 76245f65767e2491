package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/callbridge/callbridge/internal/store/models"
)

// signalRepo implements SignalRepository.
type signalRepo struct {
	db *DB
}

// NewSignalRepository creates a new SignalRepository.
func NewSignalRepository(db *DB) SignalRepository {
	return &signalRepo{db: db}
}

// Append persists a signaling message. The message is durable before any
// delivery attempt is made.
func (r *signalRepo) Append(ctx context.Context, m *models.SignalingMessage) error {
	err := r.db.queryRow(ctx,
		`INSERT INTO signaling_messages (call_id, sender_id, kind, payload, consumed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		m.CallID, m.SenderID, m.Kind, m.Payload, m.Consumed, m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("inserting signaling message: %w", err)
	}
	return nil
}

// ListForReceiver returns messages on the call addressed to receiverID with
// id greater than afterID, in insertion order.
func (r *signalRepo) ListForReceiver(ctx context.Context, callID, receiverID string, afterID int64) ([]models.SignalingMessage, error) {
	rows, err := r.db.query(ctx,
		`SELECT id, call_id, sender_id, kind, payload, consumed, created_at
		 FROM signaling_messages
		 WHERE call_id = ? AND sender_id != ? AND id > ?
		 ORDER BY id`,
		callID, receiverID, afterID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing signaling messages: %w", err)
	}
	return scanSignals(rows)
}

// ListUndeliveredForReceiver returns unconsumed messages addressed to
// receiverID, in insertion order. Used to replay backlog on endpoint attach.
func (r *signalRepo) ListUndeliveredForReceiver(ctx context.Context, callID, receiverID string) ([]models.SignalingMessage, error) {
	rows, err := r.db.query(ctx,
		`SELECT id, call_id, sender_id, kind, payload, consumed, created_at
		 FROM signaling_messages
		 WHERE call_id = ? AND sender_id != ? AND consumed = ?
		 ORDER BY id`,
		callID, receiverID, false,
	)
	if err != nil {
		return nil, fmt.Errorf("listing undelivered signaling messages: %w", err)
	}
	return scanSignals(rows)
}

// MarkConsumed flips the consumed flag on the given message ids.
func (r *signalRepo) MarkConsumed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.db.exec(ctx,
		`UPDATE signaling_messages SET consumed = true WHERE id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("marking signaling messages consumed: %w", err)
	}
	return nil
}

// DeleteForSessionsEndedBefore removes messages whose session reached a
// terminal status before the cutoff.
func (r *signalRepo) DeleteForSessionsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.exec(ctx,
		`DELETE FROM signaling_messages WHERE call_id IN (
		   SELECT id FROM call_sessions
		   WHERE status IN ('ended', 'missed', 'failed') AND ended_at < ?
		 )`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired signaling messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted signaling messages: %w", err)
	}
	return n, nil
}

// CountUnconsumed returns the current delivery backlog size.
func (r *signalRepo) CountUnconsumed(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.queryRow(ctx,
		`SELECT COUNT(*) FROM signaling_messages WHERE consumed = ?`, false,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unconsumed signaling messages: %w", err)
	}
	return count, nil
}

func scanSignals(rows *sql.Rows) ([]models.SignalingMessage, error) {
	defer rows.Close()

	var msgs []models.SignalingMessage
	for rows.Next() {
		var m models.SignalingMessage
		if err := rows.Scan(&m.ID, &m.CallID, &m.SenderID, &m.Kind, &m.Payload,
			&m.Consumed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning signaling row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating signaling rows: %w", err)
	}

	return msgs, nil
}
