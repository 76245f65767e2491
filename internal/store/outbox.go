package store

import (
	"context"
	"fmt"

	"github.com/callbridge/callbridge/internal/store/models"
)

// outboxRepo implements OutboxRepository.
type outboxRepo struct {
	db *DB
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(db *DB) OutboxRepository {
	return &outboxRepo{db: db}
}

// Append writes one lifecycle event to the durable outbox.
func (r *outboxRepo) Append(ctx context.Context, ev *models.OutboxEvent) error {
	err := r.db.queryRow(ctx,
		`INSERT INTO event_outbox (event_id, type, call_id, recording_id, actor, meta, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING seq`,
		ev.EventID, ev.Type, ev.CallID, ev.RecordingID, ev.Actor, ev.Meta, ev.OccurredAt,
	).Scan(&ev.Seq)
	if err != nil {
		return fmt.Errorf("appending outbox event: %w", err)
	}
	return nil
}

// ListAfter returns up to limit events with seq greater than the cursor,
// in seq order. Consumers dedupe on event_id across redeliveries.
func (r *outboxRepo) ListAfter(ctx context.Context, seq int64, limit int) ([]models.OutboxEvent, error) {
	rows, err := r.db.query(ctx,
		`SELECT seq, event_id, type, call_id, recording_id, actor, meta, occurred_at
		 FROM event_outbox WHERE seq > ? ORDER BY seq LIMIT ?`,
		seq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing outbox events: %w", err)
	}
	defer rows.Close()

	var events []models.OutboxEvent
	for rows.Next() {
		var ev models.OutboxEvent
		if err := rows.Scan(&ev.Seq, &ev.EventID, &ev.Type, &ev.CallID,
			&ev.RecordingID, &ev.Actor, &ev.Meta, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox rows: %w", err)
	}

	return events, nil
}
