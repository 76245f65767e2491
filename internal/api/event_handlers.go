package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// eventResponse is one durable lifecycle event. Seq is the replay cursor;
// event_id is stable across redeliveries so consumers can dedupe.
type eventResponse struct {
	Seq         int64           `json:"seq"`
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	CallID      string          `json:"call_id,omitempty"`
	RecordingID string          `json:"recording_id,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// handleListEvents returns outbox events with seq greater than the after
// cursor, oldest first. Service and admin tokens only; this is the replay
// feed for downstream consumers that missed live deliveries.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var after int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation", "after must be a non-negative integer")
			return
		}
		after = n
	}

	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be a positive integer")
			return
		}
		if n > maxLimit {
			n = maxLimit
		}
		limit = n
	}

	events, err := s.outbox.ListAfter(r.Context(), after, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]eventResponse, len(events))
	nextAfter := after
	for i := range events {
		ev := &events[i]
		item := eventResponse{
			Seq:         ev.Seq,
			EventID:     ev.EventID,
			Type:        ev.Type,
			CallID:      ev.CallID,
			RecordingID: ev.RecordingID,
			Actor:       ev.Actor,
			OccurredAt:  ev.OccurredAt,
		}
		if ev.Meta != "" {
			item.Meta = json.RawMessage(ev.Meta)
		}
		items[i] = item
		nextAfter = ev.Seq
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"next_after": nextAfter,
	})
}
