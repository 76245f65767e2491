// Package events carries call, recording, and escalation lifecycle events
// to in-process subscribers and to durable consumers. Every published event
// lands in the relational outbox (replayable by cursor) and, when NATS is
// configured, on a JetStream stream.
package events

import "time"

// Lifecycle event types.
const (
	TypeCallRinging   = "call.ringing"
	TypeCallConnected = "call.connected"
	TypeCallEnded     = "call.ended"
	TypeCallMissed    = "call.missed"
	TypeCallFailed    = "call.failed"

	TypeRecordingStarted = "recording.started"
	TypeRecordingPaused  = "recording.paused"
	TypeRecordingResumed = "recording.resumed"
	TypeRecordingStopped = "recording.stopped"
	TypeRecordingReady   = "recording.ready"
	TypeRecordingFailed  = "recording.failed"

	TypeEscalationRaised         = "escalation.raised"
	TypeEscalationAcknowledged   = "escalation.acknowledged"
	TypeEscalationDispatchFailed = "escalation.dispatch_failed"
)

// Event is one lifecycle occurrence. ID is unique per occurrence; consumers
// that see an event more than once dedupe on it.
type Event struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	CallID      string            `json:"call_id,omitempty"`
	RecordingID string            `json:"recording_id,omitempty"`
	Actor       string            `json:"actor,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}
