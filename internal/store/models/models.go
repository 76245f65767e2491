package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a call session.
type SessionStatus string

const (
	SessionInitiated SessionStatus = "initiated"
	SessionRinging   SessionStatus = "ringing"
	SessionConnected SessionStatus = "connected"
	SessionEnded     SessionStatus = "ended"
	SessionMissed    SessionStatus = "missed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status is absorbing. A session in a terminal
// status never transitions again.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionMissed || s == SessionFailed
}

// CallSession represents a two-party call between an initiator and a
// counterpart. Media flows peer to peer; this row tracks signaling state.
type CallSession struct {
	ID              string
	InitiatorID     string
	CounterpartID   string
	Status          SessionStatus
	Flagged         bool // urgent flag set at creation, feeds escalation
	EscalationLevel int
	EscalatedTo     string // role the call was last escalated to, "" if never
	EndReason       string
	CreatedAt       time.Time
	AnsweredAt      *time.Time
	EndedAt         *time.Time
}

// Participant reports whether the given user id is one of the two endpoints.
func (c *CallSession) Participant(userID string) bool {
	return userID == c.InitiatorID || userID == c.CounterpartID
}

// Other returns the opposite endpoint for a participant id. Returns ""
// when the id is not a participant.
func (c *CallSession) Other(userID string) string {
	switch userID {
	case c.InitiatorID:
		return c.CounterpartID
	case c.CounterpartID:
		return c.InitiatorID
	}
	return ""
}

// SignalKind is the type tag of a signaling message. Payloads are opaque.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
	SignalHangup       SignalKind = "hangup"
)

// Valid reports whether the kind is one of the four accepted values.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalHangup:
		return true
	}
	return false
}

// SignalingMessage is one store-and-forward signaling blob. Messages are
// append-only; Consumed flips once the counterpart endpoint received it.
type SignalingMessage struct {
	ID        int64
	CallID    string
	SenderID  string
	Kind      SignalKind
	Payload   []byte
	Consumed  bool
	CreatedAt time.Time
}

// RecordingStatus is the lifecycle state of a recording.
type RecordingStatus string

const (
	RecordingIdle      RecordingStatus = "idle"
	RecordingActive    RecordingStatus = "recording"
	RecordingPaused    RecordingStatus = "paused"
	RecordingStopped   RecordingStatus = "stopped"
	RecordingUploading RecordingStatus = "uploading"
	RecordingReady     RecordingStatus = "ready"
	RecordingFailed    RecordingStatus = "failed"
)

// Terminal reports whether the recording reached a final status.
func (s RecordingStatus) Terminal() bool {
	return s == RecordingReady || s == RecordingFailed
}

// RecordingFormat is the captured media kind.
type RecordingFormat string

const (
	FormatAudio  RecordingFormat = "audio"
	FormatVideo  RecordingFormat = "video"
	FormatScreen RecordingFormat = "screen"
)

// Valid reports whether the format is one of the accepted values.
func (f RecordingFormat) Valid() bool {
	switch f {
	case FormatAudio, FormatVideo, FormatScreen:
		return true
	}
	return false
}

// Recording represents one recording of a call. The row is created on the
// first start action; a call has at most one non-terminal recording.
type Recording struct {
	ID                 string
	CallID             string
	Status             RecordingStatus
	Format             RecordingFormat
	InitiatedBy        string
	EncryptionKeyRef   string // keyring id used to seal segments, "" = plaintext
	FailureReason      string
	RetentionExpiresAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RecordingSegment is one contiguous captured chunk. Sequence numbers are
// 0-based with no gaps; offsets are milliseconds since recording start.
type RecordingSegment struct {
	ID             int64
	RecordingID    string
	SequenceNumber int
	StartOffsetMS  int64
	EndOffsetMS    int64
	DurationMS     int64
	StoragePath    string
	Checksum       string // sha256 hex of the sealed bytes as uploaded
	SizeBytes      int64
	UploadedAt     *time.Time
}

// TriggerCondition selects which sessions an escalation rule matches.
type TriggerCondition string

const (
	TriggerUnansweredTimeout TriggerCondition = "unanswered_timeout"
	TriggerFlagged           TriggerCondition = "flagged"
	TriggerEndpointOffline   TriggerCondition = "endpoint_offline"
)

// Valid reports whether the condition is one of the accepted values.
func (t TriggerCondition) Valid() bool {
	switch t {
	case TriggerUnansweredTimeout, TriggerFlagged, TriggerEndpointOffline:
		return true
	}
	return false
}

// EscalationRule is an admin-managed rule evaluated by the escalation
// engine on every tick.
type EscalationRule struct {
	ID                   int64
	Name                 string
	TriggerCondition     TriggerCondition
	ThresholdSeconds     int
	EscalateToRole       string
	PriorityLevel        int
	NotificationChannels string // JSON array of channel names
	Enabled              bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Channels parses the notification_channels JSON array.
func (r *EscalationRule) Channels() ([]string, error) {
	if r.NotificationChannels == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(r.NotificationChannels), &out); err != nil {
		return nil, fmt.Errorf("parsing notification channels: %w", err)
	}
	return out, nil
}

// EscalationEvent records one fired escalation. The row is written before
// any notification is dispatched. (call_id, level) and (call_id, rule_id)
// are unique.
type EscalationEvent struct {
	ID             int64
	CallID         string
	RuleID         int64
	Level          int
	TriggeredAt    time.Time
	AcknowledgedBy string
	AcknowledgedAt *time.Time
}

// DispatchStatus is the delivery state of one escalation notification.
type DispatchStatus string

const (
	DispatchPending DispatchStatus = "pending"
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
)

// EscalationDispatch is one at-least-once notification delivery job,
// one row per (event, channel).
type EscalationDispatch struct {
	ID            int64
	EventID       int64
	Channel       string
	Status        DispatchStatus
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	SentAt        *time.Time
}

// GrantPermission is the scope of an access grant.
type GrantPermission string

const (
	PermissionView     GrantPermission = "view"
	PermissionDownload GrantPermission = "download"
)

// Valid reports whether the permission is one of the accepted values.
func (p GrantPermission) Valid() bool {
	return p == PermissionView || p == PermissionDownload
}

// AccessGrant allows a non-participant to view or download a recording
// until ExpiresAt. Revocation sets ExpiresAt to now; rows are never deleted.
type AccessGrant struct {
	ID          int64
	RecordingID string
	GranteeID   string
	Permission  GrantPermission
	GrantedBy   string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Live reports whether the grant is usable at the given instant.
func (g *AccessGrant) Live(now time.Time) bool {
	return g.ExpiresAt.After(now)
}

// AccessAction is the audited operation on a recording.
type AccessAction string

const (
	ActionView     AccessAction = "view"
	ActionDownload AccessAction = "download"
	ActionGrant    AccessAction = "grant"
	ActionRevoke   AccessAction = "revoke"
	ActionPurged   AccessAction = "purged"
)

// AccessLogEntry is one append-only audit row. Every authorization check
// writes exactly one, allowed or not, before any result is returned.
type AccessLogEntry struct {
	ID          int64
	RecordingID string
	AccessorID  string
	Action      AccessAction
	Allowed     bool
	SourceAddr  string
	At          time.Time
}

// OutboxEvent is one durable lifecycle event. Seq is the replay cursor;
// EventID is unique so consumers can dedupe on redelivery.
type OutboxEvent struct {
	Seq         int64
	EventID     string
	Type        string
	CallID      string
	RecordingID string
	Actor       string
	Meta        string // JSON object
	OccurredAt  time.Time
}
