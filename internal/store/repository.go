package store

import (
	"context"
	"time"

	"github.com/callbridge/callbridge/internal/store/models"
)

// SessionRepository manages call session rows.
type SessionRepository interface {
	Create(ctx context.Context, s *models.CallSession) error
	GetByID(ctx context.Context, id string) (*models.CallSession, error)
	Update(ctx context.Context, s *models.CallSession) error
	HasActiveForInitiator(ctx context.Context, initiatorID string) (bool, error)
	ListNonTerminal(ctx context.Context) ([]models.CallSession, error)
	CountNonTerminal(ctx context.Context) (int64, error)
}

// SignalRepository manages the append-only signaling message log.
type SignalRepository interface {
	Append(ctx context.Context, m *models.SignalingMessage) error
	// ListForReceiver returns messages on the call addressed to receiverID
	// (sender != receiver) with id > afterID, in insertion order.
	ListForReceiver(ctx context.Context, callID, receiverID string, afterID int64) ([]models.SignalingMessage, error)
	ListUndeliveredForReceiver(ctx context.Context, callID, receiverID string) ([]models.SignalingMessage, error)
	MarkConsumed(ctx context.Context, ids []int64) error
	// DeleteForSessionsEndedBefore removes messages whose session reached a
	// terminal status before the cutoff. Returns the number of rows removed.
	DeleteForSessionsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountUnconsumed(ctx context.Context) (int64, error)
}

// RecordingRepository manages recording rows.
type RecordingRepository interface {
	Create(ctx context.Context, rec *models.Recording) error
	GetByID(ctx context.Context, id string) (*models.Recording, error)
	Update(ctx context.Context, rec *models.Recording) error
	GetActiveByCallID(ctx context.Context, callID string) (*models.Recording, error)
	ListByCallID(ctx context.Context, callID string) ([]models.Recording, error)
	// ListAccessibleTo returns recordings where userID is a participant of
	// the underlying call or holds a grant that is live at the given instant.
	ListAccessibleTo(ctx context.Context, userID string, now time.Time) ([]models.Recording, error)
	ListExpired(ctx context.Context, now time.Time) ([]models.Recording, error)
	// ListUnfinished returns recordings in any non-terminal status, used by
	// the boot recovery scan to finalize interrupted captures and re-enqueue
	// pending segment uploads.
	ListUnfinished(ctx context.Context) ([]models.Recording, error)
	// Delete removes the recording and its segment rows. The access log is
	// untouched; the purge audit entry outlives the recording.
	Delete(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[models.RecordingStatus]int64, error)
}

// SegmentRepository manages recording segment rows.
type SegmentRepository interface {
	Create(ctx context.Context, seg *models.RecordingSegment) error
	ListByRecording(ctx context.Context, recordingID string) ([]models.RecordingSegment, error)
	ListPendingUpload(ctx context.Context, recordingID string) ([]models.RecordingSegment, error)
	MarkUploaded(ctx context.Context, id int64, storagePath, checksum string, sizeBytes int64, at time.Time) error
	CountPendingUpload(ctx context.Context, recordingID string) (int64, error)
}

// RuleRepository manages admin-configured escalation rules.
type RuleRepository interface {
	Create(ctx context.Context, rule *models.EscalationRule) error
	GetByID(ctx context.Context, id int64) (*models.EscalationRule, error)
	List(ctx context.Context) ([]models.EscalationRule, error)
	// ListEnabled returns enabled rules ordered by priority_level descending;
	// the engine reads these fresh on every tick.
	ListEnabled(ctx context.Context) ([]models.EscalationRule, error)
	Update(ctx context.Context, rule *models.EscalationRule) error
	Delete(ctx context.Context, id int64) error
}

// EscalationRepository manages fired escalation events.
type EscalationRepository interface {
	Create(ctx context.Context, ev *models.EscalationEvent) error
	GetByID(ctx context.Context, id int64) (*models.EscalationEvent, error)
	ListByCall(ctx context.Context, callID string) ([]models.EscalationEvent, error)
	ExistsForRule(ctx context.Context, callID string, ruleID int64) (bool, error)
	// Acknowledge stamps the event once. Returns false when the event was
	// already acknowledged, leaving the original stamp untouched.
	Acknowledge(ctx context.Context, id int64, by string, at time.Time) (bool, error)
	Count(ctx context.Context) (int64, error)
	CountUnacknowledged(ctx context.Context) (int64, error)
}

// DispatchRepository manages the at-least-once notification delivery queue.
type DispatchRepository interface {
	CreateBatch(ctx context.Context, jobs []models.EscalationDispatch) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.EscalationDispatch, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkRetry(ctx context.Context, id int64, attempts int, lastError string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, id int64, attempts int, lastError string) error
	CountPending(ctx context.Context) (int64, error)
}

// GrantRepository manages recording access grants. Grants are never deleted;
// revocation sets expires_at so the trail stays auditable.
type GrantRepository interface {
	Create(ctx context.Context, g *models.AccessGrant) error
	GetByID(ctx context.Context, id int64) (*models.AccessGrant, error)
	ListByRecording(ctx context.Context, recordingID string) ([]models.AccessGrant, error)
	HasLiveGrant(ctx context.Context, recordingID, granteeID string, permission models.GrantPermission, now time.Time) (bool, error)
	// Revoke expires the grant. Returns false when it was already expired.
	Revoke(ctx context.Context, id int64, at time.Time) (bool, error)
}

// AccessLogRepository appends to and reads the audit trail. The table is
// append-only: there are deliberately no update or delete methods.
type AccessLogRepository interface {
	Append(ctx context.Context, e *models.AccessLogEntry) error
	ListByRecording(ctx context.Context, recordingID string, limit, offset int) ([]models.AccessLogEntry, int, error)
}

// OutboxRepository manages the durable lifecycle event log that consumers
// replay by cursor.
type OutboxRepository interface {
	Append(ctx context.Context, ev *models.OutboxEvent) error
	ListAfter(ctx context.Context, seq int64, limit int) ([]models.OutboxEvent, error)
}
