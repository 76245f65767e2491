// Package access decides who may see or download recordings and keeps
// the append-only audit trail of every attempt. The trail is written
// before any decision is returned and the service fails closed: when the
// audit store is down, nobody gets in.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/callbridge/callbridge/internal/errdefs"
	"github.com/callbridge/callbridge/internal/store"
	"github.com/callbridge/callbridge/internal/store/models"
)

// Request describes one authorization check.
type Request struct {
	RecordingID string
	AccessorID  string
	IsAdmin     bool
	Action      models.AccessAction // ActionView or ActionDownload
	SourceAddr  string
}

// Service decides recording access and writes the audit trail.
type Service struct {
	recordings store.RecordingRepository
	sessions   store.SessionRepository
	grants     store.GrantRepository
	audit      store.AccessLogRepository
	log        *slog.Logger
	now        func() time.Time
}

// NewService wires the access decision over its stores.
func NewService(recordings store.RecordingRepository, sessions store.SessionRepository, grants store.GrantRepository, audit store.AccessLogRepository, logger *slog.Logger) *Service {
	return &Service{
		recordings: recordings,
		sessions:   sessions,
		grants:     grants,
		audit:      audit,
		log:        logger.With("subsystem", "access"),
		now:        time.Now,
	}
}

// Authorize decides whether the accessor may perform the action on the
// recording and returns the recording when allowed. Exactly one audit
// entry is written per call, allowed or denied, before any result is
// returned. An unknown recording returns ErrNotFound with no entry;
// there is no trail for it to belong to.
func (s *Service) Authorize(ctx context.Context, req Request) (*models.Recording, error) {
	rec, err := s.recordings.GetByID(ctx, req.RecordingID)
	if err != nil {
		return nil, err
	}

	allowed, decideErr := s.decide(ctx, rec, req)

	entry := &models.AccessLogEntry{
		RecordingID: rec.ID,
		AccessorID:  req.AccessorID,
		Action:      req.Action,
		Allowed:     allowed,
		SourceAddr:  req.SourceAddr,
		At:          s.now().UTC(),
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Error("audit write failed, denying access",
			"recording_id", rec.ID, "accessor", req.AccessorID, "error", err)
		return nil, fmt.Errorf("audit trail unavailable: %w", errdefs.ErrStorageUnavailable)
	}

	if decideErr != nil {
		s.log.Error("access decision failed closed",
			"recording_id", rec.ID, "accessor", req.AccessorID, "error", decideErr)
		return nil, fmt.Errorf("access decision: %w", errdefs.ErrStorageUnavailable)
	}
	if !allowed {
		return nil, fmt.Errorf("%s may not %s recording %s: %w",
			req.AccessorID, req.Action, rec.ID, errdefs.ErrUnauthorized)
	}
	return rec, nil
}

// decide computes the decision without writing anything. Any store error
// reads as denied; Authorize maps it to StorageUnavailable.
func (s *Service) decide(ctx context.Context, rec *models.Recording, req Request) (bool, error) {
	if req.IsAdmin {
		return true, nil
	}

	sess, err := s.sessions.GetByID(ctx, rec.CallID)
	if err != nil {
		return false, fmt.Errorf("loading call %s: %w", rec.CallID, err)
	}
	if sess.Participant(req.AccessorID) {
		return true, nil
	}

	perm := models.PermissionView
	if req.Action == models.ActionDownload {
		perm = models.PermissionDownload
	}
	return s.grants.HasLiveGrant(ctx, rec.ID, req.AccessorID, perm, s.now().UTC())
}

// Grant issues a scoped, expiring grant to a non-participant and records
// it in the audit trail. Granting to a call participant is accepted; the
// grant is a harmless duplicate of what they already have.
func (s *Service) Grant(ctx context.Context, adminID, recordingID, granteeID string, permission models.GrantPermission, expiresAt time.Time) (*models.AccessGrant, error) {
	if granteeID == "" {
		return nil, fmt.Errorf("grantee id is required")
	}
	if !permission.Valid() {
		return nil, fmt.Errorf("invalid permission %q", permission)
	}
	now := s.now().UTC()
	if !expiresAt.After(now) {
		return nil, fmt.Errorf("grant expiry %s is in the past", expiresAt)
	}

	rec, err := s.recordings.GetByID(ctx, recordingID)
	if err != nil {
		return nil, err
	}

	g := &models.AccessGrant{
		RecordingID: rec.ID,
		GranteeID:   granteeID,
		Permission:  permission,
		GrantedBy:   adminID,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	if err := s.grants.Create(ctx, g); err != nil {
		return nil, err
	}

	if err := s.audit.Append(ctx, &models.AccessLogEntry{
		RecordingID: rec.ID,
		AccessorID:  adminID,
		Action:      models.ActionGrant,
		Allowed:     true,
		At:          now,
	}); err != nil {
		s.log.Error("failed to audit grant", "grant_id", g.ID, "error", err)
	}

	s.log.Info("access grant issued",
		"recording_id", rec.ID, "grantee", granteeID, "permission", permission, "expires_at", expiresAt)
	return g, nil
}

// Revoke expires the grant now. The row is kept so the trail shows who
// had access when. Revoking an already-expired grant is a no-op.
func (s *Service) Revoke(ctx context.Context, adminID string, grantID int64) error {
	g, err := s.grants.GetByID(ctx, grantID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	revoked, err := s.grants.Revoke(ctx, grantID, now)
	if err != nil {
		return err
	}
	if !revoked {
		return nil
	}

	if err := s.audit.Append(ctx, &models.AccessLogEntry{
		RecordingID: g.RecordingID,
		AccessorID:  adminID,
		Action:      models.ActionRevoke,
		Allowed:     true,
		At:          now,
	}); err != nil {
		s.log.Error("failed to audit revoke", "grant_id", grantID, "error", err)
	}

	s.log.Info("access grant revoked", "grant_id", grantID, "recording_id", g.RecordingID)
	return nil
}

// ListAccessible returns the recordings the user may at least view:
// calls they took part in plus live grants.
func (s *Service) ListAccessible(ctx context.Context, userID string) ([]models.Recording, error) {
	return s.recordings.ListAccessibleTo(ctx, userID, s.now().UTC())
}

// ListGrants returns every grant ever issued for a recording.
func (s *Service) ListGrants(ctx context.Context, recordingID string) ([]models.AccessGrant, error) {
	return s.grants.ListByRecording(ctx, recordingID)
}

// Log appends an audit entry directly. The retention purge uses this to
// leave a final action=purged entry after a recording is deleted.
func (s *Service) Log(ctx context.Context, entry *models.AccessLogEntry) error {
	return s.audit.Append(ctx, entry)
}

// History returns the audit trail of a recording, newest first, with the
// total entry count for paging.
func (s *Service) History(ctx context.Context, recordingID string, limit, offset int) ([]models.AccessLogEntry, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.audit.ListByRecording(ctx, recordingID, limit, offset)
}
