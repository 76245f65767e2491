package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callbridge/callbridge/internal/api/middleware"
	"github.com/callbridge/callbridge/internal/store/models"
)

// grantResponse is the JSON shape of an access grant.
type grantResponse struct {
	ID          int64     `json:"id"`
	RecordingID string    `json:"recording_id"`
	GranteeID   string    `json:"grantee_id"`
	Permission  string    `json:"permission"`
	GrantedBy   string    `json:"granted_by"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	Live        bool      `json:"live"`
}

func toGrantResponse(g *models.AccessGrant, now time.Time) grantResponse {
	return grantResponse{
		ID:          g.ID,
		RecordingID: g.RecordingID,
		GranteeID:   g.GranteeID,
		Permission:  string(g.Permission),
		GrantedBy:   g.GrantedBy,
		ExpiresAt:   g.ExpiresAt,
		CreatedAt:   g.CreatedAt,
		Live:        g.Live(now),
	}
}

// accessLogResponse is one audit trail entry.
type accessLogResponse struct {
	ID          int64     `json:"id"`
	RecordingID string    `json:"recording_id"`
	AccessorID  string    `json:"accessor_id"`
	Action      string    `json:"action"`
	Allowed     bool      `json:"allowed"`
	SourceAddr  string    `json:"source_addr,omitempty"`
	At          time.Time `json:"at"`
}

// handleCreateGrant issues a scoped, expiring grant on a recording.
// Admin only (enforced by the route group).
func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	recID := chi.URLParam(r, "id")

	var req struct {
		GranteeID  string    `json:"grantee_id"`
		Permission string    `json:"permission"`
		ExpiresAt  time.Time `json:"expires_at"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, "validation", errMsg)
		return
	}
	if errMsg := validateRequiredStringLen("grantee_id", req.GranteeID, maxUserIDLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, "validation", errMsg)
		return
	}
	perm := models.GrantPermission(req.Permission)
	if !perm.Valid() {
		writeError(w, http.StatusBadRequest, "validation", "permission must be view or download")
		return
	}
	if req.ExpiresAt.IsZero() {
		writeError(w, http.StatusBadRequest, "validation", "expires_at is required")
		return
	}
	if errMsg := validateFutureTime("expires_at", &req.ExpiresAt, time.Now()); errMsg != "" {
		writeError(w, http.StatusBadRequest, "validation", errMsg)
		return
	}

	g, err := s.access.Grant(r.Context(), id.UserID, recID, req.GranteeID, perm, req.ExpiresAt.UTC())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toGrantResponse(g, time.Now().UTC()))
}

// handleListGrants returns every grant ever issued for a recording,
// expired ones included.
func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	recID := chi.URLParam(r, "id")

	grants, err := s.access.ListGrants(r.Context(), recID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	now := time.Now().UTC()
	items := make([]grantResponse, len(grants))
	for i := range grants {
		items[i] = toGrantResponse(&grants[i], now)
	}
	writeJSON(w, http.StatusOK, items)
}

// handleRevokeGrant expires the grant immediately. The row survives so the
// trail still shows who had access when.
func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())

	grantID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid grant id")
		return
	}

	if err := s.access.Revoke(r.Context(), id.UserID, grantID); err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleAccessLog returns the recording's audit trail, newest first.
func (s *Server) handleAccessLog(w http.ResponseWriter, r *http.Request) {
	recID := chi.URLParam(r, "id")

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, "validation", errMsg)
		return
	}

	entries, total, err := s.access.History(r.Context(), recID, pg.Limit, pg.Offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]accessLogResponse, len(entries))
	for i := range entries {
		e := &entries[i]
		items[i] = accessLogResponse{
			ID:          e.ID,
			RecordingID: e.RecordingID,
			AccessorID:  e.AccessorID,
			Action:      string(e.Action),
			Allowed:     e.Allowed,
			SourceAddr:  e.SourceAddr,
			At:          e.At,
		}
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}
