package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callbridge/callbridge/internal/api/middleware"
	"github.com/callbridge/callbridge/internal/signaling"
	"github.com/callbridge/callbridge/internal/store/models"
)

// callResponse is the JSON shape of a call session.
type callResponse struct {
	ID              string     `json:"id"`
	InitiatorID     string     `json:"initiator_id"`
	CounterpartID   string     `json:"counterpart_id"`
	Status          string     `json:"status"`
	Flagged         bool       `json:"flagged"`
	EscalationLevel int        `json:"escalation_level"`
	EscalatedTo     string     `json:"escalated_to,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

func toCallResponse(sess *models.CallSession) callResponse {
	return callResponse{
		ID:              sess.ID,
		InitiatorID:     sess.InitiatorID,
		CounterpartID:   sess.CounterpartID,
		Status:          string(sess.Status),
		Flagged:         sess.Flagged,
		EscalationLevel: sess.EscalationLevel,
		EscalatedTo:     sess.EscalatedTo,
		EndReason:       sess.EndReason,
		CreatedAt:       sess.CreatedAt,
		AnsweredAt:      sess.AnsweredAt,
		EndedAt:         sess.EndedAt,
	}
}

// signalResponse is the JSON shape of a stored signaling message. Payload
// is base64 on the wire.
type signalResponse struct {
	ID        int64     `json:"id"`
	CallID    string    `json:"call_id"`
	SenderID  string    `json:"sender_id"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func toSignalResponse(msg *models.SignalingMessage) signalResponse {
	return signalResponse{
		ID:        msg.ID,
		CallID:    msg.CallID,
		SenderID:  msg.SenderID,
		Kind:      string(msg.Kind),
		Payload:   msg.Payload,
		CreatedAt: msg.CreatedAt,
	}
}

// escalationResponse is the JSON shape of a fired escalation event.
type escalationResponse struct {
	ID             int64      `json:"id"`
	CallID         string     `json:"call_id"`
	RuleID         int64      `json:"rule_id"`
	Level          int        `json:"level"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

func toEscalationResponse(ev *models.EscalationEvent) escalationResponse {
	return escalationResponse{
		ID:             ev.ID,
		CallID:         ev.CallID,
		RuleID:         ev.RuleID,
		Level:          ev.Level,
		TriggeredAt:    ev.TriggeredAt,
		AcknowledgedBy: ev.AcknowledgedBy,
		AcknowledgedAt: ev.AcknowledgedAt,
	}
}

// handleCreateCall creates a call session. The initiator is the token
// subject; service tokens may create on behalf of a user via initiator_id.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())

	var req struct {
		CounterpartID string `json:"counterpart_id"`
		Flagged       bool   `json:"flagged"`
		InitiatorID   string `json:"initiator_id,omitempty"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, "validation", errMsg)
		return
	}
	if errMsg := validateRequiredStringLen("counterpart_id", req.CounterpartID, maxUserIDLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, "validation", errMsg)
		return
	}

	initiator := id.UserID
	if req.InitiatorID != "" && req.InitiatorID != id.UserID {
		if !id.IsService() {
			writeError(w, http.StatusForbidden, "forbidden", "only service tokens may set initiator_id")
			return
		}
		if errMsg := validateRequiredStringLen("initiator_id", req.InitiatorID, maxUserIDLen); errMsg != "" {
			writeError(w, http.StatusBadRequest, "validation", errMsg)
			return
		}
		initiator = req.InitiatorID
	}

	sess, err := s.sessions.Create(r.Context(), initiator, req.CounterpartID, req.Flagged)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCallResponse(sess))
}

// handleGetCall returns the session status. Participants and admins only.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	callID := chi.URLParam(r, "id")

	sess, err := s.sessions.Get(r.Context(), callID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !id.IsAdmin() && !sess.Participant(id.UserID) {
		writeError(w, http.StatusForbidden, "unauthorized", "not a participant of this call")
		return
	}

	writeJSON(w, http.StatusOK, toCallResponse(sess))
}

// handleSendSignal stores and relays one signaling message. The manager
// enforces sender membership, the size cap, and terminal-session rejection.
func (s *Server) handleSendSignal(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	callID := chi.URLParam(r, "id")

	var req struct {
		Kind    string `json:"kind"`
		Payload []byte `json:"payload"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, "validation", errMsg)
		return
	}
	kind := models.SignalKind(req.Kind)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "validation", "kind must be one of offer, answer, ice-candidate, hangup")
		return
	}

	msg, err := s.sessions.RelaySignal(r.Context(), callID, id.UserID, kind, req.Payload)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSignalResponse(msg))
}

// handlePollSignals returns messages addressed to the caller with id greater
// than the after cursor and marks the batch consumed. Participants only:
// signaling payloads are end-to-end material, not an admin surface.
func (s *Server) handlePollSignals(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	callID := chi.URLParam(r, "id")

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation", "after must be a non-negative integer")
			return
		}
		after = n
	}

	sess, err := s.sessions.Get(r.Context(), callID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !sess.Participant(id.UserID) {
		writeError(w, http.StatusForbidden, "unauthorized", "not a participant of this call")
		return
	}

	msgs, err := s.hub.Poll(r.Context(), callID, id.UserID, after)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]signalResponse, len(msgs))
	nextAfter := after
	for i := range msgs {
		items[i] = toSignalResponse(&msgs[i])
		nextAfter = msgs[i].ID
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"next_after": nextAfter,
	})
}

// handleSocket upgrades the connection to a websocket and attaches the
// participant for replay plus live delivery.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	callID := chi.URLParam(r, "id")

	sess, err := s.sessions.Get(r.Context(), callID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !sess.Participant(id.UserID) {
		writeError(w, http.StatusForbidden, "unauthorized", "not a participant of this call")
		return
	}
	if sess.Status.Terminal() {
		writeError(w, http.StatusConflict, "session_closed", "call already reached a terminal status")
		return
	}

	signaling.ServeWS(s.hub, s.sessions.RelaySignal, s.cfg.MaxSignalBytes, w, r, callID, id.UserID, s.log)
}

// handleHangup ends the call. The body is optional; reason defaults to
// "hangup". Idempotent on already terminal sessions.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	callID := chi.URLParam(r, "id")

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if errMsg := readJSON(r, &req); errMsg != "" {
			writeError(w, http.StatusBadRequest, "validation", errMsg)
			return
		}
		if errMsg := validateStringLen("reason", req.Reason, maxReasonLen); errMsg != "" {
			writeError(w, http.StatusBadRequest, "validation", errMsg)
			return
		}
	}

	if err := s.sessions.End(r.Context(), callID, id.UserID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}

	sess, err := s.sessions.Get(r.Context(), callID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(sess))
}

// handleMissed marks a ringing call missed (callee decline or initiator
// abandon before answer).
func (s *Server) handleMissed(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	callID := chi.URLParam(r, "id")

	if err := s.sessions.MarkMissed(r.Context(), callID, id.UserID); err != nil {
		writeDomainError(w, err)
		return
	}

	sess, err := s.sessions.Get(r.Context(), callID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(sess))
}

// handleListCallEscalations returns the call's escalation history in level
// order. Participants and admins only.
func (s *Server) handleListCallEscalations(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	callID := chi.URLParam(r, "id")

	sess, err := s.sessions.Get(r.Context(), callID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !id.IsAdmin() && !sess.Participant(id.UserID) {
		writeError(w, http.StatusForbidden, "unauthorized", "not a participant of this call")
		return
	}

	events, err := s.engine.List(r.Context(), callID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]escalationResponse, len(events))
	for i := range events {
		items[i] = toEscalationResponse(&events[i])
	}
	writeJSON(w, http.StatusOK, items)
}
