package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callbridge/callbridge/internal/api/middleware"
	"github.com/callbridge/callbridge/internal/errdefs"
	"github.com/callbridge/callbridge/internal/store/models"
)

// ruleResponse is the JSON shape of an escalation rule.
type ruleResponse struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	TriggerCondition     string    `json:"trigger_condition"`
	ThresholdSeconds     int       `json:"threshold_seconds"`
	EscalateToRole       string    `json:"escalate_to_role"`
	PriorityLevel        int       `json:"priority_level"`
	NotificationChannels []string  `json:"notification_channels"`
	Enabled              bool      `json:"enabled"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func toRuleResponse(rule *models.EscalationRule) ruleResponse {
	channels, _ := rule.Channels()
	return ruleResponse{
		ID:                   rule.ID,
		Name:                 rule.Name,
		TriggerCondition:     string(rule.TriggerCondition),
		ThresholdSeconds:     rule.ThresholdSeconds,
		EscalateToRole:       rule.EscalateToRole,
		PriorityLevel:        rule.PriorityLevel,
		NotificationChannels: channels,
		Enabled:              rule.Enabled,
		CreatedAt:            rule.CreatedAt,
		UpdatedAt:            rule.UpdatedAt,
	}
}

// ruleRequest is the create/update body for an escalation rule.
type ruleRequest struct {
	Name                 string   `json:"name"`
	TriggerCondition     string   `json:"trigger_condition"`
	ThresholdSeconds     int      `json:"threshold_seconds"`
	EscalateToRole       string   `json:"escalate_to_role"`
	PriorityLevel        int      `json:"priority_level"`
	NotificationChannels []string `json:"notification_channels"`
	Enabled              *bool    `json:"enabled"`
}

// validEscalationRole reports whether a rule target is a role tokens can
// actually carry. Anything else would make acknowledgement unsatisfiable.
func validEscalationRole(role string) bool {
	switch role {
	case middleware.RoleClient, middleware.RoleProvider, middleware.RoleAdmin, middleware.RoleService:
		return true
	}
	return false
}

// validateRule checks a rule request. Returns an error message, "" if OK.
// Threshold zero is legal: a flagged rule with no threshold fires on the
// first sweep after the call is created.
func (s *Server) validateRule(req *ruleRequest) string {
	if errMsg := validateRequiredStringLen("name", req.Name, maxNameLen); errMsg != "" {
		return errMsg
	}
	if errMsg := validateNoControlChars("name", req.Name); errMsg != "" {
		return errMsg
	}
	if !models.TriggerCondition(req.TriggerCondition).Valid() {
		return "trigger_condition must be one of unanswered_timeout, flagged, endpoint_offline"
	}
	if errMsg := validateIntRange("threshold_seconds", req.ThresholdSeconds, 0, 86400); errMsg != "" {
		return errMsg
	}
	if !validEscalationRole(req.EscalateToRole) {
		return "escalate_to_role must be one of client, provider, admin, service"
	}
	if errMsg := validateIntRange("priority_level", req.PriorityLevel, 0, 100); errMsg != "" {
		return errMsg
	}
	for _, ch := range req.NotificationChannels {
		if errMsg := validateRequiredStringLen("notification_channels", ch, maxChannelNameLen); errMsg != "" {
			return errMsg
		}
		if !s.channels.Has(ch) {
			return fmt.Sprintf("unknown notification channel %q", ch)
		}
	}
	return ""
}

// marshalChannels encodes the channel list as the stored JSON array.
func marshalChannels(channels []string) (string, error) {
	if len(channels) == 0 {
		return "", nil
	}
	b, err := json.Marshal(channels)
	if err != nil {
		return "", fmt.Errorf("encoding notification channels: %w", err)
	}
	return string(b), nil
}

// handleListRules returns all escalation rules, disabled ones included.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]ruleResponse, len(rules))
	for i := range rules {
		items[i] = toRuleResponse(&rules[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleCreateRule creates an escalation rule. It takes effect on the
// engine's next sweep; no restart needed.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, "validation", errMsg)
		return
	}
	if errMsg := s.validateRule(&req); errMsg != "" {
		writeError(w, http.StatusBadRequest, "validation", errMsg)
		return
	}

	channels, err := marshalChannels(req.NotificationChannels)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	now := time.Now().UTC()
	rule := &models.EscalationRule{
		Name:                 req.Name,
		TriggerCondition:     models.TriggerCondition(req.TriggerCondition),
		ThresholdSeconds:     req.ThresholdSeconds,
		EscalateToRole:       req.EscalateToRole,
		PriorityLevel:        req.PriorityLevel,
		NotificationChannels: channels,
		Enabled:              enabled,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.rules.Create(r.Context(), rule); err != nil {
		writeDomainError(w, err)
		return
	}

	s.log.Info("escalation rule created", "rule_id", rule.ID, "name", rule.Name,
		"condition", rule.TriggerCondition, "role", rule.EscalateToRole)
	writeJSON(w, http.StatusCreated, toRuleResponse(rule))
}

// handleUpdateRule replaces a rule's definition. Omitting enabled keeps the
// current enablement.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid rule id")
		return
	}

	var req ruleRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, "validation", errMsg)
		return
	}
	if errMsg := s.validateRule(&req); errMsg != "" {
		writeError(w, http.StatusBadRequest, "validation", errMsg)
		return
	}

	rule, err := s.rules.GetByID(r.Context(), ruleID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	channels, err := marshalChannels(req.NotificationChannels)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	rule.Name = req.Name
	rule.TriggerCondition = models.TriggerCondition(req.TriggerCondition)
	rule.ThresholdSeconds = req.ThresholdSeconds
	rule.EscalateToRole = req.EscalateToRole
	rule.PriorityLevel = req.PriorityLevel
	rule.NotificationChannels = channels
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	rule.UpdatedAt = time.Now().UTC()

	if err := s.rules.Update(r.Context(), rule); err != nil {
		writeDomainError(w, err)
		return
	}

	s.log.Info("escalation rule updated", "rule_id", rule.ID, "name", rule.Name, "enabled", rule.Enabled)
	writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

// handleDeleteRule removes a rule. Events it already fired survive; only
// future sweeps stop matching.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid rule id")
		return
	}

	if err := s.rules.Delete(r.Context(), ruleID); err != nil {
		writeDomainError(w, err)
		return
	}

	s.log.Info("escalation rule deleted", "rule_id", ruleID)
	w.WriteHeader(http.StatusNoContent)
}

// handleAcknowledgeEscalation stamps an escalation as handled. Allowed for
// admins and for holders of the rule's target role. Repeat acknowledgements
// return the original stamp.
func (s *Server) handleAcknowledgeEscalation(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())

	eventID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid escalation id")
		return
	}

	ev, err := s.engine.Get(r.Context(), eventID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	rule, err := s.rules.GetByID(r.Context(), ev.RuleID)
	switch {
	case err == nil:
		if !id.IsAdmin() && id.Role != rule.EscalateToRole {
			writeError(w, http.StatusForbidden, "unauthorized", "escalation is addressed to a different role")
			return
		}
	case errors.Is(err, errdefs.ErrNotFound):
		// Rule deleted after the event fired; only admins may still ack.
		if !id.IsAdmin() {
			writeError(w, http.StatusForbidden, "unauthorized", "escalation is addressed to a different role")
			return
		}
	default:
		writeDomainError(w, err)
		return
	}

	acked, err := s.engine.Acknowledge(r.Context(), eventID, id.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEscalationResponse(acked))
}
