package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/callbridge/callbridge/internal/api/middleware"
	"github.com/callbridge/callbridge/internal/store"
	"github.com/callbridge/callbridge/internal/store/models"
)

func ruleBody(name string) map[string]any {
	return map[string]any{
		"name":                  name,
		"trigger_condition":     "unanswered_timeout",
		"threshold_seconds":     60,
		"escalate_to_role":      "provider",
		"priority_level":        5,
		"notification_channels": []string{"push"},
	}
}

// createRule creates an escalation rule over the API as an admin.
func (e *apiEnv) createRule(t *testing.T, adminToken, name string) ruleResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/escalation-rules", adminToken, ruleBody(name))
	var rule ruleResponse
	decodeData(t, resp, http.StatusCreated, &rule)
	return rule
}

// seedEscalation inserts a fired escalation event for the call and rule.
func (e *apiEnv) seedEscalation(t *testing.T, callID string, ruleID int64, level int) int64 {
	t.Helper()
	ev := &models.EscalationEvent{
		CallID:      callID,
		RuleID:      ruleID,
		Level:       level,
		TriggeredAt: time.Now().UTC(),
	}
	if err := store.NewEscalationRepository(e.db).Create(context.Background(), ev); err != nil {
		t.Fatalf("seeding escalation event: %v", err)
	}
	return ev.ID
}

func TestRuleCRUD(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.token(t, "alice", middleware.RoleClient)
	admin := env.token(t, "root", middleware.RoleAdmin)

	// Rule management is admin only.
	decodeError(t, env.do(t, http.MethodGet, "/api/v1/escalation-rules", alice, nil),
		http.StatusForbidden, "forbidden")

	rule := env.createRule(t, admin, "slow pickup")
	if rule.ID == 0 {
		t.Fatal("rule id not assigned")
	}
	if !rule.Enabled {
		t.Error("rules default to enabled")
	}
	if len(rule.NotificationChannels) != 1 || rule.NotificationChannels[0] != "push" {
		t.Errorf("channels = %v, want [push]", rule.NotificationChannels)
	}

	var rules []ruleResponse
	decodeData(t, env.do(t, http.MethodGet, "/api/v1/escalation-rules", admin, nil),
		http.StatusOK, &rules)
	if len(rules) != 1 || rules[0].Name != "slow pickup" {
		t.Fatalf("unexpected rule list: %+v", rules)
	}

	// Update replaces the definition; omitting enabled keeps it.
	body := ruleBody("slower pickup")
	body["threshold_seconds"] = 120
	var updated ruleResponse
	decodeData(t, env.do(t, http.MethodPut, "/api/v1/escalation-rules/"+formatInt64(rule.ID), admin, body),
		http.StatusOK, &updated)
	if updated.Name != "slower pickup" || updated.ThresholdSeconds != 120 {
		t.Errorf("update not applied: %+v", updated)
	}
	if !updated.Enabled {
		t.Error("update without enabled flag must keep the rule enabled")
	}

	body["enabled"] = false
	decodeData(t, env.do(t, http.MethodPut, "/api/v1/escalation-rules/"+formatInt64(rule.ID), admin, body),
		http.StatusOK, &updated)
	if updated.Enabled {
		t.Error("enabled=false not applied")
	}

	decodeError(t, env.do(t, http.MethodPut, "/api/v1/escalation-rules/99999", admin, ruleBody("ghost")),
		http.StatusNotFound, "not_found")
	decodeError(t, env.do(t, http.MethodPut, "/api/v1/escalation-rules/abc", admin, ruleBody("ghost")),
		http.StatusBadRequest, "validation")

	resp := env.do(t, http.MethodDelete, "/api/v1/escalation-rules/"+formatInt64(rule.ID), admin, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	decodeData(t, env.do(t, http.MethodGet, "/api/v1/escalation-rules", admin, nil),
		http.StatusOK, &rules)
	if len(rules) != 0 {
		t.Errorf("rule list after delete has %d entries", len(rules))
	}
}

func TestRuleValidation(t *testing.T) {
	env := newAPIEnv(t)
	admin := env.token(t, "root", middleware.RoleAdmin)

	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"empty name", func(b map[string]any) { b["name"] = "" }},
		{"control chars in name", func(b map[string]any) { b["name"] = "bad\x01name" }},
		{"bad condition", func(b map[string]any) { b["trigger_condition"] = "full_moon" }},
		{"negative threshold", func(b map[string]any) { b["threshold_seconds"] = -1 }},
		{"threshold too large", func(b map[string]any) { b["threshold_seconds"] = 86401 }},
		{"bad role", func(b map[string]any) { b["escalate_to_role"] = "boss" }},
		{"priority out of range", func(b map[string]any) { b["priority_level"] = 101 }},
		{"unknown channel", func(b map[string]any) { b["notification_channels"] = []string{"sms"} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := ruleBody("rule")
			tc.mutate(body)
			resp := env.do(t, http.MethodPost, "/api/v1/escalation-rules", admin, body)
			decodeError(t, resp, http.StatusBadRequest, "validation")
		})
	}
}

func TestEscalationAcknowledge(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.token(t, "alice", middleware.RoleClient)
	carol := env.token(t, "carol", middleware.RoleClient)
	dave := env.token(t, "dave", middleware.RoleProvider)
	erin := env.token(t, "erin", middleware.RoleProvider)
	admin := env.token(t, "root", middleware.RoleAdmin)

	callID := env.createCall(t, alice, "bob")
	rule := env.createRule(t, admin, "slow pickup")
	eventID := env.seedEscalation(t, callID, rule.ID, 1)

	// Participants see the call's escalation history, outsiders do not.
	var events []escalationResponse
	decodeData(t, env.do(t, http.MethodGet, "/api/v1/calls/"+callID+"/escalations", alice, nil),
		http.StatusOK, &events)
	if len(events) != 1 || events[0].Level != 1 {
		t.Fatalf("unexpected escalation list: %+v", events)
	}
	decodeError(t, env.do(t, http.MethodGet, "/api/v1/calls/"+callID+"/escalations", carol, nil),
		http.StatusForbidden, "unauthorized")

	ackPath := "/api/v1/escalations/" + formatInt64(eventID) + "/ack"

	// Only the escalated-to role (or an admin) may acknowledge.
	decodeError(t, env.do(t, http.MethodPost, ackPath, alice, nil),
		http.StatusForbidden, "unauthorized")

	var acked escalationResponse
	decodeData(t, env.do(t, http.MethodPost, ackPath, dave, nil), http.StatusOK, &acked)
	if acked.AcknowledgedBy != "dave" || acked.AcknowledgedAt == nil {
		t.Fatalf("unexpected ack: %+v", acked)
	}

	// Repeats return the original stamp.
	decodeData(t, env.do(t, http.MethodPost, ackPath, erin, nil), http.StatusOK, &acked)
	if acked.AcknowledgedBy != "dave" {
		t.Errorf("repeat ack rewrote the stamp to %q", acked.AcknowledgedBy)
	}

	decodeError(t, env.do(t, http.MethodPost, "/api/v1/escalations/99999/ack", dave, nil),
		http.StatusNotFound, "not_found")
	decodeError(t, env.do(t, http.MethodPost, "/api/v1/escalations/abc/ack", dave, nil),
		http.StatusBadRequest, "validation")
}

func TestEscalationAckAfterRuleDeleted(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.token(t, "alice", middleware.RoleClient)
	dave := env.token(t, "dave", middleware.RoleProvider)
	admin := env.token(t, "root", middleware.RoleAdmin)

	callID := env.createCall(t, alice, "bob")
	rule := env.createRule(t, admin, "slow pickup")
	eventID := env.seedEscalation(t, callID, rule.ID, 1)

	resp := env.do(t, http.MethodDelete, "/api/v1/escalation-rules/"+formatInt64(rule.ID), admin, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	// With the rule gone the target role cannot be established; only admins
	// may still close out the event.
	ackPath := "/api/v1/escalations/" + formatInt64(eventID) + "/ack"
	decodeError(t, env.do(t, http.MethodPost, ackPath, dave, nil),
		http.StatusForbidden, "unauthorized")

	var acked escalationResponse
	decodeData(t, env.do(t, http.MethodPost, ackPath, admin, nil), http.StatusOK, &acked)
	if acked.AcknowledgedBy != "root" {
		t.Errorf("acknowledged_by = %q, want root", acked.AcknowledgedBy)
	}
}
