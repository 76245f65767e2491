package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/icholy/digest"
)

// WebhookChannel posts escalation notifications as JSON to a configured
// endpoint, e.g. an incident tracker or a chat bridge.
type WebhookChannel struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// webhookBody is the JSON document posted to the endpoint.
type webhookBody struct {
	Type        string    `json:"type"`
	CallID      string    `json:"call_id"`
	Rule        string    `json:"rule"`
	Level       int       `json:"level"`
	Role        string    `json:"role"`
	Priority    int       `json:"priority"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// NewWebhookChannel creates a webhook channel for the given URL. When
// username is non-empty the client answers digest auth challenges from
// the endpoint.
func NewWebhookChannel(url, username, password string, logger *slog.Logger) *WebhookChannel {
	client := &http.Client{Timeout: 10 * time.Second}
	if username != "" {
		client.Transport = &digest.Transport{Username: username, Password: password}
	}
	return &WebhookChannel{
		url:        url,
		httpClient: client,
		logger:     logger.With("subsystem", "notify_webhook"),
	}
}

// Name implements Channel.
func (w *WebhookChannel) Name() string { return "webhook" }

// Send posts the notification and treats any non-2xx status as a
// retryable failure.
func (w *WebhookChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(webhookBody{
		Type:        "escalation",
		CallID:      n.CallID,
		Rule:        n.RuleName,
		Level:       n.Level,
		Role:        n.Role,
		Priority:    n.Priority,
		Message:     n.Message,
		TriggeredAt: n.TriggeredAt,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshalling body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: sending request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook delivered", "call_id", n.CallID, "level", n.Level, "status", resp.StatusCode)
	return nil
}
