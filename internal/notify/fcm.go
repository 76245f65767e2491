package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmTopicPrefix plus the target role names the FCM topic an on-call app
// subscribes to. Topic fan-out means no device token bookkeeping here.
const fcmTopicPrefix = "escalations-"

// fcmTTL bounds how long an undelivered alert stays queued; an escalation
// older than this has been re-raised at a higher level already.
const fcmTTL = 5 * time.Minute

// FCMChannel publishes escalation notifications to per-role Firebase Cloud
// Messaging topics.
type FCMChannel struct {
	client *messaging.Client
	logger *slog.Logger
}

// NewFCMChannel initialises the Firebase SDK. An empty credentialsFile
// defers to GOOGLE_APPLICATION_CREDENTIALS or the ambient service account.
func NewFCMChannel(ctx context.Context, credentialsFile string, logger *slog.Logger) (*FCMChannel, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("fcm: firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("fcm: messaging client: %w", err)
	}

	logger.Info("fcm channel initialised")
	return &FCMChannel{client: client, logger: logger.With("subsystem", "notify_fcm")}, nil
}

// Name implements Channel.
func (f *FCMChannel) Name() string { return "fcm" }

// Send publishes the notification to the role's topic. The message carries
// both a visible alert and a data payload: the alert wakes the on-call
// screen, the data fields let the app deep-link into the call.
func (f *FCMChannel) Send(ctx context.Context, n Notification) error {
	if n.Role == "" {
		return fmt.Errorf("fcm: notification has no target role")
	}

	ttl := fcmTTL
	msg := &messaging.Message{
		Topic: fcmTopicPrefix + n.Role,
		Notification: &messaging.Notification{
			Title: fmt.Sprintf("Escalation level %d: %s", n.Level, n.RuleName),
			Body:  n.Message,
		},
		Data: map[string]string{
			"type":     "escalation",
			"call_id":  n.CallID,
			"rule":     n.RuleName,
			"level":    strconv.Itoa(n.Level),
			"priority": strconv.Itoa(n.Priority),
			"message":  n.Message,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
		// apns-priority 10 delivers immediately instead of batching; an
		// escalation is exactly the interruption iOS batching would defer.
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		},
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("fcm: send to topic %s: %w", fcmTopicPrefix+n.Role, err)
	}

	f.logger.Debug("fcm message sent", "message_id", id, "call_id", n.CallID, "role", n.Role)
	return nil
}
