// Package notify delivers escalation notifications over pluggable
// channels (fcm, webhook, email). The escalation dispatcher picks the
// channel by the name stored on each dispatch row.
package notify

import (
	"context"
	"fmt"
	"time"
)

// Notification is the payload handed to a channel for one escalation
// dispatch.
type Notification struct {
	CallID      string
	RuleName    string
	Level       int
	Role        string // role the call was escalated to
	Priority    int
	Message     string
	TriggeredAt time.Time
}

// Channel delivers a notification over one transport. Send must be safe
// for concurrent use; the dispatcher retries on error with backoff.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Registry routes notifications to the channel registered under a name.
type Registry struct {
	channels map[string]Channel
}

// NewRegistry creates a Registry from the given channels, keyed by
// Channel.Name.
func NewRegistry(channels ...Channel) *Registry {
	m := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		m[ch.Name()] = ch
	}
	return &Registry{channels: m}
}

// Send delegates to the channel registered under name. An unknown name
// is a permanent error: retrying cannot fix a rule that references a
// channel the server was not configured with.
func (r *Registry) Send(ctx context.Context, name string, n Notification) error {
	ch, ok := r.channels[name]
	if !ok {
		return fmt.Errorf("no channel configured for %q", name)
	}
	return ch.Send(ctx, n)
}

// Has reports whether a channel is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.channels[name]
	return ok
}
