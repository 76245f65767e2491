package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callbridge/callbridge/internal/store"
	"github.com/callbridge/callbridge/internal/store/models"
)

// Handler receives events published on the dispatcher. Handlers run
// synchronously in subscription order; a handler that needs to block
// should hand off to its own goroutine.
type Handler func(ctx context.Context, ev Event)

// Sink forwards events to an external stream. Sink errors are logged and
// never block a state transition; the outbox already holds the event.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Dispatcher fans lifecycle events out to in-process handlers and appends
// them to the durable outbox.
type Dispatcher struct {
	outbox store.OutboxRepository
	log    *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers []Handler
	sink     Sink
}

// NewDispatcher creates a dispatcher writing to the given outbox.
func NewDispatcher(outbox store.OutboxRepository, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		outbox: outbox,
		log:    logger.With("subsystem", "events"),
		now:    time.Now,
	}
}

// Subscribe registers an in-process handler. Not safe to call concurrently
// with Publish; subscriptions happen during boot.
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// SetSink attaches an external stream sink.
func (d *Dispatcher) SetSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = s
}

// Publish assigns the event id and timestamp if unset, appends the event to
// the outbox, runs handlers in order, then forwards to the sink. Storage or
// sink failures are logged; the publish itself never fails so state
// transitions are not held hostage by observers.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.now()
	}

	if d.outbox != nil {
		meta := "{}"
		if len(ev.Meta) > 0 {
			if b, err := json.Marshal(ev.Meta); err == nil {
				meta = string(b)
			}
		}
		row := &models.OutboxEvent{
			EventID:     ev.ID,
			Type:        ev.Type,
			CallID:      ev.CallID,
			RecordingID: ev.RecordingID,
			Actor:       ev.Actor,
			Meta:        meta,
			OccurredAt:  ev.OccurredAt,
		}
		if err := d.outbox.Append(ctx, row); err != nil {
			d.log.Error("failed to append event to outbox", "type", ev.Type, "error", err)
		}
	}

	d.mu.RLock()
	handlers := d.handlers
	sink := d.sink
	d.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}

	if sink != nil {
		if err := sink.Publish(ctx, ev); err != nil {
			d.log.Warn("failed to publish event to stream", "type", ev.Type, "error", err)
		}
	}
}
