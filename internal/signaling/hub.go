// Package signaling is the durable store-and-forward relay for opaque
// signaling blobs. Messages are persisted before any delivery attempt; the
// hub only fans already-stored messages out to attached endpoints and tracks
// per-call liveness for the idle watchdog and the escalation engine's
// presence checks.
package signaling

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callbridge/callbridge/internal/store"
	"github.com/callbridge/callbridge/internal/store/models"
)

// subscriberBuffer is the per-endpoint live delivery buffer. Slow endpoints
// overflow it and miss live frames; they still hold every message durably
// and recover it on reattach or poll.
const subscriberBuffer = 32

// FailFunc transitions a call to failed. Wired to Manager.MarkFailed.
type FailFunc func(ctx context.Context, callID, reason string) error

type subscriber struct {
	participantID string
	ch            chan models.SignalingMessage
}

type callState struct {
	subs       []*subscriber
	lastSignal time.Time
	// offlineSince records, per participant that has attached at least
	// once, when their last endpoint detached. Empty while attached.
	offlineSince map[string]time.Time
}

// Hub tracks open calls and their attached endpoints.
type Hub struct {
	signals store.SignalRepository
	log     *slog.Logger
	now     func() time.Time

	idleTimeout time.Duration
	retention   time.Duration
	failFn      FailFunc

	mu    sync.Mutex
	calls map[string]*callState

	dropped atomic.Int64
}

// NewHub creates the relay hub. idleTimeout is the no-signal window after
// which an open call is failed; retention is how long signaling rows are
// kept after call termination.
func NewHub(signals store.SignalRepository, idleTimeout, retention time.Duration, logger *slog.Logger) *Hub {
	return &Hub{
		signals:     signals,
		log:         logger.With("subsystem", "signaling"),
		now:         time.Now,
		idleTimeout: idleTimeout,
		retention:   retention,
		calls:       make(map[string]*callState),
	}
}

// SetFailHook installs the session-fail callback the idle watchdog uses.
// Must be called before Run.
func (h *Hub) SetFailHook(fn FailFunc) {
	h.failFn = fn
}

// Register opens relay state for a call. Safe to call for an already
// registered call (boot recovery re-registers live sessions).
func (h *Hub) Register(callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.calls[callID]; ok {
		return
	}
	h.calls[callID] = &callState{
		lastSignal:   h.now(),
		offlineSince: make(map[string]time.Time),
	}
}

// Deliver fans a stored message out to every attached endpoint except the
// sender and refreshes the call's idle clock. Non-blocking: a full endpoint
// buffer drops the live frame (the durable row still exists).
func (h *Hub) Deliver(msg models.SignalingMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.calls[msg.CallID]
	if !ok {
		st = &callState{offlineSince: make(map[string]time.Time)}
		h.calls[msg.CallID] = st
	}
	st.lastSignal = h.now()

	for _, sub := range st.subs {
		if sub.participantID == msg.SenderID {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.dropped.Add(1)
			h.log.Warn("live delivery buffer full, frame dropped",
				"call_id", msg.CallID, "participant", sub.participantID, "signal_id", msg.ID)
		}
	}
}

// Close tears down relay state for a terminal call and closes all attached
// endpoint channels.
func (h *Hub) Close(callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.calls[callID]
	if !ok {
		return
	}
	for _, sub := range st.subs {
		close(sub.ch)
	}
	delete(h.calls, callID)
}

// Subscribe attaches an endpoint for live delivery and returns its channel.
// The channel is closed when the call closes. Detach with Unsubscribe.
func (h *Hub) Subscribe(callID, participantID string) <-chan models.SignalingMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.calls[callID]
	if !ok {
		// The session exists (callers verify) but the hub lost state,
		// e.g. across a restart. Recreate it.
		st = &callState{lastSignal: h.now(), offlineSince: make(map[string]time.Time)}
		h.calls[callID] = st
	}

	sub := &subscriber{
		participantID: participantID,
		ch:            make(chan models.SignalingMessage, subscriberBuffer),
	}
	st.subs = append(st.subs, sub)
	delete(st.offlineSince, participantID)
	return sub.ch
}

// Unsubscribe detaches an endpoint. When a participant's last endpoint
// detaches, the moment is recorded for the endpoint_offline trigger.
func (h *Hub) Unsubscribe(callID, participantID string, ch <-chan models.SignalingMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.calls[callID]
	if !ok {
		return
	}

	remaining := 0
	for i, sub := range st.subs {
		if sub.ch == ch {
			st.subs = append(st.subs[:i], st.subs[i+1:]...)
			break
		}
	}
	for _, sub := range st.subs {
		if sub.participantID == participantID {
			remaining++
		}
	}
	if remaining == 0 {
		st.offlineSince[participantID] = h.now()
	}
}

// OfflineSince reports when a participant's last endpoint detached. False
// when the participant is attached, never attached, or the call is unknown.
func (h *Hub) OfflineSince(callID, participantID string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.calls[callID]
	if !ok {
		return time.Time{}, false
	}
	since, ok := st.offlineSince[participantID]
	return since, ok
}

// Backlog returns undelivered messages addressed to the participant in
// insertion order, for replay on attach.
func (h *Hub) Backlog(ctx context.Context, callID, participantID string) ([]models.SignalingMessage, error) {
	return h.signals.ListUndeliveredForReceiver(ctx, callID, participantID)
}

// MarkConsumed flips consumed on messages after a successful socket write.
func (h *Hub) MarkConsumed(ctx context.Context, ids []int64) error {
	return h.signals.MarkConsumed(ctx, ids)
}

// Poll returns messages addressed to the participant with id > afterID in
// insertion order and marks the batch consumed: a poll response handed to
// the transport counts as a delivery. The cursor keeps polling at-least-once;
// a response lost on the wire is re-read from the same afterID.
func (h *Hub) Poll(ctx context.Context, callID, participantID string, afterID int64) ([]models.SignalingMessage, error) {
	msgs, err := h.signals.ListForReceiver(ctx, callID, participantID, afterID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}
	ids := make([]int64, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	if err := h.signals.MarkConsumed(ctx, ids); err != nil {
		// The rows stay unconsumed; the only cost is socket replay overlap.
		h.log.Warn("marking polled signals consumed", "call_id", callID, "error", err)
	}
	return msgs, nil
}

// DroppedDeliveries returns the number of live frames dropped to full
// endpoint buffers since start.
func (h *Hub) DroppedDeliveries() int64 {
	return h.dropped.Load()
}

// Run drives the idle watchdog until ctx is cancelled. It sweeps at a
// quarter of the idle window so a stalled call is failed within ~1.25x the
// configured timeout.
func (h *Hub) Run(ctx context.Context) {
	interval := h.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.log.Info("idle watchdog started", "timeout", h.idleTimeout, "sweep", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepIdle(ctx)
		}
	}
}

// sweepIdle fails open calls that have had no signaling traffic inside the
// idle window.
func (h *Hub) sweepIdle(ctx context.Context) {
	if h.failFn == nil {
		return
	}
	cutoff := h.now().Add(-h.idleTimeout)

	h.mu.Lock()
	var idle []string
	for callID, st := range h.calls {
		if st.lastSignal.Before(cutoff) {
			idle = append(idle, callID)
		}
	}
	h.mu.Unlock()

	for _, callID := range idle {
		h.log.Warn("failing idle call", "call_id", callID, "timeout", h.idleTimeout)
		if err := h.failFn(ctx, callID, "signaling_idle_timeout"); err != nil {
			h.log.Error("failing idle call", "call_id", callID, "error", err)
		}
	}
}

// GC deletes signaling rows whose session terminated before the retention
// window. Returns the number of rows removed. Run from the cron scheduler.
func (h *Hub) GC(ctx context.Context) (int64, error) {
	cutoff := h.now().UTC().Add(-h.retention)
	return h.signals.DeleteForSessionsEndedBefore(ctx, cutoff)
}
