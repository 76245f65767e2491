// Package session owns the call session state machine. All transitions for a
// call happen under its per-call lock, so duplicate or out-of-order signaling
// can never corrupt state: transition guards are state-conditional no-ops.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/callbridge/callbridge/internal/cache"
	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/errdefs"
	"github.com/callbridge/callbridge/internal/events"
	"github.com/callbridge/callbridge/internal/store"
	"github.com/callbridge/callbridge/internal/store/models"
)

// ErrSignalTooLarge is returned for signaling payloads over the configured cap.
var ErrSignalTooLarge = errors.New("signaling payload exceeds size cap")

// Relay receives durably stored signaling messages for live delivery and is
// told when calls open and close. Implemented by the signaling hub.
type Relay interface {
	Register(callID string)
	Deliver(msg models.SignalingMessage)
	Close(callID string)
}

// Manager drives call sessions from initiated through a terminal status.
type Manager struct {
	sessions store.SessionRepository
	signals  store.SignalRepository
	dir      Directory
	relay    Relay
	bus      *events.Dispatcher
	cache    *cache.Cache
	locks    *callLocks
	log      *slog.Logger
	now      func() time.Time

	maxSignalBytes int64
	statusTTL      time.Duration
}

// NewManager wires the session state machine to its stores and the relay.
func NewManager(cfg *config.Config, sessions store.SessionRepository, signals store.SignalRepository, dir Directory, relay Relay, bus *events.Dispatcher, statusCache *cache.Cache, logger *slog.Logger) *Manager {
	return &Manager{
		sessions:       sessions,
		signals:        signals,
		dir:            dir,
		relay:          relay,
		bus:            bus,
		cache:          statusCache,
		locks:          newCallLocks(),
		log:            logger.With("subsystem", "session"),
		now:            time.Now,
		maxSignalBytes: cfg.MaxSignalBytes,
		statusTTL:      cfg.StatusCacheTTL(),
	}
}

// LockCall acquires the per-call transition lock and returns its release
// func. The escalation engine holds it while writing escalation state so its
// writes never interleave with a transition.
func (m *Manager) LockCall(callID string) func() {
	return m.locks.Lock(callID)
}

// Create starts a new session between two distinct, known participants.
// An initiator who already has a non-terminal session is rejected.
func (m *Manager) Create(ctx context.Context, initiatorID, counterpartID string, flagged bool) (*models.CallSession, error) {
	if initiatorID == "" || counterpartID == "" || initiatorID == counterpartID {
		return nil, fmt.Errorf("participants must be two distinct ids: %w", errdefs.ErrInvalidParticipants)
	}
	for _, id := range []string{initiatorID, counterpartID} {
		ok, err := m.dir.Exists(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("checking participant %s: %w", id, err)
		}
		if !ok {
			return nil, fmt.Errorf("unknown participant %s: %w", id, errdefs.ErrInvalidParticipants)
		}
	}

	busy, err := m.sessions.HasActiveForInitiator(ctx, initiatorID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, fmt.Errorf("initiator %s already has an active session: %w", initiatorID, errdefs.ErrInvalidParticipants)
	}

	sess := &models.CallSession{
		ID:            uuid.NewString(),
		InitiatorID:   initiatorID,
		CounterpartID: counterpartID,
		Status:        models.SessionInitiated,
		Flagged:       flagged,
		CreatedAt:     m.now().UTC(),
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	m.relay.Register(sess.ID)

	m.log.Info("call session created",
		"call_id", sess.ID, "initiator", initiatorID, "counterpart", counterpartID, "flagged", flagged)
	return sess, nil
}

// RelaySignal durably stores a signaling message, hands it to the relay for
// live delivery, and applies any state transition the message implies. The
// message is persisted before any delivery attempt.
func (m *Manager) RelaySignal(ctx context.Context, callID, senderID string, kind models.SignalKind, payload []byte) (*models.SignalingMessage, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid signal kind %q", kind)
	}
	if int64(len(payload)) > m.maxSignalBytes {
		return nil, fmt.Errorf("payload is %d bytes, cap is %d: %w", len(payload), m.maxSignalBytes, ErrSignalTooLarge)
	}

	unlock := m.locks.Lock(callID)
	defer unlock()

	sess, err := m.sessions.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !sess.Participant(senderID) {
		return nil, fmt.Errorf("sender %s is not a participant of call %s: %w", senderID, callID, errdefs.ErrUnauthorized)
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("call %s is %s: %w", callID, sess.Status, errdefs.ErrSessionClosed)
	}

	msg := &models.SignalingMessage{
		CallID:    callID,
		SenderID:  senderID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: m.now().UTC(),
	}
	if err := m.signals.Append(ctx, msg); err != nil {
		return nil, err
	}
	m.relay.Deliver(*msg)

	// Transitions are conditional on current state so duplicates and
	// late arrivals are stored and relayed but drive nothing.
	switch kind {
	case models.SignalOffer:
		if sess.Status == models.SessionInitiated {
			sess.Status = models.SessionRinging
			if err := m.sessions.Update(ctx, sess); err != nil {
				return nil, err
			}
			m.emit(ctx, events.TypeCallRinging, sess, senderID, nil)
		}
	case models.SignalAnswer:
		if sess.Status == models.SessionRinging {
			now := m.now().UTC()
			sess.Status = models.SessionConnected
			sess.AnsweredAt = &now
			if err := m.sessions.Update(ctx, sess); err != nil {
				return nil, err
			}
			m.emit(ctx, events.TypeCallConnected, sess, senderID, nil)
		}
	case models.SignalHangup:
		if err := m.endLocked(ctx, sess, senderID, "hangup"); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

// End moves the session to ended. Idempotent: a session already in a
// terminal status is left untouched and no event is emitted. A non-empty
// actorID must belong to a participant; system callers pass "".
func (m *Manager) End(ctx context.Context, callID, actorID, reason string) error {
	unlock := m.locks.Lock(callID)
	defer unlock()

	sess, err := m.sessions.GetByID(ctx, callID)
	if err != nil {
		return err
	}
	if actorID != "" && !sess.Participant(actorID) {
		return fmt.Errorf("%s is not a participant of call %s: %w", actorID, callID, errdefs.ErrUnauthorized)
	}
	return m.endLocked(ctx, sess, actorID, reason)
}

// endLocked finalizes the session. Callers hold the call lock.
func (m *Manager) endLocked(ctx context.Context, sess *models.CallSession, actorID, reason string) error {
	if sess.Status.Terminal() {
		return nil
	}
	if reason == "" {
		reason = "hangup"
	}
	now := m.now().UTC()
	sess.Status = models.SessionEnded
	sess.EndReason = reason
	sess.EndedAt = &now
	if err := m.sessions.Update(ctx, sess); err != nil {
		return err
	}

	m.emit(ctx, events.TypeCallEnded, sess, actorID, map[string]string{"reason": reason})
	m.relay.Close(sess.ID)
	m.log.Info("call session ended", "call_id", sess.ID, "reason", reason)
	return nil
}

// MarkMissed moves a ringing session to missed (callee decline or initiator
// abandon). Terminal sessions are left untouched; any other status is an
// invalid transition.
func (m *Manager) MarkMissed(ctx context.Context, callID, actorID string) error {
	unlock := m.locks.Lock(callID)
	defer unlock()

	sess, err := m.sessions.GetByID(ctx, callID)
	if err != nil {
		return err
	}
	if actorID != "" && !sess.Participant(actorID) {
		return fmt.Errorf("%s is not a participant of call %s: %w", actorID, callID, errdefs.ErrUnauthorized)
	}
	if sess.Status.Terminal() {
		return nil
	}
	if sess.Status != models.SessionRinging {
		return fmt.Errorf("cannot mark %s call missed: %w", sess.Status, errdefs.ErrInvalidStateTransition)
	}

	now := m.now().UTC()
	sess.Status = models.SessionMissed
	sess.EndedAt = &now
	if err := m.sessions.Update(ctx, sess); err != nil {
		return err
	}

	m.emit(ctx, events.TypeCallMissed, sess, actorID, nil)
	m.relay.Close(sess.ID)
	m.log.Info("call session missed", "call_id", sess.ID)
	return nil
}

// MarkFailed moves any non-terminal session to failed. Used by the idle
// watchdog and transport error paths; terminal sessions are left untouched.
func (m *Manager) MarkFailed(ctx context.Context, callID, reason string) error {
	unlock := m.locks.Lock(callID)
	defer unlock()

	sess, err := m.sessions.GetByID(ctx, callID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}

	now := m.now().UTC()
	sess.Status = models.SessionFailed
	sess.EndReason = reason
	sess.EndedAt = &now
	if err := m.sessions.Update(ctx, sess); err != nil {
		return err
	}

	m.emit(ctx, events.TypeCallFailed, sess, "", map[string]string{"reason": reason})
	m.relay.Close(sess.ID)
	m.log.Warn("call session failed", "call_id", sess.ID, "reason", reason)
	return nil
}

// Get returns the session, serving repeat status polls from the cache.
func (m *Manager) Get(ctx context.Context, callID string) (*models.CallSession, error) {
	key := cache.CallStatusKey(callID)
	if raw, ok := m.cache.Get(ctx, key); ok {
		var cs cachedSession
		if err := json.Unmarshal([]byte(raw), &cs); err == nil {
			return cs.toModel(), nil
		}
	}

	sess, err := m.sessions.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(fromModel(sess)); err == nil {
		m.cache.Set(ctx, key, string(raw), m.statusTTL)
	}
	return sess, nil
}

func (m *Manager) emit(ctx context.Context, typ string, sess *models.CallSession, actor string, meta map[string]string) {
	m.bus.Publish(ctx, events.Event{
		Type:   typ,
		CallID: sess.ID,
		Actor:  actor,
		Meta:   meta,
	})
}

// cachedSession is the cache serialization of a CallSession. Kept separate
// so the store models stay free of encoding tags.
type cachedSession struct {
	ID              string     `json:"id"`
	InitiatorID     string     `json:"initiator_id"`
	CounterpartID   string     `json:"counterpart_id"`
	Status          string     `json:"status"`
	Flagged         bool       `json:"flagged"`
	EscalationLevel int        `json:"escalation_level"`
	EscalatedTo     string     `json:"escalated_to"`
	EndReason       string     `json:"end_reason"`
	CreatedAt       time.Time  `json:"created_at"`
	AnsweredAt      *time.Time `json:"answered_at"`
	EndedAt         *time.Time `json:"ended_at"`
}

func fromModel(s *models.CallSession) cachedSession {
	return cachedSession{
		ID:              s.ID,
		InitiatorID:     s.InitiatorID,
		CounterpartID:   s.CounterpartID,
		Status:          string(s.Status),
		Flagged:         s.Flagged,
		EscalationLevel: s.EscalationLevel,
		EscalatedTo:     s.EscalatedTo,
		EndReason:       s.EndReason,
		CreatedAt:       s.CreatedAt,
		AnsweredAt:      s.AnsweredAt,
		EndedAt:         s.EndedAt,
	}
}

func (c cachedSession) toModel() *models.CallSession {
	return &models.CallSession{
		ID:              c.ID,
		InitiatorID:     c.InitiatorID,
		CounterpartID:   c.CounterpartID,
		Status:          models.SessionStatus(c.Status),
		Flagged:         c.Flagged,
		EscalationLevel: c.EscalationLevel,
		EscalatedTo:     c.EscalatedTo,
		EndReason:       c.EndReason,
		CreatedAt:       c.CreatedAt,
		AnsweredAt:      c.AnsweredAt,
		EndedAt:         c.EndedAt,
	}
}
