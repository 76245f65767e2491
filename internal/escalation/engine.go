// Package escalation raises supervisor alerts for calls matching
// admin-defined rules. The engine is a stateless periodic evaluator:
// every tick reads rules and candidate sessions from the database, so a
// restart loses no pending escalation and cancelling timers on session
// end is unnecessary; terminal sessions simply stop matching.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/callbridge/callbridge/internal/cache"
	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/events"
	"github.com/callbridge/callbridge/internal/store"
	"github.com/callbridge/callbridge/internal/store/models"
)

// Presence reports signaling-endpoint liveness for call participants.
// Implemented by the signaling hub.
type Presence interface {
	OfflineSince(callID, participantID string) (time.Time, bool)
}

// CallLocker hands out per-call transition locks. Implemented by the
// session manager; holding the lock keeps escalation writes from
// interleaving with a state transition on the same call.
type CallLocker interface {
	LockCall(callID string) func()
}

// Engine evaluates escalation rules against live sessions on a fixed
// tick. It is the only writer of session escalation state.
type Engine struct {
	rules       store.RuleRepository
	sessions    store.SessionRepository
	escalations store.EscalationRepository
	dispatches  store.DispatchRepository
	locker      CallLocker
	presence    Presence
	bus         *events.Dispatcher
	cooldowns   *cache.Cache
	log         *slog.Logger
	now         func() time.Time

	tick     time.Duration
	cooldown time.Duration

	mu sync.Mutex // held for the duration of one sweep
}

// NewEngine creates the rule evaluation engine.
func NewEngine(
	cfg *config.Config,
	rules store.RuleRepository,
	sessions store.SessionRepository,
	escalations store.EscalationRepository,
	dispatches store.DispatchRepository,
	locker CallLocker,
	presence Presence,
	bus *events.Dispatcher,
	cooldowns *cache.Cache,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		rules:       rules,
		sessions:    sessions,
		escalations: escalations,
		dispatches:  dispatches,
		locker:      locker,
		presence:    presence,
		bus:         bus,
		cooldowns:   cooldowns,
		log:         logger.With("subsystem", "escalation"),
		now:         time.Now,
		tick:        cfg.EscalationTick(),
		cooldown:    cfg.EscalationCooldown(),
	}
}

// Run evaluates rules on a fixed tick until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	e.log.Info("escalation engine started", "tick", e.tick)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("escalation engine stopped")
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep runs one evaluation pass. When a pass outlasts the tick the next
// tick is skipped rather than queued.
func (e *Engine) Sweep(ctx context.Context) {
	if !e.mu.TryLock() {
		e.log.Debug("previous sweep still running, skipping tick")
		return
	}
	defer e.mu.Unlock()

	// Rules are read fresh every tick so admin edits take effect on the
	// next pass without a restart.
	rules, err := e.rules.ListEnabled(ctx)
	if err != nil {
		e.log.Error("failed to load escalation rules", "error", err)
		return
	}
	if len(rules) == 0 {
		return
	}

	sessions, err := e.sessions.ListNonTerminal(ctx)
	if err != nil {
		e.log.Error("failed to load candidate sessions", "error", err)
		return
	}

	now := e.now().UTC()
	for i := range sessions {
		for j := range rules {
			if !e.matches(&sessions[i], &rules[j], now) {
				continue
			}
			if err := e.fire(ctx, sessions[i].ID, &rules[j]); err != nil {
				e.log.Error("failed to fire escalation",
					"call_id", sessions[i].ID, "rule", rules[j].Name, "error", err)
			}
		}
	}
}

// matches evaluates one rule against one non-terminal session.
func (e *Engine) matches(s *models.CallSession, rule *models.EscalationRule, now time.Time) bool {
	threshold := time.Duration(rule.ThresholdSeconds) * time.Second

	switch rule.TriggerCondition {
	case models.TriggerUnansweredTimeout:
		return s.Status == models.SessionRinging && now.Sub(s.CreatedAt) >= threshold
	case models.TriggerFlagged:
		return s.Flagged && now.Sub(s.CreatedAt) >= threshold
	case models.TriggerEndpointOffline:
		if s.Status != models.SessionConnected {
			return false
		}
		for _, p := range []string{s.InitiatorID, s.CounterpartID} {
			if since, ok := e.presence.OfflineSince(s.ID, p); ok && now.Sub(since) >= threshold {
				return true
			}
		}
		return false
	}
	return false
}

// fire records and queues one escalation. The escalation event row lands
// before any notification work so a crash between the two loses at most
// the dispatch, never the escalation itself.
func (e *Engine) fire(ctx context.Context, callID string, rule *models.EscalationRule) error {
	// The cooldown key keeps re-evaluation cheap between the durable
	// write and later ticks. A cache outage fails open; the durable
	// check below is the correctness gate.
	if !e.cooldowns.Acquire(ctx, cache.CooldownKey(callID, rule.ID), e.cooldown) {
		return nil
	}

	unlock := e.locker.LockCall(callID)
	defer unlock()

	sess, err := e.sessions.GetByID(ctx, callID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		// Ended between the scan and taking the lock.
		return nil
	}

	fired, err := e.escalations.ExistsForRule(ctx, callID, rule.ID)
	if err != nil {
		return err
	}
	if fired {
		return nil
	}

	now := e.now().UTC()
	ev := &models.EscalationEvent{
		CallID:      callID,
		RuleID:      rule.ID,
		Level:       sess.EscalationLevel + 1,
		TriggeredAt: now,
	}
	if err := e.escalations.Create(ctx, ev); err != nil {
		return fmt.Errorf("recording escalation: %w", err)
	}

	sess.EscalationLevel = ev.Level
	sess.EscalatedTo = rule.EscalateToRole
	if err := e.sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("updating session escalation state: %w", err)
	}

	e.bus.Publish(ctx, events.Event{
		Type:   events.TypeEscalationRaised,
		CallID: callID,
		Meta: map[string]string{
			"rule":  rule.Name,
			"level": strconv.Itoa(ev.Level),
			"role":  rule.EscalateToRole,
		},
	})

	channels, err := rule.Channels()
	if err != nil {
		e.log.Error("rule has malformed notification channels, nothing queued",
			"rule", rule.Name, "error", err)
		return nil
	}
	jobs := make([]models.EscalationDispatch, 0, len(channels))
	for _, ch := range channels {
		jobs = append(jobs, models.EscalationDispatch{
			EventID:       ev.ID,
			Channel:       ch,
			Status:        models.DispatchPending,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	}
	if err := e.dispatches.CreateBatch(ctx, jobs); err != nil {
		return fmt.Errorf("queueing escalation notifications: %w", err)
	}

	e.log.Info("escalation raised",
		"call_id", callID,
		"rule", rule.Name,
		"level", ev.Level,
		"role", rule.EscalateToRole,
		"channels", len(jobs),
	)
	return nil
}

// Acknowledge stamps an escalation event once and returns it. Repeat
// acknowledgements are no-ops: the original stamp is kept and no event
// is emitted.
func (e *Engine) Acknowledge(ctx context.Context, eventID int64, by string) (*models.EscalationEvent, error) {
	first, err := e.escalations.Acknowledge(ctx, eventID, by, e.now().UTC())
	if err != nil {
		return nil, err
	}
	ev, err := e.escalations.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if first {
		e.bus.Publish(ctx, events.Event{
			Type:   events.TypeEscalationAcknowledged,
			CallID: ev.CallID,
			Actor:  by,
			Meta:   map[string]string{"level": strconv.Itoa(ev.Level)},
		})
		e.log.Info("escalation acknowledged", "event_id", eventID, "call_id", ev.CallID, "by", by)
	}
	return ev, nil
}

// List returns the escalation history of a call, oldest first.
func (e *Engine) List(ctx context.Context, callID string) ([]models.EscalationEvent, error) {
	return e.escalations.ListByCall(ctx, callID)
}

// Get returns one escalation event.
func (e *Engine) Get(ctx context.Context, eventID int64) (*models.EscalationEvent, error) {
	return e.escalations.GetByID(ctx, eventID)
}
