package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/events"
	"github.com/callbridge/callbridge/internal/notify"
	"github.com/callbridge/callbridge/internal/store"
	"github.com/callbridge/callbridge/internal/store/models"
)

const (
	// dispatchBatchSize bounds how many due jobs one drain pass picks up.
	dispatchBatchSize = 32

	dispatchBaseDelay = 5 * time.Second
	dispatchMaxDelay  = 5 * time.Minute
)

// Dispatcher delivers queued escalation notifications. Delivery is
// at-least-once: jobs are durable rows, so notifier downtime or a crash
// delays a notification but never loses the escalation it belongs to.
type Dispatcher struct {
	dispatches  store.DispatchRepository
	escalations store.EscalationRepository
	rules       store.RuleRepository
	registry    *notify.Registry
	bus         *events.Dispatcher
	log         *slog.Logger
	now         func() time.Time

	interval    time.Duration
	maxAttempts int
}

// NewDispatcher creates the notification delivery loop.
func NewDispatcher(
	cfg *config.Config,
	dispatches store.DispatchRepository,
	escalations store.EscalationRepository,
	rules store.RuleRepository,
	registry *notify.Registry,
	bus *events.Dispatcher,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		dispatches:  dispatches,
		escalations: escalations,
		rules:       rules,
		registry:    registry,
		bus:         bus,
		log:         logger.With("subsystem", "escalation_dispatch"),
		now:         time.Now,
		interval:    cfg.EscalationTick(),
		maxAttempts: cfg.MaxDispatchAttempts,
	}
}

// Run drains due delivery jobs until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Info("escalation dispatcher started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			d.log.Info("escalation dispatcher stopped")
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain sends every due job once, marking each sent, retried, or failed.
func (d *Dispatcher) Drain(ctx context.Context) {
	jobs, err := d.dispatches.ListDue(ctx, d.now().UTC(), dispatchBatchSize)
	if err != nil {
		d.log.Error("failed to list due dispatches", "error", err)
		return
	}
	for i := range jobs {
		d.deliver(ctx, &jobs[i])
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job *models.EscalationDispatch) {
	// A channel name the server was not configured with can never
	// succeed; fail the job on its first pass so the typo surfaces.
	if !d.registry.Has(job.Channel) {
		d.fail(ctx, job, job.Attempts+1, fmt.Errorf("no channel configured for %q", job.Channel))
		return
	}

	n, err := d.buildNotification(ctx, job)
	if err != nil {
		// The rule or event row is gone; retrying cannot bring it back.
		d.fail(ctx, job, job.Attempts+1, err)
		return
	}

	attempts := job.Attempts + 1
	if err := d.registry.Send(ctx, job.Channel, *n); err != nil {
		if attempts >= d.maxAttempts {
			d.fail(ctx, job, attempts, err)
			return
		}
		next := d.now().UTC().Add(retryDelay(attempts))
		if mErr := d.dispatches.MarkRetry(ctx, job.ID, attempts, err.Error(), next); mErr != nil {
			d.log.Error("failed to mark dispatch for retry", "dispatch_id", job.ID, "error", mErr)
			return
		}
		d.log.Warn("notification delivery failed, will retry",
			"dispatch_id", job.ID,
			"channel", job.Channel,
			"attempt", attempts,
			"next_attempt_at", next,
			"error", err,
		)
		return
	}

	if err := d.dispatches.MarkSent(ctx, job.ID, d.now().UTC()); err != nil {
		d.log.Error("failed to mark dispatch sent", "dispatch_id", job.ID, "error", err)
		return
	}
	d.log.Info("escalation notification sent",
		"dispatch_id", job.ID, "channel", job.Channel, "call_id", n.CallID, "level", n.Level)
}

// fail retires the job and emits escalation.dispatch_failed so operators
// see notifications that never went out.
func (d *Dispatcher) fail(ctx context.Context, job *models.EscalationDispatch, attempts int, cause error) {
	if err := d.dispatches.MarkFailed(ctx, job.ID, attempts, cause.Error()); err != nil {
		d.log.Error("failed to mark dispatch failed", "dispatch_id", job.ID, "error", err)
		return
	}

	callID := ""
	if ev, err := d.escalations.GetByID(ctx, job.EventID); err == nil {
		callID = ev.CallID
	}
	d.bus.Publish(ctx, events.Event{
		Type:   events.TypeEscalationDispatchFailed,
		CallID: callID,
		Meta: map[string]string{
			"channel": job.Channel,
			"error":   cause.Error(),
		},
	})
	d.log.Error("notification delivery abandoned",
		"dispatch_id", job.ID, "channel", job.Channel, "attempts", attempts, "error", cause)
}

// buildNotification resolves the dispatch row back to its escalation
// event and rule.
func (d *Dispatcher) buildNotification(ctx context.Context, job *models.EscalationDispatch) (*notify.Notification, error) {
	ev, err := d.escalations.GetByID(ctx, job.EventID)
	if err != nil {
		return nil, fmt.Errorf("loading escalation event %d: %w", job.EventID, err)
	}
	rule, err := d.rules.GetByID(ctx, ev.RuleID)
	if err != nil {
		return nil, fmt.Errorf("loading rule %d: %w", ev.RuleID, err)
	}

	return &notify.Notification{
		CallID:      ev.CallID,
		RuleName:    rule.Name,
		Level:       ev.Level,
		Role:        rule.EscalateToRole,
		Priority:    rule.PriorityLevel,
		Message:     fmt.Sprintf("Call %s escalated to level %d by rule %q", ev.CallID, ev.Level, rule.Name),
		TriggeredAt: ev.TriggeredAt,
	}, nil
}

// retryDelay computes the wait before the next attempt: exponential from
// the attempt count with a cap, so the durable row carries all state.
func retryDelay(attempts int) time.Duration {
	delay := dispatchBaseDelay
	for i := 1; i < attempts && delay < dispatchMaxDelay; i++ {
		delay *= 2
	}
	if delay > dispatchMaxDelay {
		delay = dispatchMaxDelay
	}

	// Add ±20% jitter to prevent thundering herd.
	jitter := time.Duration(rand.Int63n(int64(delay) / 5))
	if rand.Intn(2) == 0 {
		return delay - jitter
	}
	return delay + jitter
}
