package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/events"
	"github.com/callbridge/callbridge/internal/notify"
	"github.com/callbridge/callbridge/internal/store"
	"github.com/callbridge/callbridge/internal/store/models"
)

// fakeChannel captures notifications and can fail the first N sends.
type fakeChannel struct {
	name     string
	mu       sync.Mutex
	sent     []notify.Notification
	failures int
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("channel outage")
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type dispatchEnv struct {
	dispatcher  *Dispatcher
	channel     *fakeChannel
	rules       store.RuleRepository
	escalations store.EscalationRepository
	dispatches  store.DispatchRepository
	outbox      store.OutboxRepository
	db          *store.DB
}

func newDispatchEnv(t *testing.T, maxAttempts int) *dispatchEnv {
	t.Helper()
	db, err := store.Open(t.TempDir(), "")
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := discardLogger()
	channel := &fakeChannel{name: "push"}
	outbox := store.NewOutboxRepository(db)
	cfg := &config.Config{EscalationTickSeconds: 30, MaxDispatchAttempts: maxAttempts}

	env := &dispatchEnv{
		channel:     channel,
		rules:       store.NewRuleRepository(db),
		escalations: store.NewEscalationRepository(db),
		dispatches:  store.NewDispatchRepository(db),
		outbox:      outbox,
		db:          db,
	}
	env.dispatcher = NewDispatcher(cfg, env.dispatches, env.escalations, env.rules,
		notify.NewRegistry(channel), events.NewDispatcher(outbox, logger), logger)
	return env
}

// seedJob creates a session, rule, escalation event, and one due dispatch
// row on the given channel. Returns the dispatch id.
func (e *dispatchEnv) seedJob(t *testing.T, channel string) int64 {
	t.Helper()
	ctx := context.Background()

	sess := &models.CallSession{
		ID: "call-1", InitiatorID: "alice", CounterpartID: "bob",
		Status: models.SessionRinging, CreatedAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := store.NewSessionRepository(e.db).Create(ctx, sess); err != nil {
		t.Fatalf("seeding session: %v", err)
	}
	rule := &models.EscalationRule{
		Name: "slow pickup", TriggerCondition: models.TriggerUnansweredTimeout,
		ThresholdSeconds: 30, EscalateToRole: "supervisor", PriorityLevel: 7,
		NotificationChannels: `["` + channel + `"]`, Enabled: true,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := e.rules.Create(ctx, rule); err != nil {
		t.Fatalf("seeding rule: %v", err)
	}
	ev := &models.EscalationEvent{CallID: "call-1", RuleID: rule.ID, Level: 1, TriggeredAt: time.Now().UTC()}
	if err := e.escalations.Create(ctx, ev); err != nil {
		t.Fatalf("seeding escalation: %v", err)
	}

	jobs := []models.EscalationDispatch{{
		EventID:       ev.ID,
		Channel:       channel,
		Status:        models.DispatchPending,
		NextAttemptAt: time.Now().UTC().Add(-time.Second),
		CreatedAt:     time.Now().UTC(),
	}}
	if err := e.dispatches.CreateBatch(ctx, jobs); err != nil {
		t.Fatalf("seeding dispatch: %v", err)
	}
	return jobs[0].ID
}

func TestDrainDeliversDueJob(t *testing.T) {
	env := newDispatchEnv(t, 3)
	ctx := context.Background()
	env.seedJob(t, "push")

	env.dispatcher.Drain(ctx)

	if env.channel.sentCount() != 1 {
		t.Fatalf("channel received %d notifications, want 1", env.channel.sentCount())
	}
	n := env.channel.sent[0]
	if n.CallID != "call-1" || n.RuleName != "slow pickup" || n.Level != 1 || n.Role != "supervisor" || n.Priority != 7 {
		t.Errorf("notification = %+v", n)
	}

	pending, err := env.dispatches.CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending() error: %v", err)
	}
	if pending != 0 {
		t.Errorf("pending after drain = %d, want 0", pending)
	}

	// A second drain finds nothing due.
	env.dispatcher.Drain(ctx)
	if env.channel.sentCount() != 1 {
		t.Errorf("redelivered a sent job")
	}
}

func TestDrainRetriesWithBackoff(t *testing.T) {
	env := newDispatchEnv(t, 3)
	ctx := context.Background()
	env.seedJob(t, "push")
	env.channel.failures = 1

	env.dispatcher.Drain(ctx)
	if env.channel.sentCount() != 0 {
		t.Fatal("failed send should not be recorded as delivered")
	}

	// The job stays pending with its next attempt pushed into the future.
	due, err := env.dispatches.ListDue(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListDue() error: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("job due immediately after failure, next attempt not pushed")
	}
	later, err := env.dispatches.ListDue(ctx, time.Now().UTC().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListDue(+1h) error: %v", err)
	}
	if len(later) != 1 {
		t.Fatalf("jobs pending for later = %d, want 1", len(later))
	}
	if later[0].Attempts != 1 || later[0].LastError == "" {
		t.Errorf("job after retry = attempts %d, last_error %q", later[0].Attempts, later[0].LastError)
	}

	// Once due again, the retry succeeds.
	env.dispatcher.now = func() time.Time { return time.Now().Add(time.Hour) }
	env.dispatcher.Drain(ctx)
	if env.channel.sentCount() != 1 {
		t.Fatal("retry never delivered")
	}
}

func TestDrainAbandonsAfterMaxAttempts(t *testing.T) {
	env := newDispatchEnv(t, 1)
	ctx := context.Background()
	env.seedJob(t, "push")
	env.channel.failures = 10

	env.dispatcher.Drain(ctx)

	pending, _ := env.dispatches.CountPending(ctx)
	if pending != 0 {
		t.Fatalf("pending = %d, want 0 after permanent failure", pending)
	}
	if env.channel.sentCount() != 0 {
		t.Error("abandoned job should never count as sent")
	}

	// Operators learn about the lost notification.
	rows, err := env.outbox.ListAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ListAfter() error: %v", err)
	}
	if len(rows) != 1 || rows[0].Type != events.TypeEscalationDispatchFailed {
		t.Fatalf("outbox = %+v, want one escalation.dispatch_failed", rows)
	}
	if rows[0].CallID != "call-1" {
		t.Errorf("dispatch_failed call id = %q", rows[0].CallID)
	}
}

func TestDrainFailsUnknownChannelOnFirstPass(t *testing.T) {
	env := newDispatchEnv(t, 5)
	ctx := context.Background()
	env.seedJob(t, "carrier-pigeon")

	env.dispatcher.Drain(ctx)

	// No retries for a channel the server is not configured with.
	pending, _ := env.dispatches.CountPending(ctx)
	if pending != 0 {
		t.Fatalf("pending = %d, want 0", pending)
	}
	rows, _ := env.outbox.ListAfter(ctx, 0, 10)
	if len(rows) != 1 || rows[0].Type != events.TypeEscalationDispatchFailed {
		t.Fatalf("outbox = %+v, want one escalation.dispatch_failed", rows)
	}
}

func TestDrainFailsWhenRuleDeleted(t *testing.T) {
	env := newDispatchEnv(t, 5)
	ctx := context.Background()
	env.seedJob(t, "push")

	// The rule vanished after the escalation fired; the dispatch cannot be
	// rebuilt and retrying will not help.
	rules, err := env.rules.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if err := env.rules.Delete(ctx, rules[0].ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	env.dispatcher.Drain(ctx)

	pending, _ := env.dispatches.CountPending(ctx)
	if pending != 0 {
		t.Fatalf("pending = %d, want 0", pending)
	}
	if env.channel.sentCount() != 0 {
		t.Error("nothing should send without its rule")
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{8, 5 * time.Minute},
		{20, 5 * time.Minute},
	}
	for _, tc := range cases {
		got := retryDelay(tc.attempts)
		lo := tc.want - tc.want/5
		hi := tc.want + tc.want/5
		if got < lo || got > hi {
			t.Errorf("retryDelay(%d) = %v, want within [%v, %v]", tc.attempts, got, lo, hi)
		}
	}
}
