package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/callbridge/callbridge/internal/errdefs"
	"github.com/callbridge/callbridge/internal/store/models"
)

// ruleRepo implements RuleRepository.
type ruleRepo struct {
	db *DB
}

// NewRuleRepository creates a new RuleRepository.
func NewRuleRepository(db *DB) RuleRepository {
	return &ruleRepo{db: db}
}

const ruleColumns = `id, name, trigger_condition, threshold_seconds, escalate_to_role,
	 priority_level, notification_channels, enabled, created_at, updated_at`

// Create inserts a new escalation rule.
func (r *ruleRepo) Create(ctx context.Context, rule *models.EscalationRule) error {
	err := r.db.queryRow(ctx,
		`INSERT INTO escalation_rules (name, trigger_condition, threshold_seconds,
		 escalate_to_role, priority_level, notification_channels, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		rule.Name, rule.TriggerCondition, rule.ThresholdSeconds,
		rule.EscalateToRole, rule.PriorityLevel, rule.NotificationChannels,
		rule.Enabled, rule.CreatedAt, rule.UpdatedAt,
	).Scan(&rule.ID)
	if err != nil {
		return fmt.Errorf("inserting escalation rule: %w", err)
	}
	return nil
}

// GetByID returns an escalation rule by id.
func (r *ruleRepo) GetByID(ctx context.Context, id int64) (*models.EscalationRule, error) {
	return r.scanOne(r.db.queryRow(ctx,
		`SELECT `+ruleColumns+` FROM escalation_rules WHERE id = ?`, id,
	))
}

// List returns all rules ordered by priority.
func (r *ruleRepo) List(ctx context.Context) ([]models.EscalationRule, error) {
	rows, err := r.db.query(ctx,
		`SELECT `+ruleColumns+` FROM escalation_rules ORDER BY priority_level DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing escalation rules: %w", err)
	}
	return scanRules(rows)
}

// ListEnabled returns enabled rules ordered by priority.
func (r *ruleRepo) ListEnabled(ctx context.Context) ([]models.EscalationRule, error) {
	rows, err := r.db.query(ctx,
		`SELECT `+ruleColumns+` FROM escalation_rules
		 WHERE enabled = ? ORDER BY priority_level DESC, id`,
		true,
	)
	if err != nil {
		return nil, fmt.Errorf("listing enabled escalation rules: %w", err)
	}
	return scanRules(rows)
}

// Update modifies an existing escalation rule.
func (r *ruleRepo) Update(ctx context.Context, rule *models.EscalationRule) error {
	_, err := r.db.exec(ctx,
		`UPDATE escalation_rules SET name = ?, trigger_condition = ?, threshold_seconds = ?,
		 escalate_to_role = ?, priority_level = ?, notification_channels = ?, enabled = ?,
		 updated_at = ? WHERE id = ?`,
		rule.Name, rule.TriggerCondition, rule.ThresholdSeconds,
		rule.EscalateToRole, rule.PriorityLevel, rule.NotificationChannels,
		rule.Enabled, rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating escalation rule: %w", err)
	}
	return nil
}

// Delete removes an escalation rule. Fired events keep their rule_id.
func (r *ruleRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.exec(ctx, `DELETE FROM escalation_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting escalation rule: %w", err)
	}
	return nil
}

func (r *ruleRepo) scanOne(row *sql.Row) (*models.EscalationRule, error) {
	var rule models.EscalationRule
	err := row.Scan(&rule.ID, &rule.Name, &rule.TriggerCondition, &rule.ThresholdSeconds,
		&rule.EscalateToRole, &rule.PriorityLevel, &rule.NotificationChannels,
		&rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errdefs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning escalation rule: %w", err)
	}
	return &rule, nil
}

func scanRules(rows *sql.Rows) ([]models.EscalationRule, error) {
	defer rows.Close()

	var rules []models.EscalationRule
	for rows.Next() {
		var rule models.EscalationRule
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.TriggerCondition, &rule.ThresholdSeconds,
			&rule.EscalateToRole, &rule.PriorityLevel, &rule.NotificationChannels,
			&rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning rule row: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rule rows: %w", err)
	}

	return rules, nil
}

// escalationRepo implements EscalationRepository.
type escalationRepo struct {
	db *DB
}

// NewEscalationRepository creates a new EscalationRepository.
func NewEscalationRepository(db *DB) EscalationRepository {
	return &escalationRepo{db: db}
}

const escalationColumns = `id, call_id, rule_id, level, triggered_at, acknowledged_by, acknowledged_at`

// Create inserts a fired escalation event. The unique indexes on
// (call_id, level) and (call_id, rule_id) reject duplicate fires.
func (r *escalationRepo) Create(ctx context.Context, ev *models.EscalationEvent) error {
	err := r.db.queryRow(ctx,
		`INSERT INTO escalation_events (call_id, rule_id, level, triggered_at,
		 acknowledged_by, acknowledged_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		ev.CallID, ev.RuleID, ev.Level, ev.TriggeredAt,
		ev.AcknowledgedBy, ev.AcknowledgedAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("inserting escalation event: %w", err)
	}
	return nil
}

// GetByID returns an escalation event by id.
func (r *escalationRepo) GetByID(ctx context.Context, id int64) (*models.EscalationEvent, error) {
	return r.scanOne(r.db.queryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalation_events WHERE id = ?`, id,
	))
}

// ListByCall returns the escalation history of a call, oldest first.
func (r *escalationRepo) ListByCall(ctx context.Context, callID string) ([]models.EscalationEvent, error) {
	rows, err := r.db.query(ctx,
		`SELECT `+escalationColumns+` FROM escalation_events
		 WHERE call_id = ? ORDER BY level`,
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing escalation events: %w", err)
	}
	defer rows.Close()

	var events []models.EscalationEvent
	for rows.Next() {
		var ev models.EscalationEvent
		if err := rows.Scan(&ev.ID, &ev.CallID, &ev.RuleID, &ev.Level, &ev.TriggeredAt,
			&ev.AcknowledgedBy, &ev.AcknowledgedAt); err != nil {
			return nil, fmt.Errorf("scanning escalation event row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating escalation event rows: %w", err)
	}

	return events, nil
}

// ExistsForRule reports whether the rule already fired for the call.
func (r *escalationRepo) ExistsForRule(ctx context.Context, callID string, ruleID int64) (bool, error) {
	var count int
	err := r.db.queryRow(ctx,
		`SELECT COUNT(*) FROM escalation_events WHERE call_id = ? AND rule_id = ?`,
		callID, ruleID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking escalation event: %w", err)
	}
	return count > 0, nil
}

// Acknowledge stamps the event once. A second acknowledgement is a no-op
// and returns false with the original stamp intact.
func (r *escalationRepo) Acknowledge(ctx context.Context, id int64, by string, at time.Time) (bool, error) {
	res, err := r.db.exec(ctx,
		`UPDATE escalation_events SET acknowledged_by = ?, acknowledged_at = ?
		 WHERE id = ? AND acknowledged_at IS NULL`,
		by, at, id,
	)
	if err != nil {
		return false, fmt.Errorf("acknowledging escalation event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("counting acknowledged rows: %w", err)
	}
	return n > 0, nil
}

// Count returns the total number of fired escalations.
func (r *escalationRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.queryRow(ctx, `SELECT COUNT(*) FROM escalation_events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting escalations: %w", err)
	}
	return count, nil
}

// CountUnacknowledged returns the number of open escalations.
func (r *escalationRepo) CountUnacknowledged(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.queryRow(ctx,
		`SELECT COUNT(*) FROM escalation_events WHERE acknowledged_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unacknowledged escalations: %w", err)
	}
	return count, nil
}

func (r *escalationRepo) scanOne(row *sql.Row) (*models.EscalationEvent, error) {
	var ev models.EscalationEvent
	err := row.Scan(&ev.ID, &ev.CallID, &ev.RuleID, &ev.Level, &ev.TriggeredAt,
		&ev.AcknowledgedBy, &ev.AcknowledgedAt)
	if err == sql.ErrNoRows {
		return nil, errdefs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning escalation event: %w", err)
	}
	return &ev, nil
}

// dispatchRepo implements DispatchRepository.
type dispatchRepo struct {
	db *DB
}

// NewDispatchRepository creates a new DispatchRepository.
func NewDispatchRepository(db *DB) DispatchRepository {
	return &dispatchRepo{db: db}
}

// CreateBatch inserts one delivery job per channel for a fired event.
func (r *dispatchRepo) CreateBatch(ctx context.Context, jobs []models.EscalationDispatch) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning dispatch transaction: %w", err)
	}
	for i := range jobs {
		j := &jobs[i]
		err := tx.QueryRowContext(ctx, r.db.rebind(
			`INSERT INTO escalation_dispatches (event_id, channel, status, attempts,
			 last_error, next_attempt_at, created_at, sent_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			j.EventID, j.Channel, j.Status, j.Attempts,
			j.LastError, j.NextAttemptAt, j.CreatedAt, j.SentAt,
		).Scan(&j.ID)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting dispatch job: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing dispatch jobs: %w", err)
	}
	return nil
}

// ListDue returns pending jobs whose next attempt time has passed.
func (r *dispatchRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]models.EscalationDispatch, error) {
	rows, err := r.db.query(ctx,
		`SELECT id, event_id, channel, status, attempts, last_error,
		 next_attempt_at, created_at, sent_at
		 FROM escalation_dispatches
		 WHERE status = 'pending' AND next_attempt_at <= ?
		 ORDER BY next_attempt_at LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing due dispatches: %w", err)
	}
	defer rows.Close()

	var jobs []models.EscalationDispatch
	for rows.Next() {
		var j models.EscalationDispatch
		if err := rows.Scan(&j.ID, &j.EventID, &j.Channel, &j.Status, &j.Attempts,
			&j.LastError, &j.NextAttemptAt, &j.CreatedAt, &j.SentAt); err != nil {
			return nil, fmt.Errorf("scanning dispatch row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dispatch rows: %w", err)
	}

	return jobs, nil
}

// MarkSent records a successful delivery.
func (r *dispatchRepo) MarkSent(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.exec(ctx,
		`UPDATE escalation_dispatches SET status = 'sent', sent_at = ? WHERE id = ?`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("marking dispatch sent: %w", err)
	}
	return nil
}

// MarkRetry schedules another attempt after a failure.
func (r *dispatchRepo) MarkRetry(ctx context.Context, id int64, attempts int, lastError string, nextAttemptAt time.Time) error {
	_, err := r.db.exec(ctx,
		`UPDATE escalation_dispatches SET attempts = ?, last_error = ?,
		 next_attempt_at = ? WHERE id = ?`,
		attempts, lastError, nextAttemptAt, id,
	)
	if err != nil {
		return fmt.Errorf("marking dispatch retry: %w", err)
	}
	return nil
}

// MarkFailed gives up on a delivery job.
func (r *dispatchRepo) MarkFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	_, err := r.db.exec(ctx,
		`UPDATE escalation_dispatches SET status = 'failed', attempts = ?,
		 last_error = ? WHERE id = ?`,
		attempts, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("marking dispatch failed: %w", err)
	}
	return nil
}

// CountPending returns the delivery queue depth.
func (r *dispatchRepo) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.queryRow(ctx,
		`SELECT COUNT(*) FROM escalation_dispatches WHERE status = 'pending'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending dispatches: %w", err)
	}
	return count, nil
}
