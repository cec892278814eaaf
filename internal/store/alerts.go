package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// LatestAlertEvent returns the most recent alert event for a policy. The
// second return value is false when the policy has no events.
func (s *Store) LatestAlertEvent(ctx context.Context, policyID string) (AlertEvent, bool, error) {
	var ev AlertEvent
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, policy_id, triggered_at_ms, value, resolved FROM alert_events
		 WHERE policy_id = ? ORDER BY triggered_at_ms DESC LIMIT 1`, policyID).
		Scan(&ev.ID, &ev.PolicyID, &ms, &ev.Value, &ev.Resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return AlertEvent{}, false, nil
	}
	if err != nil {
		return AlertEvent{}, false, err
	}
	ev.TriggeredAt = time.UnixMilli(ms).UTC()
	return ev, true, nil
}

// InsertAlertEvent appends an alert event unless another event for the same
// policy falls within the cooldown window ending at ev.TriggeredAt. The
// cooldown re-check and the insert run in one transaction, so two evaluators
// racing on the same rollup cannot both emit; the unique
// (policy_id, triggered_at_ms) index backstops the guard. Returns the stored
// event and whether it was inserted.
func (s *Store) InsertAlertEvent(ctx context.Context, ev AlertEvent, cooldown time.Duration) (AlertEvent, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AlertEvent{}, false, err
	}
	defer tx.Rollback()

	if cooldown > 0 {
		var lastMS int64
		err := tx.QueryRowContext(ctx,
			`SELECT triggered_at_ms FROM alert_events
			 WHERE policy_id = ? ORDER BY triggered_at_ms DESC LIMIT 1`, ev.PolicyID).
			Scan(&lastMS)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// No prior event, not in cooldown.
		case err != nil:
			return AlertEvent{}, false, err
		default:
			cooldownUntil := time.UnixMilli(lastMS).Add(cooldown)
			if ev.TriggeredAt.Before(cooldownUntil) {
				return AlertEvent{}, false, nil
			}
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO alert_events (policy_id, triggered_at_ms, value, resolved) VALUES (?, ?, ?, 0)`,
		ev.PolicyID, ev.TriggeredAt.UnixMilli(), ev.Value)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return AlertEvent{}, false, nil
		}
		return AlertEvent{}, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return AlertEvent{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return AlertEvent{}, false, err
	}

	ev.ID = id
	ev.Resolved = false
	return ev, true, nil
}

// AlertWithPolicy is an alert event joined with its policy, for the
// management read path.
type AlertWithPolicy struct {
	AlertEvent
	PolicyName string
	Metric     string
	Comparison string
	Threshold  float64
	Severity   string
}

// ListAlertEvents returns a project's alert events, newest first.
func (s *Store) ListAlertEvents(ctx context.Context, projectID string, limit int) ([]AlertWithPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.policy_id, e.triggered_at_ms, e.value, e.resolved,
		        p.name, p.metric, p.comparison, p.threshold, p.severity
		 FROM alert_events e JOIN policies p ON p.id = e.policy_id
		 WHERE p.project_id = ? ORDER BY e.triggered_at_ms DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AlertWithPolicy
	for rows.Next() {
		var a AlertWithPolicy
		var ms int64
		if err := rows.Scan(&a.ID, &a.PolicyID, &ms, &a.Value, &a.Resolved,
			&a.PolicyName, &a.Metric, &a.Comparison, &a.Threshold, &a.Severity); err != nil {
			return nil, err
		}
		a.TriggeredAt = time.UnixMilli(ms).UTC()
		result = append(result, a)
	}
	return result, rows.Err()
}
