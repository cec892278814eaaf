// Package alert evaluates alert policies against rollups and emits alert
// events with notification.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ternhq/tern/internal/store"
)

// Metric kinds a policy can declare.
const (
	MetricLatencyP95 = "latency_p95"
	MetricErrorRate  = "error_rate"
	MetricThroughput = "throughput"
)

var errUnknownMetric = errors.New("unknown metric")

// Evaluator checks one rollup against its project's active policies.
type Evaluator struct {
	store    *store.Store
	notifier *Notifier
	now      func() time.Time
}

// NewEvaluator creates an Evaluator. notifier may be nil to disable
// notifications.
func NewEvaluator(st *store.Store, notifier *Notifier) *Evaluator {
	return &Evaluator{
		store:    st,
		notifier: notifier,
		now:      time.Now,
	}
}

// Evaluate runs every active policy of the rollup's project against the
// rollup and returns the number of alert events created. A policy is
// evaluated at whatever width the rollup has; cooldown damps the resulting
// per-width duplication. Misconfigured policies are logged and skipped
// without aborting the loop.
func (e *Evaluator) Evaluate(ctx context.Context, r store.Rollup) (int, error) {
	if r.ErrorCount < 0 || r.ErrorCount > r.RequestCount {
		return 0, fmt.Errorf("rollup %s %s %s: error_count %d exceeds request_count %d",
			r.Key.ProjectID, r.Key.Endpoint, r.Key.Width.Label(), r.ErrorCount, r.RequestCount)
	}

	policies, err := e.store.ListActivePolicies(ctx, r.Key.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("list active policies: %w", err)
	}
	if len(policies) == 0 {
		return 0, nil
	}

	created := 0
	for _, p := range policies {
		value, err := metricValue(p.Metric, r)
		if err != nil {
			slog.Error("policy evaluation skipped", "policy", p.ID, "metric", p.Metric, "error", err)
			continue
		}

		violated, err := thresholdViolated(p.Comparison, value, p.Threshold)
		if err != nil {
			slog.Error("policy evaluation skipped", "policy", p.ID, "comparison", p.Comparison, "error", err)
			continue
		}
		if !violated {
			continue
		}

		now := e.now().UTC()
		cooldown := time.Duration(p.CooldownMinutes) * time.Minute

		// Fast-path cooldown check; InsertAlertEvent re-checks under the
		// same transaction as the insert, which is what actually prevents
		// double emission by concurrent workers.
		if last, ok, err := e.store.LatestAlertEvent(ctx, p.ID); err != nil {
			return created, fmt.Errorf("latest alert event: %w", err)
		} else if ok && cooldown > 0 && now.Before(last.TriggeredAt.Add(cooldown)) {
			continue
		}

		ev, inserted, err := e.store.InsertAlertEvent(ctx, store.AlertEvent{
			PolicyID:    p.ID,
			TriggeredAt: now,
			Value:       value,
		}, cooldown)
		if err != nil {
			return created, fmt.Errorf("insert alert event: %w", err)
		}
		if !inserted {
			continue
		}
		created++

		slog.Warn("alert triggered",
			"policy", p.ID, "name", p.Name, "metric", p.Metric,
			"value", value, "threshold", p.Threshold, "severity", p.Severity,
			"bucket_width", r.Key.Width.Label())

		e.notify(ctx, p, ev)
	}
	return created, nil
}

func (e *Evaluator) notify(ctx context.Context, p store.Policy, ev store.AlertEvent) {
	if e.notifier == nil {
		return
	}
	project, err := e.store.GetProject(ctx, p.ProjectID)
	if err != nil {
		slog.Error("alert notification skipped", "policy", p.ID, "error", err)
		return
	}
	e.notifier.SendAlert(Notification{
		To:          project.Email,
		Project:     project.Name,
		PolicyName:  p.Name,
		Metric:      p.Metric,
		Threshold:   p.Threshold,
		Value:       ev.Value,
		Severity:    p.Severity,
		TriggeredAt: ev.TriggeredAt,
	})
}

// metricValue derives the value a policy compares against from a rollup.
func metricValue(metric string, r store.Rollup) (float64, error) {
	switch metric {
	case MetricLatencyP95:
		return float64(r.P95LatencyMS), nil
	case MetricErrorRate:
		if r.RequestCount == 0 {
			return 0, nil
		}
		return float64(r.ErrorCount) / float64(r.RequestCount), nil
	case MetricThroughput:
		return float64(r.RequestCount), nil
	}
	return 0, fmt.Errorf("%w: %q", errUnknownMetric, metric)
}

// thresholdViolated applies the policy comparison. Only strict comparisons
// exist; "=" and the non-strict forms are not supported.
func thresholdViolated(comparison string, value, threshold float64) (bool, error) {
	switch comparison {
	case ">":
		return value > threshold, nil
	case "<":
		return value < threshold, nil
	}
	return false, fmt.Errorf("unknown comparison %q", comparison)
}
