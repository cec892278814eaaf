// Package sched drives the aggregation pipeline: every minute it rolls up
// the just-closed window and evaluates policies on the touched rollups, and
// once a day it prunes raw observations past retention.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ternhq/tern/internal/aggregate"
	"github.com/ternhq/tern/internal/config"
	"github.com/ternhq/tern/internal/store"
)

// Evaluator checks one rollup against its project's policies and returns the
// number of alert events created.
type Evaluator interface {
	Evaluate(ctx context.Context, r store.Rollup) (int, error)
}

// tickDeadline bounds one aggregate attempt. Shorter than the 60s period so
// a stuck tick cannot pile up behind the next one.
const tickDeadline = 45 * time.Second

// cleanupDeadline bounds one retention cleanup attempt.
const cleanupDeadline = 5 * time.Minute

// Scheduler owns the cron jobs. Workers are stateless; all state lives in
// the store, so restarting the scheduler mid-window is safe.
type Scheduler struct {
	cron  *cron.Cron
	agg   *aggregate.Aggregator
	eval  Evaluator
	store *store.Store
	cfg   *config.Config

	ctx context.Context
	now func() time.Time
}

// New creates a Scheduler. Jobs are registered but not started.
func New(cfg *config.Config, st *store.Store, agg *aggregate.Aggregator, eval Evaluator) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithLocation(time.UTC)),
		agg:   agg,
		eval:  eval,
		store: st,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Start registers the aggregate and cleanup jobs and starts the cron loop.
// ctx cancellation aborts in-flight retries; call Stop to wait for running
// jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx

	// On the minute, every minute; the tick itself skips minutes that do
	// not close an aggregation period.
	if _, err := s.cron.AddFunc("* * * * *", func() {
		s.runWithRetry("aggregate", s.cfg.Aggregate.MaxRetries,
			s.cfg.Aggregate.RetryBackoff.Duration, tickDeadline, s.aggregateTick)
	}); err != nil {
		return fmt.Errorf("add aggregate job: %w", err)
	}

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Cleanup.Period.Duration), func() {
		s.runWithRetry("cleanup", s.cfg.Cleanup.MaxRetries,
			s.cfg.Cleanup.RetryBackoff.Duration, cleanupDeadline, s.cleanupTick)
	}); err != nil {
		return fmt.Errorf("add cleanup job: %w", err)
	}

	s.cron.Start()
	slog.Info("scheduler started",
		"aggregate_period", s.cfg.Aggregate.Period.Duration,
		"cleanup_period", s.cfg.Cleanup.Period.Duration,
		"retention_days", s.cfg.Storage.RetentionDays)
	return nil
}

// Stop halts the cron loop and blocks until running jobs finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
}

// aggregateTick rolls up the just-closed window and evaluates policies on
// every rollup it touched. Windows tile on period boundaries: a minute that
// does not close a period is skipped, so consecutive windows never overlap
// and no observation is counted twice. A window that was already processed
// (crash after commit, or a retry racing a concurrent worker) is skipped
// without error.
func (s *Scheduler) aggregateTick(ctx context.Context) error {
	period := s.cfg.Aggregate.Period.Duration
	end := s.now().UTC().Truncate(time.Minute)
	if end.Unix()%int64(period/time.Second) != 0 {
		return nil
	}
	start := end.Add(-period)

	rollups, err := s.agg.Aggregate(ctx, start, end)
	if errors.Is(err, aggregate.ErrWindowProcessed) {
		slog.Info("window already processed, skipping", "start", start, "end", end)
		return nil
	}
	if err != nil {
		return fmt.Errorf("aggregate [%s, %s): %w", start.Format(time.RFC3339), end.Format(time.RFC3339), err)
	}
	if len(rollups) == 0 {
		return nil
	}

	// The aggregation transaction is committed at this point, so a returned
	// error would only make the retry hit the processed-window ledger and
	// skip the remaining rollups for good. Evaluation failures are isolated
	// per rollup instead; the next tick's rollups get a fresh evaluation.
	alerts := 0
	for _, r := range rollups {
		n, err := s.eval.Evaluate(ctx, r)
		if err != nil {
			slog.Error("rollup evaluation failed",
				"project", r.Key.ProjectID, "endpoint", r.Key.Endpoint,
				"width", r.Key.Width.Label(), "error", err)
			continue
		}
		alerts += n
	}

	slog.Info("aggregated window",
		"start", start, "end", end, "rollups", len(rollups), "alerts", alerts)
	return nil
}

// cleanupTick deletes raw observations older than the retention period.
// Rollups are kept.
func (s *Scheduler) cleanupTick(ctx context.Context) error {
	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.Storage.RetentionDays)
	n, err := s.store.DeleteObservationsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete observations: %w", err)
	}
	slog.Info("pruned raw observations", "deleted", n, "retention_days", s.cfg.Storage.RetentionDays)
	return nil
}

// runWithRetry runs fn under a per-attempt deadline, retrying with
// exponential backoff (base, 2x base, 4x base, ...). After maxAttempts
// failures the task is dropped; the next tick picks up the next window.
func (s *Scheduler) runWithRetry(name string, maxAttempts int, backoff, deadline time.Duration, fn func(ctx context.Context) error) {
	base := s.ctx
	if base == nil {
		base = context.Background()
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff << (attempt - 1)
			slog.Warn("task failed, retrying", "task", name, "attempt", attempt, "backoff", wait, "error", err)
			select {
			case <-base.Done():
				slog.Error("task retry aborted", "task", name, "error", base.Err())
				return
			case <-time.After(wait):
			}
		}

		ctx, cancel := context.WithTimeout(base, deadline)
		err = fn(ctx)
		cancel()
		if err == nil {
			return
		}
	}
	slog.Error("task dropped after retries", "task", name, "attempts", maxAttempts, "error", err)
}
