// Package aggregate turns raw request observations into rollups at every
// bucket width.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ternhq/tern/internal/bucket"
	"github.com/ternhq/tern/internal/store"
)

// ErrWindowProcessed reports that a window was already aggregated and was
// skipped. Re-aggregating a window would double-count, so the ledger check
// is not optional.
var ErrWindowProcessed = fmt.Errorf("window already processed")

// Aggregator rolls observation windows up into per-bucket aggregates.
type Aggregator struct {
	store *store.Store
}

func New(st *store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// Aggregate rolls up every observation with start <= timestamp < end into
// rollups at each bucket width and returns the touched rollups, both newly
// inserted and merged. The whole window runs in one store transaction that
// also marks the window in the processed ledger: a crash mid-window leaves
// no partial state, and a second run on the same window returns
// ErrWindowProcessed instead of double-counting.
//
// The window is typically the just-closed minute but any start < end pair
// is accepted; observations are assigned to buckets by their own timestamps,
// not by the window edges.
func (a *Aggregator) Aggregate(ctx context.Context, start, end time.Time) ([]store.Rollup, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("invalid window [%s, %s)", start, end)
	}
	start, end = start.UTC(), end.UTC()

	tx, err := a.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	marked, err := tx.MarkWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("mark window: %w", err)
	}
	if !marked {
		return nil, ErrWindowProcessed
	}

	obs, err := tx.RangeObservations(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("range observations: %w", err)
	}
	if len(obs) == 0 {
		// Nothing to roll up; still commit the ledger mark.
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return nil, nil
	}

	var touched []store.Rollup
	for _, w := range bucket.Widths {
		rollups, err := a.aggregateWidth(ctx, tx, obs, w)
		if err != nil {
			return nil, err
		}
		touched = append(touched, rollups...)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	slog.Debug("aggregated window",
		"start", start, "end", end,
		"observations", len(obs), "rollups", len(touched))
	return touched, nil
}

// group is the per-key accumulation for one bucket width.
type group struct {
	latencies  []int64
	errorCount int64
}

func (a *Aggregator) aggregateWidth(ctx context.Context, tx *store.Tx, obs []store.Observation, w bucket.Width) ([]store.Rollup, error) {
	groups := make(map[store.RollupKey]*group)
	var order []store.RollupKey
	for _, o := range obs {
		key := store.RollupKey{
			ProjectID:   o.ProjectID,
			Endpoint:    o.Endpoint,
			BucketStart: bucket.Align(o.Timestamp, w),
			Width:       w,
		}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.latencies = append(g.latencies, o.LatencyMS)
		if o.StatusCode >= 500 {
			g.errorCount++
		}
	}

	// Deterministic upsert order keeps runs comparable in logs and tests.
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.ProjectID != b.ProjectID {
			return a.ProjectID < b.ProjectID
		}
		if a.Endpoint != b.Endpoint {
			return a.Endpoint < b.Endpoint
		}
		return a.BucketStart.Before(b.BucketStart)
	})

	result := make([]store.Rollup, 0, len(order))
	for _, key := range order {
		if key.BucketStart.Unix()%key.Width.Seconds() != 0 {
			return nil, fmt.Errorf("unaligned bucket start %s for width %s", key.BucketStart, key.Width.Label())
		}

		g := groups[key]
		r := store.Rollup{
			Key:          key,
			RequestCount: int64(len(g.latencies)),
			ErrorCount:   g.errorCount,
			P95LatencyMS: bucket.P95(g.latencies),
		}

		// Merge rule: counts accumulate; p95 is recomputed over every
		// observation in the bucket rather than approximated from the two
		// partial values, so a 1h bucket fed by sixty 1m windows converges
		// to the true percentile.
		merged, _, err := tx.UpsertRollup(ctx, r, func(existing store.Rollup) (store.Rollup, error) {
			latencies, err := tx.BucketLatencies(ctx, key)
			if err != nil {
				return store.Rollup{}, fmt.Errorf("bucket latencies: %w", err)
			}
			return store.Rollup{
				Key:          key,
				RequestCount: existing.RequestCount + r.RequestCount,
				ErrorCount:   existing.ErrorCount + r.ErrorCount,
				P95LatencyMS: bucket.P95(latencies),
			}, nil
		})
		if err != nil {
			return nil, fmt.Errorf("upsert rollup %s %s %s: %w", key.ProjectID, key.Endpoint, key.Width.Label(), err)
		}
		result = append(result, merged)
	}
	return result, nil
}
