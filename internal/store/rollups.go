package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ternhq/tern/internal/bucket"
)

// Tx is a store transaction covering one aggregation window: the window
// ledger mark and every rollup upsert commit or roll back together.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a store transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// MarkWindow records [start, end) in the processed-windows ledger. It
// returns false if the window was already marked, in which case the caller
// must not aggregate it again.
func (t *Tx) MarkWindow(ctx context.Context, start, end time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_windows (window_start, window_end, processed_at)
		 VALUES (?, ?, ?)`,
		start.Unix(), end.Unix(), time.Now().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RangeObservations is the transactional variant of Store.RangeObservations,
// giving the aggregator a snapshot consistent with its upserts.
func (t *Tx) RangeObservations(ctx context.Context, start, end time.Time) ([]Observation, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT project_id, endpoint, method, status_code, latency_ms, timestamp_ms
		 FROM observations WHERE timestamp_ms >= ? AND timestamp_ms < ?`,
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows)
}

// BucketLatencies returns the latency of every observation falling into one
// bucket, for p95 recomputation on merge.
func (t *Tx) BucketLatencies(ctx context.Context, key RollupKey) ([]int64, error) {
	bucketEnd := key.BucketStart.Add(key.Width.Duration())
	rows, err := t.tx.QueryContext(ctx,
		`SELECT latency_ms FROM observations
		 WHERE project_id = ? AND endpoint = ? AND timestamp_ms >= ? AND timestamp_ms < ?`,
		key.ProjectID, key.Endpoint, key.BucketStart.UnixMilli(), bucketEnd.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []int64
	for rows.Next() {
		var lat int64
		if err := rows.Scan(&lat); err != nil {
			return nil, err
		}
		result = append(result, lat)
	}
	return result, rows.Err()
}

// UpsertRollup inserts r if no rollup exists for its identity key;
// otherwise it applies merge to the existing row and persists the result.
// It returns the post-merge row and whether the row was newly inserted.
// The single write connection linearizes concurrent upserts of one key.
func (t *Tx) UpsertRollup(ctx context.Context, r Rollup, merge func(existing Rollup) (Rollup, error)) (Rollup, bool, error) {
	key := r.Key
	var existing Rollup
	existing.Key = key
	err := t.tx.QueryRowContext(ctx,
		`SELECT request_count, error_count, p95_latency_ms FROM rollups
		 WHERE project_id = ? AND endpoint = ? AND bucket_start = ? AND bucket_width = ?`,
		key.ProjectID, key.Endpoint, key.BucketStart.Unix(), key.Width.Seconds()).
		Scan(&existing.RequestCount, &existing.ErrorCount, &existing.P95LatencyMS)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO rollups (project_id, endpoint, bucket_start, bucket_width, request_count, error_count, p95_latency_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			key.ProjectID, key.Endpoint, key.BucketStart.Unix(), key.Width.Seconds(),
			r.RequestCount, r.ErrorCount, r.P95LatencyMS)
		if err != nil {
			return Rollup{}, false, fmt.Errorf("insert rollup: %w", err)
		}
		return r, true, nil
	case err != nil:
		return Rollup{}, false, err
	}

	merged, err := merge(existing)
	if err != nil {
		return Rollup{}, false, err
	}
	merged.Key = key
	_, err = t.tx.ExecContext(ctx,
		`UPDATE rollups SET request_count = ?, error_count = ?, p95_latency_ms = ?
		 WHERE project_id = ? AND endpoint = ? AND bucket_start = ? AND bucket_width = ?`,
		merged.RequestCount, merged.ErrorCount, merged.P95LatencyMS,
		key.ProjectID, key.Endpoint, key.BucketStart.Unix(), key.Width.Seconds())
	if err != nil {
		return Rollup{}, false, fmt.Errorf("update rollup: %w", err)
	}
	return merged, false, nil
}

// QueryRollups returns a project's rollups at one width ordered by bucket
// start. Zero from/to values leave that side of the range unbounded.
func (s *Store) QueryRollups(ctx context.Context, projectID string, w bucket.Width, from, to time.Time) ([]Rollup, error) {
	query := `SELECT project_id, endpoint, bucket_start, bucket_width, request_count, error_count, p95_latency_ms
	          FROM rollups WHERE project_id = ? AND bucket_width = ?`
	args := []any{projectID, w.Seconds()}
	if !from.IsZero() {
		query += ` AND bucket_start >= ?`
		args = append(args, from.Unix())
	}
	if !to.IsZero() {
		query += ` AND bucket_start <= ?`
		args = append(args, to.Unix())
	}
	query += ` ORDER BY bucket_start, endpoint`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Rollup
	for rows.Next() {
		var r Rollup
		var start, width int64
		if err := rows.Scan(&r.Key.ProjectID, &r.Key.Endpoint, &start, &width,
			&r.RequestCount, &r.ErrorCount, &r.P95LatencyMS); err != nil {
			return nil, err
		}
		r.Key.BucketStart = time.Unix(start, 0).UTC()
		r.Key.Width = bucket.Width(time.Duration(width) * time.Second)
		result = append(result, r)
	}
	return result, rows.Err()
}
