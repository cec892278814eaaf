package store

import (
	"context"
	"database/sql"
	"time"
)

// InsertObservation appends one raw request observation.
func (s *Store) InsertObservation(ctx context.Context, o Observation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations (project_id, endpoint, method, status_code, latency_ms, timestamp_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.ProjectID, o.Endpoint, o.Method, o.StatusCode, o.LatencyMS, o.Timestamp.UnixMilli(),
	)
	return err
}

// RangeObservations returns all observations with start <= timestamp < end.
// Order is unspecified.
func (s *Store) RangeObservations(ctx context.Context, start, end time.Time) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, endpoint, method, status_code, latency_ms, timestamp_ms
		 FROM observations WHERE timestamp_ms >= ? AND timestamp_ms < ?`,
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows)
}

// RecentObservations returns the newest observations for a project, most
// recent first.
func (s *Store) RecentObservations(ctx context.Context, projectID string, limit int) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, endpoint, method, status_code, latency_ms, timestamp_ms
		 FROM observations WHERE project_id = ? ORDER BY timestamp_ms DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows)
}

// DeleteObservationsBefore removes observations older than cutoff and
// returns the number of rows deleted. Rollups are untouched.
func (s *Store) DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM observations WHERE timestamp_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanObservations(rows *sql.Rows) ([]Observation, error) {
	var result []Observation
	for rows.Next() {
		var o Observation
		var ms int64
		if err := rows.Scan(&o.ProjectID, &o.Endpoint, &o.Method, &o.StatusCode, &o.LatencyMS, &ms); err != nil {
			return nil, err
		}
		o.Timestamp = time.UnixMilli(ms).UTC()
		result = append(result, o)
	}
	return result, rows.Err()
}
