package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// generateAPIKey returns a 64-character hex key.
func generateAPIKey() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// CreateProject inserts a project together with its first API key in one
// transaction, so a project is never observable without a key.
func (s *Store) CreateProject(ctx context.Context, name, email string) (Project, APIKey, error) {
	now := time.Now().UTC().Truncate(time.Second)
	p := Project{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     email,
		CreatedAt: now,
	}
	k := APIKey{
		ID:        uuid.NewString(),
		ProjectID: p.ID,
		Key:       generateAPIKey(),
		Active:    true,
		CreatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Project{}, APIKey{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projects (id, name, email, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Email, p.CreatedAt.Unix()); err != nil {
		return Project{}, APIKey{}, fmt.Errorf("insert project: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO api_keys (id, project_id, key, is_active, created_at) VALUES (?, ?, ?, 1, ?)`,
		k.ID, k.ProjectID, k.Key, k.CreatedAt.Unix()); err != nil {
		return Project{}, APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Project{}, APIKey{}, err
	}
	return p, k, nil
}

// GetProject returns the project with the given id, or ErrNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	return p, nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, created_at FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Project
	for rows.Next() {
		var p Project
		var created int64
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(created, 0).UTC()
		result = append(result, p)
	}
	return result, rows.Err()
}

// DeleteProject removes a project and, via cascading foreign keys, its
// observations, rollups, policies and alert events.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ProjectByAPIKey resolves an active API key to its project, or ErrNotFound
// for unknown or deactivated keys.
func (s *Store) ProjectByAPIKey(ctx context.Context, key string) (Project, error) {
	var p Project
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT p.id, p.name, p.email, p.created_at
		 FROM api_keys k JOIN projects p ON p.id = k.project_id
		 WHERE k.key = ? AND k.is_active = 1`, key).
		Scan(&p.ID, &p.Name, &p.Email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	return p, nil
}

// --- Policies ---

// CreatePolicy inserts a policy and returns it with its generated id.
func (s *Store) CreatePolicy(ctx context.Context, p Policy) (Policy, error) {
	p.ID = uuid.NewString()
	p.CreatedAt = time.Now().UTC().Truncate(time.Second)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (id, project_id, name, metric, comparison, threshold, severity, cooldown_minutes, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, p.Name, p.Metric, p.Comparison, p.Threshold,
		p.Severity, p.CooldownMinutes, p.Active, p.CreatedAt.Unix())
	if err != nil {
		return Policy{}, err
	}
	return p, nil
}

// ListPolicies returns every policy for a project, oldest first.
func (s *Store) ListPolicies(ctx context.Context, projectID string) ([]Policy, error) {
	return s.queryPolicies(ctx,
		`SELECT id, project_id, name, metric, comparison, threshold, severity, cooldown_minutes, is_active, created_at
		 FROM policies WHERE project_id = ? ORDER BY created_at, id`, projectID)
}

// ListActivePolicies returns a snapshot of the project's policies with
// is_active set, as of call time.
func (s *Store) ListActivePolicies(ctx context.Context, projectID string) ([]Policy, error) {
	return s.queryPolicies(ctx,
		`SELECT id, project_id, name, metric, comparison, threshold, severity, cooldown_minutes, is_active, created_at
		 FROM policies WHERE project_id = ? AND is_active = 1 ORDER BY created_at, id`, projectID)
}

func (s *Store) queryPolicies(ctx context.Context, query string, args ...any) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Policy
	for rows.Next() {
		var p Policy
		var created int64
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Metric, &p.Comparison,
			&p.Threshold, &p.Severity, &p.CooldownMinutes, &p.Active, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(created, 0).UTC()
		result = append(result, p)
	}
	return result, rows.Err()
}

// SetPolicyActive flips a policy's is_active flag.
func (s *Store) SetPolicyActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
