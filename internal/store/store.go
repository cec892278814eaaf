// Package store provides typed SQLite persistence for projects, raw request
// observations, rollups, alert policies and alert events.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/ternhq/tern/internal/bucket"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Store manages SQLite persistence. A single connection serializes all
// writers, so upserts on the same rollup key are linearized by the database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path, enables WAL and foreign keys,
// and applies pending schema migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size = -2000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrateDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("init source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("init db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("up: %w", err)
	}
	return nil
}

// --- Record types ---

// Project owns observations, rollups and policies. Email, when set, is the
// recipient for alert notifications.
type Project struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
}

// APIKey authenticates ingest requests for one project.
type APIKey struct {
	ID        string
	ProjectID string
	Key       string
	Active    bool
	CreatedAt time.Time
}

// Observation is one recorded request outcome. Append-only; old rows are
// removed by the retention cleanup.
type Observation struct {
	ProjectID  string
	Endpoint   string
	Method     string
	StatusCode int
	LatencyMS  int64
	Timestamp  time.Time
}

// RollupKey is the identity of a rollup row: at most one rollup exists per
// key, enforced by a unique index.
type RollupKey struct {
	ProjectID   string
	Endpoint    string
	BucketStart time.Time
	Width       bucket.Width
}

// Rollup is the aggregate of all observations in one bucket for one
// (project, endpoint) pair.
type Rollup struct {
	Key          RollupKey
	RequestCount int64
	ErrorCount   int64
	P95LatencyMS int64
}

// Policy is a declarative alert condition over a derived rollup metric.
type Policy struct {
	ID              string
	ProjectID       string
	Name            string
	Metric          string // "latency_p95", "error_rate", "throughput"
	Comparison      string // ">" or "<"
	Threshold       float64
	Severity        string // "info", "warn", "critical"
	CooldownMinutes int
	Active          bool
	CreatedAt       time.Time
}

// AlertEvent records one policy violation. Append-only from the core's point
// of view; the resolved flag belongs to the management layer.
type AlertEvent struct {
	ID          int64
	PolicyID    string
	TriggeredAt time.Time
	Value       float64
	Resolved    bool
}
