package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/mailstack/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if s.path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Debug().Str("path", s.path).Msg("Database migrated")
	return nil
}

// LoadTriggers returns every trigger record of scope.
func (s *SQLiteStore) LoadTriggers(ctx context.Context, scope string) (engine.Triggers, error) {
	records, err := s.ListTriggers(ctx, scope)
	if err != nil {
		return nil, err
	}

	out := make(engine.Triggers, len(records))
	for _, r := range records {
		out[r.NodeID] = r.Triggers
	}
	return out, nil
}

// CommitTriggers replaces the trigger record of a node.
func (s *SQLiteStore) CommitTriggers(ctx context.Context, scope, runID, nodeID string, triggers []string) error {
	if triggers == nil {
		triggers = []string{}
	}
	encoded, err := json.Marshal(triggers)
	if err != nil {
		return fmt.Errorf("failed to encode triggers: %w", err)
	}

	query := `
		INSERT INTO node_triggers (scope, node_id, triggers, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scope, node_id) DO UPDATE SET
			triggers = excluded.triggers,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, scope, nodeID, string(encoded), runID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to commit triggers of %s: %w", nodeID, err)
	}
	return nil
}

// ListTriggers lists the trigger records of scope ordered by node ID.
func (s *SQLiteStore) ListTriggers(ctx context.Context, scope string) ([]*NodeRecord, error) {
	query := `
		SELECT scope, node_id, triggers, COALESCE(run_id, ''), updated_at
		FROM node_triggers
		WHERE scope = ?
		ORDER BY node_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	records := []*NodeRecord{}
	for rows.Next() {
		r := &NodeRecord{}
		var encoded string
		if err := rows.Scan(&r.Scope, &r.NodeID, &encoded, &r.RunID, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trigger record: %w", err)
		}
		if err := json.Unmarshal([]byte(encoded), &r.Triggers); err != nil {
			return nil, fmt.Errorf("failed to decode triggers of %s: %w", r.NodeID, err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trigger records: %w", err)
	}

	return records, nil
}

// DeleteTriggers removes a node's record so the next pass dispatches it.
func (s *SQLiteStore) DeleteTriggers(ctx context.Context, scope, nodeID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM node_triggers WHERE scope = ? AND node_id = ?`, scope, nodeID)
	if err != nil {
		return fmt.Errorf("failed to delete triggers: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: no record for %s in %s", ErrNotFound, nodeID, scope)
	}

	return nil
}

// Recorder returns a recorder committing into scope on behalf of runID.
func (s *SQLiteStore) Recorder(scope, runID string) engine.TriggerRecorder {
	return engine.RecorderFunc(func(ctx context.Context, nodeID string, triggers []string) error {
		return s.CommitTriggers(ctx, scope, runID, nodeID, triggers)
	})
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO runs (id, scope, status, started_at)
		VALUES (?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query, run.ID, run.Scope, run.Status, run.StartedAt); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// CompleteRun records the outcome of a pass.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, result *engine.ApplyResult) error {
	status := RunStatusSucceeded
	var failedNode, errMsg *string
	if !result.Succeeded() {
		status = RunStatusFailed
	}
	if result.FailedNodeID != "" {
		failedNode = &result.FailedNodeID
	}
	if result.Err != nil {
		msg := result.Err.Error()
		errMsg = &msg
	}

	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, applied = ?, dispatched = ?, reused = ?, blocked = ?,
			failed_node = ?, error = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		status,
		time.Now().UTC(),
		len(result.Applied),
		len(result.Dispatched),
		len(result.Reused),
		len(result.Blocked),
		failedNode,
		errMsg,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}

	return nil
}

const runColumns = `id, scope, status, started_at, completed_at, applied, dispatched, reused, blocked, failed_node, error`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Scope,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Applied,
		&run.Dispatched,
		&run.Reused,
		&run.Blocked,
		&run.FailedNode,
		&run.Error,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists the most recent runs of scope, newest first. An empty scope
// lists every scope.
func (s *SQLiteStore) ListRuns(ctx context.Context, scope string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE (? = '' OR scope = ?)
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, scope, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// RecordEvent appends a pass event.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event engine.Event) error {
	query := `
		INSERT INTO events (id, run_id, type, node_id, kind, level, message, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.Type,
		event.NodeID,
		event.Kind,
		event.Level,
		event.Message,
		event.Duration.Milliseconds(),
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	return nil
}

// ListEvents returns the events of a run in timestamp order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]engine.Event, error) {
	query := `
		SELECT id, run_id, type, COALESCE(node_id, ''), COALESCE(kind, ''), level, message, duration_ms, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []engine.Event{}
	for rows.Next() {
		var ev engine.Event
		var durationMS int64
		if err := rows.Scan(
			&ev.ID,
			&ev.RunID,
			&ev.Type,
			&ev.NodeID,
			&ev.Kind,
			&ev.Level,
			&ev.Message,
			&durationMS,
			&ev.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck performs a health check on the database
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

var _ Store = (*SQLiteStore)(nil)
