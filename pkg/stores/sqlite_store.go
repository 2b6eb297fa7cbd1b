package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
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

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// every connection to :memory: opens a separate database
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.cfg.Path != memoryPath {
		dsn = "file:" + dsn + "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
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

	return nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, entity_id, operation, status, from_state, to_state, started_at, completed_at, error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Metadata == "" {
		run.Metadata = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.EntityID,
		run.Operation,
		run.Status,
		run.FromState,
		run.ToState,
		run.StartedAt.UTC(),
		run.CompletedAt,
		run.Error,
		run.Metadata,
		run.CreatedAt.UTC(),
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, entity_id, operation, status, from_state, to_state, started_at, completed_at, error, metadata, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// FinishRun records the outcome of a run
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, toState string, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, to_state = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, status, toState, errMsg, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListRuns lists runs newest first, optionally for one entity
func (s *SQLiteStore) ListRuns(ctx context.Context, entityID *string, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, entity_id, operation, status, from_state, to_state, started_at, completed_at, error, metadata, created_at, updated_at
		FROM runs
		WHERE (? IS NULL OR entity_id = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, entityID, entityID, limit, offset)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.EntityID,
		&run.Operation,
		&run.Status,
		&run.FromState,
		&run.ToState,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Metadata,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// AppendEvent appends an event to a run
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (run_id, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents returns the events of a run in the order they were appended
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string) ([]*Event, error) {
	query := `
		SELECT id, run_id, level, message, details, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// GetSensor retrieves one sensor value
func (s *SQLiteStore) GetSensor(ctx context.Context, entityID, key string) (*Sensor, error) {
	query := `
		SELECT entity_id, key, value, updated_at
		FROM sensors
		WHERE entity_id = ? AND key = ?
	`

	sensor := &Sensor{}
	err := s.db.QueryRowContext(ctx, query, entityID, key).Scan(
		&sensor.EntityID,
		&sensor.Key,
		&sensor.Value,
		&sensor.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sensor %s/%s: %w", entityID, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sensor: %w", err)
	}

	return sensor, nil
}

// SetSensor inserts or replaces a sensor value
func (s *SQLiteStore) SetSensor(ctx context.Context, entityID, key, value string) error {
	query := `
		INSERT INTO sensors (entity_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, entityID, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set sensor: %w", err)
	}
	return nil
}

// GetOrSetSensor returns the stored value for key, storing def first when
// no value exists. Concurrent callers all observe the first stored value.
func (s *SQLiteStore) GetOrSetSensor(ctx context.Context, entityID, key, def string) (string, error) {
	insert := `
		INSERT INTO sensors (entity_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, key) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, insert, entityID, key, def, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("failed to set sensor default: %w", err)
	}

	sensor, err := s.GetSensor(ctx, entityID, key)
	if err != nil {
		return "", err
	}
	return sensor.Value, nil
}

// ListSensors lists an entity's sensors ordered by key
func (s *SQLiteStore) ListSensors(ctx context.Context, entityID string) ([]*Sensor, error) {
	query := `
		SELECT entity_id, key, value, updated_at
		FROM sensors
		WHERE entity_id = ?
		ORDER BY key
	`

	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sensors: %w", err)
	}
	defer rows.Close()

	sensors := []*Sensor{}
	for rows.Next() {
		sensor := &Sensor{}
		if err := rows.Scan(&sensor.EntityID, &sensor.Key, &sensor.Value, &sensor.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sensor: %w", err)
		}
		sensors = append(sensors, sensor)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sensors: %w", err)
	}

	return sensors, nil
}

// DeleteSensor removes a sensor. Deleting a missing sensor is not an error.
func (s *SQLiteStore) DeleteSensor(ctx context.Context, entityID, key string) error {
	query := `DELETE FROM sensors WHERE entity_id = ? AND key = ?`

	if _, err := s.db.ExecContext(ctx, query, entityID, key); err != nil {
		return fmt.Errorf("failed to delete sensor: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
