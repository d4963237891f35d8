package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/framelog/framelog/internal/platform/storage/sqlitemigrate"
	"github.com/framelog/framelog/internal/schema"
	"github.com/framelog/framelog/internal/storage"
	"github.com/framelog/framelog/internal/storage/sqlite/migrations"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis reverses toMillis for persisted millisecond timestamps.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// toNullMillis maps optional domain times to sql.NullInt64 for nullable DB columns.
func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

// fromNullMillis maps nullable SQL timestamps back into optional domain time values.
func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

// Store provides a SQLite-backed store implementing all storage interfaces.
type Store struct {
	sqlDB    *sql.DB
	registry *schema.Registry
	tracer   trace.Tracer
}

// Open opens a SQLite store at the provided path.
//
// The schema registry is wired here so every appended document is validated
// in one place, off the real-time path.
func Open(path string, registry *schema.Registry) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("schema registry is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	return open(dsn, registry, 0)
}

// OpenEphemeral opens an in-memory store for the explicit no-persistence
// privacy mode. Data is lost when the store closes.
func OpenEphemeral(registry *schema.Registry) (*Store, error) {
	if registry == nil {
		return nil, fmt.Errorf("schema registry is required")
	}
	// A single connection keeps the shared in-memory database alive.
	return open("file::memory:?_pragma=foreign_keys(ON)", registry, 1)
}

func open(dsn string, registry *schema.Registry, maxConns int) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	store := &Store{
		sqlDB:    sqlDB,
		registry: registry,
		tracer:   otel.Tracer("framelog/storage/sqlite"),
	}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close closes the underlying SQLite database.
//
// Close is intentionally nil-safe so callers can defer it in all startup paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// ensureForeignKeysEnabled confirms the DSN pragma took effect. Cascading
// deletes depend on it, so a silently ignored pragma must fail loudly.
func ensureForeignKeysEnabled(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("sqlite db is required")
	}
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

// storeErr wraps driver failures into the shared store error type.
func storeErr(op string, err error) error {
	return &storage.Error{Op: op, Err: err}
}
