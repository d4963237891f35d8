package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/framelog/framelog/internal/storage"
)

const sessionColumns = "id, schema_version, config_json, started_at, ended_at, metric_total, recovered, flush_incomplete, degraded"

// CreateSession persists a new session record.
func (s *Store) CreateSession(ctx context.Context, record storage.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if record.SchemaVersion <= 0 {
		return fmt.Errorf("session schema version is required")
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	configJSON := record.ConfigJSON
	if len(configJSON) == 0 {
		configJSON = []byte("{}")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (id, schema_version, config_json, started_at, ended_at, metric_total, recovered, flush_incomplete, degraded)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.SchemaVersion,
		string(configJSON),
		toMillis(record.StartedAt),
		toNullMillis(record.EndedAt),
		record.MetricTotal,
		boolToInt(record.Recovered),
		boolToInt(record.FlushIncomplete),
		boolToInt(record.Degraded),
	); err != nil {
		return storeErr("create session", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SessionRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SessionRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.SessionRecord{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	record, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SessionRecord{}, storage.ErrNotFound
		}
		return storage.SessionRecord{}, storeErr("get session", err)
	}
	return record, nil
}

// ListSessions returns sessions ordered by start time descending.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// ListOpenSessions returns sessions without an end time, oldest first.
func (s *Store) ListOpenSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE ended_at IS NULL ORDER BY started_at ASC")
	if err != nil {
		return nil, storeErr("list open sessions", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// CloseSession marks a session ended with its final accumulator total.
func (s *Store) CloseSession(ctx context.Context, id string, endedAt time.Time, total float64, recovered, flushIncomplete bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id is required")
	}
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions
SET ended_at = ?, metric_total = ?, recovered = ?, flush_incomplete = ?
WHERE id = ?`,
		toMillis(endedAt), total, boolToInt(recovered), boolToInt(flushIncomplete), id)
	if err != nil {
		return storeErr("close session", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storeErr("close session", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkSessionDegraded flags a session whose persistence retries were exhausted.
func (s *Store) MarkSessionDegraded(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE sessions SET degraded = 1 WHERE id = ?", id)
	if err != nil {
		return storeErr("mark session degraded", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storeErr("mark session degraded", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func scanSession(scan func(dest ...any) error) (storage.SessionRecord, error) {
	var (
		record     storage.SessionRecord
		configJSON string
		startedAt  int64
		endedAt    sql.NullInt64
		recovered  int
		flush      int
		degraded   int
	)
	if err := scan(
		&record.ID,
		&record.SchemaVersion,
		&configJSON,
		&startedAt,
		&endedAt,
		&record.MetricTotal,
		&recovered,
		&flush,
		&degraded,
	); err != nil {
		return storage.SessionRecord{}, err
	}
	record.ConfigJSON = []byte(configJSON)
	record.StartedAt = fromMillis(startedAt)
	record.EndedAt = fromNullMillis(endedAt)
	record.Recovered = recovered != 0
	record.FlushIncomplete = flush != 0
	record.Degraded = degraded != 0
	return record, nil
}

func collectSessions(rows *sql.Rows) ([]storage.SessionRecord, error) {
	var records []storage.SessionRecord
	for rows.Next() {
		record, err := scanSession(rows.Scan)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read sessions", err)
	}
	return records, nil
}
