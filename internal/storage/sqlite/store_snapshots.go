package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/framelog/framelog/internal/storage"
)

// PutSnapshot stores a snapshot outside of a batch commit.
//
// The referenced event sequence must already be durable; snapshots taken with
// a pending batch go through AppendBatchWithSnapshot instead.
func (s *Store) PutSnapshot(ctx context.Context, record storage.SnapshotRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if err := s.validateSnapshot(record.SessionID, &record); err != nil {
		return err
	}

	if record.EventSeq > 0 {
		last, err := s.LastSeq(ctx, record.SessionID)
		if err != nil {
			return err
		}
		if record.EventSeq > last {
			return fmt.Errorf("snapshot references uncommitted event seq %d (last %d)", record.EventSeq, last)
		}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	if err := putSnapshotTx(ctx, tx, record); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func putSnapshotTx(ctx context.Context, tx *sql.Tx, record storage.SnapshotRecord) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO snapshots (session_id, event_seq, schema_version, state_json, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (session_id, event_seq) DO UPDATE SET
    schema_version = excluded.schema_version,
    state_json = excluded.state_json,
    created_at = excluded.created_at`,
		record.SessionID,
		int64(record.EventSeq),
		record.SchemaVersion,
		string(record.StateJSON),
		toMillis(record.CreatedAt),
	); err != nil {
		return storeErr("put snapshot", err)
	}
	return nil
}

// GetLatestSnapshot retrieves the most recent snapshot for a session.
func (s *Store) GetLatestSnapshot(ctx context.Context, sessionID string) (storage.SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SnapshotRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SnapshotRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.SnapshotRecord{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT session_id, event_seq, schema_version, state_json, created_at
FROM snapshots WHERE session_id = ? ORDER BY event_seq DESC LIMIT 1`, sessionID)

	record, err := scanSnapshot(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SnapshotRecord{}, storage.ErrNotFound
		}
		return storage.SnapshotRecord{}, storeErr("get latest snapshot", err)
	}
	return record, nil
}

// ListSnapshots returns snapshots ordered by event sequence descending.
func (s *Store) ListSnapshots(ctx context.Context, sessionID string, limit int) ([]storage.SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT session_id, event_seq, schema_version, state_json, created_at
FROM snapshots WHERE session_id = ? ORDER BY event_seq DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, storeErr("list snapshots", err)
	}
	defer rows.Close()

	var records []storage.SnapshotRecord
	for rows.Next() {
		record, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, storeErr("scan snapshot", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read snapshots", err)
	}
	return records, nil
}

func scanSnapshot(scan func(dest ...any) error) (storage.SnapshotRecord, error) {
	var (
		record    storage.SnapshotRecord
		seq       int64
		stateJSON string
		createdAt int64
	)
	if err := scan(&record.SessionID, &seq, &record.SchemaVersion, &stateJSON, &createdAt); err != nil {
		return storage.SnapshotRecord{}, err
	}
	record.EventSeq = uint64(seq)
	record.StateJSON = []byte(stateJSON)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}
