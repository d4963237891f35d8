package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/framelog/framelog/internal/event"
	"github.com/framelog/framelog/internal/schema"
	"github.com/framelog/framelog/internal/storage"
)

// AppendBatch atomically appends events to one session.
//
// Sequence numbers are allocated contiguously from the per-session counter;
// either the whole batch is durable or none of it is.
func (s *Store) AppendBatch(ctx context.Context, sessionID string, events []event.Event) ([]event.Event, error) {
	return s.appendBatch(ctx, sessionID, events, nil)
}

// AppendBatchWithSnapshot commits a batch plus a snapshot of the state after
// it in one transaction. Recovery can therefore never observe a snapshot
// whose referenced events are missing.
func (s *Store) AppendBatchWithSnapshot(ctx context.Context, sessionID string, events []event.Event, snapshot storage.SnapshotRecord) ([]event.Event, error) {
	return s.appendBatch(ctx, sessionID, events, &snapshot)
}

func (s *Store) appendBatch(ctx context.Context, sessionID string, events []event.Event, snapshot *storage.SnapshotRecord) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if s.registry == nil {
		return nil, fmt.Errorf("schema registry is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if len(events) == 0 && snapshot == nil {
		return nil, nil
	}

	ctx, span := s.tracer.Start(ctx, "sqlite.AppendBatch", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("batch.size", len(events)),
		attribute.Bool("batch.snapshot", snapshot != nil),
	))
	defer span.End()

	// Validate the full batch before opening a transaction.
	validated := make([]event.Event, len(events))
	for i, evt := range events {
		v, err := s.validateForAppend(sessionID, evt)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		validated[i] = v
	}
	if snapshot != nil {
		if err := s.validateSnapshot(sessionID, snapshot); err != nil {
			return nil, err
		}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin tx", err)
	}
	defer tx.Rollback()

	baseSeq, lastTS, err := nextSeqTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}

	stored := make([]event.Event, len(validated))
	for i, evt := range validated {
		evt.Seq = baseSeq + uint64(i)
		// Committed timestamps are non-decreasing within a session.
		if evt.Timestamp.Before(lastTS) {
			evt.Timestamp = lastTS
		}
		lastTS = evt.Timestamp

		if _, err := tx.ExecContext(ctx, `
INSERT INTO events (session_id, seq, timestamp, event_type, schema_version, payload_json)
VALUES (?, ?, ?, ?, ?, ?)`,
			evt.SessionID,
			int64(evt.Seq),
			toMillis(evt.Timestamp),
			string(evt.Type),
			evt.SchemaVersion,
			string(evt.PayloadJSON),
		); err != nil {
			return nil, storeErr(fmt.Sprintf("append event %d", i), err)
		}
		stored[i] = evt
	}

	nextSeq := baseSeq + uint64(len(validated))
	if _, err := tx.ExecContext(ctx,
		"UPDATE event_seq SET next_seq = ? WHERE session_id = ?",
		int64(nextSeq), sessionID,
	); err != nil {
		return nil, storeErr("update event seq", err)
	}

	if snapshot != nil {
		record := *snapshot
		if record.EventSeq == 0 {
			// Default to the last committed sequence: the batch's final
			// event, or the existing log tail for a snapshot-only commit.
			// Zero survives only when the session log is truly empty.
			if len(stored) > 0 {
				record.EventSeq = stored[len(stored)-1].Seq
			} else {
				record.EventSeq = baseSeq - 1
			}
		}
		if record.EventSeq >= nextSeq {
			return nil, fmt.Errorf("snapshot references unwritten event seq %d", record.EventSeq)
		}
		if err := putSnapshotTx(ctx, tx, record); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", err)
	}

	return stored, nil
}

// validateForAppend normalizes an event and validates its payload against the
// registered schema for its declared version.
func (s *Store) validateForAppend(sessionID string, evt event.Event) (event.Event, error) {
	evt = evt.Normalize()
	if evt.SessionID == "" {
		evt.SessionID = sessionID
	}
	if evt.SessionID != sessionID {
		return event.Event{}, fmt.Errorf("event session %q does not match batch session %q", evt.SessionID, sessionID)
	}
	if !evt.Type.IsValid() {
		return event.Event{}, fmt.Errorf("unknown event type %q", evt.Type)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC().Truncate(time.Millisecond)
	}
	if len(evt.PayloadJSON) == 0 {
		evt.PayloadJSON = []byte("{}")
	}

	kind, ok := schema.KindForEvent(evt.Type)
	if !ok {
		return event.Event{}, fmt.Errorf("no schema kind for event type %q", evt.Type)
	}
	if evt.SchemaVersion == 0 {
		current, ok := s.registry.CurrentVersion(kind)
		if !ok {
			return event.Event{}, fmt.Errorf("no schema registered for %s", kind)
		}
		evt.SchemaVersion = current
	}
	if _, err := s.registry.Validate(kind, evt.SchemaVersion, evt.PayloadJSON); err != nil {
		return event.Event{}, err
	}
	return evt, nil
}

func (s *Store) validateSnapshot(sessionID string, snapshot *storage.SnapshotRecord) error {
	if snapshot.SessionID == "" {
		snapshot.SessionID = sessionID
	}
	if snapshot.SessionID != sessionID {
		return fmt.Errorf("snapshot session %q does not match batch session %q", snapshot.SessionID, sessionID)
	}
	if snapshot.SchemaVersion == 0 {
		current, ok := s.registry.CurrentVersion(schema.KindSnapshot)
		if !ok {
			return fmt.Errorf("no schema registered for snapshots")
		}
		snapshot.SchemaVersion = current
	}
	if _, err := s.registry.Validate(schema.KindSnapshot, snapshot.SchemaVersion, snapshot.StateJSON); err != nil {
		return err
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	return nil
}

// nextSeqTx initializes the per-session counter if needed and returns the
// next sequence plus the timestamp of the most recently committed event.
func nextSeqTx(ctx context.Context, tx *sql.Tx, sessionID string) (uint64, time.Time, error) {
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO event_seq (session_id, next_seq) VALUES (?, 1)",
		sessionID,
	); err != nil {
		return 0, time.Time{}, storeErr("init event seq", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		"SELECT next_seq FROM event_seq WHERE session_id = ?", sessionID,
	).Scan(&next); err != nil {
		return 0, time.Time{}, storeErr("get event seq", err)
	}
	if next <= 0 {
		return 0, time.Time{}, fmt.Errorf("event seq must be positive, got %d", next)
	}

	var lastTS time.Time
	if next > 1 {
		var millis int64
		if err := tx.QueryRowContext(ctx,
			"SELECT timestamp FROM events WHERE session_id = ? AND seq = ?",
			sessionID, next-1,
		).Scan(&millis); err != nil {
			return 0, time.Time{}, storeErr("load previous event", err)
		}
		lastTS = fromMillis(millis)
	}

	return uint64(next), lastTS, nil
}

// ReadRange returns committed events ordered by sequence, filtered to the
// inclusive timestamp range. Zero times disable the corresponding bound.
func (s *Store) ReadRange(ctx context.Context, sessionID string, from, to time.Time) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}

	ctx, span := s.tracer.Start(ctx, "sqlite.ReadRange", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	query := "SELECT session_id, seq, timestamp, event_type, schema_version, payload_json FROM events WHERE session_id = ?"
	args := []any{sessionID}
	if !from.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, toMillis(from))
	}
	if !to.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, toMillis(to))
	}
	query += " ORDER BY seq ASC"

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("read range", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ReadAfter returns committed events with sequence greater than afterSeq.
func (s *Store) ReadAfter(ctx context.Context, sessionID string, afterSeq uint64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT session_id, seq, timestamp, event_type, schema_version, payload_json
FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`,
		sessionID, int64(afterSeq))
	if err != nil {
		return nil, storeErr("read after", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// LastSeq returns the highest committed sequence for a session (0 if none).
func (s *Store) LastSeq(ctx context.Context, sessionID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return 0, fmt.Errorf("session id is required")
	}

	var last sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM events WHERE session_id = ?", sessionID,
	).Scan(&last); err != nil {
		return 0, storeErr("last seq", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

func collectEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		var (
			evt     event.Event
			seq     int64
			millis  int64
			typ     string
			payload string
		)
		if err := rows.Scan(&evt.SessionID, &seq, &millis, &typ, &evt.SchemaVersion, &payload); err != nil {
			return nil, storeErr("scan event", err)
		}
		evt.Seq = uint64(seq)
		evt.Timestamp = fromMillis(millis)
		evt.Type = event.Type(typ)
		evt.PayloadJSON = []byte(payload)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read events", err)
	}
	return events, nil
}
