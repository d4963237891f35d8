package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/framelog/framelog/internal/event"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Error wraps an underlying store I/O failure. Persistence-path callers
// retry these with bounded backoff before marking a session degraded.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SessionRecord is one run of the producer.
type SessionRecord struct {
	ID            string
	SchemaVersion int
	// ConfigJSON holds the frame transition configuration for replay.
	ConfigJSON []byte
	StartedAt  time.Time
	// EndedAt is nil while the session is active.
	EndedAt     *time.Time
	MetricTotal float64
	// Recovered marks sessions closed by crash recovery.
	Recovered bool
	// FlushIncomplete marks sessions whose final flush exceeded its timeout.
	FlushIncomplete bool
	// Degraded marks sessions that exhausted persistence retries.
	Degraded bool
}

// SnapshotRecord is a serialized frame-state capture linked to a log position.
type SnapshotRecord struct {
	SessionID     string
	SchemaVersion int
	// EventSeq is the last-committed event sequence covered by this snapshot
	// (0 for a snapshot taken before any event).
	EventSeq  uint64
	StateJSON []byte
	CreatedAt time.Time
}

// ProfileRecord is the single persistent user progress record.
type ProfileRecord struct {
	SchemaVersion   int
	UnlockTier      int
	LifetimeTotal   float64
	SessionCount    int
	PreferencesJSON []byte
	UpdatedAt       time.Time
}

// SessionStore persists session lifecycle records.
type SessionStore interface {
	CreateSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	// ListOpenSessions returns sessions without an end time, oldest first.
	ListOpenSessions(ctx context.Context) ([]SessionRecord, error)
	CloseSession(ctx context.Context, id string, endedAt time.Time, total float64, recovered, flushIncomplete bool) error
	MarkSessionDegraded(ctx context.Context, id string) error
}

// EventStore persists the append-only per-session event log.
type EventStore interface {
	// AppendBatch atomically appends events to one session, allocating
	// contiguous sequence numbers. Either the whole batch is durable or none
	// of it is.
	AppendBatch(ctx context.Context, sessionID string, events []event.Event) ([]event.Event, error)
	// AppendBatchWithSnapshot commits a batch and a snapshot of the state
	// after it in one transaction, so the snapshot's event pointer can never
	// dangle.
	AppendBatchWithSnapshot(ctx context.Context, sessionID string, events []event.Event, snapshot SnapshotRecord) ([]event.Event, error)
	// ReadRange returns committed events ordered by sequence, filtered to the
	// inclusive timestamp range. Zero times disable the corresponding bound.
	ReadRange(ctx context.Context, sessionID string, from, to time.Time) ([]event.Event, error)
	// ReadAfter returns committed events with sequence greater than afterSeq.
	ReadAfter(ctx context.Context, sessionID string, afterSeq uint64) ([]event.Event, error)
	// LastSeq returns the highest committed sequence for a session (0 if none).
	LastSeq(ctx context.Context, sessionID string) (uint64, error)
}

// SnapshotStore persists frame snapshots.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, record SnapshotRecord) error
	GetLatestSnapshot(ctx context.Context, sessionID string) (SnapshotRecord, error)
	ListSnapshots(ctx context.Context, sessionID string, limit int) ([]SnapshotRecord, error)
}

// ProfileStore persists the user profile record.
type ProfileStore interface {
	GetProfile(ctx context.Context) (ProfileRecord, error)
	PutProfile(ctx context.Context, record ProfileRecord) error
	// WipeProfile removes the profile record entirely (user-initiated).
	WipeProfile(ctx context.Context) error
}

// Purger removes user data as a whole. Partial redaction of individual
// events is intentionally unsupported.
type Purger interface {
	// PurgeSession deletes a session with all its events and snapshots.
	PurgeSession(ctx context.Context, sessionID string) error
	// PurgeAll deletes every session, event, snapshot, and the profile.
	PurgeAll(ctx context.Context) error
}
