// Package recovery closes out sessions left open by a crash. At startup
// it finds sessions without an end time, restores their latest snapshot,
// replays the committed event tail through the same transition logic
// used live, and marks them closed. In-flight producer work that never
// reached the log is not resumable.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/framelog/framelog/internal/engine/frame"
	"github.com/framelog/framelog/internal/event"
	"github.com/framelog/framelog/internal/schema"
	"github.com/framelog/framelog/internal/storage"
)

// Store is the slice of the storage surface recovery reads and writes.
type Store interface {
	ListOpenSessions(ctx context.Context) ([]storage.SessionRecord, error)
	GetLatestSnapshot(ctx context.Context, sessionID string) (storage.SnapshotRecord, error)
	ReadAfter(ctx context.Context, sessionID string, afterSeq uint64) ([]event.Event, error)
	AppendBatch(ctx context.Context, sessionID string, events []event.Event) ([]event.Event, error)
	AppendBatchWithSnapshot(ctx context.Context, sessionID string, events []event.Event, snapshot storage.SnapshotRecord) ([]event.Event, error)
	CloseSession(ctx context.Context, id string, endedAt time.Time, total float64, recovered, flushIncomplete bool) error
}

// Error reports a session that could not be recovered. Other sessions
// proceed independently.
type Error struct {
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("recover session %s: %v", e.SessionID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SessionResult describes one recovered session.
type SessionResult struct {
	SessionID string
	// State is the frame state reconstructed from snapshot plus replay.
	State frame.State
	// SnapshotSeq is the event sequence the snapshot covered (0 if none).
	SnapshotSeq uint64
	// Replayed counts the metric events folded after the snapshot.
	Replayed int
}

// Report summarizes a recovery pass.
type Report struct {
	Recovered []SessionResult
	Failed    []*Error
}

// Run recovers every open session. Per-session failures land in the
// report; the returned error covers only the inability to enumerate
// open sessions.
func Run(ctx context.Context, store Store, registry *schema.Registry) (Report, error) {
	sessions, err := store.ListOpenSessions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list open sessions: %w", err)
	}

	var report Report
	for _, session := range sessions {
		result, err := recoverSession(ctx, store, registry, session)
		if err != nil {
			rerr := &Error{SessionID: session.ID, Err: err}
			log.Printf("recovery: %v", rerr)
			report.Failed = append(report.Failed, rerr)
			continue
		}
		log.Printf("recovery: closed session %s at cycle %d, replayed %d events", session.ID, result.State.Cycle, result.Replayed)
		report.Recovered = append(report.Recovered, result)
	}
	return report, nil
}

func recoverSession(ctx context.Context, store Store, registry *schema.Registry, session storage.SessionRecord) (SessionResult, error) {
	state, snapshotSeq, err := restoreSnapshot(ctx, store, registry, session.ID)
	if err != nil {
		return SessionResult{}, err
	}

	tail, err := store.ReadAfter(ctx, session.ID, snapshotSeq)
	if err != nil {
		return SessionResult{}, fmt.Errorf("read event tail: %w", err)
	}
	state, replayed, err := Replay(registry, state, tail)
	if err != nil {
		return SessionResult{}, err
	}

	if err := store.CloseSession(ctx, session.ID, time.Now(), state.Accumulator, true, false); err != nil {
		return SessionResult{}, fmt.Errorf("close session: %w", err)
	}

	payload, err := json.Marshal(event.LifecyclePayload{
		Kind:   event.LifecycleSessionRecovered,
		Detail: fmt.Sprintf("replayed %d events from seq %d", replayed, snapshotSeq),
	})
	if err != nil {
		return SessionResult{}, fmt.Errorf("marshal lifecycle payload: %w", err)
	}
	recovered := event.Event{
		SessionID:   session.ID,
		Timestamp:   time.Now(),
		Type:        event.TypeLifecycle,
		PayloadJSON: payload,
	}
	if state.Cycle > 0 {
		// Leave the session with a current-version snapshot so later reads
		// never depend on old document versions again. It rides the same
		// transaction as the recovered event.
		stateJSON, err := json.Marshal(frame.Capture(state, sessionConfig(session)))
		if err != nil {
			return SessionResult{}, fmt.Errorf("marshal snapshot: %w", err)
		}
		_, err = store.AppendBatchWithSnapshot(ctx, session.ID, []event.Event{recovered}, storage.SnapshotRecord{
			SessionID: session.ID,
			StateJSON: stateJSON,
		})
		if err != nil {
			return SessionResult{}, fmt.Errorf("append recovered event: %w", err)
		}
	} else if _, err := store.AppendBatch(ctx, session.ID, []event.Event{recovered}); err != nil {
		return SessionResult{}, fmt.Errorf("append recovered event: %w", err)
	}

	return SessionResult{
		SessionID:   session.ID,
		State:       state,
		SnapshotSeq: snapshotSeq,
		Replayed:    replayed,
	}, nil
}

// sessionConfig decodes the frame configuration recorded at session
// start, falling back to defaults for records that predate it.
func sessionConfig(session storage.SessionRecord) frame.Config {
	if len(session.ConfigJSON) == 0 {
		return frame.DefaultConfig()
	}
	var cfg frame.Config
	if err := json.Unmarshal(session.ConfigJSON, &cfg); err != nil {
		return frame.DefaultConfig()
	}
	return cfg
}

// restoreSnapshot loads the latest snapshot, migrating older document
// versions to the current schema. No snapshot means replay from zero.
func restoreSnapshot(ctx context.Context, store Store, registry *schema.Registry, sessionID string) (frame.State, uint64, error) {
	snap, err := store.GetLatestSnapshot(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return frame.State{}, 0, nil
	}
	if err != nil {
		return frame.State{}, 0, fmt.Errorf("load snapshot: %w", err)
	}

	payload, _, err := registry.MigrateToCurrent(schema.KindSnapshot, snap.SchemaVersion, snap.StateJSON)
	if err != nil {
		return frame.State{}, 0, fmt.Errorf("migrate snapshot: %w", err)
	}
	var doc frame.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return frame.State{}, 0, fmt.Errorf("decode snapshot: %w", err)
	}
	return doc.State(), snap.EventSeq, nil
}

// Replay folds committed metric samples into state in log order. Each
// sample carries the full frame state at its cycle, so the result is
// the state as of the last committed sample. Non-metric events do not
// change frame state. Replay is deterministic: the same inputs always
// produce bit-identical state.
func Replay(registry *schema.Registry, state frame.State, tail []event.Event) (frame.State, int, error) {
	replayed := 0
	for _, evt := range tail {
		if evt.Type != event.TypeMetricUpdate {
			continue
		}
		payload, _, err := registry.MigrateToCurrent(schema.KindMetricUpdate, evt.SchemaVersion, evt.PayloadJSON)
		if err != nil {
			return frame.State{}, 0, fmt.Errorf("migrate event seq %d: %w", evt.Seq, err)
		}
		var sample event.MetricUpdatePayload
		if err := json.Unmarshal(payload, &sample); err != nil {
			return frame.State{}, 0, fmt.Errorf("decode event seq %d: %w", evt.Seq, err)
		}
		state = frame.FoldSample(sample)
		replayed++
	}
	return state, replayed, nil
}
