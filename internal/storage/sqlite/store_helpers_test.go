package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/framelog/framelog/internal/engine/frame"
	"github.com/framelog/framelog/internal/event"
	"github.com/framelog/framelog/internal/schema"
	"github.com/framelog/framelog/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	path := filepath.Join(t.TempDir(), "framelog.sqlite")
	store, err := Open(path, registry)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func createTestSession(t *testing.T, store *Store, id string) {
	t.Helper()
	configJSON, err := json.Marshal(frame.DefaultConfig())
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	err = store.CreateSession(context.Background(), storage.SessionRecord{
		ID:            id,
		SchemaVersion: 1,
		ConfigJSON:    configJSON,
		StartedAt:     time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func metricEvent(t *testing.T, sessionID string, cycle uint64, value float64, ts time.Time) event.Event {
	t.Helper()
	payload, err := json.Marshal(event.MetricUpdatePayload{
		Cycle:       cycle,
		Value:       value,
		Accumulator: value * float64(cycle),
		Smoothed:    value,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return event.Event{
		SessionID:   sessionID,
		Timestamp:   ts,
		Type:        event.TypeMetricUpdate,
		PayloadJSON: payload,
	}
}

func lifecycleEvent(t *testing.T, sessionID, kind string, ts time.Time) event.Event {
	t.Helper()
	payload, err := json.Marshal(event.LifecyclePayload{Kind: kind})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return event.Event{
		SessionID:   sessionID,
		Timestamp:   ts,
		Type:        event.TypeLifecycle,
		PayloadJSON: payload,
	}
}

func snapshotRecord(t *testing.T, sessionID string, seq uint64, accumulator float64) storage.SnapshotRecord {
	t.Helper()
	doc := frame.Document{
		Cycle:       seq * 10,
		Value:       1,
		Accumulator: accumulator,
		Smoothed:    1,
		Config:      frame.DefaultConfig(),
	}
	stateJSON, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return storage.SnapshotRecord{
		SessionID: sessionID,
		EventSeq:  seq,
		StateJSON: stateJSON,
		CreatedAt: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
}
