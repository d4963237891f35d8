package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/framelog/framelog/internal/engine/frame"
	"github.com/framelog/framelog/internal/event"
	"github.com/framelog/framelog/internal/schema"
	"github.com/framelog/framelog/internal/storage"
	"github.com/framelog/framelog/internal/storage/sqlite"
)

func openTestStore(t *testing.T) (*sqlite.Store, *schema.Registry) {
	t.Helper()
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	path := filepath.Join(t.TempDir(), "framelog.sqlite")
	store, err := sqlite.Open(path, registry)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store, registry
}

func createOpenSession(t *testing.T, store *sqlite.Store, id string) {
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

func sampleEvent(t *testing.T, sessionID string, state frame.State, ts time.Time) event.Event {
	t.Helper()
	payload, err := json.Marshal(state.Payload())
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

func TestRunClosesOpenSessions(t *testing.T) {
	store, registry := openTestStore(t)
	createOpenSession(t, store, "sess-1")

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	first := frame.State{Cycle: 30, Value: 1, Accumulator: 30, Smoothed: 1}
	second := frame.State{Cycle: 60, Value: 2, Accumulator: 75, Smoothed: 1.5}
	if _, err := store.AppendBatch(context.Background(), "sess-1", []event.Event{
		sampleEvent(t, "sess-1", first, base),
		sampleEvent(t, "sess-1", second, base.Add(time.Second)),
	}); err != nil {
		t.Fatalf("append events: %v", err)
	}

	report, err := Run(context.Background(), store, registry)
	if err != nil {
		t.Fatalf("run recovery: %v", err)
	}
	if len(report.Failed) != 0 {
		t.Fatalf("unexpected failures: %v", report.Failed)
	}
	if len(report.Recovered) != 1 {
		t.Fatalf("expected 1 recovered session, got %d", len(report.Recovered))
	}
	result := report.Recovered[0]
	if result.Replayed != 2 {
		t.Fatalf("expected 2 replayed events, got %d", result.Replayed)
	}
	if result.State != second {
		t.Fatalf("expected state %+v, got %+v", second, result.State)
	}

	session, err := store.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.EndedAt == nil {
		t.Fatal("expected session closed")
	}
	if !session.Recovered {
		t.Fatal("expected recovered flag set")
	}
	if session.MetricTotal != 75 {
		t.Fatalf("expected metric total 75, got %v", session.MetricTotal)
	}

	events, err := store.ReadAfter(context.Background(), "sess-1", 2)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if len(events) != 1 || events[0].Type != event.TypeLifecycle {
		t.Fatalf("expected one lifecycle event appended, got %v", events)
	}
	var payload event.LifecyclePayload
	if err := json.Unmarshal(events[0].PayloadJSON, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Kind != event.LifecycleSessionRecovered {
		t.Fatalf("expected %s kind, got %s", event.LifecycleSessionRecovered, payload.Kind)
	}
}

func TestRunReplaysTailAfterSnapshot(t *testing.T) {
	store, registry := openTestStore(t)
	createOpenSession(t, store, "sess-1")

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	snapState := frame.State{Cycle: 60, Value: 1, Accumulator: 60, Smoothed: 1}
	stateJSON, err := json.Marshal(frame.Capture(snapState, frame.DefaultConfig()))
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if _, err := store.AppendBatchWithSnapshot(context.Background(), "sess-1",
		[]event.Event{
			sampleEvent(t, "sess-1", frame.State{Cycle: 30, Value: 1, Accumulator: 30, Smoothed: 1}, base),
			sampleEvent(t, "sess-1", snapState, base.Add(time.Second)),
		},
		storage.SnapshotRecord{SessionID: "sess-1", StateJSON: stateJSON, CreatedAt: base.Add(time.Second)},
	); err != nil {
		t.Fatalf("append with snapshot: %v", err)
	}
	last := frame.State{Cycle: 90, Value: 3, Accumulator: 120, Smoothed: 2}
	if _, err := store.AppendBatch(context.Background(), "sess-1", []event.Event{
		sampleEvent(t, "sess-1", last, base.Add(2*time.Second)),
	}); err != nil {
		t.Fatalf("append tail: %v", err)
	}

	report, err := Run(context.Background(), store, registry)
	if err != nil {
		t.Fatalf("run recovery: %v", err)
	}
	if len(report.Recovered) != 1 {
		t.Fatalf("expected 1 recovered session, got %d (failed %v)", len(report.Recovered), report.Failed)
	}
	result := report.Recovered[0]
	if result.SnapshotSeq != 2 {
		t.Fatalf("expected snapshot at seq 2, got %d", result.SnapshotSeq)
	}
	if result.Replayed != 1 {
		t.Fatalf("expected 1 replayed event, got %d", result.Replayed)
	}
	if result.State != last {
		t.Fatalf("expected state %+v, got %+v", last, result.State)
	}
}

func TestRunHonorsSnapshotCommittedWithoutEvents(t *testing.T) {
	store, registry := openTestStore(t)
	createOpenSession(t, store, "sess-1")

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	older := frame.State{Cycle: 30, Value: 1, Accumulator: 30, Smoothed: 1}
	if _, err := store.AppendBatch(context.Background(), "sess-1", []event.Event{
		sampleEvent(t, "sess-1", older, base),
	}); err != nil {
		t.Fatalf("append sample: %v", err)
	}

	// A periodic snapshot with no staged events still advances past the
	// committed sample. Recovery must not replay that sample over it.
	newer := frame.State{Cycle: 55, Value: 1, Accumulator: 55, Smoothed: 1}
	stateJSON, err := json.Marshal(frame.Capture(newer, frame.DefaultConfig()))
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if _, err := store.AppendBatchWithSnapshot(context.Background(), "sess-1", nil,
		storage.SnapshotRecord{SessionID: "sess-1", StateJSON: stateJSON, CreatedAt: base.Add(time.Second)},
	); err != nil {
		t.Fatalf("snapshot-only commit: %v", err)
	}

	report, err := Run(context.Background(), store, registry)
	if err != nil {
		t.Fatalf("run recovery: %v", err)
	}
	if len(report.Recovered) != 1 {
		t.Fatalf("expected 1 recovered session, got %d (failed %v)", len(report.Recovered), report.Failed)
	}
	result := report.Recovered[0]
	if result.SnapshotSeq != 1 {
		t.Fatalf("expected snapshot pointing at seq 1, got %d", result.SnapshotSeq)
	}
	if result.Replayed != 0 {
		t.Fatalf("expected no replayed events, got %d", result.Replayed)
	}
	if result.State != newer {
		t.Fatalf("expected state %+v, got %+v", newer, result.State)
	}
}

func TestRunMigratesOldSnapshot(t *testing.T) {
	store, registry := openTestStore(t)
	createOpenSession(t, store, "sess-1")

	oldDoc := []byte(`{"cycle":120,"value":2,"total":240,"smoothed":2,"threshold_crossed":false,` +
		`"config":{"cadence_hz":60,"significance_threshold":10,"sample_every_n":30,"smoothing_alpha":0.2}}`)
	err := store.PutSnapshot(context.Background(), storage.SnapshotRecord{
		SessionID:     "sess-1",
		SchemaVersion: 1,
		StateJSON:     oldDoc,
		CreatedAt:     time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	report, err := Run(context.Background(), store, registry)
	if err != nil {
		t.Fatalf("run recovery: %v", err)
	}
	if len(report.Recovered) != 1 {
		t.Fatalf("expected 1 recovered session, got %d (failed %v)", len(report.Recovered), report.Failed)
	}
	state := report.Recovered[0].State
	if state.Cycle != 120 || state.Accumulator != 240 {
		t.Fatalf("expected migrated snapshot state, got %+v", state)
	}

	// Recovery rewrites the latest snapshot at the current version so
	// later reads no longer depend on the old document.
	snap, err := store.GetLatestSnapshot(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get latest snapshot: %v", err)
	}
	if snap.SchemaVersion != 2 {
		t.Fatalf("expected current snapshot version 2, got %d", snap.SchemaVersion)
	}
	var doc frame.Document
	if err := json.Unmarshal(snap.StateJSON, &doc); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if doc.Accumulator != 240 {
		t.Fatalf("expected accumulator 240 in rewritten snapshot, got %v", doc.Accumulator)
	}
}

func TestRunSkipsClosedSessions(t *testing.T) {
	store, registry := openTestStore(t)
	createOpenSession(t, store, "sess-open")
	createOpenSession(t, store, "sess-closed")
	err := store.CloseSession(context.Background(), "sess-closed",
		time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC), 50, false, false)
	if err != nil {
		t.Fatalf("close session: %v", err)
	}

	report, err := Run(context.Background(), store, registry)
	if err != nil {
		t.Fatalf("run recovery: %v", err)
	}
	if len(report.Recovered) != 1 || report.Recovered[0].SessionID != "sess-open" {
		t.Fatalf("expected only the open session recovered, got %+v", report.Recovered)
	}
}

// failingStore wraps a Store and serves a poisoned snapshot for one session.
type failingStore struct {
	Store
	poisoned string
}

func (s *failingStore) GetLatestSnapshot(ctx context.Context, sessionID string) (storage.SnapshotRecord, error) {
	if sessionID == s.poisoned {
		return storage.SnapshotRecord{
			SessionID:     sessionID,
			SchemaVersion: 99,
			StateJSON:     []byte(`{}`),
		}, nil
	}
	return s.Store.GetLatestSnapshot(ctx, sessionID)
}

func TestRunIsolatesFailedSessions(t *testing.T) {
	store, registry := openTestStore(t)
	createOpenSession(t, store, "sess-bad")
	createOpenSession(t, store, "sess-good")

	report, err := Run(context.Background(), &failingStore{Store: store, poisoned: "sess-bad"}, registry)
	if err != nil {
		t.Fatalf("run recovery: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].SessionID != "sess-bad" {
		t.Fatalf("expected sess-bad to fail, got %+v", report.Failed)
	}
	var schemaErr *schema.Error
	if !errors.As(report.Failed[0], &schemaErr) {
		t.Fatalf("expected schema error cause, got %v", report.Failed[0])
	}
	if len(report.Recovered) != 1 || report.Recovered[0].SessionID != "sess-good" {
		t.Fatalf("expected sess-good recovered, got %+v", report.Recovered)
	}

	session, err := store.GetSession(context.Background(), "sess-bad")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.EndedAt != nil {
		t.Fatal("failed session must stay open for inspection")
	}
}

func TestReplayDeterministic(t *testing.T) {
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	var tail []event.Event
	state := frame.State{}
	cfg := frame.DefaultConfig()
	for cycle := 0; cycle < 100; cycle++ {
		state = frame.Apply(state, frame.CycleInput{Delta: 0.1 * float64(cycle%7)}, cfg)
		payload, err := json.Marshal(state.Payload())
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		tail = append(tail, event.Event{
			SessionID:     "sess-1",
			Seq:           uint64(cycle + 1),
			Type:          event.TypeMetricUpdate,
			SchemaVersion: 2,
			PayloadJSON:   payload,
		})
	}

	first, n1, err := Replay(registry, frame.State{}, tail)
	if err != nil {
		t.Fatalf("first replay: %v", err)
	}
	second, n2, err := Replay(registry, frame.State{}, tail)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if n1 != n2 || n1 != 100 {
		t.Fatalf("expected 100 replayed events both times, got %d and %d", n1, n2)
	}
	if math.Float64bits(first.Accumulator) != math.Float64bits(second.Accumulator) ||
		math.Float64bits(first.Smoothed) != math.Float64bits(second.Smoothed) {
		t.Fatal("replay must be bit-identical")
	}
	if first != second {
		t.Fatalf("replay states differ: %+v vs %+v", first, second)
	}
}
