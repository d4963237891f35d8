package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/framelog/framelog/internal/event"
	"github.com/framelog/framelog/internal/schema"
	"github.com/framelog/framelog/internal/storage"
)

// fakeStore is an in-memory Store with injectable failures and an
// optional gate that blocks appends until released.
type fakeStore struct {
	mu        sync.Mutex
	events    map[string][]event.Event
	snapshots map[string][]storage.SnapshotRecord
	degraded  map[string]bool
	nextSeq   map[string]uint64
	failures  int
	gate      chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:    make(map[string][]event.Event),
		snapshots: make(map[string][]storage.SnapshotRecord),
		degraded:  make(map[string]bool),
		nextSeq:   make(map[string]uint64),
	}
}

func (s *fakeStore) AppendBatch(ctx context.Context, sessionID string, events []event.Event) ([]event.Event, error) {
	return s.append(sessionID, events, nil)
}

func (s *fakeStore) AppendBatchWithSnapshot(ctx context.Context, sessionID string, events []event.Event, snapshot storage.SnapshotRecord) ([]event.Event, error) {
	return s.append(sessionID, events, &snapshot)
}

func (s *fakeStore) append(sessionID string, events []event.Event, snapshot *storage.SnapshotRecord) ([]event.Event, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, &storage.Error{Op: "append batch", Err: errors.New("disk unavailable")}
	}
	stored := make([]event.Event, 0, len(events))
	for _, evt := range events {
		s.nextSeq[sessionID]++
		evt.Seq = s.nextSeq[sessionID]
		stored = append(stored, evt)
	}
	s.events[sessionID] = append(s.events[sessionID], stored...)
	if snapshot != nil {
		record := *snapshot
		if record.EventSeq == 0 && len(stored) > 0 {
			record.EventSeq = stored[len(stored)-1].Seq
		}
		s.snapshots[sessionID] = append(s.snapshots[sessionID], record)
	}
	return stored, nil
}

func (s *fakeStore) MarkSessionDegraded(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded[id] = true
	return nil
}

func (s *fakeStore) sessionEvents(sessionID string) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.events[sessionID]))
	copy(out, s.events[sessionID])
	return out
}

func newTestPipeline(t *testing.T, store Store, cfg Config) *Pipeline {
	t.Helper()
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	p, err := New(store, registry, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Fatalf("close pipeline: %v", err)
		}
	})
	return p
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchWindow = 20 * time.Millisecond
	cfg.RetryBase = time.Millisecond
	return cfg
}

func metricEvent(t *testing.T, sessionID string, cycle uint64) event.Event {
	t.Helper()
	payload, err := json.Marshal(event.MetricUpdatePayload{
		Cycle:       cycle,
		Value:       1,
		Accumulator: float64(cycle),
		Smoothed:    1,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return event.Event{
		SessionID:   sessionID,
		Timestamp:   time.Now(),
		Type:        event.TypeMetricUpdate,
		PayloadJSON: payload,
	}
}

func lifecycleEvent(t *testing.T, sessionID, kind string) event.Event {
	t.Helper()
	payload, err := json.Marshal(event.LifecyclePayload{Kind: kind})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return event.Event{
		SessionID:   sessionID,
		Timestamp:   time.Now(),
		Type:        event.TypeLifecycle,
		PayloadJSON: payload,
	}
}

func TestPipelineCommitsInEnqueueOrder(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, testConfig())

	if !p.Enqueue(lifecycleEvent(t, "sess-1", event.LifecycleSessionStarted)) {
		t.Fatal("enqueue rejected lifecycle event")
	}
	for cycle := uint64(1); cycle <= 5; cycle++ {
		if !p.Enqueue(metricEvent(t, "sess-1", cycle*30)) {
			t.Fatalf("enqueue rejected metric event %d", cycle)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got := store.sessionEvents("sess-1")
	if len(got) != 6 {
		t.Fatalf("expected 6 committed events, got %d", len(got))
	}
	if got[0].Type != event.TypeLifecycle {
		t.Fatalf("expected lifecycle event first, got %s", got[0].Type)
	}
	for i, evt := range got {
		if evt.Seq != uint64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, evt.Seq)
		}
	}
	if stats := p.Stats(); stats.Committed != 6 || stats.Dropped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPipelineDropsInvalidPayloads(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, testConfig())

	bad := event.Event{
		SessionID:   "sess-1",
		Timestamp:   time.Now(),
		Type:        event.TypeMetricUpdate,
		PayloadJSON: []byte(`{"cycle":1,"value":1,"accumulator":-5,"smoothed":1}`),
	}
	if !p.Enqueue(bad) {
		t.Fatal("enqueue should accept events before validation")
	}
	if !p.Enqueue(metricEvent(t, "sess-1", 30)) {
		t.Fatal("enqueue rejected valid event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if got := store.sessionEvents("sess-1"); len(got) != 1 {
		t.Fatalf("expected 1 committed event, got %d", len(got))
	}
	if stats := p.Stats(); stats.Dropped != 1 {
		t.Fatalf("expected 1 dropped event, got %d", stats.Dropped)
	}
}

func TestPipelineOverflowPreservesCriticalEvents(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	cfg := testConfig()
	cfg.QueueCapacity = 1000
	p := newTestPipeline(t, store, cfg)

	accepted := 0
	for cycle := uint64(1); cycle <= 10000; cycle++ {
		if p.Enqueue(metricEvent(t, "sess-1", cycle)) {
			accepted++
		}
		if cycle%500 == 0 {
			if !p.Enqueue(lifecycleEvent(t, "sess-1", event.LifecycleSessionStarted)) {
				t.Fatalf("critical event rejected at cycle %d", cycle)
			}
		}
	}
	if accepted == 10000 {
		t.Fatal("expected queue overflow to reject some metric events")
	}

	close(store.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	stats := p.Stats()
	if stats.Dropped == 0 {
		t.Fatal("expected overflow counter > 0")
	}
	critical := 0
	for _, evt := range store.sessionEvents("sess-1") {
		if evt.Type == event.TypeLifecycle {
			critical++
		}
	}
	if critical != 20 {
		t.Fatalf("expected all 20 lifecycle events committed, got %d", critical)
	}
}

func TestPipelineRetriesThenMarksDegraded(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	cfg.MaxRetries = 2
	p := newTestPipeline(t, store, cfg)

	store.mu.Lock()
	store.failures = 3
	store.mu.Unlock()

	if !p.Enqueue(metricEvent(t, "sess-1", 30)) {
		t.Fatal("enqueue rejected metric event")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	stats := p.Stats()
	if stats.Retried != 2 {
		t.Fatalf("expected 2 retries, got %d", stats.Retried)
	}
	if stats.Degraded != 1 {
		t.Fatalf("expected 1 degraded session, got %d", stats.Degraded)
	}
	if stats.Dropped != 1 {
		t.Fatalf("expected the failed metric event dropped, got %d", stats.Dropped)
	}
	store.mu.Lock()
	degraded := store.degraded["sess-1"]
	store.mu.Unlock()
	if !degraded {
		t.Fatal("expected session marked degraded in store")
	}

	// The degraded lifecycle event sits in the spill buffer and commits
	// once the store works again.
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	events := store.sessionEvents("sess-1")
	if len(events) != 1 || events[0].Type != event.TypeLifecycle {
		t.Fatalf("expected one degraded lifecycle event, got %v", events)
	}
	var payload event.LifecyclePayload
	if err := json.Unmarshal(events[0].PayloadJSON, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Kind != event.LifecyclePipelineDegraded {
		t.Fatalf("expected %s lifecycle kind, got %s", event.LifecyclePipelineDegraded, payload.Kind)
	}
}

func TestPipelineCommitsSnapshotWithBatch(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, testConfig())

	p.EnqueueSnapshot(storage.SnapshotRecord{
		SessionID: "sess-1",
		StateJSON: []byte(`{"cycle":60,"value":1,"accumulator":60,"smoothed":1,"config":{}}`),
		CreatedAt: time.Now(),
	})
	if !p.Enqueue(metricEvent(t, "sess-1", 30)) {
		t.Fatal("enqueue rejected metric event")
	}
	if !p.Enqueue(metricEvent(t, "sess-1", 60)) {
		t.Fatal("enqueue rejected metric event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	store.mu.Lock()
	snaps := store.snapshots["sess-1"]
	store.mu.Unlock()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	if snaps[0].EventSeq != 2 {
		t.Fatalf("expected snapshot linked to seq 2, got %d", snaps[0].EventSeq)
	}
}

func TestPipelineBlockedSessionRejectsWrites(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, testConfig())

	if !p.Enqueue(metricEvent(t, "sess-1", 30)) {
		t.Fatal("enqueue rejected metric event")
	}
	p.Block("sess-1")

	if p.Enqueue(metricEvent(t, "sess-1", 60)) {
		t.Fatal("enqueue should reject events for a blocked session")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := store.sessionEvents("sess-1"); len(got) != 0 {
		t.Fatalf("expected no events committed for blocked session, got %d", len(got))
	}

	p.Unblock("sess-1")
	if !p.Enqueue(metricEvent(t, "sess-1", 90)) {
		t.Fatal("enqueue rejected event after unblock")
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("flush after unblock: %v", err)
	}
	if got := store.sessionEvents("sess-1"); len(got) != 1 {
		t.Fatalf("expected 1 event after unblock, got %d", len(got))
	}
}

func TestPipelineFlushTimeout(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	p := newTestPipeline(t, store, testConfig())

	if !p.Enqueue(metricEvent(t, "sess-1", 30)) {
		t.Fatal("enqueue rejected metric event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// Queued events still commit once the store unblocks.
	close(store.gate)
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := p.Flush(flushCtx); err != nil {
		t.Fatalf("flush after unblock: %v", err)
	}
	if got := store.sessionEvents("sess-1"); len(got) != 1 {
		t.Fatalf("expected 1 committed event, got %d", len(got))
	}
}

func TestCoalesceMetricsFoldsRuns(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, testConfig())

	var events []event.Event
	for cycle := uint64(1); cycle <= 4; cycle++ {
		events = append(events, metricEvent(t, "sess-1", cycle))
	}
	events = append(events, lifecycleEvent(t, "sess-1", event.LifecycleSessionEnded))
	events = append(events, metricEvent(t, "sess-1", 5), metricEvent(t, "sess-1", 6))

	out := p.coalesceMetrics(events)
	if len(out) != 3 {
		t.Fatalf("expected 3 events after coalescing, got %d", len(out))
	}
	var first event.MetricUpdatePayload
	if err := json.Unmarshal(out[0].PayloadJSON, &first); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if first.Cycle != 4 || first.Coalesced != 3 {
		t.Fatalf("expected newest sample of first run with 3 folded, got cycle %d coalesced %d", first.Cycle, first.Coalesced)
	}
	if out[1].Type != event.TypeLifecycle {
		t.Fatalf("expected lifecycle event preserved, got %s", out[1].Type)
	}
	if p.Stats().Coalesced != 4 {
		t.Fatalf("expected 4 folded samples, got %d", p.Stats().Coalesced)
	}
}

func TestNewPipelineRejectsBadConfig(t *testing.T) {
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	cfg := DefaultConfig()
	cfg.QueueCapacity = 0
	if _, err := New(newFakeStore(), registry, cfg); err == nil {
		t.Fatal("expected error for zero queue capacity")
	}
	if _, err := New(nil, registry, DefaultConfig()); err == nil {
		t.Fatal("expected error for nil store")
	}
}
