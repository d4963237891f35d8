package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framelog/framelog/internal/event"
	"github.com/framelog/framelog/internal/schema"
	"github.com/framelog/framelog/internal/storage"
)

// ErrClosed is returned by operations on a pipeline that has been closed.
var ErrClosed = errors.New("pipeline closed")

// Store is the slice of the storage surface the pipeline writes through.
type Store interface {
	AppendBatch(ctx context.Context, sessionID string, events []event.Event) ([]event.Event, error)
	AppendBatchWithSnapshot(ctx context.Context, sessionID string, events []event.Event, snapshot storage.SnapshotRecord) ([]event.Event, error)
	MarkSessionDegraded(ctx context.Context, id string) error
}

// Config tunes queue sizing and commit behavior.
type Config struct {
	// QueueCapacity bounds the enqueue channel. When full, non-critical
	// events are dropped and critical events spill to a reserved buffer.
	QueueCapacity int
	// BatchWindow is how long the worker accumulates events before
	// committing a batch.
	BatchWindow time.Duration
	// MaxBatch commits early once this many events are staged.
	MaxBatch int
	// MaxRetries bounds commit retries before a session is marked degraded.
	MaxRetries int
	// RetryBase is the first retry delay; subsequent delays double.
	RetryBase time.Duration
	// SpillCapacity hard-caps the reserved buffer for critical events when
	// the queue is full or the store is unusable.
	SpillCapacity int
	// OnCommit, when set, is called from the worker with each durably
	// committed batch, sequence numbers assigned. Used to fan events out
	// to live subscribers.
	OnCommit func(events []event.Event)
}

// DefaultConfig returns the pipeline tuning used in production.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 1024,
		BatchWindow:   200 * time.Millisecond,
		MaxBatch:      256,
		MaxRetries:    5,
		RetryBase:     50 * time.Millisecond,
		SpillCapacity: 4096,
	}
}

func (c Config) validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.BatchWindow <= 0 {
		return fmt.Errorf("batch window must be positive, got %s", c.BatchWindow)
	}
	if c.MaxBatch <= 0 {
		return fmt.Errorf("max batch must be positive, got %d", c.MaxBatch)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryBase <= 0 {
		return fmt.Errorf("retry base must be positive, got %s", c.RetryBase)
	}
	if c.SpillCapacity <= 0 {
		return fmt.Errorf("spill capacity must be positive, got %d", c.SpillCapacity)
	}
	return nil
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Committed uint64 `json:"committed"`
	Dropped   uint64 `json:"dropped"`
	Coalesced uint64 `json:"coalesced"`
	Retried   uint64 `json:"retried"`
	Degraded  uint64 `json:"degraded"`
	// QueueDepth is the number of events waiting in the queue.
	QueueDepth int `json:"queue_depth"`
}

// Pipeline decouples event production from persistence. Enqueue never
// blocks; a single worker goroutine drains the queue, batches per
// session, and commits through the store. Per-session commit order
// matches enqueue order.
type Pipeline struct {
	cfg      Config
	store    Store
	registry *schema.Registry

	ch      chan event.Event
	flushCh chan chan struct{}
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	spill    []event.Event
	snaps    map[string]storage.SnapshotRecord
	blocked  map[string]bool
	degraded map[string]bool

	committed atomic.Uint64
	dropped   atomic.Uint64
	coalesced atomic.Uint64
	retried   atomic.Uint64
	degradedN atomic.Uint64

	// Staging state below is owned by the worker goroutine.
	pending map[string][]event.Event
	order   []string
	staged  int
}

// New starts a pipeline writing through store. Payloads are validated
// against registry inside the worker, off the producer's path.
func New(store Store, registry *schema.Registry, cfg Config) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("schema registry is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	p := &Pipeline{
		cfg:      cfg,
		store:    store,
		registry: registry,
		ch:       make(chan event.Event, cfg.QueueCapacity),
		flushCh:  make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		snaps:    make(map[string]storage.SnapshotRecord),
		blocked:  make(map[string]bool),
		degraded: make(map[string]bool),
		pending:  make(map[string][]event.Event),
	}
	go p.run()
	return p, nil
}

// Enqueue hands an event to the pipeline without blocking. It reports
// whether the event was accepted: false means the queue was full and
// the event was dropped, or its session is blocked for purge. Critical
// events are never dropped for queue pressure; they spill to the
// reserved buffer instead.
func (p *Pipeline) Enqueue(evt event.Event) bool {
	if p.isBlocked(evt.SessionID) {
		return false
	}
	select {
	case p.ch <- evt:
		queueDepth.Set(float64(len(p.ch)))
		return true
	default:
	}
	if evt.Type.Critical() {
		return p.spillEvent(evt)
	}
	p.dropped.Add(1)
	eventsDropped.Inc()
	return false
}

// EnqueueSnapshot schedules a snapshot to be committed atomically with
// the session's next event batch. A newer snapshot for the same session
// replaces an uncommitted older one.
func (p *Pipeline) EnqueueSnapshot(record storage.SnapshotRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blocked[record.SessionID] {
		return
	}
	p.snaps[record.SessionID] = record
}

// Block rejects further writes for a session. Callers purging a session
// flush first, then block, so no in-flight write can resurrect purged
// records.
func (p *Pipeline) Block(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked[sessionID] = true
	delete(p.snaps, sessionID)
}

// Unblock re-admits writes for a session.
func (p *Pipeline) Unblock(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.blocked, sessionID)
}

// Flush commits everything enqueued before the call. It returns the
// context error on timeout; queued events are still committed by the
// worker afterwards.
func (p *Pipeline) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case p.flushCh <- ack:
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue, commits what it can, and stops the worker.
// Safe to call more than once.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() { close(p.stop) })
	<-p.done
	return nil
}

// Stats returns current counter values.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Committed:  p.committed.Load(),
		Dropped:    p.dropped.Load(),
		Coalesced:  p.coalesced.Load(),
		Retried:    p.retried.Load(),
		Degraded:   p.degradedN.Load(),
		QueueDepth: len(p.ch),
	}
}

func (p *Pipeline) isBlocked(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocked[sessionID]
}

func (p *Pipeline) spillEvent(evt event.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.spill) >= p.cfg.SpillCapacity {
		p.dropped.Add(1)
		eventsDropped.Inc()
		log.Printf("pipeline: spill buffer full, dropping critical %s event for session %s", evt.Type, evt.SessionID)
		return false
	}
	p.spill = append(p.spill, evt)
	return true
}

func (p *Pipeline) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.BatchWindow)
	defer ticker.Stop()
	for {
		select {
		case evt := <-p.ch:
			p.stage(evt)
			if p.staged >= p.cfg.MaxBatch {
				p.commitAll()
			}
		case <-ticker.C:
			p.drain()
			p.commitAll()
		case ack := <-p.flushCh:
			p.drain()
			p.commitAll()
			close(ack)
		case <-p.stop:
			p.drain()
			p.commitAll()
			return
		}
	}
}

// drain moves everything waiting in the queue and the spill buffer into
// worker staging. Queue events precede spilled ones: spills only happen
// once the queue is already full, so this preserves arrival order.
func (p *Pipeline) drain() {
	for {
		select {
		case evt := <-p.ch:
			p.stage(evt)
		default:
			queueDepth.Set(float64(len(p.ch)))
			p.mu.Lock()
			spilled := p.spill
			p.spill = nil
			p.mu.Unlock()
			for _, evt := range spilled {
				p.stage(evt)
			}
			return
		}
	}
}

func (p *Pipeline) stage(evt event.Event) {
	if _, ok := p.pending[evt.SessionID]; !ok {
		p.order = append(p.order, evt.SessionID)
	}
	p.pending[evt.SessionID] = append(p.pending[evt.SessionID], evt)
	p.staged++
}

func (p *Pipeline) commitAll() {
	order := p.order
	pending := p.pending
	p.order = nil
	p.pending = make(map[string][]event.Event)
	p.staged = 0

	for _, sid := range order {
		p.commitSession(sid, pending[sid])
	}
	// Sessions with a pending snapshot but no staged events this window.
	p.mu.Lock()
	var rest []string
	for sid := range p.snaps {
		if _, ok := pending[sid]; !ok {
			rest = append(rest, sid)
		}
	}
	p.mu.Unlock()
	for _, sid := range rest {
		p.commitSession(sid, nil)
	}
}

func (p *Pipeline) commitSession(sessionID string, events []event.Event) {
	if p.isBlocked(sessionID) {
		return
	}
	events = p.validateBatch(sessionID, events)
	if len(events) > p.cfg.MaxBatch {
		events = p.coalesceMetrics(events)
	}

	p.mu.Lock()
	snap, hasSnap := p.snaps[sessionID]
	delete(p.snaps, sessionID)
	p.mu.Unlock()

	if len(events) == 0 && !hasSnap {
		return
	}

	ctx := context.Background()
	var err error
	for attempt := 0; ; attempt++ {
		var stored []event.Event
		if hasSnap {
			stored, err = p.store.AppendBatchWithSnapshot(ctx, sessionID, events, snap)
		} else {
			stored, err = p.store.AppendBatch(ctx, sessionID, events)
		}
		if err == nil {
			p.committed.Add(uint64(len(events)))
			eventsCommitted.Add(float64(len(events)))
			if p.cfg.OnCommit != nil && len(stored) > 0 {
				p.cfg.OnCommit(stored)
			}
			return
		}
		var schemaErr *schema.Error
		if errors.As(err, &schemaErr) {
			// Pre-validated batches should not fail schema checks again.
			// Retrying cannot help, so drop the batch rather than degrade
			// the session.
			p.dropped.Add(uint64(len(events)))
			eventsDropped.Add(float64(len(events)))
			log.Printf("pipeline: dropping batch of %d events for session %s: %v", len(events), sessionID, err)
			return
		}
		if attempt >= p.cfg.MaxRetries {
			break
		}
		p.retried.Add(1)
		commitRetries.Inc()
		delay := p.cfg.RetryBase << attempt
		select {
		case <-time.After(delay):
		case <-p.stop:
			// Shutting down: one more attempt below, then give up.
			if attempt < p.cfg.MaxRetries-1 {
				attempt = p.cfg.MaxRetries - 1
			}
		}
	}
	p.enterDegraded(sessionID, events, err)
}

// validateBatch checks each staged payload against the schema registry
// and drops invalid ones. Runs on the worker so producers never pay for
// validation.
func (p *Pipeline) validateBatch(sessionID string, events []event.Event) []event.Event {
	valid := events[:0]
	for _, evt := range events {
		kind, ok := schema.KindForEvent(evt.Type)
		if !ok {
			p.dropInvalid(sessionID, evt, fmt.Errorf("unknown event type %q", evt.Type))
			continue
		}
		version := evt.SchemaVersion
		if version == 0 {
			version, _ = p.registry.CurrentVersion(kind)
		}
		payload := evt.PayloadJSON
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		if _, err := p.registry.Validate(kind, version, payload); err != nil {
			p.dropInvalid(sessionID, evt, err)
			continue
		}
		valid = append(valid, evt)
	}
	return valid
}

func (p *Pipeline) dropInvalid(sessionID string, evt event.Event, err error) {
	p.dropped.Add(1)
	eventsDropped.Inc()
	log.Printf("pipeline: dropping invalid %s event for session %s: %v", evt.Type, sessionID, err)
}

// coalesceMetrics folds consecutive runs of metric.update events into
// the newest sample of each run. The surviving payload's coalesced
// count records how many samples it absorbed. Critical events break
// runs and are never folded.
func (p *Pipeline) coalesceMetrics(events []event.Event) []event.Event {
	out := events[:0]
	for _, evt := range events {
		if evt.Type != event.TypeMetricUpdate || len(out) == 0 || out[len(out)-1].Type != event.TypeMetricUpdate {
			out = append(out, evt)
			continue
		}
		folded, err := foldSample(out[len(out)-1], evt)
		if err != nil {
			out = append(out, evt)
			continue
		}
		out[len(out)-1] = folded
		p.coalesced.Add(1)
		eventsCoalesced.Inc()
	}
	return out
}

// foldSample replaces prev with next, carrying prev's fold count forward.
func foldSample(prev, next event.Event) (event.Event, error) {
	var prevPayload, nextPayload event.MetricUpdatePayload
	if err := json.Unmarshal(prev.PayloadJSON, &prevPayload); err != nil {
		return event.Event{}, err
	}
	if err := json.Unmarshal(next.PayloadJSON, &nextPayload); err != nil {
		return event.Event{}, err
	}
	nextPayload.Coalesced += prevPayload.Coalesced + 1
	raw, err := json.Marshal(nextPayload)
	if err != nil {
		return event.Event{}, err
	}
	next.PayloadJSON = raw
	return next, nil
}

// enterDegraded records retry exhaustion for a session. The batch's
// critical events return to the spill buffer so they commit once the
// store recovers; metric and action events are counted as dropped.
func (p *Pipeline) enterDegraded(sessionID string, events []event.Event, cause error) {
	log.Printf("pipeline: commit failed for session %s after %d retries: %v", sessionID, p.cfg.MaxRetries, cause)

	p.mu.Lock()
	first := !p.degraded[sessionID]
	p.degraded[sessionID] = true
	p.mu.Unlock()

	for _, evt := range events {
		if evt.Type.Critical() {
			p.spillEvent(evt)
			continue
		}
		p.dropped.Add(1)
		eventsDropped.Inc()
	}

	if !first {
		return
	}
	p.degradedN.Add(1)
	sessionsDegraded.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.MarkSessionDegraded(ctx, sessionID); err != nil {
		log.Printf("pipeline: mark session %s degraded: %v", sessionID, err)
	}

	payload, err := json.Marshal(event.LifecyclePayload{
		Kind:   event.LifecyclePipelineDegraded,
		Detail: fmt.Sprintf("persistence retries exhausted: %v", cause),
	})
	if err != nil {
		return
	}
	p.spillEvent(event.Event{
		SessionID:   sessionID,
		Timestamp:   time.Now(),
		Type:        event.TypeLifecycle,
		PayloadJSON: payload,
	})
}
