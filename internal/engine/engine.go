// Package engine owns session lifecycle and the producer-facing API. A
// producer drives one session at a time through AdvanceCycle; state
// lives in memory, and the persistence pipeline commits sampled events
// asynchronously so the producer never blocks on I/O.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/framelog/framelog/internal/engine/frame"
	"github.com/framelog/framelog/internal/engine/pipeline"
	"github.com/framelog/framelog/internal/event"
	"github.com/framelog/framelog/internal/platform/id"
	"github.com/framelog/framelog/internal/recovery"
	"github.com/framelog/framelog/internal/schema"
	"github.com/framelog/framelog/internal/storage"
)

// PrivacyMode selects how much of a user action is persisted.
type PrivacyMode string

const (
	// PrivacyMetadata persists action names and structured metadata only.
	// This is the default.
	PrivacyMetadata PrivacyMode = "metadata"
	// PrivacyFull additionally persists raw action content. Opt-in.
	PrivacyFull PrivacyMode = "full"
)

// SessionConfig tunes one session.
type SessionConfig struct {
	// Frame configures the per-cycle transition and sampling policy.
	Frame frame.Config
	// SnapshotInterval is how often a periodic snapshot is scheduled.
	SnapshotInterval time.Duration
	// Privacy selects metadata-only or full-content action logging.
	Privacy PrivacyMode
}

// DefaultSessionConfig returns the stock 60 Hz session tuning.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Frame:            frame.DefaultConfig(),
		SnapshotInterval: time.Minute,
		Privacy:          PrivacyMetadata,
	}
}

// Store is the full storage surface the engine and its pipeline need.
type Store interface {
	pipeline.Store
	recovery.Store
	CreateSession(ctx context.Context, record storage.SessionRecord) error
	GetProfile(ctx context.Context) (storage.ProfileRecord, error)
	PutProfile(ctx context.Context, record storage.ProfileRecord) error
}

// Options tunes engine construction.
type Options struct {
	// Pipeline overrides the persistence pipeline tuning.
	Pipeline pipeline.Config
	// FlushTimeout bounds the final drain at session end. Exceeding it
	// marks the session flush_incomplete; queued events still commit.
	FlushTimeout time.Duration
	// OnCommit, when set, receives every durably committed batch.
	OnCommit func(events []event.Event)
}

// DefaultOptions returns the stock engine tuning.
func DefaultOptions() Options {
	return Options{
		Pipeline:     pipeline.DefaultConfig(),
		FlushTimeout: 5 * time.Second,
	}
}

type session struct {
	mu      sync.Mutex
	manager *frame.Manager
	cfg     SessionConfig
	// nextSnapshot is when the next periodic snapshot is due.
	nextSnapshot time.Time
}

// Engine is the producer-facing handle over sessions, frame state, and
// the persistence pipeline.
type Engine struct {
	store    Store
	registry *schema.Registry
	pipe     *pipeline.Pipeline

	flushTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

// New builds an engine over store. Crash recovery runs first: sessions
// left open by a previous run are replayed and closed before any new
// producer work is accepted.
func New(ctx context.Context, store Store, registry *schema.Registry, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("schema registry is required")
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 5 * time.Second
	}

	report, err := recovery.Run(ctx, store, registry)
	if err != nil {
		return nil, fmt.Errorf("startup recovery: %w", err)
	}
	if len(report.Failed) > 0 {
		log.Printf("engine: %d sessions could not be recovered and remain open", len(report.Failed))
	}

	pcfg := opts.Pipeline
	if pcfg.QueueCapacity == 0 {
		pcfg = pipeline.DefaultConfig()
	}
	pcfg.OnCommit = opts.OnCommit
	pipe, err := pipeline.New(store, registry, pcfg)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:        store,
		registry:     registry,
		pipe:         pipe,
		flushTimeout: opts.FlushTimeout,
		sessions:     make(map[string]*session),
	}, nil
}

// Pipeline exposes the persistence pipeline for the query surface.
func (e *Engine) Pipeline() *pipeline.Pipeline {
	return e.pipe
}

// StartSession opens a new session and returns its id.
func (e *Engine) StartSession(ctx context.Context, cfg SessionConfig) (string, error) {
	if cfg.Frame == (frame.Config{}) {
		cfg.Frame = frame.DefaultConfig()
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Minute
	}
	if cfg.Privacy == "" {
		cfg.Privacy = PrivacyMetadata
	}
	if cfg.Privacy != PrivacyMetadata && cfg.Privacy != PrivacyFull {
		return "", fmt.Errorf("unknown privacy mode %q", cfg.Privacy)
	}
	manager, err := frame.NewManager(cfg.Frame)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	e.mu.Unlock()

	sessionID, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	configJSON, err := json.Marshal(cfg.Frame)
	if err != nil {
		return "", fmt.Errorf("marshal session config: %w", err)
	}
	now := time.Now().UTC()
	if err := e.store.CreateSession(ctx, storage.SessionRecord{
		ID:            sessionID,
		SchemaVersion: 1,
		ConfigJSON:    configJSON,
		StartedAt:     now,
	}); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	e.mu.Lock()
	e.sessions[sessionID] = &session{
		manager:      manager,
		cfg:          cfg,
		nextSnapshot: now.Add(cfg.SnapshotInterval),
	}
	e.mu.Unlock()

	e.enqueueLifecycle(sessionID, event.LifecycleSessionStarted, "")
	return sessionID, nil
}

// AdvanceCycle runs one producer cycle. It does no I/O: candidate
// events and due snapshots are handed to the pipeline without blocking.
// Malformed input returns a frame.ValidationError and changes nothing.
func (e *Engine) AdvanceCycle(sessionID string, input frame.CycleInput) (frame.State, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return frame.State{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	state, err := sess.manager.Advance(input)
	if err != nil {
		return frame.State{}, err
	}

	if sess.manager.ShouldEmit(state, input) {
		if err := e.enqueueSample(sessionID, state); err != nil {
			// Dropped under overflow policy. The frame state is still
			// authoritative in memory; surface the drop to the producer.
			return state, err
		}
	}

	now := time.Now()
	if now.After(sess.nextSnapshot) {
		e.scheduleSnapshot(sessionID, state, sess.cfg.Frame)
		sess.nextSnapshot = now.Add(sess.cfg.SnapshotInterval)
	}
	return state, nil
}

// RecordAction persists an explicit user action. Under the default
// metadata privacy mode the raw content field is discarded before the
// event leaves the engine.
func (e *Engine) RecordAction(sessionID string, payload event.UserActionPayload) error {
	sess, err := e.session(sessionID)
	if err != nil {
		return err
	}
	if sess.cfg.Privacy != PrivacyFull {
		payload.Content = ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal action payload: %w", err)
	}
	if !e.pipe.Enqueue(event.Event{
		SessionID:   sessionID,
		Timestamp:   time.Now(),
		Type:        event.TypeUserAction,
		PayloadJSON: raw,
	}) {
		return ErrOverflow
	}
	return nil
}

// EndSession finishes a session: the final state is sampled, a closing
// snapshot is scheduled, and the pipeline drains within the flush
// timeout. Exceeding the timeout marks the session flush_incomplete;
// queued events still commit afterwards.
func (e *Engine) EndSession(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	sess.mu.Lock()
	state := sess.manager.State()
	cfg := sess.cfg
	sess.mu.Unlock()

	// Anchor the closing snapshot to a final committed sample.
	if err := e.enqueueSample(sessionID, state); err != nil {
		log.Printf("engine: final sample for session %s dropped: %v", sessionID, err)
	}
	e.scheduleSnapshot(sessionID, state, cfg.Frame)
	e.enqueueLifecycle(sessionID, event.LifecycleSessionEnded, "")

	flushCtx, cancel := context.WithTimeout(ctx, e.flushTimeout)
	defer cancel()
	flushIncomplete := false
	if err := e.pipe.Flush(flushCtx); err != nil {
		flushIncomplete = true
		log.Printf("engine: flush for session %s incomplete: %v", sessionID, err)
		e.enqueueLifecycle(sessionID, event.LifecycleFlushIncomplete, err.Error())
	}

	if err := e.store.CloseSession(ctx, sessionID, time.Now().UTC(), state.Accumulator, false, flushIncomplete); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if err := e.rollUpProfile(ctx, state.Accumulator); err != nil {
		log.Printf("engine: profile rollup for session %s: %v", sessionID, err)
	}
	return nil
}

// LiveState returns the in-memory frame state of an active session.
func (e *Engine) LiveState(sessionID string) (frame.State, bool) {
	sess, err := e.session(sessionID)
	if err != nil {
		return frame.State{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.manager.State(), true
}

// Close drains the pipeline and stops the engine. Active sessions are
// left open for recovery on the next start.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.pipe.Close()
}

func (e *Engine) session(sessionID string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	sess, ok := e.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (e *Engine) enqueueSample(sessionID string, state frame.State) error {
	raw, err := json.Marshal(state.Payload())
	if err != nil {
		return fmt.Errorf("marshal sample payload: %w", err)
	}
	if !e.pipe.Enqueue(event.Event{
		SessionID:   sessionID,
		Timestamp:   time.Now(),
		Type:        event.TypeMetricUpdate,
		PayloadJSON: raw,
	}) {
		return ErrOverflow
	}
	return nil
}

func (e *Engine) enqueueLifecycle(sessionID, kind, detail string) {
	raw, err := json.Marshal(event.LifecyclePayload{Kind: kind, Detail: detail})
	if err != nil {
		log.Printf("engine: marshal lifecycle payload: %v", err)
		return
	}
	// Lifecycle events are critical; the pipeline spills rather than
	// drops them when the queue is full.
	e.pipe.Enqueue(event.Event{
		SessionID:   sessionID,
		Timestamp:   time.Now(),
		Type:        event.TypeLifecycle,
		PayloadJSON: raw,
	})
}

func (e *Engine) scheduleSnapshot(sessionID string, state frame.State, cfg frame.Config) {
	stateJSON, err := json.Marshal(frame.Capture(state, cfg))
	if err != nil {
		log.Printf("engine: marshal snapshot for session %s: %v", sessionID, err)
		return
	}
	e.pipe.EnqueueSnapshot(storage.SnapshotRecord{
		SessionID: sessionID,
		StateJSON: stateJSON,
		CreatedAt: time.Now().UTC(),
	})
}

// tierThresholds are the lifetime totals unlocking each successive tier.
var tierThresholds = []float64{100, 1000, 10000, 100000}

func tierFor(lifetimeTotal float64) int {
	tier := 0
	for _, threshold := range tierThresholds {
		if lifetimeTotal < threshold {
			break
		}
		tier++
	}
	return tier
}

// rollUpProfile folds a finished session into the persistent profile.
func (e *Engine) rollUpProfile(ctx context.Context, sessionTotal float64) error {
	profile, err := e.store.GetProfile(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	profile.LifetimeTotal += sessionTotal
	profile.SessionCount++
	profile.UnlockTier = tierFor(profile.LifetimeTotal)
	return e.store.PutProfile(ctx, profile)
}
