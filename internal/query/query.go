// Package query is the read and export surface over committed telemetry.
// It serves committed events only; in-flight pipeline data is never
// visible here. Older payload versions are migrated to the current
// schema on read, leaving the append-only log untouched.
package query

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/framelog/framelog/internal/engine/frame"
	"github.com/framelog/framelog/internal/engine/pipeline"
	"github.com/framelog/framelog/internal/event"
	"github.com/framelog/framelog/internal/schema"
	"github.com/framelog/framelog/internal/storage"
)

// Store is the slice of the storage surface queries read from and
// purges write through.
type Store interface {
	GetSession(ctx context.Context, id string) (storage.SessionRecord, error)
	ListSessions(ctx context.Context, limit int) ([]storage.SessionRecord, error)
	ReadRange(ctx context.Context, sessionID string, from, to time.Time) ([]event.Event, error)
	ListSnapshots(ctx context.Context, sessionID string, limit int) ([]storage.SnapshotRecord, error)
	GetProfile(ctx context.Context) (storage.ProfileRecord, error)
	PurgeSession(ctx context.Context, sessionID string) error
	PurgeAll(ctx context.Context) error
}

// Writer is the slice of the pipeline purges coordinate with: pending
// writes are flushed, then blocked, so nothing in flight can resurrect
// a purged session.
type Writer interface {
	Flush(ctx context.Context) error
	Block(sessionID string)
	Unblock(sessionID string)
	Stats() pipeline.Stats
}

// LiveStates exposes in-memory frame state for active sessions.
type LiveStates interface {
	LiveState(sessionID string) (frame.State, bool)
}

// Aggregate summarizes the metric values in a range of committed events.
type Aggregate struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// Service answers queries over committed telemetry.
type Service struct {
	store    Store
	registry *schema.Registry
	writer   Writer
	live     LiveStates
}

// NewService builds the query surface. writer and live may be nil for
// offline tools reading a store without a running engine.
func NewService(store Store, registry *schema.Registry, writer Writer, live LiveStates) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("schema registry is required")
	}
	return &Service{store: store, registry: registry, writer: writer, live: live}, nil
}

// Sessions lists the most recent sessions.
func (s *Service) Sessions(ctx context.Context, limit int) ([]storage.SessionRecord, error) {
	return s.store.ListSessions(ctx, limit)
}

// Session returns one session record.
func (s *Service) Session(ctx context.Context, id string) (storage.SessionRecord, error) {
	return s.store.GetSession(ctx, id)
}

// Events returns committed events for a session within the inclusive
// timestamp range, in commit order. Zero times disable the bounds.
// Payloads at older supported schema versions are returned migrated to
// the current version.
func (s *Service) Events(ctx context.Context, sessionID string, from, to time.Time) ([]event.Event, error) {
	events, err := s.store.ReadRange(ctx, sessionID, from, to)
	if err != nil {
		return nil, err
	}
	for i, evt := range events {
		migrated, err := s.migrate(evt)
		if err != nil {
			return nil, err
		}
		events[i] = migrated
	}
	return events, nil
}

// migrate rewrites an event payload to the current schema version for
// its kind. The stored record stays at its original version.
func (s *Service) migrate(evt event.Event) (event.Event, error) {
	kind, ok := schema.KindForEvent(evt.Type)
	if !ok {
		return event.Event{}, fmt.Errorf("event seq %d: unknown type %q", evt.Seq, evt.Type)
	}
	current, _ := s.registry.CurrentVersion(kind)
	if evt.SchemaVersion == current {
		return evt, nil
	}
	payload, version, err := s.registry.MigrateToCurrent(kind, evt.SchemaVersion, evt.PayloadJSON)
	if err != nil {
		return event.Event{}, fmt.Errorf("event seq %d: %w", evt.Seq, err)
	}
	evt.PayloadJSON = payload
	evt.SchemaVersion = version
	return evt, nil
}

// LiveState returns the in-memory frame state for an active session.
func (s *Service) LiveState(sessionID string) (frame.State, bool) {
	if s.live == nil {
		return frame.State{}, false
	}
	return s.live.LiveState(sessionID)
}

// Aggregate folds the metric values committed for a session in the
// given range into count, sum, min, max, and mean.
func (s *Service) Aggregate(ctx context.Context, sessionID string, from, to time.Time) (Aggregate, error) {
	events, err := s.Events(ctx, sessionID, from, to)
	if err != nil {
		return Aggregate{}, err
	}

	agg := Aggregate{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, evt := range events {
		if evt.Type != event.TypeMetricUpdate {
			continue
		}
		var payload event.MetricUpdatePayload
		if err := unmarshalPayload(evt.PayloadJSON, &payload); err != nil {
			return Aggregate{}, fmt.Errorf("event seq %d: %w", evt.Seq, err)
		}
		agg.Count++
		agg.Sum += payload.Value
		agg.Min = math.Min(agg.Min, payload.Value)
		agg.Max = math.Max(agg.Max, payload.Value)
	}
	if agg.Count == 0 {
		return Aggregate{}, nil
	}
	agg.Mean = agg.Sum / float64(agg.Count)
	return agg, nil
}

// Stats returns the pipeline's overflow and commit counters.
func (s *Service) Stats() pipeline.Stats {
	if s.writer == nil {
		return pipeline.Stats{}
	}
	return s.writer.Stats()
}

// Purge deletes one session with all its events and snapshots. Pending
// pipeline writes are flushed first and further writes for the session
// are blocked, so the deleted session cannot be resurrected by an
// in-flight batch. Individual events cannot be redacted; purging is
// whole-session only.
func (s *Service) Purge(ctx context.Context, sessionID string) error {
	if s.writer != nil {
		if err := s.writer.Flush(ctx); err != nil {
			return fmt.Errorf("flush before purge: %w", err)
		}
		s.writer.Block(sessionID)
	}
	if err := s.store.PurgeSession(ctx, sessionID); err != nil {
		if s.writer != nil {
			s.writer.Unblock(sessionID)
		}
		return err
	}
	return nil
}

// PurgeAll deletes every session and the user profile.
func (s *Service) PurgeAll(ctx context.Context) error {
	if s.writer != nil {
		if err := s.writer.Flush(ctx); err != nil {
			return fmt.Errorf("flush before purge: %w", err)
		}
	}
	return s.store.PurgeAll(ctx)
}
