package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/framelog/framelog/internal/storage"
)

// ExportDocument is the portable dump of all user data: profile,
// sessions, and their committed events, with payloads migrated to the
// current schema version.
type ExportDocument struct {
	ExportedAt time.Time       `json:"exported_at" yaml:"exported_at"`
	Profile    *ProfileExport  `json:"profile,omitempty" yaml:"profile,omitempty"`
	Sessions   []SessionExport `json:"sessions" yaml:"sessions"`
}

// ProfileExport is the profile portion of an export.
type ProfileExport struct {
	UnlockTier    int               `json:"unlock_tier" yaml:"unlock_tier"`
	LifetimeTotal float64           `json:"lifetime_total" yaml:"lifetime_total"`
	SessionCount  int               `json:"session_count" yaml:"session_count"`
	Preferences   map[string]string `json:"preferences,omitempty" yaml:"preferences,omitempty"`
}

// SessionExport is one session with its full event log.
type SessionExport struct {
	ID              string        `json:"id" yaml:"id"`
	StartedAt       time.Time     `json:"started_at" yaml:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	MetricTotal     float64       `json:"metric_total" yaml:"metric_total"`
	Recovered       bool          `json:"recovered,omitempty" yaml:"recovered,omitempty"`
	FlushIncomplete bool          `json:"flush_incomplete,omitempty" yaml:"flush_incomplete,omitempty"`
	Degraded        bool          `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	Events          []EventExport `json:"events" yaml:"events"`
}

// EventExport is one committed event with its payload decoded for
// portability across formats.
type EventExport struct {
	Seq           uint64         `json:"seq" yaml:"seq"`
	Timestamp     time.Time      `json:"timestamp" yaml:"timestamp"`
	Type          string         `json:"type" yaml:"type"`
	SchemaVersion int            `json:"schema_version" yaml:"schema_version"`
	Payload       map[string]any `json:"payload" yaml:"payload"`
}

// Export assembles the portable document for all stored user data.
func (s *Service) Export(ctx context.Context) (ExportDocument, error) {
	doc := ExportDocument{ExportedAt: time.Now().UTC()}

	profile, err := s.store.GetProfile(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return ExportDocument{}, fmt.Errorf("export profile: %w", err)
	default:
		export := ProfileExport{
			UnlockTier:    profile.UnlockTier,
			LifetimeTotal: profile.LifetimeTotal,
			SessionCount:  profile.SessionCount,
		}
		if len(profile.PreferencesJSON) > 0 {
			if err := json.Unmarshal(profile.PreferencesJSON, &export.Preferences); err != nil {
				return ExportDocument{}, fmt.Errorf("export profile preferences: %w", err)
			}
		}
		doc.Profile = &export
	}

	sessions, err := s.store.ListSessions(ctx, exportSessionLimit)
	if err != nil {
		return ExportDocument{}, fmt.Errorf("export sessions: %w", err)
	}

	// Sessions are independent, so their logs load concurrently. Results
	// land by index to keep the listing order.
	doc.Sessions = make([]SessionExport, len(sessions))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(exportConcurrency)
	for i, session := range sessions {
		i, session := i, session
		group.Go(func() error {
			exported, err := s.exportSession(groupCtx, session)
			if err != nil {
				return err
			}
			doc.Sessions[i] = exported
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return ExportDocument{}, err
	}
	return doc, nil
}

func (s *Service) exportSession(ctx context.Context, session storage.SessionRecord) (SessionExport, error) {
	events, err := s.Events(ctx, session.ID, time.Time{}, time.Time{})
	if err != nil {
		return SessionExport{}, fmt.Errorf("export session %s: %w", session.ID, err)
	}
	exported := SessionExport{
		ID:              session.ID,
		StartedAt:       session.StartedAt,
		EndedAt:         session.EndedAt,
		MetricTotal:     session.MetricTotal,
		Recovered:       session.Recovered,
		FlushIncomplete: session.FlushIncomplete,
		Degraded:        session.Degraded,
		Events:          make([]EventExport, 0, len(events)),
	}
	for _, evt := range events {
		var payload map[string]any
		if err := unmarshalPayload(evt.PayloadJSON, &payload); err != nil {
			return SessionExport{}, fmt.Errorf("export session %s seq %d: %w", session.ID, evt.Seq, err)
		}
		exported.Events = append(exported.Events, EventExport{
			Seq:           evt.Seq,
			Timestamp:     evt.Timestamp,
			Type:          string(evt.Type),
			SchemaVersion: evt.SchemaVersion,
			Payload:       payload,
		})
	}
	return exported, nil
}

// exportSessionLimit caps an export pass. Local single-user stores stay
// far below this.
const exportSessionLimit = 10000

// exportConcurrency bounds parallel session loads during an export.
const exportConcurrency = 4

// WriteJSON streams an export document as indented JSON.
func WriteJSON(w io.Writer, doc ExportDocument) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

// WriteYAML streams an export document as YAML.
func WriteYAML(w io.Writer, doc ExportDocument) error {
	encoder := yaml.NewEncoder(w)
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return encoder.Close()
}

func unmarshalPayload(raw []byte, target any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
