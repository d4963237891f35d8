package event

import (
	"strings"
	"time"
)

// Type identifies the kind of a telemetry event.
type Type string

// The closed set of event types. Payloads are schema-versioned per type;
// unknown types are rejected at the persistence boundary.
const (
	// TypeMetricUpdate records a sampled or significant metric cycle.
	TypeMetricUpdate Type = "metric.update"
	// TypeUserAction records an explicit user action during a session.
	TypeUserAction Type = "user.action"
	// TypeLifecycle records session and engine lifecycle transitions.
	TypeLifecycle Type = "system.lifecycle"
	// TypeError records a recoverable engine error surfaced to consumers.
	TypeError Type = "system.error"
)

// Event represents an immutable record in the append-only session log.
type Event struct {
	// SessionID is the session this event belongs to.
	SessionID string
	// Seq is the event sequence number within the session (starts at 1).
	// Assigned by storage on append.
	Seq uint64
	// Timestamp is when the event occurred, truncated to milliseconds.
	Timestamp time.Time
	// Type identifies the kind of event.
	Type Type
	// SchemaVersion tags the payload with its document schema version.
	SchemaVersion int
	// PayloadJSON holds event-specific data as JSON.
	PayloadJSON []byte
}

// IsValid reports whether the event type belongs to the closed set.
func (t Type) IsValid() bool {
	switch t {
	case TypeMetricUpdate, TypeUserAction, TypeLifecycle, TypeError:
		return true
	}
	return false
}

// Critical reports whether events of this type must never be dropped under
// backlog pressure. Lifecycle and error events are always preserved.
func (t Type) Critical() bool {
	return t == TypeLifecycle || t == TypeError
}

// Domain returns the domain prefix of the event type (e.g., "metric", "system").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Normalize trims identifier whitespace and truncates the timestamp to the
// millisecond precision used by storage.
func (e Event) Normalize() Event {
	e.SessionID = strings.TrimSpace(e.SessionID)
	if !e.Timestamp.IsZero() {
		e.Timestamp = e.Timestamp.UTC().Truncate(time.Millisecond)
	}
	return e
}
