package schema

import (
	"errors"
	"fmt"

	"github.com/framelog/framelog/internal/event"
)

// Kind names a document family with its own version history.
type Kind string

const (
	// KindMetricUpdate covers metric.update event payloads.
	KindMetricUpdate Kind = "event.metric.update"
	// KindUserAction covers user.action event payloads.
	KindUserAction Kind = "event.user.action"
	// KindLifecycle covers system.lifecycle event payloads.
	KindLifecycle Kind = "event.system.lifecycle"
	// KindError covers system.error event payloads.
	KindError Kind = "event.system.error"
	// KindSnapshot covers frame snapshot documents.
	KindSnapshot Kind = "snapshot"
	// KindProfile covers the user profile document.
	KindProfile Kind = "profile"
)

// KindForEvent maps an event type to its schema kind.
func KindForEvent(t event.Type) (Kind, bool) {
	switch t {
	case event.TypeMetricUpdate:
		return KindMetricUpdate, true
	case event.TypeUserAction:
		return KindUserAction, true
	case event.TypeLifecycle:
		return KindLifecycle, true
	case event.TypeError:
		return KindError, true
	}
	return "", false
}

// Sentinel causes wrapped by Error.
var (
	// ErrUnknownKind indicates a document family with no registered schema.
	ErrUnknownKind = errors.New("unknown schema kind")
	// ErrUnknownVersion indicates a version outside the supported set.
	ErrUnknownVersion = errors.New("unsupported schema version")
	// ErrAlreadyRegistered indicates a duplicate definition.
	ErrAlreadyRegistered = errors.New("schema kind already registered")
)

// Error reports a rejected document. Records failing validation are never
// persisted; callers log them as error events instead.
type Error struct {
	Kind    Kind
	Version int
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("schema %s v%d: %v", e.Kind, e.Version, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result reports the outcome of a successful validation.
type Result struct {
	// Version is the declared version that was validated.
	Version int
	// NeedsMigration flags records written at an older but supported version
	// for lazy migration on next read.
	NeedsMigration bool
}
