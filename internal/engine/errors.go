package engine

import "errors"

var (
	// ErrSessionNotFound indicates the session id does not name an active
	// session on this engine.
	ErrSessionNotFound = errors.New("session not found")

	// ErrOverflow indicates the persistence queue was full and a
	// non-critical event was dropped under the overflow policy.
	ErrOverflow = errors.New("persistence queue full, event dropped")

	// ErrClosed indicates the engine has been shut down.
	ErrClosed = errors.New("engine closed")
)
