// Package schema validates event, snapshot, and profile documents against
// versioned schemas before they become durable.
//
// Validation runs off the real-time path, inside the persistence worker.
// Older but still-supported versions validate successfully and are flagged
// for lazy migration on next read; unknown versions fail closed rather than
// being guessed at.
package schema
