// Package storage defines the persistence contracts for the telemetry
// engine: the append-only event log, snapshots, sessions, and the user
// profile record.
//
// The underlying database handle is owned exclusively by the store
// implementation; all other components go through these interfaces.
package storage
