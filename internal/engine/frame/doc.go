// Package frame maintains the per-cycle authoritative state of the telemetry
// loop.
//
// Advance is the only code on the real-time hot path: it performs no I/O,
// never blocks, and rejects malformed input without touching prior state.
// The same transition logic is reused by crash recovery so that replaying a
// snapshot plus its event tail always reconstructs the identical state.
package frame
