// Package pipeline moves events from the producer to durable storage
// without blocking the producer. A bounded channel absorbs bursts, a
// single worker goroutine batches and commits, and backlog pressure
// triggers degraded logging that sheds metric samples while preserving
// lifecycle and error events.
package pipeline
