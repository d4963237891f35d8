// Package api contains API service implementations.
//
// The rest subpackage serves the HTTP query surface: session listing,
// event ranges, aggregates, export, purge, and the live WebSocket
// stream. Handlers stay thin and delegate to the query service; they
// never touch the persistence pipeline directly.
package api
