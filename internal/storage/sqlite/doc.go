// Package sqlite implements the storage contracts on a single SQLite
// database with WAL journaling and embedded migrations.
package sqlite
