// Package storage implements the schedule store and the dispatch log.
//
// Drivers:
//   - "memory": process-local maps, used by tests and the CLI one-shots
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL (github.com/lib/pq)
//
// Timestamps are stored as unix milliseconds.
package storage
