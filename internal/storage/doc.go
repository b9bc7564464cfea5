// Package storage keeps an audit trail of job runs.
//
// It records what fired and how it ended. It never persists pending jobs;
// the scheduler is purely in-memory.
//
// Drivers:
//   - "file": append-only JSON Lines, pruned by rewriting the file
//   - "sqlite": SQLite database file (build tag sqlite)
package storage
