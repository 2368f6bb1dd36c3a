// Package storage persists schedules and their execution records.
//
// Drivers:
//   - "memory": process-local, lost on restart
//   - "file": JSON snapshot + JSON Lines journal, no external dependencies
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// Every driver implements schedule.Repository and schedule.ExecutionLog.
package storage
