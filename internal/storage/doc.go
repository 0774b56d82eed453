// Package storage is the SQLite persistence layer of stashd.
//
// It provides:
//   - Schema migrations (goose, embedded SQL)
//   - The schedules table backing persisted task runners
//   - The narrow repositories the workers read and write (entries, users,
//     reminders, audit, notifications, resources, entry refs)
//
// Timestamps are stored as epoch milliseconds.
package storage
