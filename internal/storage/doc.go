// Package storage persists recurring tasks, per-target logs and notifier
// dedup state.
//
// Drivers:
//   - file: tasks YAML, target log JSONL, dedup snapshot + journal
//   - sqlite: a single SQLite database (modernc.org/sqlite, no cgo)
//   - postgres, mysql: gorm with AutoMigrate
package storage
