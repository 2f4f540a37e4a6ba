package store

// Package store provides the persistence layer for schedule entries and
// their execution records.
//
// Two backends exist:
//   - file: one JSON snapshot, rewritten atomically on every change
//   - sqlite: modernc.org/sqlite, enabled with -tags sqlite
