package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "promptsched/pkg/logx"
)

// Store owns the persisted collection of schedule entries and execution
// records.
//
// Every mutation is a read-modify-write of the whole persisted state. In a
// single-process deployment a management request racing a running cycle can
// lose its write under last-writer-wins; this is an accepted limitation of
// the design, not a bug to paper over with partial updates.
type Store interface {
	// Create fills ID, timestamps and NextExecutionAt (via the rule
	// evaluator) and persists the entry. Name and Prompt are trimmed.
	Create(ctx context.Context, e ScheduleEntry) (ScheduleEntry, error)

	Get(ctx context.Context, id string) (ScheduleEntry, error)

	// FindByOwner returns the owner's entries, newest first.
	FindByOwner(ctx context.Context, ownerKey string) ([]ScheduleEntry, error)

	// Update applies the allow-listed fields after an owner check. A rule
	// change recomputes NextExecutionAt in the same operation.
	Update(ctx context.Context, id, ownerKey string, upd EntryUpdate) (ScheduleEntry, error)

	Delete(ctx context.Context, id, ownerKey string) error

	// DueEntries returns enabled entries whose NextExecutionAt has passed
	// (inclusive), ascending by NextExecutionAt.
	DueEntries(ctx context.Context, now time.Time) ([]ScheduleEntry, error)

	// MarkExecuted applies execution bookkeeping: last-executed timestamp,
	// counters, the consecutive-failure auto-disable policy, and the
	// reschedule via the rule evaluator (failed runs reschedule on their
	// normal cadence too).
	MarkExecuted(ctx context.Context, id string, at time.Time, success bool) (ScheduleEntry, error)

	// AppendRecord persists one execution record and prunes the entry's
	// oldest records beyond the retention cap.
	AppendRecord(ctx context.Context, rec ExecutionRecord) error

	// RecordsByEntry returns up to limit records for the entry, newest first.
	RecordsByEntry(ctx context.Context, entryID string, limit int) ([]ExecutionRecord, error)

	CountEnabledByOwner(ctx context.Context, ownerKey string) (int, error)

	// CleanupRecords drops records older than maxAge and reports how many.
	CleanupRecords(ctx context.Context, maxAge time.Duration) (int, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
