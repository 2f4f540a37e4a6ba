package store

import (
	"errors"
	"time"

	"promptsched/internal/notify"
	"promptsched/internal/rule"
)

var (
	// ErrNotFound is returned when the entry id is absent.
	ErrNotFound = errors.New("schedule not found")
	// ErrUnauthorized is returned when the caller's owner key does not match
	// the entry's owner key.
	ErrUnauthorized = errors.New("owner key mismatch")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON snapshot backend
//   - "sqlite": SQLite database file (build with -tags sqlite)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// RecordsPerEntry caps retained execution records per entry
	// (oldest pruned first). 0 means the default of 100.
	RecordsPerEntry int

	// FailureLimit is the consecutive-failure count at which MarkExecuted
	// force-disables an entry. 0 means the default of 5.
	FailureLimit int
}

const (
	defaultRecordsPerEntry = 100
	defaultFailureLimit    = 5
)

func (c Config) recordsPerEntry() int {
	if c.RecordsPerEntry > 0 {
		return c.RecordsPerEntry
	}
	return defaultRecordsPerEntry
}

func (c Config) failureLimit() int {
	if c.FailureLimit > 0 {
		return c.FailureLimit
	}
	return defaultFailureLimit
}

// ScheduleEntry is a registered prompt plus its recurrence state.
//
// OwnerKey is the hashed key of the creating caller; storage only ever
// compares it for equality. NextExecutionAt is always the output of the rule
// evaluator relative to creation, rule change, or execution completion; it is
// never hand-edited.
type ScheduleEntry struct {
	ID       string        `json:"id"`
	OwnerKey string        `json:"owner_key"`
	Name     string        `json:"name"`
	Prompt   string        `json:"prompt"`
	Rule     rule.Spec     `json:"rule"`
	Enabled  bool          `json:"enabled"`
	Notify   notify.Config `json:"notify,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`
	NextExecutionAt time.Time  `json:"next_execution_at"`

	ExecutionCount      int `json:"execution_count"`
	ConsecutiveFailures int `json:"consecutive_failures"`
}

// ExecutionRecord is one run outcome. Records are append-only and pruned by
// retention only.
type ExecutionRecord struct {
	ID        string    `json:"id"`
	EntryID   string    `json:"entry_id"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EntryUpdate carries the allow-listed mutable fields. Nil fields are left
// untouched; anything outside this set simply has no way in, which protects
// identity and lifecycle fields from tampering.
type EntryUpdate struct {
	Name    *string
	Prompt  *string
	Rule    *rule.Spec
	Enabled *bool
	Notify  *notify.Config
}

// state is the whole persisted blob for the file backend.
type state struct {
	Version     string                     `json:"version"`
	Schedules   map[string]ScheduleEntry   `json:"schedules"`
	Executions  map[string]ExecutionRecord `json:"executions"`
	LastCleanup *time.Time                 `json:"last_cleanup,omitempty"`
}

func newState() *state {
	return &state{
		Version:    "1",
		Schedules:  map[string]ScheduleEntry{},
		Executions: map[string]ExecutionRecord{},
	}
}
