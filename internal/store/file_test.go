package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"promptsched/internal/rule"
	logx "promptsched/pkg/logx"
)

func newTestStore(t *testing.T, cfg Config) Store {
	t.Helper()
	cfg.Driver = "file"
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "state.json")
	}
	s, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intervalSpec(value int, unit string) rule.Spec {
	return rule.Spec{R: rule.Interval{Value: value, Unit: unit}}
}

func TestFileStoreCreatePersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	s := newTestStore(t, Config{Path: path})
	ctx := context.Background()

	before := time.Now()
	e, err := s.Create(ctx, ScheduleEntry{
		OwnerKey: "owner-a",
		Name:     "  morning digest  ",
		Prompt:   "summarize overnight alerts",
		Rule:     intervalSpec(1, "hours"),
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.ID == "" {
		t.Fatal("expected generated id")
	}
	if e.Name != "morning digest" {
		t.Fatalf("name not trimmed: %q", e.Name)
	}
	want := before.Add(time.Hour)
	if d := e.NextExecutionAt.Sub(want); d < -time.Minute || d > time.Minute {
		t.Fatalf("next execution %v, want ~%v", e.NextExecutionAt, want)
	}

	// Reopen and read back.
	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Prompt != e.Prompt || !got.Enabled {
		t.Fatalf("entry did not survive reopen: %+v", got)
	}
}

func TestFileStoreGetNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Config{})
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestFileStoreUpdateAuthorization(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Config{})
	ctx := context.Background()

	e, err := s.Create(ctx, ScheduleEntry{OwnerKey: "alice", Name: "n", Prompt: "p", Rule: intervalSpec(2, "hours"), Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	name := "renamed"
	if _, err := s.Update(ctx, e.ID, "mallory", EntryUpdate{Name: &name}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong owner: got %v, want ErrUnauthorized", err)
	}
	if _, err := s.Update(ctx, "missing", "alice", EntryUpdate{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id: got %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, e.ID, "mallory"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("delete wrong owner: got %v, want ErrUnauthorized", err)
	}

	got, err := s.Update(ctx, e.ID, "alice", EntryUpdate{Name: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Name != "renamed" || got.Prompt != "p" {
		t.Fatalf("allow-list misapplied: %+v", got)
	}
}

func TestFileStoreUpdateRuleRecomputesNext(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Config{})
	ctx := context.Background()

	e, err := s.Create(ctx, ScheduleEntry{OwnerKey: "o", Name: "n", Prompt: "p", Rule: intervalSpec(1, "hours"), Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	newRule := intervalSpec(30, "minutes")
	got, err := s.Update(ctx, e.ID, "o", EntryUpdate{Rule: &newRule})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	want := time.Now().Add(30 * time.Minute)
	if d := got.NextExecutionAt.Sub(want); d < -time.Minute || d > time.Minute {
		t.Fatalf("next not recomputed: %v, want ~%v", got.NextExecutionAt, want)
	}

	// A prompt-only update must not move the next execution.
	prompt := "new prompt"
	got2, err := s.Update(ctx, e.ID, "o", EntryUpdate{Prompt: &prompt})
	if err != nil {
		t.Fatalf("update prompt: %v", err)
	}
	if !got2.NextExecutionAt.Equal(got.NextExecutionAt) {
		t.Fatalf("prompt update moved next execution: %v vs %v", got2.NextExecutionAt, got.NextExecutionAt)
	}
}

func TestFileStoreDueEntries(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Config{})
	ctx := context.Background()

	mk := func(name string, enabled bool) ScheduleEntry {
		e, err := s.Create(ctx, ScheduleEntry{OwnerKey: "o", Name: name, Prompt: "p", Rule: intervalSpec(1, "hours"), Enabled: enabled})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		return e
	}
	a := mk("a", true)
	b := mk("b", true)
	c := mk("c", false)
	later := mk("later", true)

	// Freshly created entries are due only in the future; probe with a
	// reference time past their next execution.
	now := time.Now().Add(2 * time.Hour)
	due, err := s.DueEntries(ctx, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	ids := map[string]bool{}
	for _, e := range due {
		ids[e.ID] = true
	}
	if !ids[a.ID] || !ids[b.ID] {
		t.Fatalf("enabled due entries missing: %v", ids)
	}
	if ids[c.ID] {
		t.Fatal("disabled entry reported as due")
	}
	if !ids[later.ID] {
		t.Fatal("expected later entry due at +2h")
	}

	// Inclusive boundary: an entry whose next execution equals now is due.
	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	exact, err := s.DueEntries(ctx, got.NextExecutionAt)
	if err != nil {
		t.Fatalf("due exact: %v", err)
	}
	found := false
	for _, e := range exact {
		if e.ID == a.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("entry due exactly at its next execution was excluded")
	}

	// A microsecond short of the boundary the same entry is not yet due.
	early, err := s.DueEntries(ctx, got.NextExecutionAt.Add(-time.Microsecond))
	if err != nil {
		t.Fatalf("due early: %v", err)
	}
	for _, e := range early {
		if e.ID == a.ID {
			t.Fatal("entry selected before its next execution")
		}
	}

	for i := 1; i < len(due); i++ {
		if due[i].NextExecutionAt.Before(due[i-1].NextExecutionAt) {
			t.Fatal("due entries not in ascending order")
		}
	}
}

func TestFileStoreMarkExecuted(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Config{FailureLimit: 5})
	ctx := context.Background()

	e, err := s.Create(ctx, ScheduleEntry{OwnerKey: "o", Name: "n", Prompt: "p", Rule: intervalSpec(1, "hours"), Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Now()
	got, err := s.MarkExecuted(ctx, e.ID, at, true)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if got.ExecutionCount != 1 || got.ConsecutiveFailures != 0 {
		t.Fatalf("counters after success: %+v", got)
	}
	if got.LastExecutedAt == nil || !got.LastExecutedAt.Equal(at) {
		t.Fatalf("last executed not recorded: %v", got.LastExecutedAt)
	}
	want := at.Add(time.Hour)
	if d := got.NextExecutionAt.Sub(want); d < -time.Second || d > time.Second {
		t.Fatalf("not rescheduled: %v, want ~%v", got.NextExecutionAt, want)
	}
}

func TestFileStoreAutoDisable(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Config{FailureLimit: 5})
	ctx := context.Background()

	e, err := s.Create(ctx, ScheduleEntry{OwnerKey: "o", Name: "n", Prompt: "p", Rule: intervalSpec(1, "hours"), Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var got ScheduleEntry
	for i := 1; i <= 4; i++ {
		got, err = s.MarkExecuted(ctx, e.ID, time.Now(), false)
		if err != nil {
			t.Fatalf("mark %d: %v", i, err)
		}
		if !got.Enabled {
			t.Fatalf("disabled too early at failure %d", i)
		}
	}
	got, err = s.MarkExecuted(ctx, e.ID, time.Now(), false)
	if err != nil {
		t.Fatalf("mark 5: %v", err)
	}
	if got.Enabled {
		t.Fatal("expected auto-disable on fifth consecutive failure")
	}
	if got.ConsecutiveFailures != 5 {
		t.Fatalf("failures = %d, want 5", got.ConsecutiveFailures)
	}

	// A success resets the streak.
	e2, _ := s.Create(ctx, ScheduleEntry{OwnerKey: "o", Name: "n2", Prompt: "p", Rule: intervalSpec(1, "hours"), Enabled: true})
	for i := 0; i < 4; i++ {
		_, _ = s.MarkExecuted(ctx, e2.ID, time.Now(), false)
	}
	got, err = s.MarkExecuted(ctx, e2.ID, time.Now(), true)
	if err != nil {
		t.Fatalf("mark success: %v", err)
	}
	if got.ConsecutiveFailures != 0 || !got.Enabled {
		t.Fatalf("success did not reset streak: %+v", got)
	}
}

func TestFileStoreRecordRetention(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Config{RecordsPerEntry: 3})
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		err := s.AppendRecord(ctx, ExecutionRecord{
			EntryID:   "entry-1",
			Success:   true,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// Another entry is unaffected by entry-1's pruning.
	if err := s.AppendRecord(ctx, ExecutionRecord{EntryID: "entry-2", Success: false, Error: "boom", CreatedAt: base}); err != nil {
		t.Fatalf("append other: %v", err)
	}

	recs, err := s.RecordsByEntry(ctx, "entry-1", 0)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3 after pruning", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].CreatedAt.After(recs[i-1].CreatedAt) {
			t.Fatal("records not newest first")
		}
	}
	// The oldest two were dropped.
	if recs[len(recs)-1].CreatedAt.Before(base.Add(2 * time.Minute)) {
		t.Fatalf("oldest kept record too old: %v", recs[len(recs)-1].CreatedAt)
	}

	other, err := s.RecordsByEntry(ctx, "entry-2", 0)
	if err != nil {
		t.Fatalf("records other: %v", err)
	}
	if len(other) != 1 || other[0].Error != "boom" {
		t.Fatalf("unexpected records for entry-2: %+v", other)
	}
}

func TestFileStoreCountEnabledByOwner(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Config{})
	ctx := context.Background()

	for i, enabled := range []bool{true, true, false} {
		_, err := s.Create(ctx, ScheduleEntry{OwnerKey: "a", Name: "n", Prompt: "p", Rule: intervalSpec(i+1, "hours"), Enabled: enabled})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	_, _ = s.Create(ctx, ScheduleEntry{OwnerKey: "b", Name: "n", Prompt: "p", Rule: intervalSpec(1, "hours"), Enabled: true})

	n, err := s.CountEnabledByOwner(ctx, "a")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func TestFileStoreCleanupRecords(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Config{})
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	_ = s.AppendRecord(ctx, ExecutionRecord{EntryID: "e", Success: true, CreatedAt: old})
	_ = s.AppendRecord(ctx, ExecutionRecord{EntryID: "e", Success: true, CreatedAt: fresh})

	removed, err := s.CleanupRecords(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	recs, _ := s.RecordsByEntry(ctx, "e", 0)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
}
