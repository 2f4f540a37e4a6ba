package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"promptsched/internal/rule"
	logx "promptsched/pkg/logx"
)

// fileStore is a dependency-free persistence backend: the whole state lives
// in one JSON snapshot that is re-read on every operation and replaced
// atomically (tmp + rename) on every write.
type fileStore struct {
	log  logx.Logger
	cfg  Config
	path string

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, cfg: cfg, path: path}

	// Create the initial snapshot eagerly so a bad path fails at startup,
	// not mid-cycle.
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.saveLocked(newState()); err != nil {
			return nil, err
		}
		log.Info("created schedule state file", logx.String("path", path))
	} else if _, err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) loadLocked() (*state, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	st := newState()
	if err := json.Unmarshal(b, st); err != nil {
		return nil, err
	}
	if st.Schedules == nil {
		st.Schedules = map[string]ScheduleEntry{}
	}
	if st.Executions == nil {
		st.Executions = map[string]ExecutionRecord{}
	}
	return st, nil
}

func (s *fileStore) saveLocked(st *state) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// mutate runs one read-modify-write transaction against the snapshot.
func (s *fileStore) mutate(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return s.saveLocked(st)
}

func (s *fileStore) view(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return err
	}
	return fn(st)
}

func (s *fileStore) Create(ctx context.Context, e ScheduleEntry) (ScheduleEntry, error) {
	now := time.Now()
	e.ID = uuid.New().String()
	e.Name = strings.TrimSpace(e.Name)
	e.Prompt = strings.TrimSpace(e.Prompt)
	e.CreatedAt = now
	e.UpdatedAt = now
	e.LastExecutedAt = nil
	e.ExecutionCount = 0
	e.ConsecutiveFailures = 0
	e.NextExecutionAt = rule.Next(e.Rule, now)

	err := s.mutate(ctx, func(st *state) error {
		st.Schedules[e.ID] = e
		return nil
	})
	if err != nil {
		return ScheduleEntry{}, err
	}
	return e, nil
}

func (s *fileStore) Get(ctx context.Context, id string) (ScheduleEntry, error) {
	var out ScheduleEntry
	err := s.view(ctx, func(st *state) error {
		e, ok := st.Schedules[id]
		if !ok {
			return ErrNotFound
		}
		out = e
		return nil
	})
	return out, err
}

func (s *fileStore) FindByOwner(ctx context.Context, ownerKey string) ([]ScheduleEntry, error) {
	var out []ScheduleEntry
	err := s.view(ctx, func(st *state) error {
		for _, e := range st.Schedules {
			if e.OwnerKey == ownerKey {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *fileStore) Update(ctx context.Context, id, ownerKey string, upd EntryUpdate) (ScheduleEntry, error) {
	var out ScheduleEntry
	err := s.mutate(ctx, func(st *state) error {
		e, ok := st.Schedules[id]
		if !ok {
			return ErrNotFound
		}
		if e.OwnerKey != ownerKey {
			return ErrUnauthorized
		}
		applyUpdate(&e, upd)
		st.Schedules[id] = e
		out = e
		return nil
	})
	if err != nil {
		return ScheduleEntry{}, err
	}
	return out, nil
}

func (s *fileStore) Delete(ctx context.Context, id, ownerKey string) error {
	return s.mutate(ctx, func(st *state) error {
		e, ok := st.Schedules[id]
		if !ok {
			return ErrNotFound
		}
		if e.OwnerKey != ownerKey {
			return ErrUnauthorized
		}
		delete(st.Schedules, id)
		return nil
	})
}

func (s *fileStore) DueEntries(ctx context.Context, now time.Time) ([]ScheduleEntry, error) {
	var out []ScheduleEntry
	err := s.view(ctx, func(st *state) error {
		for _, e := range st.Schedules {
			if !e.Enabled || e.NextExecutionAt.IsZero() {
				continue
			}
			if e.NextExecutionAt.After(now) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextExecutionAt.Before(out[j].NextExecutionAt) })
	return out, nil
}

func (s *fileStore) MarkExecuted(ctx context.Context, id string, at time.Time, success bool) (ScheduleEntry, error) {
	var out ScheduleEntry
	err := s.mutate(ctx, func(st *state) error {
		e, ok := st.Schedules[id]
		if !ok {
			return ErrNotFound
		}
		disabled := applyExecution(&e, at, success, s.cfg.failureLimit())
		if disabled {
			s.log.Warn("entry auto-disabled after consecutive failures",
				logx.String("id", e.ID),
				logx.Int("failures", e.ConsecutiveFailures),
			)
		}
		st.Schedules[id] = e
		out = e
		return nil
	})
	if err != nil {
		return ScheduleEntry{}, err
	}
	return out, nil
}

func (s *fileStore) AppendRecord(ctx context.Context, rec ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	keep := s.cfg.recordsPerEntry()
	return s.mutate(ctx, func(st *state) error {
		st.Executions[rec.ID] = rec
		pruneRecords(st, rec.EntryID, keep)
		return nil
	})
}

func (s *fileStore) RecordsByEntry(ctx context.Context, entryID string, limit int) ([]ExecutionRecord, error) {
	var out []ExecutionRecord
	err := s.view(ctx, func(st *state) error {
		for _, r := range st.Executions {
			if r.EntryID == entryID {
				out = append(out, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) CountEnabledByOwner(ctx context.Context, ownerKey string) (int, error) {
	n := 0
	err := s.view(ctx, func(st *state) error {
		for _, e := range st.Schedules {
			if e.OwnerKey == ownerKey && e.Enabled {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *fileStore) CleanupRecords(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := s.mutate(ctx, func(st *state) error {
		for id, r := range st.Executions {
			if r.CreatedAt.Before(cutoff) {
				delete(st.Executions, id)
				removed++
			}
		}
		now := time.Now()
		st.LastCleanup = &now
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// applyUpdate copies the allow-listed fields onto e and recomputes the next
// execution when the rule changed.
func applyUpdate(e *ScheduleEntry, upd EntryUpdate) {
	now := time.Now()
	if upd.Name != nil {
		e.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Prompt != nil {
		e.Prompt = strings.TrimSpace(*upd.Prompt)
	}
	if upd.Enabled != nil {
		e.Enabled = *upd.Enabled
	}
	if upd.Notify != nil {
		e.Notify = *upd.Notify
	}
	if upd.Rule != nil {
		e.Rule = *upd.Rule
		e.NextExecutionAt = rule.Next(e.Rule, now)
	}
	e.UpdatedAt = now
}

// applyExecution is the shared execution-bookkeeping step used by both
// backends. It reports whether the entry was auto-disabled.
func applyExecution(e *ScheduleEntry, at time.Time, success bool, failLimit int) bool {
	e.LastExecutedAt = &at
	e.ExecutionCount++

	disabled := false
	if success {
		e.ConsecutiveFailures = 0
	} else {
		e.ConsecutiveFailures++
		if e.ConsecutiveFailures >= failLimit && e.Enabled {
			e.Enabled = false
			disabled = true
		}
	}

	// Reschedule regardless of outcome; a failing entry keeps its normal
	// cadence instead of a fast-retry loop.
	e.NextExecutionAt = rule.Next(e.Rule, at)
	e.UpdatedAt = time.Now()
	return disabled
}

// pruneRecords keeps only the newest max records for the entry.
func pruneRecords(st *state, entryID string, max int) {
	var recs []ExecutionRecord
	for _, r := range st.Executions {
		if r.EntryID == entryID {
			recs = append(recs, r)
		}
	}
	if len(recs) <= max {
		return
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	for _, r := range recs[max:] {
		delete(st.Executions, r.ID)
	}
}
