//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"promptsched/internal/notify"
	"promptsched/internal/rule"
	logx "promptsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	cfg Config
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log, cfg: cfg}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const entryCols = `id, owner_key, name, prompt, rule, enabled, notify,
	created_at, updated_at, last_executed_at, next_execution_at,
	execution_count, consecutive_failures`

func (s *sqliteStore) Create(ctx context.Context, e ScheduleEntry) (ScheduleEntry, error) {
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

	if err := s.insertEntry(ctx, e); err != nil {
		return ScheduleEntry{}, err
	}
	return e, nil
}

func (s *sqliteStore) insertEntry(ctx context.Context, e ScheduleEntry) error {
	ruleJSON, err := json.Marshal(e.Rule)
	if err != nil {
		return err
	}
	notifyJSON, err := json.Marshal(e.Notify)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+entryCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.OwnerKey, e.Name, e.Prompt, string(ruleJSON), e.Enabled, string(notifyJSON),
		fmtTime(e.CreatedAt), fmtTime(e.UpdatedAt), fmtTimePtr(e.LastExecutedAt), fmtTime(e.NextExecutionAt),
		e.ExecutionCount, e.ConsecutiveFailures,
	)
	return err
}

func (s *sqliteStore) writeEntry(ctx context.Context, e ScheduleEntry) error {
	ruleJSON, err := json.Marshal(e.Rule)
	if err != nil {
		return err
	}
	notifyJSON, err := json.Marshal(e.Notify)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE schedules SET name=?, prompt=?, rule=?, enabled=?, notify=?,
		 updated_at=?, last_executed_at=?, next_execution_at=?,
		 execution_count=?, consecutive_failures=? WHERE id=?`,
		e.Name, e.Prompt, string(ruleJSON), e.Enabled, string(notifyJSON),
		fmtTime(e.UpdatedAt), fmtTimePtr(e.LastExecutedAt), fmtTime(e.NextExecutionAt),
		e.ExecutionCount, e.ConsecutiveFailures, e.ID,
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (ScheduleEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryCols+` FROM schedules WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleEntry{}, ErrNotFound
	}
	return e, err
}

func (s *sqliteStore) FindByOwner(ctx context.Context, ownerKey string) ([]ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryCols+` FROM schedules WHERE owner_key = ? ORDER BY created_at DESC`, ownerKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *sqliteStore) Update(ctx context.Context, id, ownerKey string, upd EntryUpdate) (ScheduleEntry, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return ScheduleEntry{}, err
	}
	if e.OwnerKey != ownerKey {
		return ScheduleEntry{}, ErrUnauthorized
	}
	applyUpdate(&e, upd)
	if err := s.writeEntry(ctx, e); err != nil {
		return ScheduleEntry{}, err
	}
	return e, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id, ownerKey string) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.OwnerKey != ownerKey {
		return ErrUnauthorized
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `DELETE FROM executions WHERE entry_id = ?`, id)
	}
	return err
}

func (s *sqliteStore) DueEntries(ctx context.Context, now time.Time) ([]ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryCols+` FROM schedules
		 WHERE enabled = 1 AND next_execution_at != '' AND next_execution_at <= ?
		 ORDER BY next_execution_at ASC`, fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *sqliteStore) MarkExecuted(ctx context.Context, id string, at time.Time, success bool) (ScheduleEntry, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return ScheduleEntry{}, err
	}
	if applyExecution(&e, at, success, s.cfg.failureLimit()) {
		s.log.Warn("entry auto-disabled after consecutive failures",
			logx.String("id", e.ID),
			logx.Int("failures", e.ConsecutiveFailures),
		)
	}
	if err := s.writeEntry(ctx, e); err != nil {
		return ScheduleEntry{}, err
	}
	return e, nil
}

func (s *sqliteStore) AppendRecord(ctx context.Context, rec ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, entry_id, success, error, detail, created_at)
		 VALUES(?,?,?,?,?,?)`,
		rec.ID, rec.EntryID, rec.Success, rec.Error, rec.Detail, fmtTime(rec.CreatedAt),
	)
	if err != nil {
		return err
	}
	// Keep only the newest records for the entry.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE entry_id = ? AND id NOT IN (
		   SELECT id FROM executions WHERE entry_id = ? ORDER BY created_at DESC LIMIT ?
		 )`,
		rec.EntryID, rec.EntryID, s.cfg.recordsPerEntry(),
	)
	return err
}

func (s *sqliteStore) RecordsByEntry(ctx context.Context, entryID string, limit int) ([]ExecutionRecord, error) {
	q := `SELECT id, entry_id, success, error, detail, created_at
	      FROM executions WHERE entry_id = ? ORDER BY created_at DESC`
	args := []any{entryID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var r ExecutionRecord
		var created string
		if err := rows.Scan(&r.ID, &r.EntryID, &r.Success, &r.Error, &r.Detail, &created); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountEnabledByOwner(ctx context.Context, ownerKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schedules WHERE owner_key = ? AND enabled = 1`, ownerKey).Scan(&n)
	return n, err
}

func (s *sqliteStore) CleanupRecords(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := fmtTime(time.Now().Add(-maxAge))
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Fixed-width so string comparison in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type rowScanner interface{ Scan(dest ...any) error }

func scanEntry(row rowScanner) (ScheduleEntry, error) {
	var (
		e                    ScheduleEntry
		ruleJSON, notifyJSON string
		created, updated     string
		lastExec             sql.NullString
		next                 string
	)
	err := row.Scan(&e.ID, &e.OwnerKey, &e.Name, &e.Prompt, &ruleJSON, &e.Enabled, &notifyJSON,
		&created, &updated, &lastExec, &next, &e.ExecutionCount, &e.ConsecutiveFailures)
	if err != nil {
		return ScheduleEntry{}, err
	}
	if err := json.Unmarshal([]byte(ruleJSON), &e.Rule); err != nil {
		return ScheduleEntry{}, err
	}
	if notifyJSON != "" {
		var nc notify.Config
		if err := json.Unmarshal([]byte(notifyJSON), &nc); err != nil {
			return ScheduleEntry{}, err
		}
		e.Notify = nc
	}
	e.CreatedAt, _ = time.Parse(timeLayout, created)
	e.UpdatedAt, _ = time.Parse(timeLayout, updated)
	e.NextExecutionAt, _ = time.Parse(timeLayout, next)
	if lastExec.Valid && lastExec.String != "" {
		t, err := time.Parse(timeLayout, lastExec.String)
		if err == nil {
			e.LastExecutedAt = &t
		}
	}
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]ScheduleEntry, error) {
	var out []ScheduleEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}
