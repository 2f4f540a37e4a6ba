package trigger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"promptsched/internal/action"
	"promptsched/internal/cycle"
	"promptsched/internal/eventbus"
	"promptsched/internal/rule"
	"promptsched/internal/store"
	logx "promptsched/pkg/logx"
)

type okInvoker struct{}

func (okInvoker) Invoke(ctx context.Context, prompt string) (action.Result, error) {
	return action.Result{Output: "ok"}, nil
}

func newService(t *testing.T, cfg Config) (*Service, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	coord := cycle.New(cycle.Config{EntryDelay: time.Millisecond}, st, okInvoker{}, nil, eventbus.New(), logx.Nop())
	return New(cfg, coord, st, eventbus.New(), logx.Nop()), st
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := newService(t, Config{Enabled: true, Spec: "@every 1h"})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	s.Stop(ctx)
	s.Stop(ctx)

	// Restartable after stop.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop(ctx)
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()

	s, _ := newService(t, Config{Enabled: false})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Enabled() {
		t.Fatal("service reports enabled")
	}
	s.Stop(context.Background())
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()

	s, _ := newService(t, Config{Enabled: true, Spec: "not a cron spec"})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}

func TestRunOnceExecutesDueEntry(t *testing.T) {
	t.Parallel()

	s, st := newService(t, Config{Enabled: true})
	ctx := context.Background()

	e, err := st.Create(ctx, store.ScheduleEntry{
		OwnerKey: "o",
		Name:     "n",
		Prompt:   "p",
		Rule:     rule.Spec{R: rule.Interval{Value: 1, Unit: "minutes"}},
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Backdate the entry so its next execution is already in the past.
	if _, err := st.MarkExecuted(ctx, e.ID, time.Now().Add(-2*time.Hour), true); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	s.RunOnce(ctx)
	got, err := st.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExecutionCount != 2 {
		t.Fatalf("execution count = %d, want 2", got.ExecutionCount)
	}
	if !got.NextExecutionAt.After(time.Now()) {
		t.Fatalf("not rescheduled into the future: %v", got.NextExecutionAt)
	}
}

func TestApplyDisableStops(t *testing.T) {
	t.Parallel()

	s, _ := newService(t, Config{Enabled: true, Spec: "@every 1h"})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Apply(Config{Enabled: false})
	if s.Enabled() {
		t.Fatal("config not applied")
	}
	s.Stop(ctx)
}
