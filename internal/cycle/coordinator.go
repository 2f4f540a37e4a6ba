// Package cycle runs the periodic execution pass over due schedule entries.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"promptsched/internal/action"
	"promptsched/internal/eventbus"
	"promptsched/internal/notify"
	"promptsched/internal/store"
	logx "promptsched/pkg/logx"
)

// ErrCycleBusy is returned when a cycle is requested while one is running.
// The caller treats it as a no-op, never as a failure.
var ErrCycleBusy = errors.New("cycle: already running")

const (
	defaultEntryDelay = 2 * time.Second
	maxDetail         = 4000
)

// Notifier is the slice of the dispatch service the coordinator needs.
type Notifier interface {
	Dispatch(ctx context.Context, cfg notify.Config, s notify.Summary) []notify.SendResult
}

type Config struct {
	// EntryDelay is the pause between consecutive entries in one cycle.
	EntryDelay time.Duration `json:"-" yaml:"-"`
}

func (c Config) entryDelay() time.Duration {
	if c.EntryDelay > 0 {
		return c.EntryDelay
	}
	return defaultEntryDelay
}

// EntryResult is the outcome of one processed entry.
type EntryResult struct {
	EntryID  string
	Name     string
	Success  bool
	Error    string
	Disabled bool
	Sends    []notify.SendResult
}

// Report summarises one cycle.
type Report struct {
	StartedAt time.Time
	Took      time.Duration
	Due       int
	Succeeded int
	Failed    int
	Results   []EntryResult
}

type Coordinator struct {
	log      logx.Logger
	store    store.Store
	invoker  action.Invoker
	notifier Notifier
	bus      eventbus.Bus
	cfg      Config

	running atomic.Bool
}

func New(cfg Config, st store.Store, inv action.Invoker, n Notifier, bus eventbus.Bus, log logx.Logger) *Coordinator {
	return &Coordinator{
		log:      log.With(logx.String("comp", "cycle")),
		store:    st,
		invoker:  inv,
		notifier: n,
		bus:      bus,
		cfg:      cfg,
	}
}

// RunCycle selects due entries and processes them strictly one at a time.
// Per-entry problems become recorded failures; only the inability to read
// the store aborts the cycle with an error.
func (c *Coordinator) RunCycle(ctx context.Context, now time.Time) (Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Report{}, ErrCycleBusy
	}
	defer c.running.Store(false)

	rep := Report{StartedAt: now}
	c.publish(eventbus.TypeCycleStarted, map[string]any{"at": now})

	due, err := c.store.DueEntries(ctx, now)
	if err != nil {
		c.publish(eventbus.TypeCycleFailed, map[string]any{"error": err.Error()})
		return rep, fmt.Errorf("due entries: %w", err)
	}
	rep.Due = len(due)
	c.log.Info("cycle started", logx.Int("due", len(due)))

	for i, e := range due {
		if err := ctx.Err(); err != nil {
			rep.Took = time.Since(now)
			return rep, err
		}

		res := c.processEntry(ctx, e)
		rep.Results = append(rep.Results, res)
		if res.Success {
			rep.Succeeded++
		} else {
			rep.Failed++
		}

		if i < len(due)-1 {
			if err := sleep(ctx, c.cfg.entryDelay()); err != nil {
				rep.Took = time.Since(now)
				return rep, err
			}
		}
	}

	rep.Took = time.Since(now)
	c.publish(eventbus.TypeCycleCompleted, rep)
	c.log.Info("cycle completed",
		logx.Int("due", rep.Due),
		logx.Int("succeeded", rep.Succeeded),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Took),
	)
	return rep, nil
}

func (c *Coordinator) processEntry(ctx context.Context, e store.ScheduleEntry) EntryResult {
	res := EntryResult{EntryID: e.ID, Name: e.Name}

	out, err := c.invokeSafe(ctx, e.Prompt)
	executedAt := time.Now()
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
		c.log.Warn("entry execution failed",
			logx.String("id", e.ID),
			logx.String("name", e.Name),
			logx.Err(err),
		)
	}

	if res.Success && c.notifier != nil && e.Notify.Enabled() {
		res.Sends = c.notifier.Dispatch(ctx, e.Notify, notify.Summary{
			EntryID:   e.ID,
			EntryName: e.Name,
			Body:      out.Output,
			At:        executedAt,
		})
	}

	rec := store.ExecutionRecord{
		EntryID:   e.ID,
		Success:   res.Success,
		Error:     res.Error,
		Detail:    clip(out.Output, maxDetail),
		CreatedAt: executedAt,
	}
	if err := c.store.AppendRecord(ctx, rec); err != nil {
		c.log.Error("append execution record failed", logx.String("id", e.ID), logx.Err(err))
	}

	updated, err := c.store.MarkExecuted(ctx, e.ID, executedAt, res.Success)
	if err != nil {
		c.log.Error("mark executed failed", logx.String("id", e.ID), logx.Err(err))
	} else {
		res.Disabled = e.Enabled && !updated.Enabled
	}

	c.publish(eventbus.TypeEntryExecuted, res)
	if res.Disabled {
		c.publish(eventbus.TypeEntryDisabled, map[string]any{"id": e.ID, "name": e.Name})
	}
	return res
}

// invokeSafe keeps a panicking invoker from taking down the cycle.
func (c *Coordinator) invokeSafe(ctx context.Context, prompt string) (out action.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panic: %v", r)
		}
	}()
	return c.invoker.Invoke(ctx, prompt)
}

func (c *Coordinator) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
