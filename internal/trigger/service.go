// Package trigger drives the execution coordinator on a fixed cadence.
package trigger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"promptsched/internal/cycle"
	"promptsched/internal/eventbus"
	logx "promptsched/pkg/logx"
)

const (
	// DefaultSpec fires the cycle every fifteen minutes.
	DefaultSpec = "@every 15m"
)

type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Spec is a cron expression or @every interval for cycle cadence.
	Spec string `json:"spec,omitempty" yaml:"spec,omitempty"`
	// CleanupSpec prunes old execution records; empty disables the job.
	CleanupSpec string `json:"cleanup_spec,omitempty" yaml:"cleanup_spec,omitempty"`
	// CleanupMaxAge bounds record age for the cleanup job.
	CleanupMaxAge time.Duration `json:"-" yaml:"-"`
}

func (c Config) spec() string {
	if s := strings.TrimSpace(c.Spec); s != "" {
		return s
	}
	return DefaultSpec
}

// Cleaner is the slice of the store the cleanup job needs.
type Cleaner interface {
	CleanupRecords(ctx context.Context, maxAge time.Duration) (int, error)
}

type Service struct {
	log     logx.Logger
	coord   *cycle.Coordinator
	cleaner Cleaner
	bus     eventbus.Bus

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
}

func New(cfg Config, coord *cycle.Coordinator, cleaner Cleaner, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("comp", "trigger")),
		coord:   coord,
		cleaner: cleaner,
		bus:     bus,
		cfg:     cfg,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config; a changed spec takes effect via restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	specChanged := s.cfg.spec() != cfg.spec() || s.cfg.CleanupSpec != cfg.CleanupSpec
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if !cfg.Enabled {
		s.stopLocked(context.Background())
		return
	}
	if specChanged {
		s.stopLocked(context.Background())
		s.startLocked()
	}
}

// Start registers the cron jobs. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Debug("trigger disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.spec(), s.fireCycle); err != nil {
		return err
	}
	if spec := strings.TrimSpace(s.cfg.CleanupSpec); spec != "" {
		if _, err := c.AddFunc(spec, s.fireCleanup); err != nil {
			return err
		}
	}
	c.Start()
	s.c = c
	s.log.Info("trigger started", logx.String("spec", s.cfg.spec()))
	return nil
}

// Stop halts triggering and waits for a running job to finish. Idempotent.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	c := s.c
	s.c = nil
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("trigger stopped")
}

func (s *Service) fireCycle() {
	s.RunOnce(context.Background())
}

// RunOnce triggers one cycle immediately. An overlapping cycle is a logged
// no-op; only a store-level failure is surfaced.
func (s *Service) RunOnce(ctx context.Context) {
	rep, err := s.coord.RunCycle(ctx, time.Now())
	switch {
	case errors.Is(err, cycle.ErrCycleBusy):
		s.log.Warn("cycle still running, skipping trigger")
	case err != nil:
		s.log.Error("cycle failed", logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFailed, Data: err.Error()})
		}
	default:
		s.log.Debug("cycle done",
			logx.Int("due", rep.Due),
			logx.Int("failed", rep.Failed),
		)
	}
}

func (s *Service) fireCleanup() {
	if s.cleaner == nil {
		return
	}
	s.mu.Lock()
	maxAge := s.cfg.CleanupMaxAge
	s.mu.Unlock()
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	n, err := s.cleaner.CleanupRecords(context.Background(), maxAge)
	if err != nil {
		s.log.Error("record cleanup failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("old execution records pruned", logx.Int("removed", n))
	}
}
