// Package app assembles the daemon: config, logging, storage, the execution
// pipeline and the optional management API.
package app

import (
	"context"
	"fmt"
	"time"

	"promptsched/internal/action"
	"promptsched/internal/api"
	"promptsched/internal/auth"
	"promptsched/internal/config"
	"promptsched/internal/cycle"
	"promptsched/internal/eventbus"
	"promptsched/internal/notify"
	rtsup "promptsched/internal/runtime/supervisor"
	"promptsched/internal/store"
	"promptsched/internal/trigger"
	logx "promptsched/pkg/logx"
)

type App struct {
	cfgPath string
	// bootCfg keeps the startup values of restart-only sections.
	bootCfg struct {
		Storage config.StorageConfig
		Action  config.ActionConfig
	}

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store store.Store
	keys  *auth.Keyring

	dispatcher *notify.Dispatcher
	coord      *cycle.Coordinator
	trig       *trigger.Service
	api        *api.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.ToLogx())
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := cfg.Storage.ToStore()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	keys := auth.New(cfg.Auth)

	ac, err := cfg.Action.ToAction()
	if err != nil {
		return nil, err
	}
	invoker, err := action.NewHTTP(ac, log.With(logx.String("comp", "action")))
	if err != nil {
		return nil, err
	}

	dc, err := cfg.Notify.ToDispatcher()
	if err != nil {
		return nil, err
	}
	dispatcher := notify.NewDispatcher(dc, log.With(logx.String("comp", "notify")), bus)

	cc, err := cfg.Scheduler.ToCycle()
	if err != nil {
		return nil, err
	}
	coord := cycle.New(cc, st, invoker, dispatcher, bus, log)

	tc, err := cfg.Scheduler.ToTrigger()
	if err != nil {
		return nil, err
	}
	trig := trigger.New(tc, coord, st, bus, log)

	apiSvc := api.New(api.Config{
		Enabled:     cfg.API.Enabled,
		Addr:        cfg.API.Addr,
		AllowRemote: cfg.API.AllowRemote,
	}, keys, st, coord, log.With(logx.String("comp", "api")))

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      st,
		keys:       keys,
		dispatcher: dispatcher,
		coord:      coord,
		trig:       trig,
		api:        apiSvc,
	}
	a.bootCfg.Storage = cfg.Storage
	a.bootCfg.Action = cfg.Action
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.trig.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.api.Enabled() {
		a.api.Start(a.sup.Context())
	}

	// Debug visibility into the internal bus.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a reloaded config into the running services. Storage
// and action changes need a restart; everything else applies live.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(cfg.Logging.ToLogx())
	a.keys.Apply(cfg.Auth)

	if tc, err := cfg.Scheduler.ToTrigger(); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.trig.Apply(tc)
		if tc.Enabled {
			if err := a.trig.Start(ctx); err != nil {
				a.log.Error("trigger restart failed", logx.Err(err))
			}
		}
	}

	a.api.Reconfigure(ctx, api.Config{
		Enabled:     cfg.API.Enabled,
		Addr:        cfg.API.Addr,
		AllowRemote: cfg.API.AllowRemote,
	})

	// The store and the invoker are bound at startup.
	if cfg.Storage != a.bootCfg.Storage {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if cfg.Action != a.bootCfg.Action {
		a.log.Warn("action config changed; restart required for changes to take effect")
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("trigger", 3*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("store", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
