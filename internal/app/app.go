package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"timerd/internal/config"
	"timerd/internal/dispatch"
	"timerd/internal/eventbus"
	"timerd/internal/metrics"
	rtsup "timerd/internal/runtime/supervisor"
	"timerd/internal/server"
	"timerd/internal/storage"
	"timerd/internal/task/clock"
	"timerd/internal/task/engine"
	"timerd/internal/task/scheduler"
	logx "timerd/pkg/logx"
)

const (
	eventBuffer      = 1024
	storeWriteBudget = 2 * time.Second
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	pruner  *storage.Pruner
	engine  *engine.Service
	sched   *scheduler.Service
	disp    *dispatch.Dispatcher
	metrics *metrics.Collector
	server  *server.Service

	eventsStop chan struct{}
	eventsDone chan struct{}
	stopOnce   sync.Once
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Run history (optional)
	var (
		store  storage.Store
		pruner *storage.Pruner
	)
	if sc, pc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		pruner, err = storage.NewPruner(st, pc.Retention, pc.Schedule, log.With(logx.String("comp", "storage.prune")))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, clock.Real(), log.With(logx.String("comp", "taskengine")), bus)

	disp := dispatch.New(mapDispatchConfig(cfg), log.With(logx.String("comp", "dispatch")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, engineSvc, disp.Process, log.With(logx.String("comp", "scheduler")), bus)

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := server.Deps{Scheduler: schedSvc}
	var col *metrics.Collector
	if srvCfg.MetricsEnabled {
		col = metrics.New(schedSvc.Pending)
		deps.Metrics = col.Handler()
	}
	if store != nil {
		deps.Runs = store
	}
	srv := server.New(srvCfg, deps, log.With(logx.String("comp", "http")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		pruner:  pruner,
		engine:  engineSvc,
		sched:   schedSvc,
		disp:    disp,
		metrics: col,
		server:  srv,
	}, nil
}

// Scheduler exposes the keyed scheduler for embedding callers.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Server exposes the HTTP front end (never nil; may be disabled).
func (a *App) Server() *server.Service { return a.server }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapServerConfig(cfg); err != nil {
			return err
		}
		_, _, _, err := mapStorageConfig(cfg)
		return err
	})

	a.startEvents()

	a.sched.Start(a.sup.Context())
	if a.pruner != nil {
		if err := a.pruner.Start(); err != nil {
			return fmt.Errorf("storage pruner: %w", err)
		}
	}
	a.server.Start(a.sup.Context())

	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// startEvents feeds bus events into metrics and run history. It has its own
// stop channel so the scheduler drain is still recorded during Stop.
func (a *App) startEvents() {
	events, unsub := a.bus.Subscribe(eventBuffer)
	a.eventsStop = make(chan struct{})
	a.eventsDone = make(chan struct{})
	stop, done := a.eventsStop, a.eventsDone

	a.sup.Go0("eventbus.consume", func(c context.Context) {
		defer close(done)
		defer unsub()
		for {
			select {
			case <-stop:
				// Drain what is already buffered, then exit.
				for {
					select {
					case e := <-events:
						a.handleEvent(e)
					default:
						return
					}
				}
			case e, ok := <-events:
				if !ok {
					return
				}
				a.handleEvent(e)
			}
		}
	})
}

func (a *App) handleEvent(e eventbus.Event) {
	if a.log.Enabled(logx.LevelTrace) {
		a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
	if a.metrics != nil {
		a.metrics.Observe(e)
	}
	if a.store == nil {
		return
	}
	rec, ok := storage.RecordFromEvent(e)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteBudget)
	defer cancel()
	if err := a.store.AppendRun(ctx, rec); err != nil {
		a.log.Warn("run history append failed", logx.String("id", rec.JobID), logx.Err(err))
	}
}

// startReload applies hot-reloadable sections and warns about the rest.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "server", "metrics", "storage":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if ec, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
	}
	a.disp.Apply(mapDispatchConfig(newCfg))

	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in order: server, scheduler (graceful drain),
// event consumer, pruner, storage, then the remaining supervised loops.
// Calls after the first are no-ops.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, report when it eventually returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("server", 2*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })

	// The scheduler bounds itself by shutdown_timeout; leave it a little slack.
	schedMax := scheduler.DefaultShutdownTimeout
	if sc, err := mapSchedulerConfig(a.cfgm.Get()); err == nil {
		schedMax = sc.ShutdownTimeout
	}
	schedMax += time.Second
	step("scheduler", schedMax, func(c context.Context) error { a.sched.Shutdown(0); return nil })

	step("events", 2*time.Second, func(c context.Context) error {
		close(a.eventsStop)
		select {
		case <-a.eventsDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})

	// Background loops (config watch/reload) unwind from here.
	a.sup.Cancel()

	step("pruner", 2*time.Second, func(c context.Context) error {
		if a.pruner != nil {
			return a.pruner.Stop(c)
		}
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
