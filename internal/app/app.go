// Package app assembles the daemon: config, logging, cache store, task
// backend, read-through and schedule coordinators, and the HTTP API.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"phishwatch/internal/analytics"
	"phishwatch/internal/clock"
	"phishwatch/internal/config"
	"phishwatch/internal/eventbus"
	"phishwatch/internal/readthrough"
	"phishwatch/internal/runtime/supervisor"
	"phishwatch/internal/storage"
	"phishwatch/internal/task/backend"
	"phishwatch/internal/task/scheduler"
	"phishwatch/internal/transport/httpapi"
	"phishwatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	clk  clock.Clock

	store    storage.Store
	registry *backend.Registry
	backend  backend.Backend
	reader   *readthrough.Coordinator
	sched    *scheduler.Service
	scoring  *analytics.Service

	http        *httpapi.Server
	httpEnabled bool
}

type Option func(*options)

type options struct {
	backend backend.Backend
	clock   clock.Clock
}

// WithBackend replaces the process backend, e.g. with backendtest.Fake.
func WithBackend(b backend.Backend) Option { return func(o *options) { o.backend = b } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging))
	appLog := log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, o.clock, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	reg, err := buildRegistry(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	be := o.backend
	if be == nil {
		be = backend.NewProcessBackend(backend.WithLogger(log.With(logx.String("comp", "backend"))))
	}
	bus := eventbus.New()
	reader := readthrough.New(store, be, readthrough.WithClock(o.clock), readthrough.WithLogger(log))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched, err := scheduler.New(schedCfg, scheduler.Deps{Backend: be, Store: store, Clock: o.clock, Bus: bus, Log: log})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	rules, err := buildRules(cfg, reg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	for _, r := range rules {
		if err := sched.Add(r); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		clk:      o.clock,
		store:    store,
		registry: reg,
		backend:  be,
		reader:   reader,
		sched:    sched,
	}

	if acfg, ok, err := mapAnalyticsConfig(cfg, reg); err != nil {
		_ = store.Close()
		return nil, err
	} else if ok {
		a.scoring = analytics.New(reader, acfg, log)
	}

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	eps, err := buildEndpoints(cfg, reg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.httpEnabled = cfg.HTTP.Enabled
	a.http = httpapi.New(hcfg, httpapi.Deps{
		Reader:    reader,
		Scheduler: sched,
		Analytics: a.scoring,
		Endpoints: eps,
		Health:    a.health,
		Log:       log,
	})
	return a, nil
}

func (a *App) Registry() *backend.Registry      { return a.registry }
func (a *App) Backend() backend.Backend         { return a.backend }
func (a *App) Reader() *readthrough.Coordinator { return a.reader }
func (a *App) Scheduler() *scheduler.Service    { return a.sched }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) HTTP() *httpapi.Server            { return a.http }
func (a *App) Logger() logx.Logger              { return a.log }

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

func (a *App) health() any {
	out := map[string]any{"scheduler": map[string]any{
		"started": a.sched.Snapshot().Started,
	}}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.httpEnabled {
		a.sup.Go("http.api", a.http.Serve)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Keep this debug-level to avoid noise for frequent schedules.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("http", a.httpEnabled),
		logx.Int("tasks", len(a.registry.Names())),
		logx.Int("rules", len(a.sched.Snapshot().Rules)),
	)
	return nil
}

// applyConfig applies the live-reloadable part of newCfg (logging) and warns
// about sections that need a restart.
func (a *App) applyConfig(prev, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLoggingConfig(newCfg.Logging))
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		_ = a.reader.Close(ctx)
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so the HTTP listener and loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 15*time.Second, a.sched.Stop)
	a.step(ctx, "readthrough", 6*time.Second, a.reader.Close)
	a.step(ctx, "supervisor", 6*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max so one component can't stall the
// whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
