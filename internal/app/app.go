package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"recurd/internal/config"
	"recurd/internal/eventbus"
	"recurd/internal/executor"
	"recurd/internal/observability/status"
	"recurd/internal/schedule"
	"recurd/internal/storage"
	"recurd/internal/task/engine"
	"recurd/internal/task/scheduler"
	logx "recurd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	// built is the config the components were wired from.
	built *Config
	sup  *Supervisor

	clock clock.Clock
	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	schedules *schedule.Store
	engine    *engine.Service
	exec      *executor.Mux
	systemd   *executor.Systemd
	sched     *scheduler.Service
	status    *status.Service

	// seeded holds the names of schedules last applied from config.
	seedMu sync.Mutex
	seeded map[string]struct{}
}

type Option func(*options)

type options struct {
	clock     clock.Clock
	executors map[string]executor.Executor
}

// WithClock replaces the wall clock (tests).
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithExecutor registers an extra job kind, or replaces a built-in one.
func WithExecutor(kind string, ex executor.Executor) Option {
	return func(o *options) {
		if o.executors == nil {
			o.executors = map[string]executor.Executor{}
		}
		o.executors[kind] = ex
	}
}

// NewApp loads the config at cfgPath (built-in defaults when empty) and
// wires every component. Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	cfgm := NewConfigManager(cfgPath)
	var cfg *Config
	if strings.TrimSpace(cfgPath) == "" {
		cfg = config.Default()
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
		cfgm.Commit(cfg)
	} else {
		var err error
		if cfg, err = cfgm.Load(context.Background()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}

	logSvc, log := logx.NewService(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if st == nil {
		st = storage.NewMemory(sc.ExecutionRetention)
		appLog.Info("storage disabled; schedules are kept in memory only")
	} else {
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	schedules := schedule.NewStore(
		schedule.WithClock(o.clock),
		schedule.WithRepository(st),
		schedule.WithLogger(log.With(logx.String("comp", "schedules"))),
		schedule.WithRecomputeOnEnable(dcfg.RecomputeOnEnable),
	)
	n, err := schedules.Load(context.Background())
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if n > 0 {
		appLog.Info("schedules restored", logx.Int("count", n))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus, engine.WithClock(o.clock))

	systemd := executor.NewSystemd()
	mux := executor.NewMux()
	mux.Handle("command", executor.Command{})
	mux.Handle("systemd", systemd)
	mux.Handle("log", executor.Log{Logger: log.With(logx.String("comp", "job"))})
	for kind, ex := range o.executors {
		mux.Handle(kind, ex)
	}

	schedSvc := scheduler.New(dcfg, schedules, engineSvc, mux,
		log.With(logx.String("comp", "scheduler")),
		scheduler.WithExecutionLog(st),
		scheduler.WithEventBus(bus),
	)

	stc, err := mapStatusConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	statusSvc := status.New(stc, schedSvc, log.With(logx.String("comp", "status")))

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		built:     cfg,
		clock:     o.clock,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     st,
		schedules: schedules,
		engine:    engineSvc,
		exec:      mux,
		systemd:   systemd,
		sched:     schedSvc,
		status:    statusSvc,
	}
	if err := a.validate(context.Background(), cfg); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Config() *Config { return a.cfgm.Get() }

func (a *App) Bus() eventbus.Bus { return a.bus }

// StatusAddr returns the status server's bound address, or "" when it is off.
func (a *App) StatusAddr() string { return a.status.Addr() }

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

// validate checks what config.Validate cannot: job kinds against the
// registered executors and the storage driver.
func (a *App) validate(ctx context.Context, cfg *Config) error {
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapStatusConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	for i, seed := range cfg.Schedules {
		if !a.exec.Supports(seed.Job.Kind) {
			errs = append(errs, fmt.Errorf("schedules[%d].job.kind: unsupported kind %q (have %s)",
				i, seed.Job.Kind, strings.Join(a.exec.Kinds(), ", ")))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	a.sched.Start(a.sup.Context())
	a.status.Start(a.sup.Context())

	// Reloads are diffed against the config the components were built
	// from; one committed before Subscribe is caught up by the loop below.
	applied := a.built
	sub := a.cfgm.Subscribe(8)

	if err := a.syncSeeds(a.sup.Context(), applied); err != nil {
		a.log.Warn("some configured schedules were not applied", logx.Err(err))
	}

	events, unsub := a.bus.SubscribePrefix("schedule.", 128)
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

	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := applied
		// Notifications only wake the loop; the committed config is the
		// target, so a burst or a reload that beat Subscribe applies once.
		apply := func() {
			cur := a.cfgm.Get()
			if cur == nil || cur == lastApplied {
				return
			}
			a.applyConfig(c, lastApplied, cur)
			lastApplied = cur
		}
		apply()
		for {
			select {
			case <-c.Done():
				return
			case _, ok := <-sub:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case _, ok := <-sub:
						if !ok {
							break drain
						}
					default:
						break drain
					}
				}
				apply()
			}
		}
	})

	if strings.TrimSpace(a.cfgPath) != "" {
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	snap := a.sched.Snapshot()
	a.log.Info("app started",
		logx.Int("schedules", snap.Schedules),
		logx.Int("enabled", snap.Enabled),
		logx.String("kinds", strings.Join(a.exec.Kinds(), ",")),
	)
	return nil
}

// applyConfig hot-applies a reloaded config. Storage changes need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs, seeds := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "engine":
			ec, err := mapEngineConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
				continue
			}
			wasEnabled := a.engine.Enabled()
			a.engine.Apply(ctx, ec)
			if !wasEnabled && ec.Enabled {
				a.engine.Start(ctx)
			}
		case "status":
			sc, err := mapStatusConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid status config; keeping previous", logx.Err(err))
				continue
			}
			a.status.Reconfigure(ctx, sc)
		case "dispatcher":
			dc, err := mapDispatcherConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
				continue
			}
			a.sched.Apply(dc)
		}
	}

	if len(seeds) > 0 || containsSection(sections, "dispatcher") {
		if err := a.syncSeeds(ctx, newCfg); err != nil {
			a.log.Warn("some configured schedules were not applied", logx.Err(err))
		}
	}
	a.log.Info("config reloaded", fields...)
}

func containsSection(sections []string, name string) bool {
	for _, s := range sections {
		if s == name {
			return true
		}
	}
	return false
}

// Stop shuts components down in dependency order, each step bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started: only release what NewApp opened.
		_ = a.store.Close()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
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

	step("status", 2*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	// Dispatcher before the pool so no new runs are claimed.
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("systemd", time.Second, func(c context.Context) error { a.systemd.Close(); return nil })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
