package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"slotkeeper/internal/config"
	"slotkeeper/internal/eventbus"
	"slotkeeper/internal/notifier"
	"slotkeeper/internal/observability/metrics"
	"slotkeeper/internal/observability/ops"
	"slotkeeper/internal/observability/tracing"
	rtsup "slotkeeper/internal/runtime/supervisor"
	"slotkeeper/internal/slot"
	"slotkeeper/internal/storage"
	"slotkeeper/internal/target"
	"slotkeeper/internal/task/engine"
	"slotkeeper/internal/task/scheduler"
	"slotkeeper/internal/transport"
	"slotkeeper/internal/transport/telegram"
	logx "slotkeeper/pkg/logx"
	"slotkeeper/pkg/systemdmanager"
)

type App struct {
	version string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock slot.Clock

	units   *systemdmanager.Manager
	targets *target.Registry

	engine  *engine.Service
	loop    *scheduler.Loop
	invoker *scheduler.EngineInvoker
	notif   *notifier.Service

	metrics *metrics.Metrics
	tracer  *tracing.Provider
	ops     *ops.Server

	schedEnabled bool
}

// NewApp loads and validates the config file and wires every component.
// Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath, version string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(Validate)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	a, err := build(ctx, cfg, version)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, version string) (_ *App, err error) {
	a := &App{version: version, bus: eventbus.New(), schedEnabled: cfg.Scheduler.Enabled}

	sender, err := newSender(cfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	a.logs, a.log = logx.New(MapLogConfig(cfg), sender)
	a.log = a.log.With(logx.String("comp", "app"))
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	if a.clock, err = MapClock(cfg); err != nil {
		return nil, err
	}
	sc, err := MapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, a.clock, a.log); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage enabled", logx.String("driver", sc.Driver))

	specs, err := MapTargets(cfg)
	if err != nil {
		return nil, err
	}
	a.targets = target.NewRegistry(target.Deps{Sink: a.store, Log: a.log})
	if hasSystemdTarget(specs) {
		if err := a.connectUnits(ctx); err != nil {
			return nil, err
		}
	}
	if err := a.targets.Apply(specs); err != nil {
		return nil, err
	}

	tc, err := MapTracingConfig(cfg, version)
	if err != nil {
		return nil, err
	}
	if a.tracer, err = tracing.Init(ctx, tc, a.log); err != nil {
		return nil, err
	}
	a.tracer.Install()
	a.metrics = metrics.New()

	ec, err := MapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(ec, a.log, a.bus)

	nc, err := MapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	// The store is consulted only while persist_dedup is on, so a reload can
	// toggle it.
	a.notif = notifier.New(nc, sender, a.log, a.bus, a.store)

	schedCfg, tickTimeout, err := MapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.invoker = scheduler.NewEngineInvoker(a.engine, tickTimeout)
	a.loop = scheduler.New(schedCfg, scheduler.Deps{
		Clock:    a.clock,
		Tasks:    a.store,
		Targets:  a.targets,
		Invoker:  a.invoker,
		Reporter: a.notif,
		Log:      a.log,
		Bus:      a.bus,
		Tracer:   a.tracer.Tracer("slotkeeper/scheduler"),
	})
	a.invoker.Bind(a.loop)
	a.loop.SetEnabled(a.schedEnabled)

	oc, err := MapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(oc, ops.Deps{
		Scheduler: a.loop,
		Engine:    a.engine,
		Tasks:     a.store,
		Logs:      a.store,
		Targets:   a.targets,
		Runtime:   a,
		Notices:   a.notif,
		Metrics:   a.metrics.Handler(),
		Settle:    schedCfg.Settle,
	}, a.log)
	return a, nil
}

// newSender returns a nil interface, not a typed nil, when no token is set.
func newSender(cfg *config.Config, log logx.Logger) (transport.Sender, error) {
	tc, ok, err := MapTelegramConfig(cfg)
	if err != nil || !ok {
		return nil, err
	}
	s, err := telegram.New(tc, log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *App) connectUnits(ctx context.Context) error {
	if a.units != nil {
		return nil
	}
	m, err := systemdmanager.New(ctx)
	if err != nil {
		return fmt.Errorf("systemd targets need the system bus: %w", err)
	}
	a.units = m
	a.targets.SetUnits(m)
	return nil
}

func (a *App) Logger() logx.Logger { return a.log }

// Runtime reports the app's supervised goroutines; empty before Start.
func (a *App) Runtime() rtsup.Snapshot { return a.sup.Snapshot() }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.notif.Start(c)
	if a.engine.Enabled() {
		a.engine.Start(c)
	}
	a.sup.Go0("metrics.events", func(ctx context.Context) { a.metrics.Run(ctx, a.bus) })
	if a.ops.Enabled() {
		a.ops.Start(c)
	}

	if a.schedEnabled {
		if _, err := a.loop.Arm(c); err != nil {
			return fmt.Errorf("arm scheduler: %w", err)
		}
	} else {
		a.log.Warn("scheduler disabled; no ticks will run")
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(ctx context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			last := a.cfgm.Get()
			for {
				select {
				case <-ctx.Done():
					return
				case next, ok := <-sub:
					if !ok {
						return
					}
					// Coalesce bursts: keep only the latest config.
				drain:
					for {
						select {
						case newer := <-sub:
							if newer != nil {
								next = newer
							}
						default:
							break drain
						}
					}
					a.applyConfig(ctx, last, next)
					last = next
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started", logx.String("version", a.version), logx.String("slot", a.clock.Format(a.clock.KeyAt(a.clock.Read()))))
	return nil
}

// applyConfig fans a validated config out to live components. Storage,
// tracing and the slot grid itself need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed["tracing"] {
		a.log.Warn("tracing config changed; restart required for changes to take effect")
	}

	var sender transport.Sender
	if changed["telegram"] {
		s, err := newSender(next, a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			a.log.Warn("invalid telegram config; keeping previous sender", logx.Err(err))
		} else {
			sender = s
			a.logs.SetSender(s)
			a.notif.SetSender(s)
		}
	}
	if changed["telegram"] || changed["logging"] {
		a.logs.Apply(MapLogConfig(next))
	}

	if changed["targets"] {
		a.applyTargets(ctx, next)
	}
	if changed["scheduler"] || changed["task_engine"] {
		a.applyScheduler(ctx, next)
	}
	if changed["notifier"] || changed["telegram"] {
		a.applyNotifier(ctx, next, sender)
	}
	if changed["ops"] {
		if oc, err := MapOpsConfig(next); err != nil {
			a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
		} else {
			a.ops.Reconfigure(ctx, oc)
		}
	}

	eventbus.Publish(a.bus, eventbus.ConfigReloaded, sections)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyTargets(ctx context.Context, cfg *config.Config) {
	specs, err := MapTargets(cfg)
	if err != nil {
		a.log.Warn("invalid targets; keeping previous", logx.Err(err))
		return
	}
	if hasSystemdTarget(specs) {
		if err := a.connectUnits(ctx); err != nil {
			a.log.Warn("targets not applied", logx.Err(err))
			return
		}
	}
	if err := a.targets.Apply(specs); err != nil {
		a.log.Warn("targets not applied; keeping previous", logx.Err(err))
	}
}

func (a *App) applyScheduler(ctx context.Context, cfg *config.Config) {
	ec, err := MapTaskEngineConfig(cfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		return
	}
	sc, tickTimeout, err := MapSchedulerConfig(cfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	clock, err := MapClock(cfg)
	if err != nil {
		a.log.Warn("invalid scheduler clock; keeping previous", logx.Err(err))
		return
	}
	// Stored keys are positions on the current grid.
	if clock.Unit != a.clock.Unit || clock.Cycle != a.clock.Cycle || clock.Location.String() != a.clock.Location.String() {
		a.log.Warn("slot grid changed (unit, cycle or timezone); restart required, keeping the current grid")
		clock.Unit, clock.Cycle, clock.Location = a.clock.Unit, a.clock.Cycle, a.clock.Location
	}
	a.clock = clock
	a.invoker.SetTimeout(tickTimeout)
	a.loop.Apply(sc, clock)

	wasEng := a.engine.Enabled()
	a.engine.Apply(ctx, ec)
	if !wasEng && ec.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}

	was := a.schedEnabled
	a.schedEnabled = cfg.Scheduler.Enabled
	switch {
	case was && !a.schedEnabled:
		a.log.Info("scheduler disabled via config")
		a.loop.SetEnabled(false)
		a.engine.Cancel(scheduler.TickJobName)
	case !was && a.schedEnabled:
		a.log.Info("scheduler enabled via config")
		a.loop.SetEnabled(true)
		if _, err := a.loop.Arm(ctx); err != nil {
			a.log.Error("arm scheduler failed", logx.Err(err))
			a.notif.ReportAnomaly(ctx, "scheduler could not be armed after reload", err)
		}
	}

	if wasEng && !ec.Enabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
}

func (a *App) applyNotifier(ctx context.Context, cfg *config.Config, sender transport.Sender) {
	nc, err := MapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	was := a.notif.Enabled()
	a.notif.Apply(nc)
	if sender != nil {
		a.notif.SetSender(sender)
	}
	switch {
	case was && !nc.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !was && nc.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so it cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// The pending tick is left armed in the engine only; Stop drops it.
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("tracing", 2*time.Second, a.tracer.Shutdown)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })
	step("systemd", time.Second, func(context.Context) error { return a.closeUnits() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeResources releases what build opened when the app never started.
func (a *App) closeResources() {
	_ = a.closeStore()
	_ = a.closeUnits()
	if a.tracer != nil {
		_ = a.tracer.Shutdown(context.Background())
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	if errors.Is(err, storage.ErrClosed) {
		return nil
	}
	return err
}

func (a *App) closeUnits() error {
	if a.units == nil {
		return nil
	}
	err := a.units.Close()
	a.units = nil
	return err
}
