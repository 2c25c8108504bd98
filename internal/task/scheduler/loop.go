package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"slotkeeper/internal/eventbus"
	"slotkeeper/internal/slot"
	logx "slotkeeper/pkg/logx"
)

// Deps are the loop's collaborators. Invoker may be bound later with
// SetInvoker when it needs the loop itself.
type Deps struct {
	Clock    slot.Clock
	Tasks    TaskSource
	Targets  Resolver
	Invoker  Invoker
	Reporter Reporter
	Log      logx.Logger
	Bus      eventbus.Bus
	Tracer   trace.Tracer
}

type Loop struct {
	mu      sync.Mutex
	cfg     Config
	clock   slot.Clock
	invoker Invoker
	last    *Report

	// armMu orders SetEnabled against an in-flight arm, so a caller that
	// disables and then cancels the armed tick cannot be raced by a re-arm.
	armMu    sync.Mutex
	disabled bool

	tasks    TaskSource
	targets  Resolver
	reporter Reporter
	log      logx.Logger
	bus      eventbus.Bus
	tracer   trace.Tracer
}

func New(cfg Config, d Deps) *Loop {
	tr := d.Tracer
	if tr == nil {
		tr = otel.Tracer("slotkeeper/scheduler")
	}
	return &Loop{
		cfg:      cfg.withDefaults(),
		clock:    d.Clock,
		invoker:  d.Invoker,
		tasks:    d.Tasks,
		targets:  d.Targets,
		reporter: d.Reporter,
		log:      d.Log.With(logx.String("comp", "scheduler")),
		bus:      d.Bus,
		tracer:   tr,
	}
}

func (l *Loop) SetInvoker(inv Invoker) {
	l.mu.Lock()
	l.invoker = inv
	l.mu.Unlock()
}

// Apply swaps loop knobs and the clock. The armed tick keeps its key.
func (l *Loop) Apply(cfg Config, clock slot.Clock) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.clock = clock
	l.mu.Unlock()
}

// SetEnabled parks or resumes the loop. While parked, a running tick
// finishes but does not arm its successor, and Arm fails with ErrDisabled.
func (l *Loop) SetEnabled(on bool) {
	l.armMu.Lock()
	l.disabled = !on
	l.armMu.Unlock()
}

func (l *Loop) Enabled() bool {
	l.armMu.Lock()
	defer l.armMu.Unlock()
	return !l.disabled
}

func (l *Loop) Clock() slot.Clock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock
}

// LastReport returns the most recent tick report, nil before the first tick.
func (l *Loop) LastReport() *Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Loop) snapshot() (Config, slot.Clock, Invoker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg, l.clock, l.invoker
}

// Arm schedules the first tick for the upcoming boundary. It is used once
// at boot; afterwards every tick arms its successor.
func (l *Loop) Arm(ctx context.Context) (Rearm, error) {
	cfg, clock, inv := l.snapshot()
	s, err := clock.Current()
	if err != nil {
		return Rearm{}, err
	}
	key, at := s.NextSnap, s.NextAt
	if s.Valid && s.At.After(s.Value) {
		key, at = s.Snap, s.At
	}
	r := Rearm{Key: key, SleepUnits: clock.Mod(clock.Diff(key, s.Snap)), Delay: max(0, at.Sub(s.Value)+cfg.Settle)}
	l.armMu.Lock()
	if l.disabled {
		l.armMu.Unlock()
		return Rearm{Parked: true}, ErrDisabled
	}
	r.Err = l.invoke(ctx, inv, r.Delay, r.Key)
	l.armMu.Unlock()
	if r.Err != nil {
		return r, r.Err
	}
	l.log.Info("scheduler armed", logx.String("slot", clock.Format(r.Key)), logx.Duration("delay", r.Delay))
	eventbus.Publish(l.bus, eventbus.TickRearmed, r)
	return r, nil
}

// Tick runs one invocation armed for expected. The next tick is armed on
// every exit path, and only then is an orchestration error reported and
// returned.
func (l *Loop) Tick(ctx context.Context, expected slot.Key) (rep *Report, err error) {
	cfg, clock, inv := l.snapshot()
	rep = &Report{ID: uuid.NewString(), Expected: expected, StartedAt: time.Now()}

	ctx, span := l.tracer.Start(ctx, "slot.tick", trace.WithAttributes(
		attribute.String("tick.id", rep.ID),
		attribute.String("slot.expected", clock.Format(expected)),
	))
	eventbus.Publish(l.bus, eventbus.TickStarted, rep.ID)

	defer func() {
		if r := recover(); r != nil {
			err = &OrchestrationError{Err: fmt.Errorf("panic: %v", r), Stack: string(debug.Stack())}
		}

		l.rearm(ctx, rep, cfg, clock, inv)

		if err != nil {
			l.log.Error("tick failed", logx.String("tick", rep.ID), logx.Err(err), logx.Stack(TraceOf(err)))
			l.report(ctx, fmt.Sprintf("tick for %s failed", clock.Format(expected)), err)
		}
		if rep.Rearm.Err != nil {
			err = errors.Join(err, rep.Rearm.Err)
		}
		rep.Err = err
		rep.Duration = time.Since(rep.StartedAt)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("tick.tasks", len(rep.Results)), attribute.Bool("tick.drift", rep.Drift), attribute.Bool("tick.skipped", rep.Skipped))
		span.End()

		l.mu.Lock()
		l.last = rep
		l.mu.Unlock()
		eventbus.Publish(l.bus, eventbus.TickFinished, rep)
	}()

	actual, err := clock.Current()
	if err != nil {
		return rep, &OrchestrationError{Err: fmt.Errorf("read slot clock: %w", err)}
	}
	rep.Actual, rep.HaveActual = actual, true
	span.SetAttributes(attribute.String("slot.actual", clock.Format(actual.Snap)), attribute.Bool("slot.valid", actual.Valid))

	if !actual.Valid {
		rep.Skipped = true
		msg := fmt.Sprintf("running at %s, not on a slot boundary (bucket %s, expected %s)",
			actual.Value.Format(time.RFC3339), clock.Format(actual.Snap), clock.Format(expected))
		l.log.Warn("invalid slot, skipping tasks", logx.String("tick", rep.ID), logx.String("detail", msg))
		eventbus.Publish(l.bus, eventbus.TickInvalid, rep.ID)
		l.report(ctx, msg, ErrInvalidSlot)
		return rep, nil
	}

	if actual.Snap != expected {
		rep.Drift = true
		msg := fmt.Sprintf("running at %s (%s), expected at %s",
			clock.Format(actual.Snap), actual.Value.Format(time.RFC3339), clock.Format(expected))
		l.log.Warn("slot drift", logx.String("tick", rep.ID), logx.String("detail", msg))
		eventbus.Publish(l.bus, eventbus.TickDrift, rep.ID)
		l.report(ctx, msg, ErrSlotDrift)
	}

	due, err := l.tasks.TasksDueAt(ctx, actual.Snap)
	if err != nil {
		return rep, &OrchestrationError{Err: fmt.Errorf("fetch tasks due at %s: %w", clock.Format(actual.Snap), err)}
	}
	rep.Results = l.dispatchAll(ctx, cfg, due)
	return rep, nil
}

// rearm never panics; a failing invoker is recorded on the report. A
// parked loop arms nothing.
func (l *Loop) rearm(ctx context.Context, rep *Report, cfg Config, clock slot.Clock, inv Invoker) {
	r := Rearm{}
	if s, ok := l.bestEffortSlot(rep, clock); ok {
		r.Key = s.NextSnap
		r.SleepUnits = clock.SleepUnits(s)
		r.Delay = clock.Delay(s, clock.Read(), cfg.Settle)
	} else {
		// No usable clock reading: step one unit past the armed key.
		r.Key = slot.Key(clock.Mod(int(rep.Expected) + 1))
		r.SleepUnits = 1
		r.Delay = clock.Step() + cfg.Settle
	}

	l.armMu.Lock()
	if l.disabled {
		l.armMu.Unlock()
		l.log.Info("scheduler disabled, tick not re-armed", logx.String("tick", rep.ID))
		rep.Rearm = Rearm{Parked: true}
		eventbus.Publish(l.bus, eventbus.TickRearmed, rep.Rearm)
		return
	}
	err := l.invoke(context.WithoutCancel(ctx), inv, r.Delay, r.Key)
	l.armMu.Unlock()
	if err != nil {
		r.Err = fmt.Errorf("%w: %w", ErrRearm, err)
		l.log.Error("re-arm failed", logx.String("tick", rep.ID), logx.String("next", clock.Format(r.Key)), logx.Err(err))
		l.report(ctx, fmt.Sprintf("could not arm the tick for %s", clock.Format(r.Key)), r.Err)
	} else {
		l.log.Debug("tick re-armed", logx.String("tick", rep.ID), logx.String("next", clock.Format(r.Key)), logx.Int("sleep_units", r.SleepUnits), logx.Duration("delay", r.Delay))
	}
	rep.Rearm = r
	eventbus.Publish(l.bus, eventbus.TickRearmed, r)
}

func (l *Loop) bestEffortSlot(rep *Report, clock slot.Clock) (s slot.Slot, ok bool) {
	if rep.HaveActual {
		return rep.Actual, true
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	s, err := clock.Current()
	return s, err == nil
}

func (l *Loop) invoke(ctx context.Context, inv Invoker, after time.Duration, key slot.Key) (err error) {
	if inv == nil {
		return errors.New("no invoker bound")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invoker panic: %v", r)
		}
	}()
	return inv.ScheduleInvocation(ctx, after, key)
}

// report forwards to the operator channel and never propagates its panics.
func (l *Loop) report(ctx context.Context, msg string, err error) {
	if l.reporter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("operator channel panicked", logx.Any("panic", r))
		}
	}()
	l.reporter.ReportAnomaly(context.WithoutCancel(ctx), msg, err)
}
