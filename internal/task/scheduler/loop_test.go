package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"slotkeeper/internal/eventbus"
	"slotkeeper/internal/slot"
	"slotkeeper/internal/target"
	"slotkeeper/internal/task"
	logx "slotkeeper/pkg/logx"
)

// Monday 2024-01-08 03:00 UTC.
var mon0300 = time.Date(2024, 1, 8, 3, 0, 0, 0, time.UTC)

func clockAt(t time.Time) slot.Clock {
	return slot.Clock{Unit: time.Minute, Cycle: slot.CycleWeek, Location: time.UTC, Tolerance: 10 * time.Second, Now: func() time.Time { return t }}
}

func key(t *testing.T, c slot.Clock, s string) slot.Key {
	t.Helper()
	k, err := c.ParseKey(s)
	if err != nil {
		t.Fatalf("ParseKey(%q) = %v", s, err)
	}
	return k
}

type fakeTarget struct {
	mu      sync.Mutex
	starts  int
	stops   int
	logs    []string
	err     error
	panicky bool
}

func (f *fakeTarget) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.panicky {
		panic("start exploded")
	}
	return f.err
}

func (f *fakeTarget) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.panicky {
		panic("stop exploded")
	}
	return f.err
}

func (f *fakeTarget) Log(_ context.Context, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, msg)
	return nil
}

type fakeTargets map[string]*fakeTarget

func (m fakeTargets) Resolve(_ context.Context, id string) (target.Target, error) {
	if t, ok := m[id]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", target.ErrUnknownTarget, id)
}

type fakeSource struct {
	tasks []task.Task
	err   error
	panic bool
	calls []slot.Key
}

func (f *fakeSource) TasksDueAt(_ context.Context, k slot.Key) ([]task.Task, error) {
	f.calls = append(f.calls, k)
	if f.panic {
		panic("store exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []task.Task
	for _, t := range f.tasks {
		if t.Snap == k {
			out = append(out, t)
		}
	}
	return out, nil
}

type anomaly struct {
	msg string
	err error
}

type fakeReporter struct {
	mu  sync.Mutex
	got []anomaly
}

func (f *fakeReporter) ReportAnomaly(_ context.Context, msg string, err error) {
	f.mu.Lock()
	f.got = append(f.got, anomaly{msg, err})
	f.mu.Unlock()
}

func (f *fakeReporter) count(target error) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.got {
		if errors.Is(a.err, target) {
			n++
		}
	}
	return n
}

type harness struct {
	loop     *Loop
	clock    slot.Clock
	source   *fakeSource
	targets  fakeTargets
	reporter *fakeReporter
	invoker  *RecordingInvoker
}

func newHarness(clock slot.Clock, tasks []task.Task, targets fakeTargets) *harness {
	h := &harness{
		clock:    clock,
		source:   &fakeSource{tasks: tasks},
		targets:  targets,
		reporter: &fakeReporter{},
		invoker:  &RecordingInvoker{},
	}
	h.loop = New(Config{Concurrency: 2}, Deps{
		Clock:    clock,
		Tasks:    h.source,
		Targets:  targets,
		Invoker:  h.invoker,
		Reporter: h.reporter,
		Log:      logx.Nop(),
		Bus:      eventbus.New(),
	})
	return h
}

func TestTickEndToEnd(t *testing.T) {
	t.Parallel()
	c := clockAt(mon0300)
	s1, s2 := &fakeTarget{}, &fakeTarget{}
	k := key(t, c, "Mon 03:00")
	h := newHarness(c, []task.Task{
		{ID: "t1", Snap: k, Action: task.Start, TargetID: "S1"},
		{ID: "t2", Snap: k, Action: task.Stop, TargetID: "S2"},
	}, fakeTargets{"S1": s1, "S2": s2})

	rep, err := h.loop.Tick(context.Background(), k)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if s1.starts != 1 || s1.stops != 0 {
		t.Fatalf("S1 starts/stops = %d/%d, want 1/0", s1.starts, s1.stops)
	}
	if s2.stops != 1 || s2.starts != 0 {
		t.Fatalf("S2 starts/stops = %d/%d, want 0/1", s2.starts, s2.stops)
	}
	inv := h.invoker.Invocations()
	if len(inv) != 1 {
		t.Fatalf("invocations = %d, want 1", len(inv))
	}
	if got := c.Format(inv[0].Key); got != "Mon 03:01" {
		t.Fatalf("next key = %s, want Mon 03:01", got)
	}
	if rep.Rearm.SleepUnits != 1 {
		t.Fatalf("SleepUnits = %d, want 1", rep.Rearm.SleepUnits)
	}
	if want := time.Minute; inv[0].After != want {
		t.Fatalf("delay = %v, want %v", inv[0].After, want)
	}
	if rep.Counts()[OutcomeOK] != 2 || len(h.reporter.got) != 0 {
		t.Fatalf("counts = %v, reports = %v", rep.Counts(), h.reporter.got)
	}
	if h.loop.LastReport() != rep {
		t.Fatalf("LastReport() not updated")
	}
}

func TestTickDriftUsesActualSlot(t *testing.T) {
	t.Parallel()
	c := clockAt(mon0300)
	actual := key(t, c, "Mon 03:00")
	armed := key(t, c, "Mon 02:59")
	atActual, atArmed := &fakeTarget{}, &fakeTarget{}
	h := newHarness(c, []task.Task{
		{ID: "now", Snap: actual, Action: task.Start, TargetID: "A"},
		{ID: "stale", Snap: armed, Action: task.Start, TargetID: "K"},
	}, fakeTargets{"A": atActual, "K": atArmed})

	rep, err := h.loop.Tick(context.Background(), armed)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !rep.Drift {
		t.Fatalf("Drift = false")
	}
	if atActual.starts != 1 || atArmed.starts != 0 {
		t.Fatalf("actual/armed starts = %d/%d, want 1/0", atActual.starts, atArmed.starts)
	}
	if n := h.reporter.count(ErrSlotDrift); n != 1 {
		t.Fatalf("drift reports = %d, want 1", n)
	}
	if len(h.source.calls) != 1 || h.source.calls[0] != actual {
		t.Fatalf("store queried for %v, want [%v]", h.source.calls, actual)
	}
	if msg := h.reporter.got[0].msg; !strings.Contains(msg, "expected at Mon 02:59") {
		t.Fatalf("drift message = %q", msg)
	}
}

func TestTickInvalidSlotSkipsTasks(t *testing.T) {
	t.Parallel()
	c := clockAt(mon0300.Add(30 * time.Second))
	k := key(t, c, "Mon 03:00")
	tg := &fakeTarget{}
	h := newHarness(c, []task.Task{{ID: "t", Snap: k, Action: task.Start, TargetID: "S"}}, fakeTargets{"S": tg})

	rep, err := h.loop.Tick(context.Background(), k)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !rep.Skipped || len(rep.Results) != 0 || tg.starts != 0 || len(h.source.calls) != 0 {
		t.Fatalf("invalid tick processed tasks: %+v", rep)
	}
	if n := len(h.invoker.Invocations()); n != 1 {
		t.Fatalf("invocations = %d, want 1", n)
	}
	if n := h.reporter.count(ErrInvalidSlot); n != 1 {
		t.Fatalf("invalid reports = %d, want 1", n)
	}
	if got := c.Format(rep.Rearm.Key); got != "Mon 03:01" {
		t.Fatalf("next key = %s, want Mon 03:01", got)
	}
	if rep.Rearm.Delay != 30*time.Second {
		t.Fatalf("delay = %v, want 30s", rep.Rearm.Delay)
	}
}

func TestTickIsolatesFailingTask(t *testing.T) {
	t.Parallel()
	c := clockAt(mon0300)
	k := key(t, c, "Mon 03:00")
	targets := fakeTargets{
		"a": {},
		"b": {err: errors.New("connection reset")},
		"c": {},
	}
	tasks := []task.Task{
		{ID: "1", Snap: k, Action: task.Start, TargetID: "a"},
		{ID: "2", Snap: k, Action: task.Start, TargetID: "b"},
		{ID: "3", Snap: k, Action: task.Stop, TargetID: "c"},
	}
	h := newHarness(c, tasks, targets)

	rep, err := h.loop.Tick(context.Background(), k)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if targets["a"].starts != 1 || targets["b"].starts != 1 || targets["c"].stops != 1 {
		t.Fatalf("not every task attempted")
	}
	if n := h.reporter.count(ErrUnhandledTask); n != 1 || len(h.reporter.got) != 1 {
		t.Fatalf("reports = %v, want exactly one unhandled", h.reporter.got)
	}
	if rep.Results[1].Outcome != OutcomeError || rep.Results[0].Outcome != OutcomeOK || rep.Results[2].Outcome != OutcomeOK {
		t.Fatalf("outcomes = %v", rep.Counts())
	}
	if len(targets["b"].logs) != 1 {
		t.Fatalf("target b logs = %v, want 1 entry", targets["b"].logs)
	}
}

func TestTickRecoversTaskPanic(t *testing.T) {
	t.Parallel()
	c := clockAt(mon0300)
	k := key(t, c, "Mon 03:00")
	targets := fakeTargets{"p": {panicky: true}, "ok": {}}
	h := newHarness(c, []task.Task{
		{ID: "boom", Snap: k, Action: task.Stop, TargetID: "p"},
		{ID: "fine", Snap: k, Action: task.Start, TargetID: "ok"},
	}, targets)

	rep, err := h.loop.Tick(context.Background(), k)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if targets["ok"].starts != 1 {
		t.Fatalf("task after panic not attempted")
	}
	var te *TaskError
	if !errors.As(rep.Results[0].Err, &te) || te.Stack == "" {
		t.Fatalf("panic result = %#v, want TaskError with stack", rep.Results[0].Err)
	}
	if n := h.reporter.count(ErrUnhandledTask); n != 1 {
		t.Fatalf("unhandled reports = %d, want 1", n)
	}
}

func TestTickUnrecognizedAction(t *testing.T) {
	t.Parallel()
	c := clockAt(mon0300)
	k := key(t, c, "Mon 03:00")
	tg := &fakeTarget{}
	h := newHarness(c, []task.Task{{ID: "d", Snap: k, Action: task.ParseAction("delete"), TargetID: "S"}}, fakeTargets{"S": tg})

	rep, err := h.loop.Tick(context.Background(), k)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !errors.Is(rep.Results[0].Err, ErrUnrecognizedAction) || rep.Results[0].Outcome != OutcomeUnrecognized {
		t.Fatalf("result = %+v", rep.Results[0])
	}
	if tg.starts != 0 || tg.stops != 0 {
		t.Fatalf("target invoked for unrecognized action")
	}
	if len(tg.logs) != 1 || !strings.Contains(tg.logs[0], `"delete"`) {
		t.Fatalf("target logs = %v", tg.logs)
	}
	if n := h.reporter.count(ErrUnrecognizedAction); n != 1 {
		t.Fatalf("reports = %d, want 1", n)
	}
}

func TestTickSoftFailureStaysOnTarget(t *testing.T) {
	t.Parallel()
	c := clockAt(mon0300)
	k := key(t, c, "Mon 03:00")
	tg := &fakeTarget{err: target.Failed("S", "start", "job result failed", nil)}
	h := newHarness(c, []task.Task{{ID: "s", Snap: k, Action: task.Start, TargetID: "S"}}, fakeTargets{"S": tg})

	rep, err := h.loop.Tick(context.Background(), k)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if rep.Results[0].Outcome != OutcomeTargetFailure {
		t.Fatalf("outcome = %v, want target_failure", rep.Results[0].Outcome)
	}
	if len(tg.logs) != 1 {
		t.Fatalf("target logs = %v, want 1", tg.logs)
	}
	if len(h.reporter.got) != 0 {
		t.Fatalf("operator reports = %v, want none", h.reporter.got)
	}
}

func TestTickUnknownTargetIsIsolated(t *testing.T) {
	t.Parallel()
	c := clockAt(mon0300)
	k := key(t, c, "Mon 03:00")
	ok := &fakeTarget{}
	h := newHarness(c, []task.Task{
		{ID: "ghost", Snap: k, Action: task.Start, TargetID: "missing"},
		{ID: "real", Snap: k, Action: task.Start, TargetID: "ok"},
	}, fakeTargets{"ok": ok})

	rep, err := h.loop.Tick(context.Background(), k)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !errors.Is(rep.Results[0].Err, target.ErrUnknownTarget) || ok.starts != 1 {
		t.Fatalf("results = %+v", rep.Results)
	}
}

func TestTickRearmsAfterOrchestrationFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		source *fakeSource
		clock  slot.Clock
	}{
		{"store error", &fakeSource{err: errors.New("db down")}, clockAt(mon0300)},
		{"store panic", &fakeSource{panic: true}, clockAt(mon0300)},
		{"clock error", &fakeSource{}, slot.Clock{Unit: 7 * time.Second, Location: time.UTC, Now: func() time.Time { return mon0300 }}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(tt.clock, nil, fakeTargets{})
			h.loop = New(Config{}, Deps{Clock: tt.clock, Tasks: tt.source, Targets: h.targets, Invoker: h.invoker, Reporter: h.reporter, Log: logx.Nop()})

			rep, err := h.loop.Tick(context.Background(), 180)
			if !errors.Is(err, ErrOrchestration) {
				t.Fatalf("Tick() error = %v, want ErrOrchestration", err)
			}
			if n := len(h.invoker.Invocations()); n != 1 {
				t.Fatalf("invocations = %d, want 1", n)
			}
			if n := h.reporter.count(ErrOrchestration); n != 1 {
				t.Fatalf("orchestration reports = %d, want 1", n)
			}
			if rep.Rearm.Err != nil || rep.Err == nil {
				t.Fatalf("report = %+v", rep)
			}
		})
	}
}

func TestTickClockFailureFallsBackOneUnit(t *testing.T) {
	t.Parallel()
	bad := slot.Clock{Unit: 7 * time.Second, Location: time.UTC, Now: func() time.Time { return mon0300 }}
	h := newHarness(bad, nil, fakeTargets{})

	_, _ = h.loop.Tick(context.Background(), 41)
	inv := h.invoker.Invocations()
	if len(inv) != 1 || inv[0].Key != 42 || inv[0].After != 7*time.Second {
		t.Fatalf("invocations = %+v, want key 42 after 7s", inv)
	}
}

func TestTickReportsRearmFailure(t *testing.T) {
	t.Parallel()
	c := clockAt(mon0300)
	h := newHarness(c, nil, fakeTargets{})
	h.invoker.Err = errors.New("queue unavailable")

	rep, err := h.loop.Tick(context.Background(), key(t, c, "Mon 03:00"))
	if !errors.Is(err, ErrRearm) {
		t.Fatalf("Tick() error = %v, want ErrRearm", err)
	}
	if rep.Rearm.Err == nil || h.reporter.count(ErrRearm) != 1 {
		t.Fatalf("re-arm failure not reported: %+v", h.reporter.got)
	}
}

func TestDisabledLoopDoesNotRearm(t *testing.T) {
	t.Parallel()
	c := clockAt(mon0300)
	web := &fakeTarget{}
	k := key(t, c, "Mon 03:00")
	h := newHarness(c, []task.Task{{ID: "t1", Snap: k, Action: task.Start, TargetID: "web"}}, fakeTargets{"web": web})

	h.loop.SetEnabled(false)
	if h.loop.Enabled() {
		t.Fatalf("Enabled() = true after SetEnabled(false)")
	}
	rep, err := h.loop.Tick(context.Background(), k)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if web.starts != 1 {
		t.Fatalf("starts = %d, want the running tick to finish its tasks", web.starts)
	}
	if !rep.Rearm.Parked || len(h.invoker.Invocations()) != 0 {
		t.Fatalf("rearm = %+v, invocations = %v, want parked and none", rep.Rearm, h.invoker.Invocations())
	}
	if _, err := h.loop.Arm(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Arm() error = %v, want ErrDisabled", err)
	}

	h.loop.SetEnabled(true)
	if _, err := h.loop.Tick(context.Background(), k); err != nil {
		t.Fatalf("Tick() after enable error = %v", err)
	}
	if got := len(h.invoker.Invocations()); got != 1 {
		t.Fatalf("invocations after enable = %d, want 1", got)
	}
}

func TestTickWraparound(t *testing.T) {
	t.Parallel()
	// Saturday 23:59 is the last slot of the week.
	c := clockAt(time.Date(2024, 1, 13, 23, 59, 0, 0, time.UTC))
	h := newHarness(c, nil, fakeTargets{})

	rep, err := h.loop.Tick(context.Background(), key(t, c, "Sat 23:59"))
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if rep.Rearm.Key != 0 || rep.Rearm.SleepUnits != 1 {
		t.Fatalf("rearm = %+v, want key 0 after 1 unit", rep.Rearm)
	}
}

func TestArm(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		now   time.Time
		want  string
		delay time.Duration
	}{
		{"just before boundary", mon0300.Add(-5 * time.Second), "Mon 03:00", 5 * time.Second},
		{"just after boundary", mon0300.Add(3 * time.Second), "Mon 03:01", 57 * time.Second},
		{"mid bucket", mon0300.Add(30 * time.Second), "Mon 03:01", 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clockAt(tt.now)
			h := newHarness(c, nil, fakeTargets{})
			r, err := h.loop.Arm(context.Background())
			if err != nil {
				t.Fatalf("Arm() = %v", err)
			}
			if got := c.Format(r.Key); got != tt.want || r.Delay != tt.delay {
				t.Fatalf("Arm() = %s after %v, want %s after %v", got, r.Delay, tt.want, tt.delay)
			}
		})
	}
}

func TestReportView(t *testing.T) {
	t.Parallel()
	c := clockAt(mon0300)
	k := key(t, c, "Mon 03:00")
	h := newHarness(c, []task.Task{{ID: "d", Snap: k, Action: task.ParseAction("delete"), TargetID: "S"}}, fakeTargets{"S": {}})
	rep, _ := h.loop.Tick(context.Background(), k)

	v := rep.View(c)
	if v.Actual != "Mon 03:00" || v.Rearm.Key != "Mon 03:01" || !v.Valid {
		t.Fatalf("view = %+v", v)
	}
	if len(v.Results) != 1 || v.Results[0].Outcome != "unrecognized" || v.Results[0].Error == "" {
		t.Fatalf("view results = %+v", v.Results)
	}
}
