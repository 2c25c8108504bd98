package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"slotkeeper/internal/slot"
	"slotkeeper/internal/task/engine"
)

// TickJobName is the engine job name of the pending tick. Only one tick is
// ever pending because the engine replaces jobs by name.
const TickJobName = "slot.tick"

type Ticker interface {
	Tick(ctx context.Context, expected slot.Key) (*Report, error)
}

// EngineInvoker arms ticks as delayed engine jobs with retry disabled. A
// tick that finds the queue full runs inline so the chain is never lost.
type EngineInvoker struct {
	Engine *engine.Service

	mu      sync.Mutex
	timeout time.Duration
	ticker  Ticker
}

func NewEngineInvoker(eng *engine.Service, timeout time.Duration) *EngineInvoker {
	return &EngineInvoker{Engine: eng, timeout: timeout}
}

// SetTimeout bounds ticks armed from now on.
func (e *EngineInvoker) SetTimeout(d time.Duration) {
	e.mu.Lock()
	e.timeout = d
	e.mu.Unlock()
}

// Bind sets the loop the armed jobs call.
func (e *EngineInvoker) Bind(t Ticker) {
	e.mu.Lock()
	e.ticker = t
	e.mu.Unlock()
}

func (e *EngineInvoker) ScheduleInvocation(_ context.Context, after time.Duration, key slot.Key) error {
	e.mu.Lock()
	t, timeout := e.ticker, e.timeout
	e.mu.Unlock()
	if t == nil {
		return errors.New("engine invoker: no ticker bound")
	}
	return e.Engine.After(after, engine.Job{
		Name:    TickJobName,
		Timeout: timeout,
		Opt:     engine.JobOptions{DisableRetry: true, InlineOnQueueFull: true},
		Run: func(ctx context.Context) error {
			_, err := t.Tick(ctx, key)
			return err
		},
	})
}

// Invocation is one recorded ScheduleInvocation call.
type Invocation struct {
	After time.Duration
	Key   slot.Key
}

// RecordingInvoker records invocations without arming anything. The CLI
// uses it for one-shot ticks.
type RecordingInvoker struct {
	mu    sync.Mutex
	calls []Invocation
	Err   error
}

func (r *RecordingInvoker) ScheduleInvocation(_ context.Context, after time.Duration, key slot.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Invocation{After: after, Key: key})
	return r.Err
}

func (r *RecordingInvoker) Invocations() []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Invocation(nil), r.calls...)
}
