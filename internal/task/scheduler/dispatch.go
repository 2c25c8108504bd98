package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"slotkeeper/internal/eventbus"
	"slotkeeper/internal/target"
	"slotkeeper/internal/task"
	logx "slotkeeper/pkg/logx"
)

// dispatchAll runs every task with bounded concurrency. Results keep the
// order of tasks. No task's outcome affects another.
func (l *Loop) dispatchAll(ctx context.Context, cfg Config, tasks []task.Task) []Result {
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	sem := make(chan struct{}, cfg.Concurrency)
	var wg sync.WaitGroup
	for i := range tasks {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = l.dispatch(ctx, cfg, tasks[i])
		}(i)
	}
	wg.Wait()
	return results
}

func (l *Loop) dispatch(ctx context.Context, cfg Config, t task.Task) Result {
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "slot.task", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.target", t.TargetID),
		attribute.String("task.action", t.Action.String()),
	))
	defer span.End()

	tg, outcome, err := l.invokeTarget(ctx, cfg, t)
	res := Result{
		TaskID:   t.ID,
		TargetID: t.TargetID,
		Action:   t.Action.String(),
		Outcome:  outcome,
		Err:      err,
		Duration: time.Since(start),
	}
	span.SetAttributes(attribute.String("task.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		if outcome != OutcomeTargetFailure {
			span.SetStatus(codes.Error, err.Error())
		}
	}

	l.settle(ctx, tg, t, res)
	eventbus.Publish(l.bus, eventbus.TaskResult, res)
	return res
}

// invokeTarget performs the action. A panic anywhere inside becomes an
// unhandled TaskError with the goroutine stack.
func (l *Loop) invokeTarget(ctx context.Context, cfg Config, t task.Task) (tg target.Target, outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeError
			err = &TaskError{TaskID: t.ID, TargetID: t.TargetID, Err: fmt.Errorf("panic: %v", r), Stack: string(debug.Stack())}
		}
	}()

	tg, err = l.targets.Resolve(ctx, t.TargetID)
	if err != nil {
		return nil, OutcomeError, &TaskError{TaskID: t.ID, TargetID: t.TargetID, Err: err}
	}

	if cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.TaskTimeout)
		defer cancel()
	}

	switch t.Action.Kind {
	case task.ActionStart:
		err = tg.Start(ctx)
	case task.ActionStop:
		err = tg.Stop(ctx)
	default:
		return tg, OutcomeUnrecognized, &UnrecognizedActionError{TaskID: t.ID, Raw: t.Action.Raw}
	}

	switch {
	case err == nil:
		return tg, OutcomeOK, nil
	case target.IsFailure(err):
		return tg, OutcomeTargetFailure, err
	default:
		return tg, OutcomeError, &TaskError{TaskID: t.ID, TargetID: t.TargetID, Err: err}
	}
}

// settle logs a result where it belongs: soft failures on the target only,
// unrecognized actions and unhandled errors on the target and the operator
// channel.
func (l *Loop) settle(ctx context.Context, tg target.Target, t task.Task, res Result) {
	log := l.log.With(logx.String("task", t.ID), logx.String("target", t.TargetID), logx.String("action", res.Action))
	switch res.Outcome {
	case OutcomeOK:
		log.Info("task done", logx.Duration("dur", res.Duration))
	case OutcomeTargetFailure:
		l.targetLog(ctx, tg, fmt.Sprintf("%s failed: %v", res.Action, res.Err))
	case OutcomeUnrecognized:
		msg := fmt.Sprintf("unknown action %q for task %s, target %s", t.Action.Raw, t.ID, t.TargetID)
		log.Warn("task has unrecognized action", logx.String("raw", t.Action.Raw))
		l.targetLog(ctx, tg, msg)
		l.report(ctx, msg, res.Err)
	default:
		msg := fmt.Sprintf("task %s (%s on %s) failed", t.ID, res.Action, t.TargetID)
		log.Error("task failed", logx.Err(res.Err), logx.Stack(TraceOf(res.Err)))
		l.targetLog(ctx, tg, fmt.Sprintf("%s: %v", msg, res.Err))
		l.report(ctx, msg, res.Err)
	}
}

func (l *Loop) targetLog(ctx context.Context, tg target.Target, msg string) {
	if tg == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("target log panicked", logx.Any("panic", r))
		}
	}()
	if err := tg.Log(context.WithoutCancel(ctx), msg); err != nil {
		l.log.Warn("target log failed", logx.Err(err))
	}
}
