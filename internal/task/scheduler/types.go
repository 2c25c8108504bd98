package scheduler

import (
	"context"
	"time"

	"slotkeeper/internal/slot"
	"slotkeeper/internal/target"
	"slotkeeper/internal/task"
)

// Invoker arms the next tick. Implementations must not retry the
// invocation on their own; the loop re-arms itself every tick.
type Invoker interface {
	ScheduleInvocation(ctx context.Context, after time.Duration, key slot.Key) error
}

// TaskSource yields the tasks due at a slot key.
type TaskSource interface {
	TasksDueAt(ctx context.Context, key slot.Key) ([]task.Task, error)
}

// Resolver resolves a task's target id.
type Resolver interface {
	Resolve(ctx context.Context, id string) (target.Target, error)
}

// Reporter is the operator channel. ReportAnomaly must not block.
type Reporter interface {
	ReportAnomaly(ctx context.Context, msg string, err error)
}

type Config struct {
	// Concurrency bounds parallel task dispatch within one tick.
	Concurrency int
	// TaskTimeout bounds each Start/Stop call. 0 disables.
	TaskTimeout time.Duration
	// Settle is added to every re-arm delay so the next tick lands just
	// after its boundary.
	Settle time.Duration
}

const (
	DefaultConcurrency = 4
	DefaultTaskTimeout = 2 * time.Minute
	DefaultSettle      = 250 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.TaskTimeout < 0 {
		c.TaskTimeout = 0
	}
	if c.Settle < 0 {
		c.Settle = 0
	}
	return c
}
