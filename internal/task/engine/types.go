// Package engine runs named jobs on a bounded worker pool and arms delayed
// one-shot jobs. The scheduler loop uses it as its timer.
package engine

import (
	"context"
	"time"

	rtsup "slotkeeper/internal/runtime/supervisor"
)

type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Job.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops jobs queued longer than this. 0 disables.
	MaxQueueDelay time.Duration

	HistorySize   int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	return c
}

type JobOptions struct {
	// DisableRetry runs the job at most once regardless of RetryMax.
	DisableRetry bool
	RetryMax     int
	RetryJitter  float64 // 0.2 = 20%

	// InlineOnQueueFull runs a fired After job on the timer goroutine when
	// the queue rejects it instead of dropping it. Such jobs are also exempt
	// from the MaxQueueDelay stale drop.
	InlineOnQueueFull bool
}

func (o JobOptions) attempts(cfg Config) int {
	if o.DisableRetry {
		return 1
	}
	n := o.RetryMax
	if n <= 0 {
		n = cfg.RetryMax
	}
	return 1 + max(0, n)
}

// Job is a unit of work executed by the engine.
type Job struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     JobOptions
}

// HistoryItem is one finished or dropped job.
type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is the payload of job.* bus events.
type JobEvent HistoryItem

// Pending describes an armed After job.
type Pending struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	Pending []Pending      `json:"pending"`
	History []HistoryItem  `json:"history"`
	Pool    rtsup.Snapshot `json:"pool"`
}
