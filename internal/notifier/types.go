package notifier

import (
	"context"
	"time"

	"slotkeeper/internal/transport"
)

// Config controls the async delivery pipeline.
type Config struct {
	Enabled         bool
	Target          transport.ChatTarget
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	MaxTraceLines   int
}

func (c Config) withDefaults() Config {
	set := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setD := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	set(&c.Workers, 2)
	set(&c.QueueSize, 256)
	set(&c.RatePerSec, 1)
	set(&c.DedupMaxEntries, 2000)
	set(&c.MaxTraceLines, 20)
	setD(&c.RetryBase, 500*time.Millisecond)
	setD(&c.RetryMaxDelay, 10*time.Second)
	setD(&c.SendTimeout, 10*time.Second)
	c.RetryMax = max(0, c.RetryMax)
	c.DedupWindow = max(0, c.DedupWindow)
	return c
}

// DedupStore persists suppress-until marks across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// HistoryItem is a delivered anomaly.
type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Event is published on the bus for queue, send, dedup and drop.
type Event struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
