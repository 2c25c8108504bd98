package target

import (
	"context"
	"time"

	logx "slotkeeper/pkg/logx"
)

// LogSink persists per-target log lines. The task store implements it.
type LogSink interface {
	AppendTargetLog(ctx context.Context, targetID, msg string, at time.Time) error
}

// base carries the log half every kind shares.
type base struct {
	id   string
	sink LogSink
	log  logx.Logger
	now  func() time.Time
}

func newBase(id string, d Deps) base {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return base{id: id, sink: d.Sink, log: d.Log.With(logx.String("target", id)), now: now}
}

func (b base) ID() string { return b.id }

func (b base) Log(ctx context.Context, msg string) error {
	b.log.Info("target log", logx.String("msg", msg))
	if b.sink == nil {
		return nil
	}
	return b.sink.AppendTargetLog(ctx, b.id, msg, b.now())
}
