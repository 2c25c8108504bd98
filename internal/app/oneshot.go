package app

import (
	"context"
	"time"

	"slotkeeper/internal/config"
	"slotkeeper/internal/slot"
	"slotkeeper/internal/storage"
	"slotkeeper/internal/task/scheduler"
	logx "slotkeeper/pkg/logx"
)

// LoadConfig reads and validates path without wiring anything.
func LoadConfig(ctx context.Context, path string) (*config.Config, error) {
	m := config.NewManager(path)
	m.SetValidator(Validate)
	return m.Load(ctx)
}

// OpenStore opens the configured task store for offline commands.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, slot.Clock, error) {
	clock, err := MapClock(cfg)
	if err != nil {
		return nil, slot.Clock{}, err
	}
	sc, err := MapStorageConfig(cfg)
	if err != nil {
		return nil, slot.Clock{}, err
	}
	st, err := storage.Open(sc, clock, log)
	if err != nil {
		return nil, slot.Clock{}, err
	}
	return st, clock, nil
}

// OneShot is the result of TickOnce.
type OneShot struct {
	Report *scheduler.Report
	Clock  slot.Clock
	// Rearm holds the invocations the tick asked for; none were armed.
	Rearm []scheduler.Invocation
}

// TickOnce runs a single tick against the configured store and targets. The
// re-arm is recorded instead of armed. expected nil means the current slot.
// Anomalies are delivered before it returns, bounded by drain.
func TickOnce(ctx context.Context, cfgPath, version string, expected *slot.Key, drain time.Duration) (*OneShot, error) {
	cfg, err := LoadConfig(ctx, cfgPath)
	if err != nil {
		return nil, err
	}
	a, err := build(ctx, cfg, version)
	if err != nil {
		return nil, err
	}
	defer a.closeResources()

	a.notif.Start(ctx)
	rec := &scheduler.RecordingInvoker{}
	a.loop.SetInvoker(rec)
	a.loop.SetEnabled(true)

	key := a.clock.KeyAt(a.clock.Read())
	if expected != nil {
		key = *expected
	}
	rep, tickErr := a.loop.Tick(ctx, key)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain)
	a.notif.Stop(stopCtx)
	cancel()
	return &OneShot{Report: rep, Clock: a.clock, Rearm: rec.Invocations()}, tickErr
}
