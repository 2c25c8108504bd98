package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"slotkeeper/internal/config"
	"slotkeeper/internal/notifier"
	"slotkeeper/internal/observability/ops"
	"slotkeeper/internal/observability/tracing"
	"slotkeeper/internal/slot"
	"slotkeeper/internal/storage"
	"slotkeeper/internal/target"
	"slotkeeper/internal/task/engine"
	"slotkeeper/internal/task/scheduler"
	"slotkeeper/internal/transport"
	"slotkeeper/internal/transport/telegram"
	logx "slotkeeper/pkg/logx"
)

const (
	defaultStoragePath = "./slotkeeper"
	defaultTickTimeout = 10 * time.Minute
)

var parseDurationField = config.ParseDurationField

var parseDurationOrDefault = config.ParseDurationOrDefault

// MapClock builds the slot clock from the scheduler section.
func MapClock(cfg *config.Config) (slot.Clock, error) {
	sc := cfg.Scheduler
	unit, err := parseDurationOrDefault("scheduler.unit", sc.Unit, slot.DefaultUnit)
	if err != nil {
		return slot.Clock{}, err
	}
	tol, err := parseDurationOrDefault("scheduler.tolerance", sc.Tolerance, slot.DefaultTolerance)
	if err != nil {
		return slot.Clock{}, err
	}
	cycle, err := slot.ParseCycle(sc.Cycle)
	if err != nil {
		return slot.Clock{}, fmt.Errorf("scheduler.cycle: %w", err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return slot.Clock{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	c := slot.Clock{Unit: unit, Cycle: cycle, Location: loc, Tolerance: tol}
	if err := c.Validate(); err != nil {
		return slot.Clock{}, fmt.Errorf("scheduler: %w", err)
	}
	return c, nil
}

// MapSchedulerConfig returns the loop knobs and the tick job timeout.
func MapSchedulerConfig(cfg *config.Config) (scheduler.Config, time.Duration, error) {
	sc := cfg.Scheduler
	if sc.Concurrency < 0 {
		return scheduler.Config{}, 0, errors.New("scheduler.concurrency must be >= 0")
	}
	taskTO, err := parseDurationOrDefault("scheduler.task_timeout", sc.TaskTimeout, scheduler.DefaultTaskTimeout)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	settle, err := parseDurationOrDefault("scheduler.settle", sc.Settle, scheduler.DefaultSettle)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	tickTO, err := parseDurationOrDefault("scheduler.tick_timeout", sc.TickTimeout, defaultTickTimeout)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	return scheduler.Config{Concurrency: sc.Concurrency, TaskTimeout: taskTO, Settle: settle}, tickTO, nil
}

// MapTaskEngineConfig fills engine defaults. The engine follows
// scheduler.enabled unless task_engine.enabled says otherwise.
func MapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Workers:     2,
		QueueSize:   256,
		HistorySize: 200,
		RetryMax:    3,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
		return engine.Config{}, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, errors.New("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	if te.Workers != 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize != 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize != 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax != 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = parseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = parseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// MapNotifierConfig maps the notifier section. If it is omitted the
// notifier is on whenever an operator chat is configured.
func MapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         cfg.Telegram.ChatID != 0,
		Target:          transport.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		SendTimeout:     10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
		MaxTraceLines:   20,
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 || n.MaxTraceLines < 0 {
		return notifier.Config{}, errors.New("notifier: counts must be >= 0")
	}
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}
	if n.MaxTraceLines != 0 {
		out.MaxTraceLines = n.MaxTraceLines
	}
	var err error
	if out.RetryBase, err = parseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = parseDurationOrDefault("notifier.send_timeout", n.SendTimeout, out.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = parseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	if out.Enabled && out.Target.IsZero() {
		return notifier.Config{}, errors.New("notifier.enabled requires telegram.chat_id")
	}
	return out, nil
}

// MapStorageConfig defaults to the file store next to the working
// directory: the scheduler always needs a task source.
func MapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: defaultStoragePath}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = defaultStoragePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "mysql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, DSN: sc.DSN}, nil
	case "none":
		return storage.Config{}, errors.New("storage.driver=none leaves the scheduler without tasks")
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// MapTargets converts and validates the targets list.
func MapTargets(cfg *config.Config) ([]target.Spec, error) {
	out := make([]target.Spec, 0, len(cfg.Targets))
	seen := map[string]bool{}
	var errs []error
	for i, tc := range cfg.Targets {
		timeout, err := parseDurationField(fmt.Sprintf("targets[%d].timeout", i), tc.Timeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s := target.Spec{
			ID:      strings.TrimSpace(tc.ID),
			Kind:    strings.ToLower(strings.TrimSpace(tc.Kind)),
			Unit:    strings.TrimSpace(tc.Unit),
			User:    tc.User,
			Bin:     strings.TrimSpace(tc.Bin),
			URL:     strings.TrimRight(strings.TrimSpace(tc.URL), "/"),
			Token:   tc.Token,
			Timeout: timeout,
		}
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("target %s: duplicate id", s.ID))
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func hasSystemdTarget(specs []target.Spec) bool {
	for _, s := range specs {
		if s.Kind == target.KindSystemd {
			return true
		}
	}
	return false
}

func MapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = ops.DefaultAddr
	}
	if _, _, err := net.SplitHostPort(out.Addr); err != nil {
		return ops.Config{}, fmt.Errorf("ops.addr: %w", err)
	}
	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return ops.Config{}, err
	}
	// 0 keeps pprof profile downloads working.
	if out.WriteTimeout, err = parseDurationField("ops.write_timeout", oc.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 120*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

func MapTracingConfig(cfg *config.Config, version string) (tracing.Config, error) {
	tc := cfg.Tracing
	if tc.SampleRatio < 0 || tc.SampleRatio > 1 {
		return tracing.Config{}, errors.New("tracing.sample_ratio must be in [0, 1]")
	}
	switch strings.ToLower(strings.TrimSpace(tc.Exporter)) {
	case "", "stdout", "none":
	default:
		return tracing.Config{}, fmt.Errorf("tracing.exporter: unknown %q", tc.Exporter)
	}
	return tracing.Config{
		Enabled:        tc.Enabled,
		Exporter:       tc.Exporter,
		Path:           strings.TrimSpace(tc.Path),
		SampleRatio:    tc.SampleRatio,
		ServiceName:    "slotkeeper",
		ServiceVersion: version,
	}, nil
}

func MapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled && cfg.Telegram.ChatID != 0,
			ChatID:     cfg.Telegram.ChatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// MapTelegramConfig reports ok=false when no token is configured.
func MapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	tc := cfg.Telegram
	timeout, err := parseDurationOrDefault("telegram.timeout", tc.Timeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	tok := strings.TrimSpace(tc.Token)
	if tok == "" {
		return telegram.Config{}, false, nil
	}
	return telegram.Config{Token: tok, APIURL: strings.TrimSpace(tc.APIURL), Timeout: timeout}, true, nil
}

// Validate runs every mapping. It is the config manager's reload hook and
// backs the validate command.
func Validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := MapClock(cfg)
	collect(err)
	_, _, err = MapSchedulerConfig(cfg)
	collect(err)
	_, err = MapTaskEngineConfig(cfg)
	collect(err)
	_, err = MapNotifierConfig(cfg)
	collect(err)
	_, err = MapStorageConfig(cfg)
	collect(err)
	_, err = MapTargets(cfg)
	collect(err)
	_, err = MapOpsConfig(cfg)
	collect(err)
	_, err = MapTracingConfig(cfg, "")
	collect(err)
	_, _, err = MapTelegramConfig(cfg)
	collect(err)
	return errors.Join(errs...)
}
