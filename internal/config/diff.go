package config

import (
	"reflect"
	"strings"

	logx "slotkeeper/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and safe fields
// for logging. Tokens and DSNs are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if differs {
			changed = append(changed, name)
			attrs = append(attrs, fields...)
		}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	section("telegram", ot != nt,
		logx.Int64("telegram.chat_id", nt.ChatID),
		logx.Int("telegram.thread_id", nt.ThreadID),
		logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
		logx.Bool("telegram.token_changed", ot.Token != nt.Token),
	)

	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
	)

	ns := newCfg.Scheduler
	section("scheduler", oldCfg.Scheduler != ns,
		logx.Bool("scheduler.enabled", ns.Enabled),
		logx.String("scheduler.timezone", ns.Timezone),
		logx.String("scheduler.unit", ns.Unit),
		logx.String("scheduler.cycle", ns.Cycle),
		logx.Int("scheduler.concurrency", ns.Concurrency),
	)

	section("task_engine", !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine),
		logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
	)

	nn := newCfg.Notifier
	section("notifier", !reflect.DeepEqual(oldCfg.Notifier, nn),
		logx.Bool("notifier.present", nn != nil),
		logx.Bool("notifier.enabled", nn != nil && nn.Enabled),
	)

	ost, nst := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	section("storage", ost != nst,
		logx.String("storage.driver", nst.Driver),
		logx.String("storage.path", nst.Path),
		logx.Bool("storage.dsn_set", nst.DSN != ""),
	)

	section("targets", !reflect.DeepEqual(oldCfg.Targets, newCfg.Targets),
		logx.Int("targets.count", len(newCfg.Targets)),
	)

	oo, no := oldCfg.Ops, newCfg.Ops
	section("ops", oo != no,
		logx.Bool("ops.enabled", no.Enabled),
		logx.String("ops.addr", no.Addr),
		logx.Bool("ops.token_set", no.Token != ""),
		logx.Bool("ops.pprof", no.Pprof),
	)

	section("tracing", oldCfg.Tracing != newCfg.Tracing,
		logx.Bool("tracing.enabled", newCfg.Tracing.Enabled),
		logx.String("tracing.exporter", newCfg.Tracing.Exporter),
	)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
