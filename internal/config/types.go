package config

// Config is the on-disk configuration. JSON or YAML (by extension); all
// durations are Go duration strings ("250ms", "10s", "2m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine runs the armed tick. If omitted it follows scheduler.enabled.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Targets  []TargetConfig  `json:"targets"`
	Ops      OpsConfig       `json:"ops,omitempty"`
	Tracing  TracingConfig   `json:"tracing,omitempty"`
}

// TelegramConfig is the operator chat. Token is never logged.
type TelegramConfig struct {
	Token    string `json:"token"`
	APIURL   string `json:"api_url,omitempty"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to the operator
// chat (optionally to a different forum thread).
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig shapes the slot clock and the tick loop.
//
// Defaults:
//   - unit: "1m"
//   - cycle: "week" (also "day", "hour")
//   - timezone: local
//   - tolerance: "10s"
//   - settle: "250ms"
//   - concurrency: 4
//   - task_timeout: "2m"
//   - tick_timeout: "10m"
type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Cycle       string `json:"cycle,omitempty"`
	Tolerance   string `json:"tolerance,omitempty"`
	Settle      string `json:"settle,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	TaskTimeout string `json:"task_timeout,omitempty"`
	TickTimeout string `json:"tick_timeout,omitempty"`
}

// TaskEngineConfig controls the job engine the tick runs on.
//
// Enabled is a pointer so "omitted" (follow scheduler.enabled) differs from
// an explicit false.
//
// RetryMax applies to jobs that allow retries. The armed tick never retries;
// its failures are reported and the next tick is armed instead.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls anomaly delivery. If the whole section is
// omitted the notifier is enabled whenever a telegram chat is configured.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	MaxTraceLines   int    `json:"max_trace_lines,omitempty"`
}

// StorageConfig selects the task store. Changes need a restart.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./slotkeeper_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TargetConfig is one managed resource. Kind is systemd, systemctl, http
// or noop.
type TargetConfig struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Unit    string `json:"unit,omitempty"`
	User    bool   `json:"user,omitempty"`
	Bin     string `json:"bin,omitempty"`
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// OpsConfig is the local operations HTTP server: health, metrics, slot and
// tick state, and optionally pprof.
//
// Security: prefer a loopback Addr. A non-loopback bind needs Token or an
// explicit AllowInsecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TracingConfig enables OpenTelemetry spans for ticks and tasks.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter,omitempty"` // "stdout" (default) or "none"
	Path        string  `json:"path,omitempty"`     // stdout exporter target; empty is stderr
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}
