package config

import (
	"recurd/internal/recurrence"
)

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Dispatcher DispatcherConfig `json:"dispatcher"`

	// Engine controls the worker pool that runs jobs.
	// If omitted, defaults apply (2 workers, queue of 256).
	Engine *EngineConfig `json:"engine,omitempty"`

	// Storage is optional; nil or driver "none" keeps schedules in memory only.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Status is the optional read-only HTTP endpoint (health, schedules, pprof).
	Status *StatusConfig `json:"status,omitempty"`

	// Schedules are upserted by name at start and on every reload.
	Schedules []ScheduleSeed `json:"schedules,omitempty"`
}

// LoggingConfig selects level and sinks. Format is "console" (default) or
// "json" and applies to the console sink; journal sends to systemd-journald.
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Journal bool        `json:"journal,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatcherConfig controls the polling loop.
//
// TickInterval is a Go duration string; it must be > 0 and <= "1m".
// Timezone is an IANA name applied to seed rules without their own.
type DispatcherConfig struct {
	TickInterval      string `json:"tick_interval,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
	RecomputeOnEnable bool   `json:"recompute_on_enable,omitempty"`
}

// EngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so an omitted value means true.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type EngineConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./recurd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// ExecutionRetention caps stored execution records. 0 means 1000.
	ExecutionRetention int `json:"execution_retention,omitempty"`
}

// StatusConfig controls the status HTTP server.
//
// Addr defaults to 127.0.0.1:7070. A non-loopback addr needs a token
// or allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Profiling     bool   `json:"profiling,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// ScheduleSeed declares a schedule in config.
//
// Example (YAML):
//
//	- name: nightly-backup
//	  rule: { frequency: daily, at: "00:00" }
//	  job: { kind: command, params: { command: "backup.sh" }, timeout: 30m }
type ScheduleSeed struct {
	Name    string          `json:"name"`
	Rule    recurrence.Spec `json:"rule"`
	Job     JobConfig       `json:"job"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// IsEnabled reports the seed's enabled flag; omitted means true.
func (s ScheduleSeed) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type JobConfig struct {
	Kind    string            `json:"kind"`
	Params  map[string]string `json:"params,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// Default returns the config used when no file is given.
func Default() *Config {
	return &Config{
		Logging:    LoggingConfig{Level: "info", Console: true},
		Dispatcher: DispatcherConfig{TickInterval: "30s"},
	}
}
