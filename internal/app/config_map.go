package app

import (
	"fmt"
	"strings"
	"time"

	"recurd/internal/config"
	"recurd/internal/observability/status"
	"recurd/internal/schedule"
	"recurd/internal/storage"
	"recurd/internal/task/engine"
	"recurd/internal/task/scheduler"
	logx "recurd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		Journal: cfg.Logging.Journal,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatcherConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := parseDurationOrDefault("dispatcher.tick_interval", cfg.Dispatcher.TickInterval, scheduler.DefaultTickInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tick > scheduler.MaxTickInterval {
		return scheduler.Config{}, fmt.Errorf("dispatcher.tick_interval: %s exceeds %s", tick, scheduler.MaxTickInterval)
	}
	return scheduler.Config{
		TickInterval:      tick,
		Timezone:          strings.TrimSpace(cfg.Dispatcher.Timezone),
		RecomputeOnEnable: cfg.Dispatcher.RecomputeOnEnable,
	}, nil
}

// mapEngineConfig applies defaults for an omitted engine section.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true}
	ec := cfg.Engine
	if ec == nil {
		return out, nil
	}
	if ec.Enabled != nil {
		out.Enabled = *ec.Enabled
	}
	out.Workers = ec.Workers
	out.QueueSize = ec.QueueSize
	out.HistorySize = ec.HistorySize

	var err error
	if out.DefaultTimeout, err = parseDurationField("engine.default_timeout", ec.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = parseDurationField("engine.max_queue_delay", ec.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// mapStorageConfig returns the storage config; driver "" means none.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if !storage.ValidDriver(driver) {
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	if driver == "none" {
		driver = ""
	}
	path := strings.TrimSpace(sc.Path)
	if (driver == "sqlite" || driver == "sqlite3") && path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:             driver,
		Path:               path,
		BusyTimeout:        busy,
		ExecutionRetention: sc.ExecutionRetention,
	}, nil
}

// mapStatusConfig validates and converts the status section. It never
// starts the server.
func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	var out status.Config
	if cfg == nil || cfg.Status == nil {
		return out, nil
	}
	sc := cfg.Status
	out.Enabled = sc.Enabled
	out.AllowInsecure = sc.AllowInsecure
	out.Profiling = sc.Profiling
	out.Token = strings.TrimSpace(sc.Token)
	out.Addr = strings.TrimSpace(sc.Addr)
	if out.Addr == "" {
		out.Addr = status.DefaultAddr
	}

	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 disables the write timeout; /debug/pprof/profile streams for 30s.
	if out.WriteTimeout, err = parseDurationField("status.write_timeout", sc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("status.idle_timeout", sc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	if out.Enabled && !out.AllowInsecure && out.Token == "" && !status.IsLoopbackAddr(out.Addr) {
		return out, fmt.Errorf("status: binding to non-loopback addr requires token or allow_insecure=true")
	}
	return out, nil
}

func mapJob(path string, jc config.JobConfig) (schedule.JobSpec, error) {
	timeout, err := parseDurationField(path+".timeout", jc.Timeout)
	if err != nil {
		return schedule.JobSpec{}, err
	}
	job := schedule.JobSpec{Kind: strings.TrimSpace(jc.Kind), Timeout: timeout}
	if len(jc.Params) > 0 {
		job.Params = make(map[string]string, len(jc.Params))
		for k, v := range jc.Params {
			job.Params[k] = v
		}
	}
	return job, nil
}
