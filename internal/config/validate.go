package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "recurd/pkg/logx"
)

// MaxTickInterval bounds dispatcher.tick_interval; rules have minute granularity.
const MaxTickInterval = time.Minute

// Validate checks the parts of cfg that need no runtime context: durations,
// levels, the timezone and every seed rule. All problems are reported
// together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if f := cfg.Logging.Format; !logx.ValidFormat(f) {
		add(fmt.Errorf("logging.format: unknown format %q (want console or json)", f))
	}

	_, err := ParseDurationMax("dispatcher.tick_interval", cfg.Dispatcher.TickInterval, 30*time.Second, MaxTickInterval)
	add(err)
	loc, err := cfg.Dispatcher.Location()
	add(err)

	if e := cfg.Engine; e != nil {
		if e.Workers < 0 {
			add(errors.New("engine.workers: must be >= 0"))
		}
		if e.QueueSize < 0 {
			add(errors.New("engine.queue_size: must be >= 0"))
		}
		if e.HistorySize < 0 {
			add(errors.New("engine.history_size: must be >= 0"))
		}
		_, err = ParseDurationField("engine.default_timeout", e.DefaultTimeout)
		add(err)
		_, err = ParseDurationField("engine.max_queue_delay", e.MaxQueueDelay)
		add(err)
	}

	if s := cfg.Storage; s != nil {
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
		if s.ExecutionRetention < 0 {
			add(errors.New("storage.execution_retention: must be >= 0"))
		}
	}

	if st := cfg.Status; st != nil {
		_, err = ParseDurationField("status.read_timeout", st.ReadTimeout)
		add(err)
		_, err = ParseDurationField("status.write_timeout", st.WriteTimeout)
		add(err)
		_, err = ParseDurationField("status.idle_timeout", st.IdleTimeout)
		add(err)
		if addr := strings.TrimSpace(st.Addr); st.Enabled && addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				add(fmt.Errorf("status.addr: invalid %q (expected host:port): %w", addr, err))
			}
		}
	}

	seen := make(map[string]int, len(cfg.Schedules))
	for i, seed := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(seed.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", path))
		} else if j, dup := seen[name]; dup {
			add(fmt.Errorf("%s.name: %q already used by schedules[%d]", path, name, j))
		} else {
			seen[name] = i
		}
		if _, err := seed.Rule.Rule(loc); err != nil {
			add(fmt.Errorf("%s.rule: %w", path, err))
		}
		_, err = ParseDurationField(path+".job.timeout", seed.Job.Timeout)
		add(err)
	}

	return errors.Join(errs...)
}

// Location loads the dispatcher timezone. Empty means UTC.
func (d DispatcherConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(d.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC, fmt.Errorf("dispatcher.timezone: unknown timezone %q: %w", tz, err)
	}
	return loc, nil
}
