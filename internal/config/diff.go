package config

import (
	"encoding/json"
	"sort"
	"strings"

	logx "recurd/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) structured attrs for logging (job params are never logged, they may
// carry secrets), and (3) the names of seed schedules that were added,
// changed or removed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.journal", newCfg.Logging.Journal),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	od, nd := trimDispatcher(oldCfg.Dispatcher), trimDispatcher(newCfg.Dispatcher)
	if od != nd {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.tick_interval", nd.TickInterval),
			logx.String("dispatcher.timezone", nd.Timezone),
			logx.Bool("dispatcher.recompute_on_enable", nd.RecomputeOnEnable),
		)
	}

	oe, ne := derefEngine(oldCfg.Engine), derefEngine(newCfg.Engine)
	if oe != ne {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Bool("engine.enabled", ne.enabled),
			logx.Int("engine.workers", ne.Workers),
			logx.Int("engine.queue_size", ne.QueueSize),
			logx.String("engine.default_timeout", ne.DefaultTimeout),
			logx.String("engine.max_queue_delay", ne.MaxQueueDelay),
			logx.Int("engine.history_size", ne.HistorySize),
		)
	}

	// Storage is only read at start; a change here needs a restart.
	ost, nst := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if ost != nst {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nst.Driver),
			logx.Bool("storage.path_set", nst.Path != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	ostat, nstat := derefStatus(oldCfg.Status), derefStatus(newCfg.Status)
	if ostat != nstat {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", nstat.Enabled),
			logx.String("status.addr", nstat.Addr),
			logx.Bool("status.token_set", nstat.Token != ""),
			logx.Bool("status.profiling", nstat.Profiling),
		)
	}

	seeds := diffSeeds(oldCfg.Schedules, newCfg.Schedules)
	if len(seeds) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(seeds)),
			logx.Int("schedules.count", len(newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, seeds
}

func trimDispatcher(d DispatcherConfig) DispatcherConfig {
	d.TickInterval = strings.TrimSpace(d.TickInterval)
	d.Timezone = strings.TrimSpace(d.Timezone)
	return d
}

type engineView struct {
	enabled                       bool
	Workers, QueueSize            int
	DefaultTimeout, MaxQueueDelay string
	HistorySize                   int
}

func derefEngine(e *EngineConfig) engineView {
	if e == nil {
		return engineView{enabled: true}
	}
	return engineView{
		enabled:        e.Enabled == nil || *e.Enabled,
		Workers:        e.Workers,
		QueueSize:      e.QueueSize,
		DefaultTimeout: strings.TrimSpace(e.DefaultTimeout),
		MaxQueueDelay:  strings.TrimSpace(e.MaxQueueDelay),
		HistorySize:    e.HistorySize,
	}
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	out := *s
	out.Driver = strings.ToLower(strings.TrimSpace(out.Driver))
	out.Path = strings.TrimSpace(out.Path)
	out.BusyTimeout = strings.TrimSpace(out.BusyTimeout)
	return out
}

func derefStatus(s *StatusConfig) StatusConfig {
	if s == nil {
		return StatusConfig{}
	}
	out := *s
	out.Addr = strings.TrimSpace(out.Addr)
	out.Token = strings.TrimSpace(out.Token)
	return out
}

func diffSeeds(oldS, newS []ScheduleSeed) []string {
	index := func(list []ScheduleSeed) map[string]uint64 {
		m := make(map[string]uint64, len(list))
		for _, s := range list {
			b, _ := json.Marshal(s)
			m[strings.TrimSpace(s.Name)] = hashBytes(b)
		}
		return m
	}
	om, nm := index(oldS), index(newS)

	out := make([]string, 0)
	for name, h := range nm {
		if oh, ok := om[name]; !ok || oh != h {
			out = append(out, name)
		}
	}
	for name := range om {
		if _, ok := nm[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
