package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurd/internal/recurrence"
)

const sampleYAML = `
logging:
  level: debug
  console: true
dispatcher:
  tick_interval: 15s
  timezone: UTC
engine:
  workers: 4
  default_timeout: 10m
storage:
  driver: sqlite
  path: ./recurd.db
  execution_retention: 500
schedules:
  - name: nightly-backup
    rule: { frequency: daily, at: "00:00" }
    job:
      kind: command
      params: { command: "echo ${RECURD_TEST_TARGET}" }
      timeout: 30m
  - name: weekly-report
    rule: { frequency: weekly, weekday: sunday, at: "01:00" }
    job: { kind: log }
    enabled: false
`

func seedRule(freq, at string, day int) recurrence.Spec {
	return recurrence.Spec{Frequency: freq, At: at, DayOfMonth: day}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("RECURD_TEST_TARGET", "/srv/data")
	m := NewConfigManager(writeFile(t, "recurd.yaml", sampleYAML))

	cfg, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "15s", cfg.Dispatcher.TickInterval)
	require.NotNil(t, cfg.Engine)
	assert.Equal(t, 4, cfg.Engine.Workers)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, 500, cfg.Storage.ExecutionRetention)

	require.Len(t, cfg.Schedules, 2)
	backup := cfg.Schedules[0]
	assert.Equal(t, "daily", backup.Rule.Frequency)
	assert.Equal(t, "echo /srv/data", backup.Job.Params["command"])
	assert.True(t, backup.IsEnabled())
	assert.False(t, cfg.Schedules[1].IsEnabled())
	assert.Equal(t, "sunday", cfg.Schedules[1].Rule.Weekday)
}

func TestDecodeDefaults(t *testing.T) {
	cfg, err := Decode("recurd.json", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "30s", cfg.Dispatcher.TickInterval)
	assert.Nil(t, cfg.Storage)
	require.NoError(t, Validate(cfg))
}

func TestDecodeIsStrict(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "unknown field json", file: "c.json", body: `{"dispatcher":{"tick":"1s"}}`},
		{name: "unknown field yaml", file: "c.yml", body: "storage:\n  driver: file\n  dir: x\n"},
		{name: "unknown seed field", file: "c.json", body: `{"schedules":[{"name":"a","cron":"* * * * *"}]}`},
		{name: "trailing data", file: "c.json", body: `{} {}`},
		{name: "bad yaml", file: "c.yaml", body: "logging: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.file, []byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults ok", mutate: func(c *Config) {}},
		{
			name:    "tick interval above a minute",
			mutate:  func(c *Config) { c.Dispatcher.TickInterval = "90s" },
			wantErr: "dispatcher.tick_interval",
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *Config) { c.Dispatcher.Timezone = "Mars/Olympus" },
			wantErr: "dispatcher.timezone",
		},
		{
			name:    "bad level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
		{
			name:    "bad format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "negative workers",
			mutate:  func(c *Config) { c.Engine = &EngineConfig{Workers: -1} },
			wantErr: "engine.workers",
		},
		{
			name:    "bad busy timeout",
			mutate:  func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite", BusyTimeout: "soon"} },
			wantErr: "storage.busy_timeout",
		},
		{
			name:    "bad status addr",
			mutate:  func(c *Config) { c.Status = &StatusConfig{Enabled: true, Addr: "7070"} },
			wantErr: "status.addr",
		},
		{
			name:    "bad status timeout",
			mutate:  func(c *Config) { c.Status = &StatusConfig{IdleTimeout: "-1s"} },
			wantErr: "status.idle_timeout",
		},
		{
			name: "invalid rule",
			mutate: func(c *Config) {
				c.Schedules = []ScheduleSeed{{Name: "x", Rule: seedRule("monthly", "01:00", 32)}}
			},
			wantErr: "schedules[0].rule",
		},
		{
			name: "duplicate names",
			mutate: func(c *Config) {
				r := seedRule("daily", "00:00", 0)
				c.Schedules = []ScheduleSeed{{Name: "x", Rule: r}, {Name: " x ", Rule: r}}
			},
			wantErr: "already used by schedules[0]",
		},
		{
			name: "missing name",
			mutate: func(c *Config) {
				c.Schedules = []ScheduleSeed{{Rule: seedRule("daily", "00:00", 0)}}
			},
			wantErr: "schedules[0].name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := writeFile(t, "recurd.json", `{"dispatcher":{"tick_interval":"10s"}}`)
	m := NewConfigManager(path)
	ctx := context.Background()
	_, err := m.Load(ctx)
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ok, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte(`{"dispatcher":{"tick_interval":"20s"}}`), 0o644))
	ok, err = m.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	got := <-ch
	assert.Equal(t, "20s", got.Dispatcher.TickInterval)

	// An invalid file leaves the committed config alone.
	require.NoError(t, os.WriteFile(path, []byte(`{"dispatcher":{"tick_interval":"5m"}}`), 0o644))
	_, err = m.Reload(ctx)
	require.Error(t, err)
	assert.Equal(t, "20s", m.Get().Dispatcher.TickInterval)
}

func TestValidatorHookRejects(t *testing.T) {
	m := NewConfigManager(writeFile(t, "recurd.json", `{}`))
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return assert.AnError
	})
	_, err := m.Load(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, m.Get())
}

func TestSlowSubscriberGetsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := Default(), Default()
	b.Logging.Level = "warn"

	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "recurd.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := m.Load(ctx)
	require.NoError(t, err)

	ch := m.Subscribe(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644))

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestReloadWithDoneContextPublishesNothing(t *testing.T) {
	path := writeFile(t, "recurd.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	_, err := m.Load(context.Background())
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := m.Reload(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "info", m.Get().Logging.Level)
	assert.Empty(t, ch)
}

func TestWatchDropsPendingReloadOnCancel(t *testing.T) {
	path := writeFile(t, "recurd.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := m.Load(ctx)
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	// The write arms the debounce timer; cancelling before it fires must
	// leave the committed config alone.
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644))
	time.Sleep(reloadDebounce / 5)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}

	time.Sleep(reloadDebounce + 100*time.Millisecond)
	assert.Equal(t, "info", m.Get().Logging.Level)
	assert.Empty(t, ch)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := Default()
	oldCfg.Schedules = []ScheduleSeed{
		{Name: "a", Rule: seedRule("daily", "00:00", 0), Job: JobConfig{Kind: "log"}},
		{Name: "b", Rule: seedRule("daily", "01:00", 0), Job: JobConfig{Kind: "log"}},
	}

	newCfg := Default()
	newCfg.Dispatcher.TickInterval = "10s"
	newCfg.Storage = &StorageConfig{Driver: "file", Path: "./state"}
	newCfg.Schedules = []ScheduleSeed{
		{Name: "a", Rule: seedRule("daily", "00:00", 0), Job: JobConfig{Kind: "log"}},
		{Name: "b", Rule: seedRule("daily", "02:00", 0), Job: JobConfig{Kind: "log"}},
		{Name: "c", Rule: seedRule("daily", "03:00", 0), Job: JobConfig{Kind: "log"}},
	}

	changed, attrs, seeds := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"dispatcher", "schedules", "storage"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"b", "c"}, seeds)

	changed, _, seeds = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
	assert.Empty(t, seeds)

	// An omitted engine section equals the defaults.
	enabled := true
	withEngine := Default()
	withEngine.Engine = &EngineConfig{Enabled: &enabled}
	changed, _, _ = SummarizeConfigChange(Default(), withEngine)
	assert.Empty(t, changed)
}
