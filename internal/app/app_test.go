package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurd/internal/executor"
	"recurd/internal/schedule"
	"recurd/internal/task/scheduler"
)

const appConfig = `{
  "logging": {"level": "warn", "console": true},
  "dispatcher": {"tick_interval": "30s"},
  "engine": {"workers": 2},
  "storage": {"driver": "file", "path": %q},
  "schedules": [
    {"name": "nightly", "rule": {"frequency": "daily", "at": "00:00"}, "job": {"kind": "counting"}},
    {"name": "weekly", "rule": {"frequency": "weekly", "weekday": "sunday", "at": "01:00"}, "job": {"kind": "log"}, "enabled": false}
  ]
}`

type counting struct{ calls atomic.Int32 }

func (p *counting) Run(ctx context.Context, job schedule.JobSpec) (any, error) {
	p.calls.Add(1)
	return nil, nil
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "recurd.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
}

func TestAppRunsSeedsAndPersists(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, fmtConfig(filepath.Join(dir, "state")))

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	p := &counting{}

	a, err := NewApp(cfgPath, WithClock(clk), WithExecutor("counting", p))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	views := a.Scheduler().ListSchedules()
	require.Len(t, views, 2)
	assert.Equal(t, []string{"nightly", "weekly"}, []string{views[0].Name, views[1].Name})
	nightly := viewByName(t, views, "nightly")
	assert.True(t, nightly.Enabled)
	assert.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), nightly.NextRun)
	assert.False(t, viewByName(t, views, "weekly").Enabled)

	clk.Add(12*time.Hour + time.Second)
	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		v, err := a.Scheduler().GetSchedule(nightly.ID)
		return err == nil && v.LastRun != nil && !v.Running
	}, 3*time.Second, 10*time.Millisecond)
	stopApp(t, a)

	// A second process sees the run and the advanced NextRun.
	b, err := NewApp(cfgPath, WithClock(clk), WithExecutor("counting", p))
	require.NoError(t, err)
	defer stopApp(t, b)

	v, err := b.Scheduler().GetSchedule(nightly.ID)
	require.NoError(t, err)
	require.NotNil(t, v.LastRun)
	assert.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), *v.LastRun)
	assert.Equal(t, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), v.NextRun)

	recs, err := b.Scheduler().Executions(context.Background(), nightly.ID, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, schedule.Success, recs[0].Outcome)
}

func TestAppReloadRemovesDroppedSeed(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, fmtConfig(filepath.Join(dir, "state")))

	a, err := NewApp(cfgPath, WithExecutor("counting", executor.Func(func(ctx context.Context, job schedule.JobSpec) (any, error) {
		return nil, nil
	})))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)
	require.Len(t, a.Scheduler().ListSchedules(), 2)

	next := `{
  "logging": {"level": "warn", "console": true},
  "dispatcher": {"tick_interval": "10s"},
  "storage": {"driver": "file", "path": "` + filepath.ToSlash(filepath.Join(dir, "state")) + `"},
  "schedules": [
    {"name": "nightly", "rule": {"frequency": "daily", "at": "02:30"}, "job": {"kind": "counting"}}
  ]
}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(next), 0o644))
	// The file watcher may pick the change up first; either way it is applied once.
	_, err = a.cfgm.Reload(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		views := a.Scheduler().ListSchedules()
		return len(views) == 1 && views[0].Description == "every day at 02:30"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 10*time.Second, a.Scheduler().Snapshot().TickInterval)
}

func TestAppAppliesReloadCommittedBeforeStart(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, fmtConfig(filepath.Join(dir, "state")))

	a, err := NewApp(cfgPath, WithExecutor("counting", executor.Func(func(ctx context.Context, job schedule.JobSpec) (any, error) {
		return nil, nil
	})))
	require.NoError(t, err)

	next := `{
  "logging": {"level": "warn", "console": true},
  "dispatcher": {"tick_interval": "10s"},
  "storage": {"driver": "file", "path": "` + filepath.ToSlash(filepath.Join(dir, "state")) + `"},
  "schedules": [
    {"name": "nightly", "rule": {"frequency": "daily", "at": "02:30"}, "job": {"kind": "counting"}}
  ]
}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(next), 0o644))
	ok, err := a.cfgm.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)

	require.Eventually(t, func() bool {
		views := a.Scheduler().ListSchedules()
		return len(views) == 1 && views[0].Description == "every day at 02:30" &&
			a.Scheduler().Snapshot().TickInterval == 10*time.Second
	}, 3*time.Second, 10*time.Millisecond)
}

func TestNewAppRejectsUnknownKind(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, fmtConfig(filepath.Join(dir, "state")))

	// "counting" is not registered.
	_, err := NewApp(cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported kind "counting"`)
}

func TestNewAppDefaults(t *testing.T) {
	a, err := NewApp("")
	require.NoError(t, err)
	defer stopApp(t, a)

	assert.Empty(t, a.Scheduler().ListSchedules())
	assert.Equal(t, 30*time.Second, a.Scheduler().Snapshot().TickInterval)
	assert.Equal(t, []string{"command", "log", "systemd"}, a.exec.Kinds())
}

func TestAppServesStatus(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `{
  "logging": {"level": "warn", "console": true},
  "status": {"enabled": true, "addr": "127.0.0.1:0"}
}`)
	a, err := NewApp(cfgPath)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)

	require.Eventually(t, func() bool { return a.StatusAddr() != "" }, 3*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + a.StatusAddr() + "/schedules")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewAppRejectsPublicStatusWithoutToken(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), `{"status": {"enabled": true, "addr": "0.0.0.0:7070"}}`)
	_, err := NewApp(cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires token")
}

func viewByName(t *testing.T, views []scheduler.View, name string) scheduler.View {
	t.Helper()
	for _, v := range views {
		if v.Name == name {
			return v
		}
	}
	t.Fatalf("no schedule named %q", name)
	return scheduler.View{}
}

func fmtConfig(statePath string) string {
	return fmt.Sprintf(appConfig, filepath.ToSlash(statePath))
}
