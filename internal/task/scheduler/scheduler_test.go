package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurd/internal/eventbus"
	"recurd/internal/executor"
	"recurd/internal/recurrence"
	"recurd/internal/schedule"
	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
)

var start = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func at(day, hour, min, sec int) time.Time {
	return time.Date(2024, 6, day, hour, min, sec, 0, time.UTC)
}

type fixture struct {
	clk   *clock.Mock
	store *schedule.Store
	svc   *Service
	bus   *eventbus.MemBus
	calls atomic.Int32
}

func seqIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("s%03d", n)
	}
}

// newFixture builds a dispatcher with no engine (jobs run inline) unless eng is set.
func newFixture(t *testing.T, exec executor.Executor, eng *engine.Service) *fixture {
	t.Helper()
	f := &fixture{clk: clock.NewMock(), bus: eventbus.New()}
	f.clk.Set(start)
	f.store = schedule.NewStore(schedule.WithClock(f.clk), schedule.WithIDFunc(seqIDs()))
	if exec == nil {
		exec = executor.Func(func(ctx context.Context, job schedule.JobSpec) (any, error) {
			f.calls.Add(1)
			return "ok", nil
		})
	}
	f.svc = New(Config{}, f.store, eng, exec, logx.Nop(), WithEventBus(f.bus))
	return f
}

func startEngine(t *testing.T, workers int) *engine.Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: workers, QueueSize: 8}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return eng
}

func waitIdle(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestEndToEndDailySchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	v, err := f.svc.CreateSchedule(ctx, "nightly-backup", recurrence.MustDaily(0, 0), schedule.JobSpec{Kind: "backup"})
	require.NoError(t, err)
	assert.Equal(t, at(2, 0, 0, 0), v.NextRun)
	assert.Equal(t, "every day at 00:00", v.Description)

	f.clk.Set(at(2, 0, 0, 1))
	assert.Equal(t, 1, f.svc.Tick(ctx))

	got, err := f.svc.GetSchedule(v.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, at(2, 0, 0, 0), *got.LastRun)
	assert.Equal(t, at(3, 0, 0, 0), got.NextRun)
	assert.Equal(t, int32(1), f.calls.Load())

	recs, err := f.svc.Executions(ctx, v.ID, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, schedule.Success, recs[0].Outcome)
	assert.Equal(t, at(2, 0, 0, 0), recs[0].FiredAt)
	assert.False(t, recs[0].Manual)

	// fired + succeeded, nobody listening
	snap := f.svc.Snapshot()
	assert.GreaterOrEqual(t, snap.EventsPublished, uint64(2))
	assert.Zero(t, snap.EventsDropped)
}

func TestExactlyOnceAcrossManyTicks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.svc.CreateSchedule(ctx, "hourly-ish", recurrence.MustDaily(0, 0), schedule.JobSpec{})
	require.NoError(t, err)

	f.clk.Set(at(1, 23, 58, 0))
	for i := 0; i < 10; i++ {
		f.svc.Tick(ctx)
		f.clk.Add(30 * time.Second)
	}
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, uint64(10), f.svc.Snapshot().Ticks)
}

func TestDisabledScheduleNeverFires(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	v, err := f.svc.CreateSchedule(ctx, "off", recurrence.MustDaily(0, 0), schedule.JobSpec{})
	require.NoError(t, err)
	_, err = f.svc.SetEnabled(ctx, v.ID, false)
	require.NoError(t, err)

	for d := 2; d <= 5; d++ {
		f.clk.Set(at(d, 0, 0, 1))
		assert.Equal(t, 0, f.svc.Tick(ctx))
	}
	assert.Equal(t, int32(0), f.calls.Load())

	// Re-enabling keeps the stale NextRun: one catch-up fire, then forward.
	v, err = f.svc.SetEnabled(ctx, v.ID, true)
	require.NoError(t, err)
	assert.Equal(t, at(2, 0, 0, 0), v.NextRun)
	f.svc.Tick(ctx)
	f.svc.Tick(ctx)
	assert.Equal(t, int32(1), f.calls.Load())

	got, err := f.svc.GetSchedule(v.ID)
	require.NoError(t, err)
	assert.Equal(t, at(6, 0, 0, 0), got.NextRun)
}

func TestRecomputeOnEnable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.svc.Apply(Config{RecomputeOnEnable: true})

	v, err := f.svc.CreateSchedule(ctx, "resume", recurrence.MustDaily(0, 0), schedule.JobSpec{})
	require.NoError(t, err)
	_, err = f.svc.SetEnabled(ctx, v.ID, false)
	require.NoError(t, err)

	f.clk.Set(at(4, 12, 0, 0))
	v, err = f.svc.SetEnabled(ctx, v.ID, true)
	require.NoError(t, err)
	assert.Equal(t, at(5, 0, 0, 0), v.NextRun)
	assert.Equal(t, 0, f.svc.Tick(ctx))
}

func TestFailuresAreRecordedAndAdvance(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		run       func() (any, error)
		wantPanic bool
	}{
		{name: "error", run: func() (any, error) { return nil, errors.New("disk full") }},
		{name: "panic", run: func() (any, error) { panic("nil map") }, wantPanic: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, executor.Func(func(ctx context.Context, job schedule.JobSpec) (any, error) {
				return tt.run()
			}), nil)
			ctx := context.Background()
			events, unsub := f.bus.SubscribePrefix("schedule.", 8)
			defer unsub()

			v, err := f.svc.CreateSchedule(ctx, "flaky", recurrence.MustDaily(0, 0), schedule.JobSpec{})
			require.NoError(t, err)
			other, err := f.svc.CreateSchedule(ctx, "steady", recurrence.MustDaily(0, 0), schedule.JobSpec{})
			require.NoError(t, err)

			f.clk.Set(at(2, 0, 0, 1))
			assert.Equal(t, 2, f.svc.Tick(ctx))

			for _, id := range []string{v.ID, other.ID} {
				got, err := f.svc.GetSchedule(id)
				require.NoError(t, err)
				assert.Equal(t, at(3, 0, 0, 0), got.NextRun)
				require.NotNil(t, got.LastRun)
			}

			recs, err := f.svc.Executions(ctx, v.ID, 1)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, schedule.Failure, recs[0].Outcome)
			assert.NotEmpty(t, recs[0].Error)

			snap := f.svc.Snapshot()
			assert.Equal(t, uint64(2), snap.Failed)

			var failed int
			for len(events) > 0 {
				if e := <-events; e.Type == EventFailed {
					failed++
					rec := e.Data.(schedule.ExecutionRecord)
					require.True(t, IsExecution(rec.Err))
					var ee *ExecutionError
					require.ErrorAs(t, rec.Err, &ee)
					assert.Equal(t, tt.wantPanic, ee.Panic != nil)
				}
			}
			assert.Equal(t, 2, failed)
		})
	}
}

// blockingExec blocks every run until release is closed.
type blockingExec struct {
	started chan string
	release chan struct{}
	calls   atomic.Int32
}

func newBlockingExec() *blockingExec {
	return &blockingExec{started: make(chan string, 8), release: make(chan struct{})}
}

func (b *blockingExec) Run(ctx context.Context, job schedule.JobSpec) (any, error) {
	b.calls.Add(1)
	b.started <- job.Kind
	select {
	case <-b.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingExec) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
	}
}

func TestRunningScheduleIsNotFiredTwice(t *testing.T) {
	t.Parallel()
	bx := newBlockingExec()
	f := newFixture(t, bx, startEngine(t, 2))
	ctx := context.Background()

	v, err := f.svc.CreateSchedule(ctx, "long", recurrence.MustDaily(0, 0), schedule.JobSpec{Kind: "long"})
	require.NoError(t, err)

	f.clk.Set(at(2, 0, 0, 1))
	assert.Equal(t, 1, f.svc.Tick(ctx))
	bx.waitStarted(t)

	// A day later the same occurrence is still due, but it is running.
	f.clk.Set(at(3, 0, 0, 1))
	assert.Equal(t, 0, f.svc.Tick(ctx))
	assert.Equal(t, 0, f.svc.Tick(ctx))
	assert.Equal(t, uint64(2), f.svc.Snapshot().Skipped)

	running, err := f.svc.GetSchedule(v.ID)
	require.NoError(t, err)
	assert.True(t, running.Running)

	close(bx.release)
	waitIdle(t, f.svc)
	assert.Equal(t, int32(1), bx.calls.Load())

	// The missed 06-03 occurrence is skipped, not replayed.
	got, err := f.svc.GetSchedule(v.ID)
	require.NoError(t, err)
	assert.False(t, got.Running)
	assert.Equal(t, at(2, 0, 0, 0), *got.LastRun)
	assert.Equal(t, at(4, 0, 0, 0), got.NextRun)
}

func TestDeleteDuringExecution(t *testing.T) {
	t.Parallel()
	bx := newBlockingExec()
	f := newFixture(t, bx, startEngine(t, 1))
	ctx := context.Background()

	v, err := f.svc.CreateSchedule(ctx, "doomed", recurrence.MustDaily(0, 0), schedule.JobSpec{})
	require.NoError(t, err)

	f.clk.Set(at(2, 0, 0, 1))
	require.Equal(t, 1, f.svc.Tick(ctx))
	bx.waitStarted(t)

	require.NoError(t, f.svc.DeleteSchedule(ctx, v.ID))
	require.NoError(t, f.svc.DeleteSchedule(ctx, v.ID))
	_, err = f.svc.GetSchedule(v.ID)
	assert.True(t, schedule.IsNotFound(err))

	close(bx.release)
	waitIdle(t, f.svc)

	assert.Empty(t, f.svc.ListSchedules())
	f.clk.Set(at(3, 0, 0, 1))
	assert.Equal(t, 0, f.svc.Tick(ctx))

	recs, err := f.svc.Executions(ctx, v.ID, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestTriggerNowKeepsNextRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	v, err := f.svc.CreateSchedule(ctx, "manual", recurrence.MustDaily(0, 0), schedule.JobSpec{})
	require.NoError(t, err)
	_, err = f.svc.SetEnabled(ctx, v.ID, false)
	require.NoError(t, err)

	f.clk.Set(at(1, 15, 30, 0))
	rec, err := f.svc.TriggerNow(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, rec.Manual)
	assert.Equal(t, schedule.Success, rec.Outcome)
	assert.Equal(t, "ok", rec.Output)
	assert.Equal(t, at(1, 15, 30, 0), rec.FiredAt)

	got, err := f.svc.GetSchedule(v.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, at(1, 15, 30, 0), *got.LastRun)
	assert.Equal(t, at(2, 0, 0, 0), got.NextRun)
	assert.False(t, got.Enabled)

	_, err = f.svc.TriggerNow(ctx, "missing")
	assert.True(t, schedule.IsNotFound(err))
}

func TestTriggerNowWhileRunning(t *testing.T) {
	t.Parallel()
	bx := newBlockingExec()
	f := newFixture(t, bx, startEngine(t, 1))
	ctx := context.Background()

	v, err := f.svc.CreateSchedule(ctx, "busy", recurrence.MustDaily(0, 0), schedule.JobSpec{})
	require.NoError(t, err)
	f.clk.Set(at(2, 0, 0, 1))
	require.Equal(t, 1, f.svc.Tick(ctx))
	bx.waitStarted(t)

	_, err = f.svc.TriggerNow(ctx, v.ID)
	assert.ErrorIs(t, err, schedule.ErrRunning)

	close(bx.release)
	waitIdle(t, f.svc)
}

func TestTriggerNowRunsOnWorkerPool(t *testing.T) {
	t.Parallel()
	eng := startEngine(t, 1)
	f := newFixture(t, nil, eng)
	ctx := context.Background()

	v, err := f.svc.CreateSchedule(ctx, "manual", recurrence.MustDaily(0, 0), schedule.JobSpec{})
	require.NoError(t, err)

	rec, err := f.svc.TriggerNow(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.Success, rec.Outcome)
	assert.Equal(t, int32(1), f.calls.Load())
	require.Eventually(t, func() bool {
		for _, h := range eng.Snapshot().History {
			if h.Name == "trigger:manual" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	waitIdle(t, f.svc)
}

func TestTriggerNowRunsInlineWithoutStartedEngine(t *testing.T) {
	t.Parallel()
	idle := engine.New(engine.Config{Enabled: true}, logx.Nop(), nil)
	f := newFixture(t, nil, idle)
	ctx := context.Background()

	v, err := f.svc.CreateSchedule(ctx, "cli", recurrence.MustDaily(0, 0), schedule.JobSpec{})
	require.NoError(t, err)

	rec, err := f.svc.TriggerNow(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.Success, rec.Outcome)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestTriggerNowCancelledWhileQueued(t *testing.T) {
	t.Parallel()
	bx := newBlockingExec()
	f := newFixture(t, bx, startEngine(t, 1))
	ctx := context.Background()

	busy, err := f.svc.CreateSchedule(ctx, "busy", recurrence.MustDaily(0, 0), schedule.JobSpec{Kind: "busy"})
	require.NoError(t, err)
	queued, err := f.svc.CreateSchedule(ctx, "queued", recurrence.MustDaily(12, 0), schedule.JobSpec{Kind: "queued"})
	require.NoError(t, err)

	f.clk.Set(at(2, 0, 0, 1))
	require.Equal(t, 1, f.svc.Tick(ctx))
	bx.waitStarted(t)

	// The only worker is busy, so the manual run waits in the queue.
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = f.svc.TriggerNow(tctx, queued.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(bx.release)
	waitIdle(t, f.svc)

	got, err := f.svc.GetSchedule(queued.ID)
	require.NoError(t, err)
	assert.False(t, got.Running)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, at(2, 12, 0, 0), got.NextRun)

	got, err = f.svc.GetSchedule(busy.ID)
	require.NoError(t, err)
	assert.False(t, got.Running)
}

func TestTriggerNowAppliesJobTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, executor.Func(func(ctx context.Context, job schedule.JobSpec) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), nil)
	ctx := context.Background()

	v, err := f.svc.CreateSchedule(ctx, "slow", recurrence.MustDaily(0, 0), schedule.JobSpec{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	rec, err := f.svc.TriggerNow(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.Failure, rec.Outcome)
	assert.ErrorIs(t, rec.Err, context.DeadlineExceeded)
}

func TestRejectedRunIsRetriedNextTick(t *testing.T) {
	t.Parallel()
	// An engine that was never started rejects every task.
	idle := engine.New(engine.Config{Enabled: true}, logx.Nop(), nil)
	f := newFixture(t, nil, idle)
	ctx := context.Background()
	events, unsub := f.bus.SubscribePrefix(EventSkipped, 4)
	defer unsub()

	v, err := f.svc.CreateSchedule(ctx, "retry", recurrence.MustDaily(0, 0), schedule.JobSpec{})
	require.NoError(t, err)

	f.clk.Set(at(2, 0, 0, 1))
	assert.Equal(t, 0, f.svc.Tick(ctx))

	got, err := f.svc.GetSchedule(v.ID)
	require.NoError(t, err)
	assert.False(t, got.Running)
	assert.Nil(t, got.LastRun)
	assert.Equal(t, at(2, 0, 0, 0), got.NextRun)
	assert.Equal(t, uint64(1), f.svc.Snapshot().Rejected)
	assert.Equal(t, 0, f.svc.inFlight())

	require.Len(t, events, 1)
	assert.Equal(t, v.ID, (<-events).Data.(SkipEvent).ScheduleID)
}

func TestRunLoopUsesClockTicker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, startEngine(t, 1))
	ctx := context.Background()

	v, err := f.svc.CreateSchedule(ctx, "loop", recurrence.MustDaily(0, 0), schedule.JobSpec{})
	require.NoError(t, err)

	// Due before start: the startup tick fires it.
	f.clk.Set(at(2, 0, 0, 5))
	f.svc.Start(ctx)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.svc.Stop(sctx)
	})
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	waitIdle(t, f.svc)

	f.clk.Add(24 * time.Hour)
	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitIdle(t, f.svc)

	got, err := f.svc.GetSchedule(v.ID)
	require.NoError(t, err)
	assert.Equal(t, at(4, 0, 0, 0), got.NextRun)
	assert.True(t, f.svc.Snapshot().Running)
}

func TestUpsertByName(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	job := schedule.JobSpec{Kind: "cleanup", Params: map[string]string{"keep": "7"}}

	a, err := f.svc.Upsert(ctx, "retention", recurrence.MustDaily(3, 0), job, true)
	require.NoError(t, err)

	b, err := f.svc.Upsert(ctx, "retention", recurrence.MustDaily(3, 0), job, true)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.NextRun, b.NextRun)

	weekly, err := recurrence.NewWeekly(time.Sunday, 1, 0)
	require.NoError(t, err)
	c, err := f.svc.Upsert(ctx, "retention", weekly, job, false)
	require.NoError(t, err)
	assert.Equal(t, a.ID, c.ID)
	assert.False(t, c.Enabled)
	assert.Equal(t, "every Sunday at 01:00", c.Description)
	assert.Equal(t, at(2, 1, 0, 0), c.NextRun)
	assert.Len(t, f.svc.ListSchedules(), 1)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	mux := executor.NewMux()
	mux.Handle("backup", executor.Log{})
	f := newFixture(t, mux, nil)
	ctx := context.Background()

	_, err := f.svc.CreateSchedule(ctx, "", recurrence.MustDaily(0, 0), schedule.JobSpec{Kind: "backup"})
	assert.True(t, schedule.IsValidation(err))

	_, err = f.svc.CreateSchedule(ctx, "x", recurrence.MustDaily(0, 0), schedule.JobSpec{Kind: "restore"})
	assert.True(t, schedule.IsValidation(err))

	_, err = f.svc.CreateFromSpec(ctx, "x", recurrence.Spec{Frequency: "monthly", At: "01:00", DayOfMonth: 32}, schedule.JobSpec{Kind: "backup"})
	assert.True(t, schedule.IsValidation(err))

	v, err := f.svc.CreateFromSpec(ctx, "monthly", recurrence.Spec{Frequency: "monthly", At: "01:00", DayOfMonth: 1}, schedule.JobSpec{Kind: "backup"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 7, 1, 1, 0, 0, 0, time.UTC), v.NextRun)

	_, err = f.svc.UpdateSchedule(ctx, "missing", Patch{})
	assert.True(t, schedule.IsNotFound(err))
}

func TestApplyClampsTickInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	assert.Equal(t, DefaultTickInterval, f.svc.Snapshot().TickInterval)

	f.svc.Apply(Config{TickInterval: 5 * time.Minute, Timezone: "Nowhere/Invalid"})
	snap := f.svc.Snapshot()
	assert.Equal(t, MaxTickInterval, snap.TickInterval)
	assert.Equal(t, "UTC", snap.Timezone)
}

func TestConcurrentTicksClaimOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, startEngine(t, 4))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.CreateSchedule(ctx, fmt.Sprintf("job-%d", i), recurrence.MustDaily(0, 0), schedule.JobSpec{})
		require.NoError(t, err)
	}
	f.clk.Set(at(2, 0, 0, 1))

	var wg sync.WaitGroup
	var dispatched atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatched.Add(int32(f.svc.Tick(ctx)))
		}()
	}
	wg.Wait()
	waitIdle(t, f.svc)

	assert.Equal(t, int32(5), dispatched.Load())
	assert.Equal(t, int32(5), f.calls.Load())
}
