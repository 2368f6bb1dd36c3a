package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"recurd/internal/eventbus"
	"recurd/internal/schedule"
	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
)

// dispatch hands one claim to the engine, or runs it inline when there is no
// engine or it is disabled.
// It reports whether the run was accepted; a rejected claim is released
// unchanged so the schedule is retried on the next tick.
func (s *Service) dispatch(ctx context.Context, c schedule.Claim) bool {
	s.acquire()

	if s.engine == nil || !s.engine.Enabled() {
		s.execute(ctx, c, c.Schedule.Job.Timeout)
		s.release()
		return true
	}

	err := s.engine.Enqueue(engine.Task{
		Name:    "schedule:" + c.Schedule.Name,
		Timeout: c.Schedule.Job.Timeout,
		Run: func(runCtx context.Context) error {
			defer s.release()
			return s.execute(runCtx, c, 0).Err
		},
		Abort: func(reason error) {
			defer s.release()
			s.abort(c, reason)
		},
	})
	if err != nil {
		s.abort(c, err)
		s.release()
		return false
	}
	return true
}

func (s *Service) abort(c schedule.Claim, reason error) {
	s.store.AbortRun(c)
	s.rejected.Add(1)
	s.reportEnqueueError(c.Schedule, reason)
	s.publish(EventSkipped, s.clock.Now(), SkipEvent{
		ScheduleID: c.Schedule.ID,
		Name:       c.Schedule.Name,
		DueAt:      c.FiredAt,
		Reason:     reason.Error(),
	})
}

// execute runs the job for c, records the outcome and releases the claim.
// timeout bounds the run when > 0.
func (s *Service) execute(ctx context.Context, c schedule.Claim, timeout time.Duration) schedule.ExecutionRecord {
	sc := c.Schedule
	log := s.log.With(logx.String("schedule", sc.Name), logx.String("id", sc.ID))

	started := s.clock.Now()
	s.fired.Add(1)
	s.publish(EventFired, started, schedule.ExecutionRecord{ScheduleID: sc.ID, Name: sc.Name, FiredAt: c.FiredAt, StartedAt: started, Manual: c.Manual})
	log.Debug("schedule fired", logx.Time("fired_at", c.FiredAt), logx.Bool("manual", c.Manual))

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := s.runJob(runCtx, sc)

	finished := s.clock.Now()
	rec := schedule.ExecutionRecord{
		ScheduleID: sc.ID,
		Name:       sc.Name,
		FiredAt:    c.FiredAt,
		StartedAt:  started,
		FinishedAt: finished,
		Outcome:    schedule.Success,
		Manual:     c.Manual,
		Output:     out,
	}
	if err != nil {
		rec.Outcome = schedule.Failure
		rec.Error = err.Error()
		rec.Err = err
	}

	next, ferr := s.store.FinishRun(context.WithoutCancel(ctx), c)
	switch {
	case schedule.IsNotFound(ferr):
		log.Info("schedule deleted during run; not re-armed")
	case ferr != nil:
		log.Warn("record run failed", logx.Err(ferr))
	}

	// The record is kept even when the caller's context is already done.
	if herr := s.history.AppendExecution(context.WithoutCancel(ctx), rec); herr != nil {
		log.Warn("append execution record failed", logx.Err(herr))
	}

	dur := rec.Duration()
	if err != nil {
		s.failed.Add(1)
		var ee *ExecutionError
		if errors.As(err, &ee) && ee.Panic != nil {
			log.Error("job panicked", logx.Any("panic", ee.Panic), logx.String("stack", ee.Stack))
		}
		log.Warn("schedule run failed", logx.Err(err), logx.Duration("dur", dur), logx.Time("next_run", next.NextRun))
		s.publish(EventFailed, finished, rec)
	} else {
		s.succeeded.Add(1)
		log.Info("schedule run succeeded", logx.Duration("dur", dur), logx.Time("next_run", next.NextRun))
		s.publish(EventSucceeded, finished, rec)
	}
	return rec
}

// runJob calls the executor and converts errors and panics into an
// *ExecutionError.
func (s *Service) runJob(ctx context.Context, sc schedule.Schedule) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &ExecutionError{
				ScheduleID: sc.ID,
				Name:       sc.Name,
				Err:        fmt.Errorf("panic: %v", r),
				Panic:      r,
				Stack:      string(debug.Stack()),
			}
		}
	}()
	if s.exec == nil {
		return nil, &ExecutionError{ScheduleID: sc.ID, Name: sc.Name, Err: ErrNoExecutor}
	}
	out, err = s.exec.Run(ctx, sc.Job)
	if err != nil {
		return out, &ExecutionError{ScheduleID: sc.ID, Name: sc.Name, Err: err}
	}
	return out, nil
}

func (s *Service) publish(typ string, at time.Time, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
	}
}
