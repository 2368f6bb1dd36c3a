package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"recurd/internal/recurrence"
	"recurd/internal/schedule"
	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
)

// kindChecker is implemented by executors that know which job kinds they run.
type kindChecker interface {
	Supports(kind string) bool
}

// CreateSchedule registers a new enabled schedule. NextRun is computed from now.
func (s *Service) CreateSchedule(ctx context.Context, name string, rule recurrence.Rule, job schedule.JobSpec) (View, error) {
	if err := s.checkJob(job); err != nil {
		return View{}, err
	}
	sc, err := s.store.Create(ctx, name, rule, job)
	if err != nil {
		return View{}, err
	}
	s.log.Info("schedule created",
		logx.String("schedule", sc.Name),
		logx.String("id", sc.ID),
		logx.String("rule", sc.Rule.String()),
		logx.Time("next_run", sc.NextRun),
	)
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("upcoming runs", logx.String("schedule", sc.Name), logx.String("next", previewRuns(sc.Rule, s.clock.Now(), 4)))
	}
	return newView(sc, false), nil
}

// CreateFromSpec is CreateSchedule for a serialized rule. A spec without a
// timezone uses the dispatcher's default location.
func (s *Service) CreateFromSpec(ctx context.Context, name string, spec recurrence.Spec, job schedule.JobSpec) (View, error) {
	rule, err := spec.Rule(s.Location())
	if err != nil {
		return View{}, err
	}
	return s.CreateSchedule(ctx, name, rule, job)
}

// UpdateSchedule applies p. NextRun is recomputed only when the rule changes.
func (s *Service) UpdateSchedule(ctx context.Context, id string, p Patch) (View, error) {
	if p.Job != nil {
		if err := s.checkJob(*p.Job); err != nil {
			return View{}, err
		}
	}
	sc, err := s.store.Update(ctx, id, func(d *schedule.Definition) {
		if p.Name != nil {
			d.Name = *p.Name
		}
		if p.Rule != nil {
			d.Rule = *p.Rule
		}
		if p.Job != nil {
			d.Job = *p.Job
		}
	})
	if err != nil {
		return View{}, err
	}
	s.log.Info("schedule updated", logx.String("schedule", sc.Name), logx.String("id", sc.ID), logx.Time("next_run", sc.NextRun))
	return newView(sc, s.store.Running(sc.ID)), nil
}

// Upsert creates name or updates the existing schedule with that name, and
// sets its enabled flag. It is used for schedules declared in config.
func (s *Service) Upsert(ctx context.Context, name string, rule recurrence.Rule, job schedule.JobSpec, enabled bool) (View, error) {
	name = strings.TrimSpace(name)
	var (
		v   View
		err error
	)
	if cur, ok := s.store.FindByName(name); ok {
		if cur.Rule.Equal(rule) && jobEqual(cur.Job, job) {
			v = newView(cur, s.store.Running(cur.ID))
		} else {
			v, err = s.UpdateSchedule(ctx, cur.ID, Patch{Rule: &rule, Job: &job})
		}
	} else {
		v, err = s.CreateSchedule(ctx, name, rule, job)
	}
	if err != nil {
		return View{}, err
	}
	if v.Enabled != enabled {
		return s.SetEnabled(ctx, v.ID, enabled)
	}
	return v, nil
}

func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (View, error) {
	sc, err := s.store.SetEnabled(ctx, id, enabled)
	if err != nil {
		return View{}, err
	}
	s.log.Info("schedule enabled changed", logx.String("schedule", sc.Name), logx.String("id", sc.ID), logx.Bool("enabled", enabled), logx.Time("next_run", sc.NextRun))
	return newView(sc, s.store.Running(sc.ID)), nil
}

// DeleteSchedule removes id. Deleting an unknown id is a no-op. A schedule
// deleted while running finishes its current run and is then dropped.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.forgetLimiter(id)
	s.log.Debug("schedule deleted", logx.String("id", id))
	return nil
}

// TriggerNow runs id now and waits for the outcome. LastRun is updated,
// NextRun is not. A run already in flight yields schedule.ErrRunning.
//
// With a running engine the job is submitted to the worker pool, blocking
// while the queue is full; otherwise it runs on the caller's goroutine.
// Cancelling ctx cancels the run too. Job failures are reported in the
// returned record (Outcome, Err), not as the error result.
func (s *Service) TriggerNow(ctx context.Context, id string) (schedule.ExecutionRecord, error) {
	c, err := s.store.ClaimManual(id)
	if err != nil {
		return schedule.ExecutionRecord{}, err
	}
	s.acquire()

	if s.engine == nil || !s.engine.Enabled() {
		defer s.release()
		return s.execute(ctx, c, c.Schedule.Job.Timeout), nil
	}

	type result struct {
		rec schedule.ExecutionRecord
		err error
	}
	done := make(chan result, 1)
	err = s.engine.Submit(ctx, engine.Task{
		Name:    "trigger:" + c.Schedule.Name,
		Timeout: c.Schedule.Job.Timeout,
		Run: func(runCtx context.Context) error {
			defer s.release()
			runCtx, cancel := context.WithCancel(runCtx)
			defer cancel()
			stop := context.AfterFunc(ctx, cancel)
			defer stop()

			rec := s.execute(runCtx, c, 0)
			done <- result{rec: rec}
			return rec.Err
		},
		Abort: func(reason error) {
			defer s.release()
			s.store.AbortRun(c)
			done <- result{err: reason}
		},
	})
	switch {
	case errors.Is(err, engine.ErrStopped):
		// Engine not started (one-off CLI use).
		defer s.release()
		timeout := c.Schedule.Job.Timeout
		if timeout <= 0 {
			timeout = s.engine.Snapshot().DefaultTimeout
		}
		return s.execute(ctx, c, timeout), nil
	case err != nil:
		s.store.AbortRun(c)
		s.release()
		return schedule.ExecutionRecord{}, fmt.Errorf("trigger %s: %w", c.Schedule.Name, err)
	}

	select {
	case r := <-done:
		return r.rec, r.err
	case <-ctx.Done():
		return schedule.ExecutionRecord{}, ctx.Err()
	}
}

func (s *Service) GetSchedule(id string) (View, error) {
	sc, err := s.store.Get(id)
	if err != nil {
		return View{}, err
	}
	return newView(sc, s.store.Running(sc.ID)), nil
}

// ListSchedules returns every schedule, oldest first.
func (s *Service) ListSchedules() []View {
	list := s.store.List()
	out := make([]View, 0, len(list))
	for _, sc := range list {
		out = append(out, newView(sc, s.store.Running(sc.ID)))
	}
	return out
}

// Executions returns recent execution records for id (all schedules when
// empty), newest first.
func (s *Service) Executions(ctx context.Context, id string, limit int) ([]schedule.ExecutionRecord, error) {
	return s.history.Executions(ctx, id, limit)
}

func (s *Service) checkJob(job schedule.JobSpec) error {
	kc, ok := s.exec.(kindChecker)
	if !ok {
		return nil
	}
	if !kc.Supports(job.Kind) {
		return recurrence.Invalid("job.kind", "unsupported job kind %q", job.Kind)
	}
	return nil
}

func jobEqual(a, b schedule.JobSpec) bool {
	if a.Kind != b.Kind || a.Timeout != b.Timeout || len(a.Params) != len(b.Params) {
		return false
	}
	for k, v := range a.Params {
		if bv, ok := b.Params[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// previewRuns renders the next n fire times of r after t.
func previewRuns(r recurrence.Rule, after time.Time, n int) string {
	var b strings.Builder
	for i, t := range r.Upcoming(after, n) {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04 MST"))
	}
	return b.String()
}
