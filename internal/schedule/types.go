package schedule

import (
	"context"
	"time"

	"recurd/internal/recurrence"
)

// JobSpec is the opaque payload handed to the executor.
//
// Kind selects an executor (see executor.Mux); Params are executor specific.
// Timeout bounds a single run; 0 uses the engine default.
type JobSpec struct {
	Kind    string            `json:"kind,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

func (j JobSpec) clone() JobSpec {
	if j.Params != nil {
		p := make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			p[k] = v
		}
		j.Params = p
	}
	return j
}

// Schedule binds a recurrence rule to a job.
//
// NextRun is always set; it was in the future when last computed.
// LastRun is nil until the first execution.
type Schedule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Rule      recurrence.Rule `json:"rule"`
	Job       JobSpec         `json:"job"`
	Enabled   bool            `json:"enabled"`
	LastRun   *time.Time      `json:"last_run,omitempty"`
	NextRun   time.Time       `json:"next_run"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out of the store.
func (s Schedule) Clone() Schedule {
	s.Job = s.Job.clone()
	if s.LastRun != nil {
		lr := *s.LastRun
		s.LastRun = &lr
	}
	return s
}

// Definition is the user-editable part of a Schedule, passed to Update mutators.
type Definition struct {
	Name string
	Rule recurrence.Rule
	Job  JobSpec
}

type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// ExecutionRecord describes one fire of a schedule.
//
// FiredAt is the due instant (or the trigger instant for manual runs).
// Error is set iff Outcome is Failure.
type ExecutionRecord struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name,omitempty"`
	FiredAt    time.Time `json:"fired_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Manual     bool      `json:"manual,omitempty"`

	// Err and Output stay in memory only.
	Err    error `json:"-"`
	Output any   `json:"-"`
}

func (r ExecutionRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Repository persists schedules across restarts.
type Repository interface {
	LoadSchedules(ctx context.Context) ([]Schedule, error)
	SaveSchedule(ctx context.Context, s Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

// ExecutionLog keeps execution records. Executions returns the most recent
// records for scheduleID (all schedules when empty), newest first.
type ExecutionLog interface {
	AppendExecution(ctx context.Context, r ExecutionRecord) error
	Executions(ctx context.Context, scheduleID string, limit int) ([]ExecutionRecord, error)
}
