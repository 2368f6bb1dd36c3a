package scheduler

import (
	"time"

	"recurd/internal/recurrence"
	"recurd/internal/schedule"
	"recurd/internal/task/engine"
)

const (
	DefaultTickInterval = 30 * time.Second
	MaxTickInterval     = time.Minute

	defaultHistory = 200
)

// Config controls the dispatcher.
type Config struct {
	// TickInterval is the polling period. It must not exceed one minute,
	// the finest rule granularity. 0 means 30s.
	TickInterval time.Duration

	// Timezone is the default location for rules built from a Spec without
	// one. Empty means UTC.
	Timezone string

	// RecomputeOnEnable recomputes NextRun from now when a schedule is
	// re-enabled instead of keeping the stored value.
	RecomputeOnEnable bool
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.TickInterval > MaxTickInterval {
		c.TickInterval = MaxTickInterval
	}
	return c
}

// Event types published on the bus.
const (
	EventFired     = "schedule.fired"
	EventSucceeded = "schedule.succeeded"
	EventFailed    = "schedule.failed"
	EventSkipped   = "schedule.skipped"
)

// SkipEvent is the payload of EventSkipped.
type SkipEvent struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	DueAt      time.Time `json:"due_at"`
	Reason     string    `json:"reason"`
}

// View is the rendering-friendly state of one schedule.
type View struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Rule        recurrence.Spec  `json:"rule"`
	Job         schedule.JobSpec `json:"job"`
	Enabled     bool             `json:"enabled"`
	Running     bool             `json:"running"`
	LastRun     *time.Time       `json:"last_run,omitempty"`
	NextRun     time.Time        `json:"next_run"`
}

func newView(s schedule.Schedule, running bool) View {
	return View{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Rule.String(),
		Rule:        s.Rule.Spec(),
		Job:         s.Job,
		Enabled:     s.Enabled,
		Running:     running,
		LastRun:     s.LastRun,
		NextRun:     s.NextRun,
	}
}

// Patch updates part of a schedule definition. Nil fields are unchanged.
type Patch struct {
	Name *string
	Rule *recurrence.Rule
	Job  *schedule.JobSpec
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running      bool
	TickInterval time.Duration
	Timezone     string
	LastTick     time.Time

	Ticks     uint64
	Fired     uint64
	Succeeded uint64
	Failed    uint64
	Skipped   uint64
	Rejected  uint64

	Schedules int
	Enabled   int
	InFlight  int

	// Event bus totals; zero without a counting bus.
	EventsPublished uint64
	EventsDropped   uint64

	Engine engine.Snapshot
}
