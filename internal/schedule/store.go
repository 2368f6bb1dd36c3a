package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"recurd/internal/recurrence"
	logx "recurd/pkg/logx"
)

// Store is the in-memory registry of schedules, optionally written through
// to a Repository.
//
// Besides CRUD it owns the per-schedule run claim: a schedule is Running
// from ClaimDue/ClaimManual until FinishRun/AbortRun, and a running schedule
// is never claimed twice.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64

	clock             clock.Clock
	repo              Repository
	log               logx.Logger
	newID             func() string
	recomputeOnEnable bool
}

type entry struct {
	sched      Schedule
	running    bool
	tombstoned bool
	// seq orders entries registered at the same CreatedAt.
	seq uint64

	// ruleGen changes whenever NextRun is recomputed outside a run
	// (rule update, re-enable). FinishRun keeps that value instead of
	// overwriting it from a stale fire time.
	ruleGen uint64
}

// Claim is a held run slot for one schedule.
type Claim struct {
	Schedule Schedule
	FiredAt  time.Time
	Manual   bool

	gen uint64
}

type Option func(*Store)

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// WithRepository enables write-through persistence.
func WithRepository(r Repository) Option { return func(s *Store) { s.repo = r } }

func WithLogger(l logx.Logger) Option { return func(s *Store) { s.log = l } }

// WithIDFunc overrides id generation (uuid v4 by default).
func WithIDFunc(fn func() string) Option { return func(s *Store) { s.newID = fn } }

// WithRecomputeOnEnable makes SetEnabled(true) recompute NextRun from now,
// so occurrences missed while disabled are dropped instead of fired once.
func WithRecomputeOnEnable(v bool) Option { return func(s *Store) { s.recomputeOnEnable = v } }

func NewStore(opts ...Option) *Store {
	s := &Store{entries: map[string]*entry{}}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// SetRecomputeOnEnable switches the re-enable policy at runtime.
func (s *Store) SetRecomputeOnEnable(v bool) {
	s.mu.Lock()
	s.recomputeOnEnable = v
	s.mu.Unlock()
}

// Clock returns the store's time source.
func (s *Store) Clock() clock.Clock { return s.clock }

// Load hydrates the store from the repository. Schedules missing a NextRun
// get one computed from now; schedules whose NextRun already passed fire
// once on the next tick.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	items, err := s.repo.LoadSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load schedules: %w", err)
	}

	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, it := range items {
		if strings.TrimSpace(it.ID) == "" || it.Rule.IsZero() {
			s.log.Warn("skipping invalid persisted schedule", logx.String("id", it.ID), logx.String("name", it.Name))
			continue
		}
		if it.NextRun.IsZero() {
			it.NextRun = it.Rule.Next(now)
		}
		if e, ok := s.entries[it.ID]; ok && e.running {
			continue
		}
		s.seq++
		s.entries[it.ID] = &entry{sched: it.Clone(), seq: s.seq}
		n++
	}
	return n, nil
}

// Create validates and registers a new enabled schedule with
// NextRun = rule.Next(now).
func (s *Store) Create(ctx context.Context, name string, rule recurrence.Rule, job JobSpec) (Schedule, error) {
	def := Definition{Name: strings.TrimSpace(name), Rule: rule, Job: job.clone()}
	if err := validate(def); err != nil {
		return Schedule{}, err
	}

	now := s.clock.Now()
	sc := Schedule{
		ID:        s.newID(),
		Name:      def.Name,
		Rule:      def.Rule,
		Job:       def.Job,
		Enabled:   true,
		NextRun:   def.Rule.Next(now),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[sc.ID]; dup {
		return Schedule{}, fmt.Errorf("create schedule: duplicate id %q", sc.ID)
	}
	if err := s.saveLocked(ctx, sc); err != nil {
		return Schedule{}, err
	}
	s.seq++
	s.entries[sc.ID] = &entry{sched: sc, seq: s.seq}
	s.log.Debug("schedule created",
		logx.String("id", sc.ID),
		logx.String("name", sc.Name),
		logx.String("rule", sc.Rule.String()),
		logx.Time("next_run", sc.NextRun),
	)
	return sc.Clone(), nil
}

// Update applies mutate to the schedule's definition. NextRun is recomputed
// from now only when the rule changed.
func (s *Store) Update(ctx context.Context, id string, mutate func(*Definition)) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveLocked(id)
	if e == nil {
		return Schedule{}, &NotFoundError{ID: id}
	}
	cur := e.sched
	def := Definition{Name: cur.Name, Rule: cur.Rule, Job: cur.Job.clone()}
	if mutate != nil {
		mutate(&def)
	}
	def.Name = strings.TrimSpace(def.Name)
	if err := validate(def); err != nil {
		return Schedule{}, err
	}

	now := s.clock.Now()
	next := cur
	next.Name = def.Name
	next.Job = def.Job
	ruleChanged := !def.Rule.Equal(cur.Rule)
	if ruleChanged {
		next.Rule = def.Rule
		next.NextRun = def.Rule.Next(now)
	}
	next.UpdatedAt = now

	if err := s.saveLocked(ctx, next); err != nil {
		return Schedule{}, err
	}
	e.sched = next
	if ruleChanged {
		e.ruleGen++
	}
	return next.Clone(), nil
}

// SetEnabled toggles Enabled. NextRun is left alone unless the store was
// built WithRecomputeOnEnable and the schedule is being re-enabled.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveLocked(id)
	if e == nil {
		return Schedule{}, &NotFoundError{ID: id}
	}
	if e.sched.Enabled == enabled {
		return e.sched.Clone(), nil
	}

	now := s.clock.Now()
	next := e.sched
	next.Enabled = enabled
	next.UpdatedAt = now
	recompute := enabled && s.recomputeOnEnable
	if recompute {
		next.NextRun = next.Rule.Next(now)
	}
	if err := s.saveLocked(ctx, next); err != nil {
		return Schedule{}, err
	}
	e.sched = next
	if recompute {
		e.ruleGen++
	}
	return next.Clone(), nil
}

// Delete removes a schedule. Deleting an unknown id is a no-op. A running
// schedule is tombstoned: it disappears from every view now and is dropped
// for good when its run finishes.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[id]
	if e == nil || e.tombstoned {
		return nil
	}
	if s.repo != nil {
		if err := s.repo.DeleteSchedule(ctx, id); err != nil {
			return fmt.Errorf("delete schedule %s: %w", id, err)
		}
	}
	if e.running {
		e.tombstoned = true
		s.log.Debug("schedule tombstoned while running", logx.String("id", id), logx.String("name", e.sched.Name))
		return nil
	}
	delete(s.entries, id)
	return nil
}

func (s *Store) Get(id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(id)
	if e == nil {
		return Schedule{}, &NotFoundError{ID: id}
	}
	return e.sched.Clone(), nil
}

// Running reports whether id currently holds a run claim.
func (s *Store) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(id)
	return e != nil && e.running
}

// FindByName returns the oldest live schedule named name.
func (s *Store) FindByName(name string) (Schedule, bool) {
	name = strings.TrimSpace(name)
	var found *entry
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.tombstoned || e.sched.Name != name {
			continue
		}
		if found == nil || olderThan(e, found) {
			found = e
		}
	}
	if found == nil {
		return Schedule{}, false
	}
	return found.sched.Clone(), true
}

// List returns all live schedules ordered by creation time.
func (s *Store) List() []Schedule {
	s.mu.Lock()
	live := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.tombstoned {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool { return olderThan(live[i], live[j]) })
	out := make([]Schedule, len(live))
	for i, e := range live {
		out[i] = e.sched.Clone()
	}
	s.mu.Unlock()
	return out
}

// ListDue returns enabled schedules with NextRun <= now, earliest first,
// ties broken by id.
func (s *Store) ListDue(now time.Time) []Schedule {
	s.mu.Lock()
	out := make([]Schedule, 0)
	for _, e := range s.entries {
		if isDue(e, now) {
			out = append(out, e.sched.Clone())
		}
	}
	s.mu.Unlock()

	sortDue(out)
	return out
}

// ClaimDue selects the due schedules that are not already running and
// claims them, as one step. FiredAt of each claim is the schedule's NextRun.
func (s *Store) ClaimDue(now time.Time) []Claim {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]Schedule, 0)
	for _, e := range s.entries {
		if isDue(e, now) && !e.running {
			due = append(due, e.sched)
		}
	}
	sortDue(due)

	claims := make([]Claim, 0, len(due))
	for _, sc := range due {
		e := s.entries[sc.ID]
		e.running = true
		claims = append(claims, Claim{Schedule: sc.Clone(), FiredAt: sc.NextRun, gen: e.ruleGen})
	}
	return claims
}

// ClaimManual claims id for an out-of-band run fired at now. Disabled
// schedules can be triggered manually.
func (s *Store) ClaimManual(id string) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveLocked(id)
	if e == nil {
		return Claim{}, &NotFoundError{ID: id}
	}
	if e.running {
		return Claim{}, fmt.Errorf("%w: %s", ErrRunning, id)
	}
	e.running = true
	return Claim{Schedule: e.sched.Clone(), FiredAt: s.clock.Now(), Manual: true, gen: e.ruleGen}, nil
}

// FinishRun records a completed run and releases the claim.
//
// LastRun becomes FiredAt. For scheduled runs NextRun becomes
// rule.Next(FiredAt), or rule.Next(now) when that is already past, so missed
// occurrences are skipped rather than replayed. Manual runs keep NextRun.
//
// A schedule deleted during the run is dropped here and FinishRun returns a
// NotFoundError.
func (s *Store) FinishRun(ctx context.Context, c Claim) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := c.Schedule.ID
	e := s.entries[id]
	if e == nil {
		return Schedule{}, &NotFoundError{ID: id}
	}
	e.running = false
	if e.tombstoned {
		delete(s.entries, id)
		return Schedule{}, &NotFoundError{ID: id}
	}

	now := s.clock.Now()
	next := e.sched
	if next.LastRun == nil || c.FiredAt.After(*next.LastRun) {
		fired := c.FiredAt
		next.LastRun = &fired
	}
	if !c.Manual && c.gen == e.ruleGen {
		nr := next.Rule.Next(c.FiredAt)
		if !nr.After(now) {
			nr = next.Rule.Next(now)
		}
		next.NextRun = nr
	}
	next.UpdatedAt = now

	if err := s.saveLocked(ctx, next); err != nil {
		// Memory stays authoritative so the schedule is not re-fired.
		s.log.Warn("persist run result failed", logx.String("id", id), logx.Err(err))
	}
	e.sched = next
	return next.Clone(), nil
}

// AbortRun releases a claim without recording a run, e.g. when the worker
// pool rejected the task. The schedule stays due.
func (s *Store) AbortRun(c Claim) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[c.Schedule.ID]
	if e == nil {
		return
	}
	e.running = false
	if e.tombstoned {
		delete(s.entries, c.Schedule.ID)
	}
}

func (s *Store) liveLocked(id string) *entry {
	e := s.entries[id]
	if e == nil || e.tombstoned {
		return nil
	}
	return e
}

func (s *Store) saveLocked(ctx context.Context, sc Schedule) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.SaveSchedule(ctx, sc); err != nil {
		return fmt.Errorf("save schedule %s: %w", sc.ID, err)
	}
	return nil
}

func validate(d Definition) error {
	if d.Name == "" {
		return recurrence.Invalid("name", "name must not be empty")
	}
	if d.Rule.IsZero() {
		return recurrence.Invalid("rule", "rule is required")
	}
	if d.Job.Timeout < 0 {
		return recurrence.Invalid("job.timeout", "timeout must be >= 0")
	}
	return nil
}

func isDue(e *entry, now time.Time) bool {
	return !e.tombstoned && e.sched.Enabled && !e.sched.NextRun.After(now)
}

func sortDue(s []Schedule) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].NextRun.Equal(s[j].NextRun) {
			return s[i].NextRun.Before(s[j].NextRun)
		}
		return s[i].ID < s[j].ID
	})
}

func olderThan(a, b *entry) bool {
	if !a.sched.CreatedAt.Equal(b.sched.CreatedAt) {
		return a.sched.CreatedAt.Before(b.sched.CreatedAt)
	}
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.sched.ID < b.sched.ID
}
