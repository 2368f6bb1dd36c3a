package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"recurd/internal/eventbus"
	"recurd/internal/executor"
	rtsup "recurd/internal/runtime/supervisor"
	"recurd/internal/schedule"
	"recurd/internal/storage"
	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
)

// Service is the tick dispatcher plus the schedule facade.
type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log   logx.Logger
	bus   eventbus.Bus
	clock clock.Clock

	store   *schedule.Store
	engine  *engine.Service
	exec    executor.Executor
	history schedule.ExecutionLog

	sup      *rtsup.Supervisor
	intervCh chan time.Duration
	lastTick atomic.Int64

	// inflight counts claims handed out and not yet released.
	imu      sync.Mutex
	inflight int
	idle     chan struct{}

	// Enqueue error throttling: key is schedule ID.
	enqMu    sync.Mutex
	enqLimit map[string]*rate.Limiter

	ticks, fired, succeeded, failed, skipped, rejected atomic.Uint64
}

type Option func(*Service)

// WithExecutionLog sets where execution records go. The default is an
// in-memory log of the last 200 records.
func WithExecutionLog(l schedule.ExecutionLog) Option {
	return func(s *Service) { s.history = l }
}

// WithEventBus publishes schedule lifecycle events on bus.
func WithEventBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

// New builds a dispatcher over store. eng may be nil or disabled, in which case jobs run
// inline on the dispatcher goroutine.
func New(cfg Config, store *schedule.Store, eng *engine.Service, exec executor.Executor, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		store:    store,
		engine:   eng,
		exec:     exec,
		clock:    store.Clock(),
		intervCh: make(chan time.Duration, 1),
		enqLimit: map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.history == nil {
		s.history = storage.NewMemory(defaultHistory)
	}
	s.applyLocked(cfg)
	return s
}

// Apply updates the dispatcher config. A new tick interval takes effect at
// the next tick.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	prev := s.cfg.TickInterval
	s.applyLocked(cfg)
	next := s.cfg.TickInterval
	s.mu.Unlock()

	if prev != next {
		select {
		case <-s.intervCh:
		default:
		}
		s.intervCh <- next
		s.log.Info("tick interval changed", logx.Duration("from", prev), logx.Duration("to", next))
	}
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.TickInterval > MaxTickInterval {
		s.log.Warn("tick interval above one minute; clamping", logx.Duration("tick_interval", cfg.TickInterval))
	}
	s.cfg = cfg.withDefaults()
	s.loc = loadLocation(s.cfg.Timezone, s.log)
	s.store.SetRecomputeOnEnable(s.cfg.RecomputeOnEnable)
}

// Location is the default location for rules built from specs.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) Store() *schedule.Store { return s.store }

// Start runs the polling loop until Stop or ctx is done. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	interval := s.cfg.TickInterval
	tz := s.loc.String()
	s.mu.Unlock()

	sup.GoRestart("dispatcher", func(c context.Context) error {
		return s.loop(c)
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("dispatcher started", logx.Duration("tick_interval", interval), logx.String("tz", tz))
}

// Stop ends the polling loop and waits for in-flight runs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("dispatcher stop timed out", logx.Err(err))
	}
	if err := s.Wait(ctx); err != nil {
		s.log.Warn("in-flight runs still active at stop", logx.Int("in_flight", s.inFlight()))
	}
	s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loop(ctx context.Context) error {
	s.mu.Lock()
	interval := s.cfg.TickInterval
	s.mu.Unlock()

	ticker := s.clock.Ticker(interval)
	defer func() { ticker.Stop() }()

	// Catch up on anything already due at startup.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-s.intervCh:
			ticker.Stop()
			ticker = s.clock.Ticker(d)
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one dispatch cycle at the clock's current time and returns the
// number of schedules handed off for execution.
func (s *Service) Tick(ctx context.Context) int {
	now := s.clock.Now()
	s.ticks.Add(1)
	s.lastTick.Store(now.UnixNano())

	claims := s.store.ClaimDue(now)
	s.reportBusy(now, claims)

	n := 0
	for _, c := range claims {
		if s.dispatch(ctx, c) {
			n++
		}
	}
	if n > 0 {
		s.log.Debug("tick dispatched", logx.Int("count", n), logx.Time("now", now))
	}
	return n
}

// reportBusy records due schedules that were left alone because a previous
// run is still in flight.
func (s *Service) reportBusy(now time.Time, claims []schedule.Claim) {
	claimed := make(map[string]struct{}, len(claims))
	for _, c := range claims {
		claimed[c.Schedule.ID] = struct{}{}
	}
	for _, sc := range s.store.ListDue(now) {
		if _, ok := claimed[sc.ID]; ok || !s.store.Running(sc.ID) {
			continue
		}
		s.skipped.Add(1)
		s.log.Debug("schedule still running; skipped", logx.String("schedule", sc.Name), logx.String("id", sc.ID))
		s.publish(EventSkipped, now, SkipEvent{ScheduleID: sc.ID, Name: sc.Name, DueAt: sc.NextRun, Reason: "running"})
	}
}

// Wait blocks until no claimed run is in flight or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	for {
		s.imu.Lock()
		if s.inflight == 0 {
			s.imu.Unlock()
			return nil
		}
		idle := s.idle
		s.imu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

func (s *Service) acquire() {
	s.imu.Lock()
	if s.inflight == 0 {
		s.idle = make(chan struct{})
	}
	s.inflight++
	s.imu.Unlock()
}

func (s *Service) release() {
	s.imu.Lock()
	s.inflight--
	if s.inflight == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
	s.imu.Unlock()
}

func (s *Service) inFlight() int {
	s.imu.Lock()
	defer s.imu.Unlock()
	return s.inflight
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
