package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"recurd/internal/eventbus"
	rtsup "recurd/internal/runtime/supervisor"
	logx "recurd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded worker pool: Workers goroutines draining a queue of
// QueueSize tasks.
type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	clock clock.Clock

	q chan queuedTask

	// sendMu orders queue sends against the drain in Stop so no accepted
	// task is left behind without Run or Abort.
	sendMu sync.RWMutex

	inFlight int32

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64

	// Warnings run on wall time even when the clock is mocked.
	queueFullWarn rate.Sometimes
	staleWarn     rate.Sometimes
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
}

type Option func(*Service)

// WithClock sets the clock used for queue-delay accounting.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:           cfg.withDefaults(),
		log:           log,
		bus:           bus,
		queueFullWarn: rate.Sometimes{First: 1, Interval: warnThrottleEvery},
		staleWarn:     rate.Sometimes{First: 1, Interval: warnThrottleEvery},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the engine's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}

	// Pool shape changes need fresh workers and a fresh queue.
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled {
		s.Stop(ctx)
		if cfg.Enabled {
			s.Start(ctx)
		}
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	workers := cfg.Workers
	atomic.StoreInt32(&s.inFlight, 0)

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		// A failing worker should not take the whole app down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("task engine started", logx.Int("workers", workers), logx.Int("queue", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.drain(queue)
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		atomic.StoreInt32(&s.inFlight, 0)
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// drain aborts tasks still queued after the workers exited.
func (s *Service) drain(queue chan queuedTask) {
	if queue == nil {
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	n := 0
	for {
		select {
		case qt := <-queue:
			abort(qt.task, ErrStopped)
			n++
		default:
			if n > 0 {
				s.log.Debug("aborted queued tasks on stop", logx.Int("count", n))
			}
			return
		}
	}
}

// Enqueue tries to enqueue a task without blocking. If the queue is full, the task is dropped
// and ErrQueueFull is returned; Abort is not called for rejected tasks.
//
// Use Submit() when you want backpressure instead of dropping.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit enqueues a task and blocks until it is accepted, ctx is canceled, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("task Name is required")
	}
	t.Name = name

	now := s.clock.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 && cfg.DefaultTimeout > 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-stopCh:
		return ErrStopping
	default:
	}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			s.drop(now, t, dropQueueFull, 0, logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql := 0
	qc := 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		History:          h,
	}
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
	}
}

type dropReason string

const (
	dropQueueFull dropReason = "queue_full"
	dropStale     dropReason = "stale_queue_delay"
)

// drop counts a task that will never run and warns at most once per
// warnThrottleEvery for each reason.
func (s *Service) drop(now time.Time, t Task, reason dropReason, queueDelay time.Duration, fields ...logx.Field) {
	atomic.AddUint64(&s.dropped, 1)
	warn := &s.queueFullWarn
	counter := &s.droppedQueueFull
	if reason == dropStale {
		warn, counter = &s.staleWarn, &s.droppedStale
	}
	n := atomic.AddUint64(counter, 1)

	s.publish(EventTaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: string(reason)})

	warn.Do(func() {
		base := []logx.Field{
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.String("reason", string(reason)),
			logx.Uint64("dropped", n),
		}
		s.log.Warn("task dropped", append(base, fields...)...)
	})
}

func abort(t Task, reason error) {
	if t.Abort == nil {
		return
	}
	defer func() { _ = recover() }()
	t.Abort(reason)
}
