package engine

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "recurd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, t)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := s.clock.Now()
	queueDelay := time.Duration(0)
	if !qt.enqueuedAt.IsZero() {
		queueDelay = start.Sub(qt.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if maxDelay > 0 && queueDelay > maxDelay {
		s.drop(start, qt.task, dropStale, queueDelay, logx.Duration("queue_delay", queueDelay))
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: string(dropStale)})
		abort(qt.task, ErrStale)
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish(EventTaskStarted, start, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	runCtx := ctx
	var cancel context.CancelFunc
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	err := runTask(runCtx, qt.task)
	if cancel != nil {
		cancel()
	}

	if pe, ok := err.(*PanicError); ok {
		s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", pe.Value), logx.String("stack", pe.Stack))
	}

	finish := s.clock.Now()
	dur := finish.Sub(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish(EventTaskFailed, finish, ev)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.publish(EventTaskFinished, finish, ev)
	}
	s.record(item)
}

// runTask converts a panic into a *PanicError so one bad task can't kill a worker.
func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return t.Run(ctx)
}
