package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"recurd/internal/schedule"
	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a rejected or dropped run, at most once per
// enqueueWarnThrottle for each schedule.
func (s *Service) reportEnqueueError(sc schedule.Schedule, err error) {
	if err == nil {
		return
	}
	// Shutdown drops are expected.
	if errors.Is(err, engine.ErrStopped) || errors.Is(err, engine.ErrStopping) {
		s.log.Debug("schedule run dropped at shutdown", logx.String("schedule", sc.Name), logx.Err(err))
		return
	}

	s.enqMu.Lock()
	lim := s.enqLimit[sc.ID]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(enqueueWarnThrottle), 1)
		s.enqLimit[sc.ID] = lim
	}
	s.enqMu.Unlock()

	// Throttling runs on wall time even when the clock is mocked.
	if !lim.Allow() {
		return
	}
	// Queue full / stale are important but can be bursty.
	s.log.Warn("schedule run not started; retrying next tick", logx.String("schedule", sc.Name), logx.String("id", sc.ID), logx.Err(err))
}

func (s *Service) forgetLimiter(id string) {
	s.enqMu.Lock()
	delete(s.enqLimit, id)
	s.enqMu.Unlock()
}
