package scheduler

import (
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	interval := s.cfg.TickInterval
	tz := s.loc.String()
	running := s.sup != nil
	eng := s.engine
	s.mu.Unlock()

	snap := Snapshot{
		Running:      running,
		TickInterval: interval,
		Timezone:     tz,
		Ticks:        s.ticks.Load(),
		Fired:        s.fired.Load(),
		Succeeded:    s.succeeded.Load(),
		Failed:       s.failed.Load(),
		Skipped:      s.skipped.Load(),
		Rejected:     s.rejected.Load(),
		InFlight:     s.inFlight(),
	}
	if ns := s.lastTick.Load(); ns != 0 {
		snap.LastTick = time.Unix(0, ns)
	}
	for _, sc := range s.store.List() {
		snap.Schedules++
		if sc.Enabled {
			snap.Enabled++
		}
	}
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	if st, ok := s.bus.(eventStats); ok {
		snap.EventsPublished, snap.EventsDropped = st.Stats()
	}
	return snap
}

// eventStats is implemented by buses that count deliveries.
type eventStats interface {
	Stats() (published, dropped uint64)
}
