package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"recurd/internal/schedule"
)

// memStore keeps everything in process memory.
type memStore struct {
	mu        sync.Mutex
	schedules map[string]schedule.Schedule
	execs     execRing
	closed    bool
}

// NewMemory returns a process-local store keeping up to retention execution records.
func NewMemory(retention int) Store {
	if retention <= 0 {
		retention = defaultExecutionRetention
	}
	return &memStore{
		schedules: map[string]schedule.Schedule{},
		execs:     execRing{max: retention},
	}
}

func (m *memStore) LoadSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return sortedSchedules(m.schedules), nil
}

func (m *memStore) SaveSchedule(ctx context.Context, s schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.schedules[s.ID] = s.Clone()
	return nil
}

func (m *memStore) DeleteSchedule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.schedules, id)
	return nil
}

func (m *memStore) AppendExecution(ctx context.Context, r schedule.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.execs.add(r)
	return nil
}

func (m *memStore) Executions(ctx context.Context, scheduleID string, limit int) ([]schedule.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.execs.query(scheduleID, limit), nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// execRing holds the newest max records in insertion order.
type execRing struct {
	max  int
	recs []schedule.ExecutionRecord
}

func (r *execRing) add(rec schedule.ExecutionRecord) {
	rec.Err = nil
	rec.Output = nil
	r.recs = append(r.recs, rec)
	if len(r.recs) > r.max {
		r.recs = append(r.recs[:0:0], r.recs[len(r.recs)-r.max:]...)
	}
}

// query returns matching records newest first. limit <= 0 means no limit.
func (r *execRing) query(scheduleID string, limit int) []schedule.ExecutionRecord {
	scheduleID = strings.TrimSpace(scheduleID)
	out := make([]schedule.ExecutionRecord, 0)
	for i := len(r.recs) - 1; i >= 0; i-- {
		if scheduleID != "" && r.recs[i].ScheduleID != scheduleID {
			continue
		}
		out = append(out, r.recs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func sortedSchedules(m map[string]schedule.Schedule) []schedule.Schedule {
	out := make([]schedule.Schedule, 0, len(m))
	for _, s := range m {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
