package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"

	"recurd/internal/schedule"
)

// UnitController is the subset of *dbus.Conn used by Systemd.
type UnitController interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

// Systemd starts, stops or restarts a unit over D-Bus and waits for the job
// to finish.
//
// Params:
//   - "unit": unit name; ".service" is appended when no suffix is given
//   - "action": start | stop | restart (default restart)
type Systemd struct {
	// Dial opens the controller; nil uses the system bus.
	Dial func(ctx context.Context) (UnitController, error)

	mu   sync.Mutex
	conn UnitController
}

func NewSystemd() *Systemd { return &Systemd{} }

func (s *Systemd) Run(ctx context.Context, job schedule.JobSpec) (any, error) {
	unit, err := param(job, "unit")
	if err != nil {
		return nil, err
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	action := strings.ToLower(strings.TrimSpace(job.Params["action"]))
	if action == "" {
		action = "restart"
	}

	conn, err := s.controller(ctx)
	if err != nil {
		return nil, err
	}

	var op func(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	switch action {
	case "start":
		op = conn.StartUnitContext
	case "stop":
		op = conn.StopUnitContext
	case "restart":
		op = conn.RestartUnitContext
	default:
		return nil, fmt.Errorf("unsupported systemd action %q", action)
	}

	done := make(chan string, 1)
	if _, err := op(ctx, unit, "replace", done); err != nil {
		s.reset(conn)
		return nil, fmt.Errorf("failed to %s %s: %w", action, unit, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-done:
		if result != "done" {
			return result, fmt.Errorf("%s %s: job %s", action, unit, result)
		}
		return result, nil
	}
}

// Close drops the cached connection.
func (s *Systemd) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Systemd) controller(ctx context.Context) (UnitController, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	dial := s.Dial
	if dial == nil {
		dial = func(ctx context.Context) (UnitController, error) {
			return dbus.NewSystemConnectionContext(ctx)
		}
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	s.conn = conn
	return conn, nil
}

// reset drops conn so the next run redials.
func (s *Systemd) reset(conn UnitController) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}
