package storage

import (
	"errors"
	"time"

	"recurd/internal/schedule"
)

var ErrDisabled = errors.New("storage disabled")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")

const defaultExecutionRetention = 1000

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// ExecutionRetention caps the number of execution records kept across
	// all schedules. 0 means 1000.
	ExecutionRetention int
}

func (c Config) retention() int {
	if c.ExecutionRetention <= 0 {
		return defaultExecutionRetention
	}
	return c.ExecutionRetention
}

// Store is the persistence API used by the schedule store and dispatcher.
type Store interface {
	schedule.Repository
	schedule.ExecutionLog
	Close() error
}
