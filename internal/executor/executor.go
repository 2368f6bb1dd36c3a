package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"recurd/internal/schedule"
)

var (
	ErrUnknownKind  = errors.New("unknown job kind")
	ErrMissingParam = errors.New("missing job parameter")
)

// Executor runs one job. The returned output is opaque and kept in memory only.
type Executor interface {
	Run(ctx context.Context, job schedule.JobSpec) (any, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, job schedule.JobSpec) (any, error)

func (f Func) Run(ctx context.Context, job schedule.JobSpec) (any, error) { return f(ctx, job) }

// Mux dispatches on JobSpec.Kind. Kinds are case-insensitive.
type Mux struct {
	mu    sync.RWMutex
	kinds map[string]Executor
	def   Executor
}

func NewMux() *Mux { return &Mux{kinds: map[string]Executor{}} }

// Handle registers ex for kind, replacing any previous registration.
func (m *Mux) Handle(kind string, ex Executor) {
	kind = normKind(kind)
	if kind == "" || ex == nil {
		return
	}
	m.mu.Lock()
	m.kinds[kind] = ex
	m.mu.Unlock()
}

// Default sets the executor used for an empty Kind.
func (m *Mux) Default(ex Executor) {
	m.mu.Lock()
	m.def = ex
	m.mu.Unlock()
}

// Kinds lists registered kinds in order.
func (m *Mux) Kinds() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.kinds))
	for k := range m.kinds {
		out = append(out, k)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Supports reports whether a job of this kind can be routed.
func (m *Mux) Supports(kind string) bool {
	_, ok := m.lookup(kind)
	return ok
}

func (m *Mux) Run(ctx context.Context, job schedule.JobSpec) (any, error) {
	ex, ok := m.lookup(job.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
	}
	return ex.Run(ctx, job)
}

func (m *Mux) lookup(kind string) (Executor, bool) {
	kind = normKind(kind)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kind == "" {
		return m.def, m.def != nil
	}
	ex, ok := m.kinds[kind]
	return ex, ok
}

func normKind(k string) string { return strings.ToLower(strings.TrimSpace(k)) }

func param(job schedule.JobSpec, key string) (string, error) {
	v := strings.TrimSpace(job.Params[key])
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	return v, nil
}
