package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "recurd/internal/runtime/supervisor"
	"recurd/internal/schedule"
	"recurd/internal/task/scheduler"
	logx "recurd/pkg/logx"
)

// Config controls the optional status HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	// Profiling mounts net/http/pprof under /debug/pprof/.
	Profiling bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Source is what the server reports on. *scheduler.Service satisfies it.
type Source interface {
	Snapshot() scheduler.Snapshot
	ListSchedules() []scheduler.View
	GetSchedule(id string) (scheduler.View, error)
	Executions(ctx context.Context, id string, limit int) ([]schedule.ExecutionRecord, error)
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	src Source

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, src Source, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Addr returns the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the server if needed.
// Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if prev != cfg {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}

		s.sup = rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			// status is optional; never take the daemon down with it.
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			// A listener that keeps failing (port taken) stays down until the status config changes.
			rtsup.WithMaxRestarts(maxServeRestarts),
		)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
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
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("status server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if !cur.AllowInsecure && cur.Token == "" && !IsLoopbackAddr(addr) {
		s.log.Error("status server refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr),
		)
		return errors.New("status server refused to start: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("status listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("status server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("profiling", cur.Profiling),
	)

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("status server exited unexpectedly")
	}
	return err
}

// Handler builds the routes for cfg. Exposed for tests.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("GET /status", wrap(s.handleStatus))
	mux.HandleFunc("GET /schedules", wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.src.ListSchedules())
	}))
	mux.HandleFunc("GET /schedules/{id}", wrap(func(w http.ResponseWriter, r *http.Request) {
		v, err := s.src.GetSchedule(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}))
	mux.HandleFunc("GET /schedules/{id}/executions", wrap(s.handleExecutions))

	if cfg.Profiling {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

type statusBody struct {
	Running      bool       `json:"running"`
	TickInterval string     `json:"tick_interval"`
	Timezone     string     `json:"timezone"`
	LastTick     time.Time  `json:"last_tick"`
	Ticks        uint64     `json:"ticks"`
	Fired        uint64     `json:"fired"`
	Succeeded    uint64     `json:"succeeded"`
	Failed       uint64     `json:"failed"`
	Skipped      uint64     `json:"skipped"`
	Rejected     uint64     `json:"rejected"`
	Schedules    int        `json:"schedules"`
	Enabled      int        `json:"enabled"`
	InFlight     int        `json:"in_flight"`
	Events       eventsBody `json:"events"`
	Engine       engineBody `json:"engine"`
}

type eventsBody struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

type engineBody struct {
	Enabled  bool   `json:"enabled"`
	Workers  int    `json:"workers"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
	InFlight int    `json:"in_flight"`
	Dropped  uint64 `json:"dropped"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.src.Snapshot()
	writeJSON(w, http.StatusOK, statusBody{
		Running:      snap.Running,
		TickInterval: snap.TickInterval.String(),
		Timezone:     snap.Timezone,
		LastTick:     snap.LastTick,
		Ticks:        snap.Ticks,
		Fired:        snap.Fired,
		Succeeded:    snap.Succeeded,
		Failed:       snap.Failed,
		Skipped:      snap.Skipped,
		Rejected:     snap.Rejected,
		Schedules:    snap.Schedules,
		Enabled:      snap.Enabled,
		InFlight:     snap.InFlight,
		Events:       eventsBody{Published: snap.EventsPublished, Dropped: snap.EventsDropped},
		Engine: engineBody{
			Enabled:  snap.Engine.Enabled,
			Workers:  snap.Engine.Workers,
			QueueLen: snap.Engine.QueueLen,
			QueueCap: snap.Engine.QueueCap,
			InFlight: snap.Engine.InFlight,
			Dropped:  snap.Engine.Dropped,
		},
	})
}

func (s *Service) handleExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", q), http.StatusBadRequest)
			return
		}
		limit = n
	}
	if _, err := s.src.GetSchedule(id); err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.src.Executions(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []schedule.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if schedule.IsNotFound(err) {
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Either ?token=<token> or Authorization: Bearer <token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

const DefaultAddr = "127.0.0.1:7070"

const maxServeRestarts = 20

// IsLoopbackAddr reports whether host:port binds to a loopback interface.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
