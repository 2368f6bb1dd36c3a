package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Config selects the level and sinks.
//
// Format applies to the console sink: "console" (human, default) or "json".
// The file sink always writes JSON lines. Journal sends every event to
// systemd-journald and is ignored when no journal socket is present.
type Config struct {
	Level   string
	Format  string
	Console bool
	File    FileConfig
	Journal bool
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Service owns the sinks and swaps them on Apply. Loggers handed out by
// the Service pick up the new sinks immediately.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	root atomic.Pointer[zerolog.Logger]

	// stdout and journal are replaced in tests.
	stdout  io.Writer
	journal journalSink
}

// NewService applies cfg and returns the service with its root logger.
func NewService(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{stdout: os.Stdout, journal: systemJournal{}}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply rebuilds the sinks for cfg. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, consoleWriter(s.stdout, cfg.Format))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./recurd.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Journal {
		if s.journal.Enabled() {
			writers = append(writers, &journalWriter{sink: s.journal})
		} else {
			fmt.Fprintln(os.Stderr, "logx: journald socket not found; journal sink disabled")
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(s.stdout, cfg.Format))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func consoleWriter(w io.Writer, format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return w
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

// ValidLevel reports whether s names a level. Empty means the default.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// ValidFormat reports whether s names a console format. Empty means "console".
func ValidFormat(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "console", "json":
		return true
	}
	return false
}
