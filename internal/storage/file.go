package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"recurd/internal/schedule"
	logx "recurd/pkg/logx"
)

const compactEvery = 200

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.schedules.snapshot.json (compacted state)
//   - <prefix>.schedules.journal.jsonl (append-only put/delete journal)
//   - <prefix>.executions.jsonl        (append-only execution records)
//
// The journal is compacted into the snapshot on open and every compactEvery
// writes. The execution file is rewritten once it holds twice the retention.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	schedules    map[string]schedule.Schedule
	writes       int

	execPath  string
	execFile  *os.File
	execs     execRing
	execLines int
}

type journalRecord struct {
	Op       string             `json:"op"`
	ID       string             `json:"id"`
	Schedule *schedule.Schedule `json:"schedule,omitempty"`
}

const (
	opPut    = "put"
	opDelete = "delete"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".schedules.snapshot.json",
		schedules:    map[string]schedule.Schedule{},
		execPath:     prefix + ".executions.jsonl",
		execs:        execRing{max: cfg.retention()},
	}
	journalPath := prefix + ".schedules.journal.jsonl"

	if err := loadSnapshot(s.snapshotPath, s.schedules); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, s.schedules, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayExecutions(s.execPath, &s.execs, log)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s.execLines = n

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journalFile = jf

	ef, err := os.OpenFile(s.execPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.execFile = ef

	s.mu.Lock()
	if err := s.compactLocked(); err != nil {
		s.log.Warn("schedule journal compact failed", logx.Err(err))
	}
	s.mu.Unlock()

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("schedules", len(s.schedules)), logx.Int("executions", len(s.execs.recs)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		err1 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.execFile != nil {
		err2 = s.execFile.Close()
		s.execFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) LoadSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return sortedSchedules(s.schedules), nil
}

func (s *fileStore) SaveSchedule(ctx context.Context, sc schedule.Schedule) error {
	_ = ctx
	sc = sc.Clone()
	return s.appendJournal(journalRecord{Op: opPut, ID: sc.ID, Schedule: &sc}, func() {
		s.schedules[sc.ID] = sc
	})
}

func (s *fileStore) DeleteSchedule(ctx context.Context, id string) error {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return s.appendJournal(journalRecord{Op: opDelete, ID: id}, func() {
		delete(s.schedules, id)
	})
}

func (s *fileStore) appendJournal(rec journalRecord, apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	apply()

	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact; the journal stays authoritative on failure.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("schedule journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendExecution(ctx context.Context, r schedule.ExecutionRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return ErrClosed
	}
	r.Err = nil
	r.Output = nil
	if err := json.NewEncoder(s.execFile).Encode(r); err != nil {
		return err
	}
	s.execs.add(r)
	s.execLines++

	if s.execLines >= 2*s.execs.max {
		if err := s.rewriteExecutionsLocked(); err != nil {
			s.log.Debug("execution log rewrite failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Executions(ctx context.Context, scheduleID string, limit int) ([]schedule.ExecutionRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return nil, ErrClosed
	}
	return s.execs.query(scheduleID, limit), nil
}

func (s *fileStore) compactLocked() error {
	if err := writeJSONAtomic(s.snapshotPath, s.schedules, false); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.journalFile.Seek(0, io.SeekEnd)
	return err
}

// rewriteExecutionsLocked replaces the execution file with the retained tail.
func (s *fileStore) rewriteExecutionsLocked() error {
	if err := writeJSONAtomic(s.execPath, s.execs.recs, true); err != nil {
		return err
	}
	_ = s.execFile.Close()
	ef, err := os.OpenFile(s.execPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.execFile = nil
		return err
	}
	s.execFile = ef
	s.execLines = len(s.execs.recs)
	return nil
}

// writeJSONAtomic writes v to path through a temp file and rename.
// With lines set, v must be a slice of records and is written as JSON Lines.
func writeJSONAtomic(path string, v any, lines bool) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if lines {
		recs, _ := v.([]schedule.ExecutionRecord)
		for _, r := range recs {
			if err = enc.Encode(r); err != nil {
				break
			}
		}
	} else {
		err = enc.Encode(v)
	}
	if err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string, out map[string]schedule.Schedule) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]schedule.Schedule
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]schedule.Schedule, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	skipped := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			// A torn last line after a crash is expected.
			skipped++
			continue
		}
		switch r.Op {
		case opPut:
			if r.Schedule != nil {
				out[r.ID] = *r.Schedule
			}
		case opDelete:
			delete(out, r.ID)
		}
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal records", logx.Int("count", skipped))
	}
	return sc.Err()
}

func replayExecutions(path string, ring *execRing, log logx.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lines, skipped := 0, 0
	for sc.Scan() {
		lines++
		var r schedule.ExecutionRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		ring.add(r)
	}
	if skipped > 0 {
		log.Warn("skipped unreadable execution records", logx.Int("count", skipped))
	}
	return lines, sc.Err()
}
