package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"recurd/internal/schedule"
	logx "recurd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.retention(), pruneEvery: 100}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM schedules ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var sc schedule.Schedule
		if err := json.Unmarshal([]byte(data), &sc); err != nil {
			// One bad row should not hide the rest.
			s.log.Warn("skipping unreadable schedule row", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, sc schedule.Schedule) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, name, enabled, next_run, created_at, updated_at, data)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, enabled=excluded.enabled, next_run=excluded.next_run,
		   updated_at=excluded.updated_at, data=excluded.data`,
		sc.ID, sc.Name, boolInt(sc.Enabled), fmtTime(sc.NextRun), fmtTime(sc.CreatedAt), fmtTime(sc.UpdatedAt), string(data),
	)
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) AppendExecution(ctx context.Context, r schedule.ExecutionRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(schedule_id, name, fired_at, started_at, finished_at, outcome, err, manual)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.ScheduleID, nullStr(r.Name), fmtTime(r.FiredAt), nullTime(r.StartedAt), nullTime(r.FinishedAt),
		string(r.Outcome), nullStr(r.Error), boolInt(r.Manual),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExecutions(pctx); perr != nil {
			s.log.Debug("execution prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Executions(ctx context.Context, scheduleID string, limit int) ([]schedule.ExecutionRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.retention
	}
	q := `SELECT schedule_id, name, fired_at, started_at, finished_at, outcome, err, manual FROM executions`
	args := []any{}
	if id := strings.TrimSpace(scheduleID); id != "" {
		q += ` WHERE schedule_id = ?`
		args = append(args, id)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]schedule.ExecutionRecord, 0)
	for rows.Next() {
		var (
			r                       schedule.ExecutionRecord
			name, started, finished sql.NullString
			errStr                  sql.NullString
			fired, outcome          string
			manual                  int
		)
		if err := rows.Scan(&r.ScheduleID, &name, &fired, &started, &finished, &outcome, &errStr, &manual); err != nil {
			return nil, err
		}
		r.Name = name.String
		r.FiredAt = parseTime(fired)
		r.StartedAt = parseTime(started.String)
		r.FinishedAt = parseTime(finished.String)
		r.Outcome = schedule.Outcome(outcome)
		r.Error = errStr.String
		r.Manual = manual != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// pruneExecutions keeps the newest retention rows.
func (s *sqliteStore) pruneExecutions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE id <= (SELECT id FROM executions ORDER BY id DESC LIMIT 1 OFFSET ?)`,
		s.retention,
	)
	return err
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
