package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"lifeline/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS heartbeat_schedule (
  task_name TEXT PRIMARY KEY,
  cron_expr TEXT,
  interval_ms INTEGER,
  enabled INTEGER NOT NULL DEFAULT 1,
  priority INTEGER NOT NULL DEFAULT 0,
  timeout_ms INTEGER NOT NULL DEFAULT 30000,
  max_retries INTEGER NOT NULL DEFAULT 0,
  tier_minimum TEXT NOT NULL DEFAULT 'dead',
  last_run_at INTEGER,
  next_run_at INTEGER,
  last_result TEXT CHECK(last_result IN ('success','failure','timeout')),
  last_error TEXT,
  run_count INTEGER NOT NULL DEFAULT 0,
  fail_count INTEGER NOT NULL DEFAULT 0,
  lease_owner TEXT,
  lease_expires_at INTEGER
);
CREATE TABLE IF NOT EXISTS heartbeat_history (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  task_name TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  completed_at INTEGER NOT NULL,
  result TEXT NOT NULL CHECK(result IN ('success','failure','timeout')),
  duration_ms INTEGER NOT NULL,
  error TEXT,
  idempotency_key TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_task ON heartbeat_history(task_name, seq DESC);
CREATE INDEX IF NOT EXISTS idx_history_started ON heartbeat_history(started_at);
CREATE TABLE IF NOT EXISTS dedup_keys (
  key TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS wake_events (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  source TEXT NOT NULL,
  reason TEXT NOT NULL,
  metadata TEXT,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
// Use ":memory:" in tests.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer; also keeps :memory: on one connection
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return NewSQLiteStore(db, opts...), nil
}

// NewSQLiteStore wraps an already-migrated database.
func NewSQLiteStore(db *sql.DB, opts ...Option) *SQLiteStore {
	o := buildOptions(opts)
	return &SQLiteStore{db: db, now: o.now}
}

// DB returns the underlying database connection.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetSchedule(ctx context.Context) ([]domain.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM heartbeat_schedule ORDER BY task_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ScheduleEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) GetScheduleEntry(ctx context.Context, taskName string) (domain.ScheduleEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM heartbeat_schedule WHERE task_name=?`, taskName)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduleEntry{}, fmt.Errorf("schedule %q: %w", taskName, ErrNotFound)
	}
	return e, err
}

// UpsertScheduleSeed inserts the row or refreshes its static fields. Counters,
// run times, last result and lease fields are left alone on conflict.
func (s *SQLiteStore) UpsertScheduleSeed(ctx context.Context, seed domain.ScheduleSeed) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO heartbeat_schedule (task_name,cron_expr,interval_ms,enabled,priority,timeout_ms,max_retries,tier_minimum,run_count,fail_count)
VALUES (?,?,?,?,?,?,?,?,0,0)
ON CONFLICT(task_name) DO UPDATE SET
  cron_expr=excluded.cron_expr,
  interval_ms=excluded.interval_ms,
  enabled=excluded.enabled,
  priority=excluded.priority,
  timeout_ms=excluded.timeout_ms,
  max_retries=excluded.max_retries,
  tier_minimum=excluded.tier_minimum
`, seed.TaskName, nullString(seed.CronExpr), nullInt(seed.IntervalMs), seed.Enabled, seed.Priority,
		seed.TimeoutMs, seed.MaxRetries, seed.TierMinimum.String())
	return err
}

func (s *SQLiteStore) UpdateSchedule(ctx context.Context, taskName string, u domain.ScheduleUpdate) error {
	clauses := updateClauses(u)
	if len(clauses) == 0 {
		return nil
	}
	sets := make([]string, 0, len(clauses))
	args := make([]any, 0, len(clauses)+1)
	for _, c := range clauses {
		if c.raw {
			sets = append(sets, c.expr)
			continue
		}
		sets = append(sets, c.expr+"=?")
		args = append(args, c.arg)
	}
	args = append(args, taskName)
	res, err := s.db.ExecContext(ctx, `UPDATE heartbeat_schedule SET `+strings.Join(sets, ", ")+` WHERE task_name=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %q: %w", taskName, ErrNotFound)
	}
	return nil
}

// AcquireLease claims the row in a single conditional UPDATE, so concurrent
// callers cannot both succeed.
func (s *SQLiteStore) AcquireLease(ctx context.Context, taskName, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
UPDATE heartbeat_schedule
SET lease_owner=?, lease_expires_at=?
WHERE task_name=?
  AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ? OR lease_owner=?)
`, owner, now.Add(ttl).UnixMilli(), taskName, now.UnixMilli(), owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, taskName, owner string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE heartbeat_schedule SET lease_owner=NULL, lease_expires_at=NULL
WHERE task_name=? AND lease_owner=?`, taskName, owner)
	return err
}

func (s *SQLiteStore) ClearExpiredLeases(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE heartbeat_schedule SET lease_owner=NULL, lease_expires_at=NULL
WHERE lease_expires_at IS NOT NULL AND lease_expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) InsertHistory(ctx context.Context, rec domain.HistoryRecord) error {
	id := rec.ID
	if id == "" {
		id = "run_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO heartbeat_history (id,task_name,started_at,completed_at,result,duration_ms,error,idempotency_key)
VALUES (?,?,?,?,?,?,?,?)`, id, rec.TaskName, rec.StartedAt.UnixMilli(), rec.CompletedAt.UnixMilli(),
		string(rec.Result), rec.DurationMs, nullString(rec.Error), nullString(rec.IdempotencyKey))
	return err
}

func (s *SQLiteStore) QueryRecentHistory(ctx context.Context, taskName string, limit int) ([]domain.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+historyColumns+` FROM heartbeat_history
WHERE task_name=? ORDER BY seq DESC LIMIT ?`, taskName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.HistoryRecord
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PruneHistory(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM heartbeat_history WHERE started_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) InsertDedupKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO dedup_keys (key,created_at,expires_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET created_at=excluded.created_at, expires_at=excluded.expires_at
WHERE dedup_keys.expires_at <= ?`, key, now.UnixMilli(), now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) PruneExpiredDedupKeys(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup_keys WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) InsertWakeEvent(ctx context.Context, source, reason string, metadata map[string]string) error {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO wake_events (id,source,reason,metadata,created_at) VALUES (?,?,?,?,?)`,
		"wake_"+uuid.NewString(), source, reason, meta, s.now().UnixMilli())
	return err
}

func (s *SQLiteStore) ListWakeEvents(ctx context.Context, limit int) ([]domain.WakeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,source,reason,metadata,created_at FROM wake_events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WakeEvent
	for rows.Next() {
		ev, err := scanWakeEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv (key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, s.now().UnixMilli())
	return err
}
