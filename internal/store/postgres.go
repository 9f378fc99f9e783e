package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lifeline/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS heartbeat_schedule (
  task_name TEXT PRIMARY KEY,
  cron_expr TEXT,
  interval_ms BIGINT,
  enabled BOOLEAN NOT NULL DEFAULT TRUE,
  priority INTEGER NOT NULL DEFAULT 0,
  timeout_ms BIGINT NOT NULL DEFAULT 30000,
  max_retries INTEGER NOT NULL DEFAULT 0,
  tier_minimum TEXT NOT NULL DEFAULT 'dead',
  last_run_at BIGINT,
  next_run_at BIGINT,
  last_result TEXT CHECK (last_result IN ('success','failure','timeout')),
  last_error TEXT,
  run_count INTEGER NOT NULL DEFAULT 0,
  fail_count INTEGER NOT NULL DEFAULT 0,
  lease_owner TEXT,
  lease_expires_at BIGINT
);
CREATE TABLE IF NOT EXISTS heartbeat_history (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  task_name TEXT NOT NULL,
  started_at BIGINT NOT NULL,
  completed_at BIGINT NOT NULL,
  result TEXT NOT NULL CHECK (result IN ('success','failure','timeout')),
  duration_ms BIGINT NOT NULL,
  error TEXT,
  idempotency_key TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_task ON heartbeat_history(task_name, seq DESC);
CREATE INDEX IF NOT EXISTS idx_history_started ON heartbeat_history(started_at);
CREATE TABLE IF NOT EXISTS dedup_keys (
  key TEXT PRIMARY KEY,
  created_at BIGINT NOT NULL,
  expires_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS wake_events (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  source TEXT NOT NULL,
  reason TEXT NOT NULL,
  metadata TEXT,
  created_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at BIGINT NOT NULL
);
`

// PostgresStore implements Store on a pgx connection pool. It is selected
// when a postgres DSN is configured, for agents that share one database
// between several processes.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to dsn and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	o := buildOptions(opts)
	return &PostgresStore{pool: pool, now: o.now}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context) ([]domain.ScheduleEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM heartbeat_schedule ORDER BY task_name`)
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

func (s *PostgresStore) GetScheduleEntry(ctx context.Context, taskName string) (domain.ScheduleEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM heartbeat_schedule WHERE task_name=$1`, taskName)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ScheduleEntry{}, fmt.Errorf("schedule %q: %w", taskName, ErrNotFound)
	}
	return e, err
}

func (s *PostgresStore) UpsertScheduleSeed(ctx context.Context, seed domain.ScheduleSeed) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO heartbeat_schedule (task_name,cron_expr,interval_ms,enabled,priority,timeout_ms,max_retries,tier_minimum,run_count,fail_count)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,0)
ON CONFLICT (task_name) DO UPDATE SET
  cron_expr=EXCLUDED.cron_expr,
  interval_ms=EXCLUDED.interval_ms,
  enabled=EXCLUDED.enabled,
  priority=EXCLUDED.priority,
  timeout_ms=EXCLUDED.timeout_ms,
  max_retries=EXCLUDED.max_retries,
  tier_minimum=EXCLUDED.tier_minimum
`, seed.TaskName, nullString(seed.CronExpr), nullInt(seed.IntervalMs), seed.Enabled, seed.Priority,
		seed.TimeoutMs, seed.MaxRetries, seed.TierMinimum.String())
	return err
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, taskName string, u domain.ScheduleUpdate) error {
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
		args = append(args, c.arg)
		sets = append(sets, fmt.Sprintf("%s=$%d", c.expr, len(args)))
	}
	args = append(args, taskName)
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE heartbeat_schedule SET %s WHERE task_name=$%d`,
		strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %q: %w", taskName, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AcquireLease(ctx context.Context, taskName, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
UPDATE heartbeat_schedule
SET lease_owner=$1, lease_expires_at=$2
WHERE task_name=$3
  AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= $4 OR lease_owner=$1)
`, owner, now.Add(ttl).UnixMilli(), taskName, now.UnixMilli())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, taskName, owner string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE heartbeat_schedule SET lease_owner=NULL, lease_expires_at=NULL
WHERE task_name=$1 AND lease_owner=$2`, taskName, owner)
	return err
}

func (s *PostgresStore) ClearExpiredLeases(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE heartbeat_schedule SET lease_owner=NULL, lease_expires_at=NULL
WHERE lease_expires_at IS NOT NULL AND lease_expires_at <= $1`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) InsertHistory(ctx context.Context, rec domain.HistoryRecord) error {
	id := rec.ID
	if id == "" {
		id = "run_" + uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO heartbeat_history (id,task_name,started_at,completed_at,result,duration_ms,error,idempotency_key)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, id, rec.TaskName, rec.StartedAt.UnixMilli(), rec.CompletedAt.UnixMilli(),
		string(rec.Result), rec.DurationMs, nullString(rec.Error), nullString(rec.IdempotencyKey))
	return err
}

func (s *PostgresStore) QueryRecentHistory(ctx context.Context, taskName string, limit int) ([]domain.HistoryRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+historyColumns+` FROM heartbeat_history
WHERE task_name=$1 ORDER BY seq DESC LIMIT $2`, taskName, limit)
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

func (s *PostgresStore) PruneHistory(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM heartbeat_history WHERE started_at < $1`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) InsertDedupKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
INSERT INTO dedup_keys (key,created_at,expires_at) VALUES ($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET created_at=EXCLUDED.created_at, expires_at=EXCLUDED.expires_at
WHERE dedup_keys.expires_at <= $2`, key, now.UnixMilli(), now.Add(ttl).UnixMilli())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) PruneExpiredDedupKeys(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dedup_keys WHERE expires_at <= $1`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) InsertWakeEvent(ctx context.Context, source, reason string, metadata map[string]string) error {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO wake_events (id,source,reason,metadata,created_at) VALUES ($1,$2,$3,$4,$5)`,
		"wake_"+uuid.NewString(), source, reason, meta, s.now().UnixMilli())
	return err
}

func (s *PostgresStore) ListWakeEvents(ctx context.Context, limit int) ([]domain.WakeEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id,source,reason,metadata,created_at FROM wake_events ORDER BY seq DESC LIMIT $1`, limit)
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

func (s *PostgresStore) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *PostgresStore) SetKV(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`,
		key, value, s.now().UnixMilli())
	return err
}
