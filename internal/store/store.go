// Package store persists schedule rows, run history, leases, dedup keys,
// wake events and a small key-value table.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lifeline/internal/domain"
	"lifeline/internal/survival"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence contract consumed by the scheduler and its tasks.
//
// AcquireLease must be atomic: it succeeds when no lease is held, the held
// lease has expired, or owner already holds it.
type Store interface {
	GetSchedule(ctx context.Context) ([]domain.ScheduleEntry, error)
	GetScheduleEntry(ctx context.Context, taskName string) (domain.ScheduleEntry, error)
	UpsertScheduleSeed(ctx context.Context, seed domain.ScheduleSeed) error
	UpdateSchedule(ctx context.Context, taskName string, u domain.ScheduleUpdate) error

	AcquireLease(ctx context.Context, taskName, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, taskName, owner string) error
	ClearExpiredLeases(ctx context.Context) (int, error)

	InsertHistory(ctx context.Context, rec domain.HistoryRecord) error
	// QueryRecentHistory returns at most limit rows, newest first.
	QueryRecentHistory(ctx context.Context, taskName string, limit int) ([]domain.HistoryRecord, error)
	PruneHistory(ctx context.Context, before time.Time) (int, error)

	// InsertDedupKey reports false when an unexpired key already exists.
	InsertDedupKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	PruneExpiredDedupKeys(ctx context.Context) (int, error)

	InsertWakeEvent(ctx context.Context, source, reason string, metadata map[string]string) error
	ListWakeEvents(ctx context.Context, limit int) ([]domain.WakeEvent, error)

	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error

	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithNow overrides the clock used for lease and expiry decisions.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

const scheduleColumns = `task_name, cron_expr, interval_ms, enabled, priority, timeout_ms, max_retries,
tier_minimum, last_run_at, next_run_at, last_result, last_error, run_count, fail_count,
lease_owner, lease_expires_at`

const historyColumns = `id, task_name, started_at, completed_at, result, duration_ms, error, idempotency_key`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (domain.ScheduleEntry, error) {
	var (
		e                            domain.ScheduleEntry
		cronExpr, lastResult, owner  sql.NullString
		lastError                    sql.NullString
		intervalMs, lastRun, nextRun sql.NullInt64
		leaseExpires                 sql.NullInt64
		tierName                     string
	)
	if err := row.Scan(&e.TaskName, &cronExpr, &intervalMs, &e.Enabled, &e.Priority, &e.TimeoutMs,
		&e.MaxRetries, &tierName, &lastRun, &nextRun, &lastResult, &lastError, &e.RunCount,
		&e.FailCount, &owner, &leaseExpires); err != nil {
		return domain.ScheduleEntry{}, err
	}
	tier, err := survival.ParseTier(tierName)
	if err != nil {
		return domain.ScheduleEntry{}, fmt.Errorf("task %s: %w", e.TaskName, err)
	}
	e.TierMinimum = tier
	e.CronExpr = cronExpr.String
	e.IntervalMs = intervalMs.Int64
	e.LastRunAt = fromMillis(lastRun)
	e.NextRunAt = fromMillis(nextRun)
	if lastResult.Valid {
		r := domain.RunResult(lastResult.String)
		e.LastResult = &r
	}
	e.LastError = lastError.String
	e.LeaseOwner = owner.String
	e.LeaseExpiresAt = fromMillis(leaseExpires)
	return e, nil
}

func scanHistory(row rowScanner) (domain.HistoryRecord, error) {
	var (
		h                  domain.HistoryRecord
		started, completed int64
		result             string
		errText, idem      sql.NullString
	)
	if err := row.Scan(&h.ID, &h.TaskName, &started, &completed, &result, &h.DurationMs, &errText, &idem); err != nil {
		return domain.HistoryRecord{}, err
	}
	h.StartedAt = time.UnixMilli(started).UTC()
	h.CompletedAt = time.UnixMilli(completed).UTC()
	h.Result = domain.RunResult(result)
	h.Error = errText.String
	h.IdempotencyKey = idem.String
	return h, nil
}

func scanWakeEvent(row rowScanner) (domain.WakeEvent, error) {
	var (
		ev      domain.WakeEvent
		meta    sql.NullString
		created int64
	)
	if err := row.Scan(&ev.ID, &ev.Source, &ev.Reason, &meta, &created); err != nil {
		return domain.WakeEvent{}, err
	}
	ev.CreatedAt = time.UnixMilli(created).UTC()
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &ev.Metadata); err != nil {
			return domain.WakeEvent{}, fmt.Errorf("decode wake metadata: %w", err)
		}
	}
	return ev, nil
}

// setClause is one "column = value" assignment of a partial update.
type setClause struct {
	expr string
	arg  any
	raw  bool
}

// updateClauses turns a partial update into assignments. Raw clauses carry
// no argument.
func updateClauses(u domain.ScheduleUpdate) []setClause {
	var out []setClause
	if u.LastRunAt != nil {
		out = append(out, setClause{expr: "last_run_at", arg: u.LastRunAt.UnixMilli()})
	}
	if u.LastResult != nil {
		out = append(out, setClause{expr: "last_result", arg: string(*u.LastResult)})
	}
	if u.LastError != nil {
		out = append(out, setClause{expr: "last_error", arg: nullString(*u.LastError)})
	}
	if u.ClearNextRunAt {
		out = append(out, setClause{expr: "next_run_at = NULL", raw: true})
	} else if u.NextRunAt != nil {
		out = append(out, setClause{expr: "next_run_at", arg: u.NextRunAt.UnixMilli()})
	}
	if u.Enabled != nil {
		out = append(out, setClause{expr: "enabled", arg: *u.Enabled})
	}
	if u.IncRunCount {
		out = append(out, setClause{expr: "run_count = run_count + 1", raw: true})
	}
	if u.IncFailCount {
		out = append(out, setClause{expr: "fail_count = fail_count + 1", raw: true})
	}
	return out
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func encodeMetadata(metadata map[string]string) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode wake metadata: %w", err)
	}
	return string(raw), nil
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
