package domain

import (
	"time"

	"lifeline/internal/survival"
)

// RunResult is the recorded outcome of one task run attempt.
type RunResult string

const (
	ResultSuccess RunResult = "success"
	ResultFailure RunResult = "failure"
	ResultTimeout RunResult = "timeout"
)

// ScheduleEntry is the persisted row for one named task. Exactly one of
// CronExpr or IntervalMs decides due-ness; CronExpr wins when both are set.
type ScheduleEntry struct {
	TaskName       string
	CronExpr       string
	IntervalMs     int64
	Enabled        bool
	Priority       int
	TimeoutMs      int64
	MaxRetries     int
	TierMinimum    survival.Tier
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	LastResult     *RunResult
	LastError      string
	RunCount       int
	FailCount      int
	LeaseOwner     string
	LeaseExpiresAt *time.Time
}

// LeaseHeldBy reports whether owner holds an unexpired lease at now.
func (e ScheduleEntry) LeaseHeldBy(owner string, now time.Time) bool {
	return e.LeaseOwner == owner && e.LeaseActive(now)
}

// LeaseActive reports whether any owner holds an unexpired lease at now.
// A lease whose expiry has passed is treated as absent.
func (e ScheduleEntry) LeaseActive(now time.Time) bool {
	return e.LeaseOwner != "" && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(now)
}

// ScheduleSeed is the static part of a ScheduleEntry, applied at startup.
// Seeding never touches runtime counters, run times, or lease fields.
type ScheduleSeed struct {
	TaskName    string        `yaml:"task" toml:"task" json:"task"`
	CronExpr    string        `yaml:"cron" toml:"cron" json:"cron,omitempty"`
	IntervalMs  int64         `yaml:"interval_ms" toml:"interval_ms" json:"interval_ms,omitempty"`
	Enabled     bool          `yaml:"enabled" toml:"enabled" json:"enabled"`
	Priority    int           `yaml:"priority" toml:"priority" json:"priority"`
	TimeoutMs   int64         `yaml:"timeout_ms" toml:"timeout_ms" json:"timeout_ms"`
	MaxRetries  int           `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	TierMinimum survival.Tier `yaml:"tier_minimum" toml:"tier_minimum" json:"tier_minimum"`
}

// ScheduleUpdate is a partial update. Nil pointers leave the column as is.
type ScheduleUpdate struct {
	LastRunAt      *time.Time
	LastResult     *RunResult
	LastError      *string
	NextRunAt      *time.Time
	ClearNextRunAt bool
	Enabled        *bool
	IncRunCount    bool
	IncFailCount   bool
}

// HistoryRecord is one append-only row per run attempt.
type HistoryRecord struct {
	ID             string    `json:"id"`
	TaskName       string    `json:"task"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	Result         RunResult `json:"result"`
	DurationMs     int64     `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// TaskResult is what a task body returns on success.
type TaskResult struct {
	ShouldWake bool
	Message    string
}

// WakeEvent is an entry in the durable wake log.
type WakeEvent struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	Reason    string            `json:"reason"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
