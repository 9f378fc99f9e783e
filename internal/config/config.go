// Package config holds the heartbeat daemon's durable configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"lifeline/internal/domain"
	"lifeline/internal/survival"
)

type Config struct {
	DBPath      string
	DatabaseURL string
	Addr        string

	Identity  Identity
	Heartbeat Heartbeat
	Tiers     survival.Thresholds
	Credits   Credits
	USDC      USDC
	Tasks     Tasks

	Schedule []domain.ScheduleSeed
}

type Identity struct {
	Name          string
	WalletAddress string
}

type Heartbeat struct {
	Interval             time.Duration
	LeaseTTL             time.Duration
	DefaultTimeout       time.Duration
	RetryDelay           time.Duration
	LowComputeMultiplier float64
	// HonorRetryAt makes a past nextRunAt count as due, so scheduled retries
	// fire before the next interval or cron slot.
	HonorRetryAt bool
}

type Credits struct {
	APIURL string
	APIKey string
}

type USDC struct {
	RPCURL   string
	Contract string
}

type Tasks struct {
	PingURL          string
	HealthCommand    string
	HistoryRetention time.Duration
}

// Default returns a fully populated configuration.
func Default() Config {
	return Config{
		DBPath: "lifeline.db",
		Addr:   ":8089",
		Identity: Identity{
			Name: "lifeline",
		},
		Heartbeat: Heartbeat{
			Interval:             60 * time.Second,
			LeaseTTL:             60 * time.Second,
			DefaultTimeout:       30 * time.Second,
			RetryDelay:           30 * time.Second,
			LowComputeMultiplier: 4,
			HonorRetryAt:         true,
		},
		Tiers: survival.DefaultThresholds(),
		Credits: Credits{
			APIURL: "https://api.conway.tech",
		},
		USDC: USDC{
			RPCURL:   "https://mainnet.base.org",
			Contract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		},
		Tasks: Tasks{
			HistoryRetention: 7 * 24 * time.Hour,
		},
		Schedule: DefaultSchedule(),
	}
}

// DefaultSchedule is the built-in task list seeded at startup.
func DefaultSchedule() []domain.ScheduleSeed {
	return []domain.ScheduleSeed{
		{TaskName: "heartbeat_ping", CronExpr: "*/15 * * * *", Enabled: true, TimeoutMs: 10000, MaxRetries: 1, TierMinimum: survival.Dead},
		{TaskName: "check_credits", CronExpr: "*/5 * * * *", Enabled: true, Priority: 1, TimeoutMs: 15000, MaxRetries: 2, TierMinimum: survival.Dead},
		{TaskName: "check_usdc_balance", CronExpr: "*/5 * * * *", Enabled: true, TimeoutMs: 15000, MaxRetries: 2, TierMinimum: survival.Dead},
		{TaskName: "health_check", IntervalMs: int64(30 * time.Minute / time.Millisecond), Enabled: true, TimeoutMs: 30000, TierMinimum: survival.LowCompute},
		{TaskName: "prune_history", CronExpr: "0 3 * * *", Enabled: true, TimeoutMs: 45000, TierMinimum: survival.LowCompute},
	}
}

// Load builds the configuration from defaults, an optional file (configPath,
// or one resolved from the environment), and environment overrides.
func Load(configPath string) (Config, string, error) {
	cfg := Default()
	path := ResolveConfigPath(configPath)
	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		return cfg, path, err
	}
	if err := ApplyFileConfig(&cfg, fileCfg); err != nil {
		return cfg, path, err
	}
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, path, err
	}
	return cfg, path, nil
}

// ApplyEnv applies secret and deployment overrides from the environment.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("LIFELINE_CREDITS_API_KEY"); v != "" {
		cfg.Credits.APIKey = v
	}
	if v := os.Getenv("LIFELINE_DB"); v != "" {
		if isPostgresDSN(v) {
			cfg.DatabaseURL = v
		} else {
			cfg.DBPath = v
		}
	}
}

func isPostgresDSN(v string) bool {
	return strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://")
}

func (c Config) Validate() error {
	var errs []error
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval must be positive"))
	}
	if c.Heartbeat.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.lease_ttl must be positive"))
	}
	if c.Heartbeat.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.default_timeout must be positive"))
	}
	if c.Heartbeat.LeaseTTL > 0 && c.Heartbeat.DefaultTimeout >= c.Heartbeat.LeaseTTL {
		errs = append(errs, fmt.Errorf("heartbeat.default_timeout %s must be shorter than lease_ttl %s", c.Heartbeat.DefaultTimeout, c.Heartbeat.LeaseTTL))
	}
	if c.Heartbeat.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("heartbeat.retry_delay must not be negative"))
	}
	if c.Heartbeat.LowComputeMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.low_compute_multiplier must be positive"))
	}
	if err := c.Tiers.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tiers: %w", err))
	}
	seen := make(map[string]bool, len(c.Schedule))
	for _, s := range c.Schedule {
		if err := ValidateSeed(s); err != nil {
			errs = append(errs, err)
		}
		// A lease that can expire mid-run lets another owner start the task.
		if ttl := c.Heartbeat.LeaseTTL.Milliseconds(); ttl > 0 && s.TimeoutMs >= ttl {
			errs = append(errs, fmt.Errorf("schedule %q: timeout_ms %d must be shorter than lease_ttl %s", s.TaskName, s.TimeoutMs, c.Heartbeat.LeaseTTL))
		}
		if seen[s.TaskName] {
			errs = append(errs, fmt.Errorf("schedule: duplicate task %q", s.TaskName))
		}
		seen[s.TaskName] = true
	}
	return errors.Join(errs...)
}

// ValidateSeed rejects seeds without a name and seeds with both or neither of
// cron and interval.
func ValidateSeed(s domain.ScheduleSeed) error {
	if s.TaskName == "" {
		return fmt.Errorf("schedule: task name is required")
	}
	switch {
	case s.CronExpr != "" && s.IntervalMs > 0:
		return fmt.Errorf("schedule %q: set either cron or interval_ms, not both", s.TaskName)
	case s.CronExpr == "" && s.IntervalMs <= 0:
		return fmt.Errorf("schedule %q: one of cron or interval_ms is required", s.TaskName)
	case s.CronExpr != "":
		if _, err := cron.ParseStandard(s.CronExpr); err != nil {
			return fmt.Errorf("schedule %q: invalid cron expression: %w", s.TaskName, err)
		}
	}
	if s.TimeoutMs < 0 || s.MaxRetries < 0 {
		return fmt.Errorf("schedule %q: timeout_ms and max_retries must not be negative", s.TaskName)
	}
	return nil
}
