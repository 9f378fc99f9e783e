package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"lifeline/internal/balance"
	"lifeline/internal/config"
	"lifeline/internal/store"
	"lifeline/internal/survival"
)

// ErrUnknownTask is returned by ForceRun for names with no registered
// implementation.
var ErrUnknownTask = errors.New("unknown task")

type Options struct {
	Store    store.Store
	Registry *Registry
	Config   *config.Config
	Credits  balance.CreditsSource
	USDC     balance.USDCSource
	// Tracker is optional. When set, every tick reports its tier to it.
	Tracker *survival.Tracker
	Env     *TaskEnv
	OnWake  WakeFunc
	OwnerID string
	Logger  zerolog.Logger
}

// Scheduler runs heartbeat ticks: lease cleanup, context build, due-task
// selection, sequential execution and housekeeping.
type Scheduler struct {
	store    store.Store
	registry *Registry
	builder  *ContextBuilder
	selector Selector
	executor *Executor
	tracker  *survival.Tracker
	ownerID  string
	logger   zerolog.Logger

	running atomic.Bool
}

// TickSummary reports what one Tick did.
type TickSummary struct {
	TickID   string
	Skipped  bool
	Tier     survival.Tier
	Due      []string
	Outcomes []RunOutcome
	Err      error
}

func New(opts Options) *Scheduler {
	logger := opts.Logger.With().Str("component", "scheduler").Str("owner", opts.OwnerID).Logger()
	cfg := opts.Config
	env := opts.Env
	if env == nil {
		env = &TaskEnv{
			Identity: cfg.Identity,
			Config:   cfg,
			Store:    opts.Store,
			Credits:  opts.Credits,
			USDC:     opts.USDC,
			Logger:   logger,
		}
	}
	return &Scheduler{
		store:    opts.Store,
		registry: opts.Registry,
		builder:  NewContextBuilder(opts.Store, opts.Credits, opts.USDC, cfg, logger),
		selector: Selector{HonorRetryAt: cfg.Heartbeat.HonorRetryAt, Logger: logger},
		executor: NewExecutor(opts.Store, opts.Registry, env, ExecutorConfig{
			OwnerID:        opts.OwnerID,
			LeaseTTL:       cfg.Heartbeat.LeaseTTL,
			DefaultTimeout: cfg.Heartbeat.DefaultTimeout,
			RetryDelay:     cfg.Heartbeat.RetryDelay,
		}, opts.OnWake, logger),
		tracker: opts.Tracker,
		ownerID: opts.OwnerID,
		logger:  logger,
	}
}

func (s *Scheduler) OwnerID() string { return s.ownerID }

// Tick runs one heartbeat cycle. A call made while another tick is in
// progress returns immediately with Skipped set. Tick never panics and never
// returns an error; failures are logged and reported in the summary.
func (s *Scheduler) Tick(ctx context.Context) (sum TickSummary) {
	if !s.running.CompareAndSwap(false, true) {
		ticksTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug().Msg("tick already in progress, skipping")
		return TickSummary{Skipped: true}
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			sum.Err = fmt.Errorf("tick panicked: %v", r)
		}
		outcome := "completed"
		if sum.Err != nil {
			outcome = "failed"
			s.logger.Error().Err(sum.Err).Str("tick_id", sum.TickID).Msg("tick failed")
		}
		ticksTotal.WithLabelValues(outcome).Inc()
		tickDuration.Observe(time.Since(start).Seconds())
		s.running.Store(false)
	}()

	sum.Err = s.tick(ctx, &sum)
	return sum
}

func (s *Scheduler) tick(ctx context.Context, sum *TickSummary) error {
	n, err := s.store.ClearExpiredLeases(ctx)
	if err != nil {
		return fmt.Errorf("clear expired leases: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int("cleared", n).Msg("reclaimed expired leases")
	}

	tc := s.builder.Build(ctx)
	sum.TickID = tc.TickID
	sum.Tier = tc.Tier
	log := s.logger.With().Str("tick_id", tc.TickID).Logger()

	if s.tracker != nil {
		if _, err := s.tracker.Observe(ctx, tc.Tier, tc.CreditBalance); err != nil {
			log.Warn().Err(err).Msg("failed to record survival tier")
		}
	}

	rows, err := s.store.GetSchedule(ctx)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	due := s.selector.Due(rows, tc, s.ownerID)
	log.Debug().
		Stringer("tier", tc.Tier).
		Int64("credits_cents", tc.CreditBalance).
		Int("due", len(due)).
		Msg("tick started")

	for _, e := range due {
		sum.Due = append(sum.Due, e.TaskName)
		out, err := s.executor.Execute(ctx, e.TaskName, tc)
		if err != nil {
			log.Error().Err(err).Str("task", e.TaskName).Msg("failed to record task run")
		}
		sum.Outcomes = append(sum.Outcomes, out)
	}

	pruned, err := s.store.PruneExpiredDedupKeys(ctx)
	if err != nil {
		return fmt.Errorf("prune dedup keys: %w", err)
	}
	if pruned > 0 {
		log.Debug().Int("pruned", pruned).Msg("pruned expired dedup keys")
	}
	return nil
}

// ForceRun executes taskName now, bypassing due-ness, tier and interval
// checks. The lease is still honoured.
func (s *Scheduler) ForceRun(ctx context.Context, taskName string) (RunOutcome, error) {
	if _, ok := s.registry.Lookup(taskName); !ok {
		return RunOutcome{Task: taskName}, fmt.Errorf("force run %q: %w", taskName, ErrUnknownTask)
	}
	tc := s.builder.Build(ctx)
	s.logger.Info().Str("task", taskName).Str("tick_id", tc.TickID).Msg("force run")
	return s.executor.Execute(ctx, taskName, tc)
}
