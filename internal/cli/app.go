package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lifeline/internal/balance"
	"lifeline/internal/config"
	"lifeline/internal/scheduler"
	"lifeline/internal/store"
	"lifeline/internal/survival"
	"lifeline/internal/tasks"
)

const balanceTimeout = 10 * time.Second

// app is one wired process: store, balance sources, registry and scheduler.
type app struct {
	cfg     config.Config
	cfgPath string
	store   store.Store
	sched   *scheduler.Scheduler
	tracker *survival.Tracker
	logger  zerolog.Logger
}

func openApp(ctx context.Context, logger zerolog.Logger) (*app, error) {
	cfg, path, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.cfgPath = path
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		st, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, nil
	}
	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
	}
	return st, nil
}

// newApp seeds the schedule and wires the scheduler over st.
func newApp(ctx context.Context, cfg config.Config, st store.Store, logger zerolog.Logger) (*app, error) {
	for _, seed := range cfg.Schedule {
		if err := st.UpsertScheduleSeed(ctx, seed); err != nil {
			return nil, fmt.Errorf("seed %s: %w", seed.TaskName, err)
		}
	}

	reg := scheduler.NewRegistry()
	if err := tasks.RegisterBuiltins(reg); err != nil {
		return nil, err
	}

	credits := balance.NewCreditsClient(cfg.Credits.APIURL, cfg.Credits.APIKey, balanceTimeout)
	var usdc balance.USDCSource
	if cfg.USDC.RPCURL != "" && cfg.USDC.Contract != "" {
		usdc = balance.NewUSDCClient(cfg.USDC.RPCURL, cfg.USDC.Contract, balanceTimeout)
	}

	tracker := survival.NewTracker(st, survival.KVLimiter{KV: st}, logger)
	wakeLog := logger.With().Str("component", "wake").Logger()

	c := cfg
	sched := scheduler.New(scheduler.Options{
		Store:    st,
		Registry: reg,
		Config:   &c,
		Credits:  credits,
		USDC:     usdc,
		Tracker:  tracker,
		Env: &scheduler.TaskEnv{
			Identity:   c.Identity,
			Config:     &c,
			Store:      st,
			Credits:    credits,
			USDC:       usdc,
			HTTPClient: &http.Client{Timeout: balanceTimeout},
			Logger:     logger.With().Str("component", "tasks").Logger(),
		},
		OnWake: func(reason string) {
			wakeLog.Warn().Str("reason", reason).Msg("agent wake requested")
		},
		OwnerID: ownerID(),
		Logger:  logger,
	})

	return &app{cfg: c, store: st, sched: sched, tracker: tracker, logger: logger}, nil
}

func (a *app) Close() error { return a.store.Close() }

// ownerID identifies this process as a lease holder.
func ownerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
