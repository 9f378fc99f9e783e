package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lifeline/internal/balance"
	"lifeline/internal/config"
	"lifeline/internal/store"
	"lifeline/internal/survival"
)

// DefaultLowComputeMultiplier applies when configuration leaves it unset.
const DefaultLowComputeMultiplier = 4

// TickContext is the snapshot shared by every task run within one tick.
// Tasks must treat it as read-only.
type TickContext struct {
	TickID               string
	StartedAt            time.Time
	CreditBalance        int64
	USDCBalance          float64
	Tier                 survival.Tier
	LowComputeMultiplier float64
	Config               *config.Config
	Store                store.Store
}

// ContextBuilder produces one TickContext per tick. Each balance is fetched
// at most once per Build, and fetch failures degrade to a zero balance.
type ContextBuilder struct {
	store   store.Store
	credits balance.CreditsSource
	usdc    balance.USDCSource
	cfg     *config.Config
	logger  zerolog.Logger
	now     func() time.Time
	ids     tickIDs
}

func NewContextBuilder(st store.Store, credits balance.CreditsSource, usdc balance.USDCSource, cfg *config.Config, logger zerolog.Logger) *ContextBuilder {
	return &ContextBuilder{
		store:   st,
		credits: credits,
		usdc:    usdc,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

func (b *ContextBuilder) Build(ctx context.Context) *TickContext {
	now := b.now()
	tc := &TickContext{
		TickID:               b.ids.next(now),
		StartedAt:            now,
		LowComputeMultiplier: DefaultLowComputeMultiplier,
		Config:               b.cfg,
		Store:                b.store,
	}
	if b.cfg.Heartbeat.LowComputeMultiplier > 0 {
		tc.LowComputeMultiplier = b.cfg.Heartbeat.LowComputeMultiplier
	}

	if b.credits != nil {
		cents, err := b.credits.CreditsCents(ctx)
		if err != nil {
			balanceFetchErrors.WithLabelValues("credits").Inc()
			b.logger.Warn().Err(err).Str("tick_id", tc.TickID).Msg("credit balance fetch failed, assuming zero")
			cents = 0
		}
		tc.CreditBalance = cents
	}

	if wallet := b.cfg.Identity.WalletAddress; wallet != "" && b.usdc != nil {
		usdc, err := b.usdc.USDCBalance(ctx, wallet)
		if err != nil {
			balanceFetchErrors.WithLabelValues("usdc").Inc()
			b.logger.Warn().Err(err).Str("tick_id", tc.TickID).Msg("usdc balance fetch failed, assuming zero")
			usdc = 0
		}
		tc.USDCBalance = usdc
	}

	tc.Tier = b.cfg.Tiers.TierOf(tc.CreditBalance)

	creditBalanceGauge.Set(float64(tc.CreditBalance))
	usdcBalanceGauge.Set(tc.USDCBalance)
	survivalTierGauge.Set(float64(tc.Tier))
	return tc
}

// tickIDs hands out identifiers of the form tick_<ms base36>_<random>_<seq>.
// They are unique within a process lifetime, not globally.
type tickIDs struct {
	seq atomic.Uint64
}

func (g *tickIDs) next(now time.Time) string {
	suffix := uuid.New()
	return fmt.Sprintf("tick_%s_%x_%d", strconv.FormatInt(now.UnixMilli(), 36), suffix[:4], g.seq.Add(1))
}
