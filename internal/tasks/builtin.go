// Package tasks holds the built-in heartbeat task bodies.
package tasks

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"lifeline/internal/domain"
	"lifeline/internal/scheduler"
	"lifeline/internal/survival"
)

const (
	HeartbeatPing    = "heartbeat_ping"
	CheckCredits     = "check_credits"
	CheckUSDCBalance = "check_usdc_balance"
	HealthCheck      = "health_check"
	PruneHistory     = "prune_history"
)

const (
	// KeyLastCreditBalance holds the balance seen by the last credit check.
	KeyLastCreditBalance = "last_credit_balance"

	creditAlertTTL         = 6 * time.Hour
	usdcAlertTTL           = time.Hour
	minTopUpUSDC           = 1.0
	defaultHistoryRetained = 7 * 24 * time.Hour
)

// Builtins returns the built-in tasks keyed by name.
func Builtins() map[string]scheduler.TaskFunc {
	return map[string]scheduler.TaskFunc{
		HeartbeatPing:    heartbeatPing,
		CheckCredits:     checkCredits,
		CheckUSDCBalance: checkUSDCBalance,
		HealthCheck:      healthCheck,
		PruneHistory:     pruneHistory,
	}
}

// RegisterBuiltins adds every built-in task to reg.
func RegisterBuiltins(reg *scheduler.Registry) error {
	for name, fn := range Builtins() {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// checkCredits asks for a wake once per low tier. The dedup key keeps a
// sustained critical balance from waking the agent every tick.
func checkCredits(ctx context.Context, tc *scheduler.TickContext, _ *scheduler.TaskEnv) (domain.TaskResult, error) {
	if err := tc.Store.SetKV(ctx, KeyLastCreditBalance, strconv.FormatInt(tc.CreditBalance, 10)); err != nil {
		return domain.TaskResult{}, fmt.Errorf("store credit balance: %w", err)
	}
	if tc.Tier != survival.Critical && tc.Tier != survival.Dead {
		return domain.TaskResult{Message: fmt.Sprintf("credits %d cents, tier %s", tc.CreditBalance, tc.Tier)}, nil
	}

	fresh, err := tc.Store.InsertDedupKey(ctx, CheckCredits+":"+tc.Tier.String(), creditAlertTTL)
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("record credit alert: %w", err)
	}
	if !fresh {
		return domain.TaskResult{Message: "credit alert already raised"}, nil
	}
	return domain.TaskResult{
		ShouldWake: true,
		Message:    fmt.Sprintf("credits at %d cents, survival tier %s", tc.CreditBalance, tc.Tier),
	}, nil
}

// checkUSDCBalance wakes the agent when its wallet holds USDC that could buy
// credits while compute is restricted.
func checkUSDCBalance(ctx context.Context, tc *scheduler.TickContext, _ *scheduler.TaskEnv) (domain.TaskResult, error) {
	if tc.Config == nil || tc.Config.Identity.WalletAddress == "" {
		return domain.TaskResult{Message: "no wallet configured"}, nil
	}
	if tc.USDCBalance < minTopUpUSDC || !tc.Tier.Restricted() {
		return domain.TaskResult{Message: fmt.Sprintf("usdc %.2f, tier %s", tc.USDCBalance, tc.Tier)}, nil
	}

	fresh, err := tc.Store.InsertDedupKey(ctx, CheckUSDCBalance+":available", usdcAlertTTL)
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("record usdc alert: %w", err)
	}
	if !fresh {
		return domain.TaskResult{Message: "usdc top-up already requested"}, nil
	}
	return domain.TaskResult{
		ShouldWake: true,
		Message:    fmt.Sprintf("%.2f USDC available while tier is %s, top up credits", tc.USDCBalance, tc.Tier),
	}, nil
}

func pruneHistory(ctx context.Context, tc *scheduler.TickContext, _ *scheduler.TaskEnv) (domain.TaskResult, error) {
	retention := defaultHistoryRetained
	if tc.Config != nil && tc.Config.Tasks.HistoryRetention > 0 {
		retention = tc.Config.Tasks.HistoryRetention
	}
	n, err := tc.Store.PruneHistory(ctx, tc.StartedAt.Add(-retention))
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("prune history: %w", err)
	}
	return domain.TaskResult{Message: fmt.Sprintf("pruned %d history rows", n)}, nil
}
