package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lifeline/internal/domain"
	"lifeline/internal/scheduler"
	"lifeline/internal/survival"
)

const pingTimeout = 10 * time.Second

type pingPayload struct {
	Name          string        `json:"name"`
	WalletAddress string        `json:"wallet_address,omitempty"`
	TickID        string        `json:"tick_id"`
	Tier          survival.Tier `json:"tier"`
	CreditsCents  int64         `json:"credits_cents"`
	USDCBalance   float64       `json:"usdc_balance"`
	At            time.Time     `json:"at"`
}

// heartbeatPing posts a liveness report to the configured status endpoint.
func heartbeatPing(ctx context.Context, tc *scheduler.TickContext, env *scheduler.TaskEnv) (domain.TaskResult, error) {
	if tc.Config == nil || tc.Config.Tasks.PingURL == "" {
		return domain.TaskResult{Message: "ping url not configured"}, nil
	}

	body, err := json.Marshal(pingPayload{
		Name:          tc.Config.Identity.Name,
		WalletAddress: tc.Config.Identity.WalletAddress,
		TickID:        tc.TickID,
		Tier:          tc.Tier,
		CreditsCents:  tc.CreditBalance,
		USDCBalance:   tc.USDCBalance,
		At:            tc.StartedAt.UTC(),
	})
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("encode ping: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.Config.Tasks.PingURL, bytes.NewReader(body))
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("failed to create ping request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: pingTimeout}
	if env != nil && env.HTTPClient != nil {
		client = env.HTTPClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("ping request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("failed to read ping response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return domain.TaskResult{}, fmt.Errorf("ping HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return domain.TaskResult{Message: fmt.Sprintf("ping delivered, tier %s", tc.Tier)}, nil
}
