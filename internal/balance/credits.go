// Package balance fetches the two balances the heartbeat consults each tick:
// compute credits from the credits API and USDC held by the agent's wallet.
package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CreditsSource returns the current compute-credit balance in cents.
type CreditsSource interface {
	CreditsCents(ctx context.Context) (int64, error)
}

// USDCSource returns the USDC balance held by address, in whole units.
type USDCSource interface {
	USDCBalance(ctx context.Context, address string) (float64, error)
}

// CreditsClient reads the balance from the credits API.
type CreditsClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type creditsResponse struct {
	BalanceCents *int64 `json:"balance_cents"`
}

func NewCreditsClient(baseURL, apiKey string, timeout time.Duration) *CreditsClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CreditsClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c *CreditsClient) CreditsCents(ctx context.Context) (int64, error) {
	if c.BaseURL == "" {
		return 0, fmt.Errorf("credits api url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/credits/balance", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create credits request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("credits request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("failed to read credits response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("credits api HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out creditsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode credits response: %w", err)
	}
	if out.BalanceCents == nil {
		return 0, fmt.Errorf("credits response missing balance_cents")
	}
	return *out.BalanceCents, nil
}
