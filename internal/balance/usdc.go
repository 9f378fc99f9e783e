package balance

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// balanceOfSelector is the ERC-20 function selector for balanceOf(address).
const balanceOfSelector = "70a08231"

// usdcDecimals is the token precision of USDC.
const usdcDecimals = 6

// USDCClient reads an ERC-20 balance with a single eth_call against an
// Ethereum JSON-RPC endpoint.
type USDCClient struct {
	RPCURL   string
	Contract string
	Client   *http.Client

	nextID atomic.Int64
}

func NewUSDCClient(rpcURL, contract string, timeout time.Duration) *USDCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &USDCClient{RPCURL: rpcURL, Contract: contract, Client: &http.Client{Timeout: timeout}}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result string    `json:"result"`
	Error  *rpcError `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *USDCClient) USDCBalance(ctx context.Context, address string) (float64, error) {
	if c.RPCURL == "" || c.Contract == "" {
		return 0, fmt.Errorf("usdc rpc url or contract is not configured")
	}
	data, err := encodeBalanceOf(address)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "eth_call",
		Params:  []any{map[string]string{"to": c.Contract, "data": data}, "latest"},
	})
	if err != nil {
		return 0, fmt.Errorf("encode rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCURL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("failed to read rpc response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("rpc HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out rpcResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode rpc response: %w", err)
	}
	if out.Error != nil {
		return 0, fmt.Errorf("rpc error %d: %s", out.Error.Code, out.Error.Message)
	}
	return decodeUnits(out.Result, usdcDecimals)
}

// encodeBalanceOf builds call data: selector followed by the address
// left-padded to 32 bytes.
func encodeBalanceOf(address string) (string, error) {
	addr := strings.TrimPrefix(strings.ToLower(address), "0x")
	if len(addr) != 40 {
		return "", fmt.Errorf("invalid wallet address %q", address)
	}
	if _, err := hex.DecodeString(addr); err != nil {
		return "", fmt.Errorf("invalid wallet address %q: %w", address, err)
	}
	return "0x" + balanceOfSelector + strings.Repeat("0", 24) + addr, nil
}

func decodeUnits(result string, decimals int) (float64, error) {
	raw := strings.TrimPrefix(result, "0x")
	if raw == "" {
		return 0, nil
	}
	n, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return 0, fmt.Errorf("invalid balance result %q", result)
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	v, _ := new(big.Float).Quo(new(big.Float).SetInt(n), scale).Float64()
	return v, nil
}
