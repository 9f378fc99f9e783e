package balance

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCreditsClientReadsBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/credits/balance" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"balance_cents": 1234}`))
	}))
	defer srv.Close()

	c := NewCreditsClient(srv.URL+"/", "secret", time.Second)
	got, err := c.CreditsCents(context.Background())
	if err != nil {
		t.Fatalf("credits: %v", err)
	}
	if got != 1234 {
		t.Fatalf("credits = %d, want 1234", got)
	}
}

func TestCreditsClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewCreditsClient(srv.URL, "", time.Second).CreditsCents(context.Background()); err == nil {
		t.Fatal("expected error on HTTP 502")
	}
	if _, err := NewCreditsClient("", "", time.Second).CreditsCents(context.Background()); err == nil {
		t.Fatal("expected error when unconfigured")
	}

	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer missing.Close()
	if _, err := NewCreditsClient(missing.URL, "", time.Second).CreditsCents(context.Background()); err == nil {
		t.Fatal("expected error on missing balance field")
	}
}

func TestUSDCClientBalanceOf(t *testing.T) {
	const wallet = "0x00000000000000000000000000000000DeaDBeef"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Method != "eth_call" {
			t.Errorf("method = %s", req.Method)
		}
		var call map[string]string
		_ = json.Unmarshal(req.Params[0], &call)
		if !strings.HasPrefix(call["data"], "0x70a08231") || !strings.HasSuffix(call["data"], "deadbeef") {
			t.Errorf("call data = %s", call["data"])
		}
		if len(call["data"]) != 2+8+64 {
			t.Errorf("call data length = %d", len(call["data"]))
		}
		// 12.5 USDC
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x0000000000000000000000000000000000000000000000000000000000bebc20"}`))
	}))
	defer srv.Close()

	c := NewUSDCClient(srv.URL, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", time.Second)
	got, err := c.USDCBalance(context.Background(), wallet)
	if err != nil {
		t.Fatalf("usdc: %v", err)
	}
	if got != 12.5 {
		t.Fatalf("usdc = %v, want 12.5", got)
	}
}

func TestUSDCClientRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"execution reverted"}}`))
	}))
	defer srv.Close()

	c := NewUSDCClient(srv.URL, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", time.Second)
	if _, err := c.USDCBalance(context.Background(), "0x00000000000000000000000000000000deadbeef"); err == nil {
		t.Fatal("expected rpc error")
	}
	if _, err := c.USDCBalance(context.Background(), "not-an-address"); err == nil {
		t.Fatal("expected address validation error")
	}
}
