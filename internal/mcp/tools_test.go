package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coinpulse/internal/domain"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/trace"
)

func TestToolsListAndInvoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	srv, signals := testServer()
	session, shutdown, err := connectInMemory(ctx, srv)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer shutdown()
	defer session.Close()

	tools, err := session.ListTools(ctx, &sdkmcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools failed: %v", err)
	}
	if len(tools.Tools) != 5 {
		t.Fatalf("expected 5 tools, got %d", len(tools.Tools))
	}

	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: "signals_get", Arguments: map[string]any{"coin_id": " Bitcoin "}})
	if err != nil {
		t.Fatalf("call tool failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res.Content)
	}
	var got signalGetOutput
	if err := decodeStructured(res, &got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !got.Found || got.Signal == nil || got.Signal.Decision != domain.DecisionBuy {
		t.Fatalf("unexpected signal output: %+v", got)
	}

	res, err = session.CallTool(ctx, &sdkmcp.CallToolParams{Name: "signals_refresh", Arguments: map[string]any{"coin_id": "ethereum"}})
	if err != nil {
		t.Fatalf("refresh tool failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected refresh tool error: %+v", res.Content)
	}
	if signals.lastRefresh != "ethereum" {
		t.Fatalf("expected refresh for ethereum, got %s", signals.lastRefresh)
	}

	res, err = session.CallTool(ctx, &sdkmcp.CallToolParams{Name: "indicators_get", Arguments: map[string]any{"coin_id": "bitcoin"}})
	if err != nil || res.IsError {
		t.Fatalf("indicators tool failed: %v %+v", err, res)
	}
	var ind indicatorsGetOutput
	if err := decodeStructured(res, &ind); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ind.View.CoinID != "bitcoin" || ind.View.Indicators.RSI != 61.5 {
		t.Fatalf("unexpected indicators output: %+v", ind)
	}
}

func TestSignalsListToolFilters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	srv, _ := testServer()
	session, shutdown, err := connectInMemory(ctx, srv)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer shutdown()
	defer session.Close()

	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: "signals_list", Arguments: map[string]any{"decision": "hold"}})
	if err != nil || res.IsError {
		t.Fatalf("signals_list failed: %v %+v", err, res)
	}
	var out signalsListOutput
	if err := decodeStructured(res, &out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(out.Signals) != 1 || out.Signals[0].CoinID != "ethereum" {
		t.Fatalf("expected only the ethereum hold signal, got %+v", out.Signals)
	}
}

func TestToolsValidationFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	srv, signals := testServer()
	signals.refreshErr = errHistoryDown
	session, shutdown, err := connectInMemory(ctx, srv)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer shutdown()
	defer session.Close()

	cases := []sdkmcp.CallToolParams{
		{Name: "signals_get", Arguments: map[string]any{"coin_id": "dogecoin"}},
		{Name: "signals_list", Arguments: map[string]any{"decision": "maybe"}},
		{Name: "signals_refresh", Arguments: map[string]any{"coin_id": "bitcoin"}},
	}
	for _, params := range cases {
		res, err := session.CallTool(ctx, &params)
		if err != nil {
			t.Fatalf("unexpected protocol error for %s: %v", params.Name, err)
		}
		if !res.IsError {
			t.Fatalf("expected tool-level error for %s", params.Name)
		}
	}
}

func TestToolsWithoutService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	session, shutdown, err := connectInMemory(ctx, NewServer(nil, nil, ServerConfig{}))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer shutdown()
	defer session.Close()

	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: "coins_list", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("unexpected protocol error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected unavailable service error")
	}
}

func TestHTTPTransportRequiresToken(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	srv, _ := testServer()
	ts := httptest.NewServer(NewHTTPTransportHandler(srv, HTTPHandlerConfig{AuthToken: "secret", RateLimitPerMin: 100}))
	defer ts.Close()

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "mcp-http-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &sdkmcp.StreamableClientTransport{
		Endpoint:   ts.URL,
		HTTPClient: &http.Client{Transport: &authRoundTripper{token: "secret"}},
	}, nil)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: "coins_list", Arguments: map[string]any{}})
	if err != nil || res.IsError {
		t.Fatalf("coins_list over http failed: %v %+v", err, res)
	}
	var out coinsListOutput
	if err := decodeStructured(res, &out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(out.Coins) != 1 || out.Coins[0].ID != "bitcoin" {
		t.Fatalf("unexpected coins: %+v", out.Coins)
	}

	bad := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "mcp-http-client", Version: "1.0.0"}, nil)
	if _, err := bad.Connect(ctx, &sdkmcp.StreamableClientTransport{
		Endpoint:   ts.URL,
		HTTPClient: &http.Client{Transport: &authRoundTripper{token: "wrong"}},
	}, nil); err == nil {
		t.Fatal("expected connect with wrong token to fail")
	}
}

func TestToolsWithTracingMiddleware(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, signals := testServer()
	srv := NewServer(trace.NewNoopTracerProvider().Tracer("mcp-test"), signals, ServerConfig{})
	session, shutdown, err := connectInMemory(ctx, srv)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer shutdown()
	defer session.Close()

	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: "signals_get", Arguments: map[string]any{"coin_id": "ethereum"}})
	if err != nil || res.IsError {
		t.Fatalf("traced call failed: %v %+v", err, res)
	}
}
