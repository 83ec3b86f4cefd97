package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func registerResources(server *mcp.Server, signals SignalService) {
	server.AddResource(&mcp.Resource{
		URI:         "coins://tracked",
		Name:        "tracked-coins",
		Description: "CoinGecko ids refreshed by the signal pipeline",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		if signals == nil {
			return nil, errServiceUnavailable
		}
		return jsonResource(req.Params.URI, signals.Coins())
	})

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "signals://latest{?coin,decision,limit}",
		Name:        "signals-latest",
		Description: "Latest signal per coin with optional coin/decision/limit query params",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		if signals == nil {
			return nil, errServiceUnavailable
		}

		parsed, err := url.Parse(req.Params.URI)
		if err != nil {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}
		if parsed.Scheme != "signals" || parsed.Host != "latest" {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}

		input := signalsListInput{
			CoinID:   parsed.Query().Get("coin"),
			Decision: parsed.Query().Get("decision"),
		}
		if rawLimit := strings.TrimSpace(parsed.Query().Get("limit")); rawLimit != "" {
			n, err := strconv.Atoi(rawLimit)
			if err != nil {
				return nil, fmt.Errorf("invalid limit: %s", rawLimit)
			}
			input.Limit = n
		}

		filter, err := normalizeSignalFilter(input, signals.Coins())
		if err != nil {
			return nil, err
		}
		return jsonResource(req.Params.URI, signalsListOutput{Signals: filter.apply(signals.ListSignals(ctx))})
	})

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "indicators://{coin}",
		Name:        "indicators-by-coin",
		Description: "Technical indicators for a tracked coin",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		if signals == nil {
			return nil, errServiceUnavailable
		}

		parsed, err := url.Parse(req.Params.URI)
		if err != nil || parsed.Scheme != "indicators" {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}
		id, err := normalizeCoinID(parsed.Host, signals.Coins())
		if err != nil {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}

		view, err := signals.Indicators(ctx, id)
		if err != nil {
			return nil, err
		}
		return jsonResource(req.Params.URI, indicatorsGetOutput{View: view})
	})
}

func jsonResource(uri string, payload any) (*mcp.ReadResourceResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(body),
		}},
	}, nil
}
