package mcp

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var errServiceUnavailable = errors.New("signal service unavailable")

func registerTools(server *mcp.Server, signals SignalService) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "coins_list",
		Description: "Get market snapshots for every tracked coin",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ coinsListInput) (*mcp.CallToolResult, coinsListOutput, error) {
		if signals == nil {
			return nil, coinsListOutput{}, errServiceUnavailable
		}
		coins, stale, err := signals.ListCoins(ctx)
		if err != nil {
			return nil, coinsListOutput{}, err
		}
		return nil, coinsListOutput{Coins: coins, Stale: stale}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "signals_list",
		Description: "Get the latest signal per coin with optional coin/decision filters",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in signalsListInput) (*mcp.CallToolResult, signalsListOutput, error) {
		if signals == nil {
			return nil, signalsListOutput{}, errServiceUnavailable
		}
		filter, err := normalizeSignalFilter(in, signals.Coins())
		if err != nil {
			return nil, signalsListOutput{}, err
		}
		return nil, signalsListOutput{Signals: filter.apply(signals.ListSignals(ctx))}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "signals_get",
		Description: "Get the latest signal for one coin",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in signalGetInput) (*mcp.CallToolResult, signalGetOutput, error) {
		if signals == nil {
			return nil, signalGetOutput{}, errServiceUnavailable
		}
		id, err := normalizeCoinID(in.CoinID, signals.Coins())
		if err != nil {
			return nil, signalGetOutput{}, err
		}
		sig, ok := signals.GetSignal(ctx, id)
		if !ok {
			return nil, signalGetOutput{}, nil
		}
		return nil, signalGetOutput{Found: true, Signal: &sig}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "signals_refresh",
		Description: "Fetch fresh market data for one coin and regenerate its signal",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in signalRefreshInput) (*mcp.CallToolResult, signalRefreshOutput, error) {
		if signals == nil {
			return nil, signalRefreshOutput{}, errServiceUnavailable
		}
		id, err := normalizeCoinID(in.CoinID, signals.Coins())
		if err != nil {
			return nil, signalRefreshOutput{}, err
		}
		sig, err := signals.RefreshCoin(ctx, id)
		if err != nil {
			return nil, signalRefreshOutput{}, err
		}
		return nil, signalRefreshOutput{Signal: sig}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "indicators_get",
		Description: "Get RSI, MACD, Bollinger bands, SMA/EMA and volume z-score for one coin",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in indicatorsGetInput) (*mcp.CallToolResult, indicatorsGetOutput, error) {
		if signals == nil {
			return nil, indicatorsGetOutput{}, errServiceUnavailable
		}
		id, err := normalizeCoinID(in.CoinID, signals.Coins())
		if err != nil {
			return nil, indicatorsGetOutput{}, err
		}
		view, err := signals.Indicators(ctx, id)
		if err != nil {
			return nil, indicatorsGetOutput{}, err
		}
		return nil, indicatorsGetOutput{View: view}, nil
	})
}
