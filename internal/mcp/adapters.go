package mcp

import (
	"context"

	"coinpulse/internal/domain"
	"coinpulse/internal/service"
)

// SignalReader exposes the read side of the signal service.
type SignalReader interface {
	Coins() []string
	ListCoins(ctx context.Context) ([]domain.CoinSnapshot, bool, error)
	ListSignals(ctx context.Context) []domain.Signal
	GetSignal(ctx context.Context, id string) (domain.Signal, bool)
	Indicators(ctx context.Context, id string) (service.IndicatorView, error)
}

// SignalRefresher regenerates a coin's signal on demand.
type SignalRefresher interface {
	RefreshCoin(ctx context.Context, id string) (domain.Signal, error)
}

// SignalService is everything the MCP surface needs; *service.SignalService satisfies it.
type SignalService interface {
	SignalReader
	SignalRefresher
}
