package mcp

import (
	"fmt"
	"strings"

	"coinpulse/internal/domain"
	"coinpulse/internal/service"
)

const (
	defaultSignalLimit = 50
	maxSignalLimit     = 200
)

type coinsListInput struct{}

type coinsListOutput struct {
	Coins []domain.CoinSnapshot `json:"coins"`
	Stale bool                  `json:"stale"`
}

type signalsListInput struct {
	CoinID   string `json:"coin_id,omitempty" jsonschema:"optional CoinGecko id (e.g. bitcoin)"`
	Decision string `json:"decision,omitempty" jsonschema:"optional decision filter: buy, sell, hold"`
	Limit    int    `json:"limit,omitempty" jsonschema:"number of signals to return, max 200"`
}

type signalsListOutput struct {
	Signals []domain.Signal `json:"signals"`
}

type signalGetInput struct {
	CoinID string `json:"coin_id" jsonschema:"CoinGecko id (e.g. bitcoin)"`
}

type signalGetOutput struct {
	Found  bool           `json:"found"`
	Signal *domain.Signal `json:"signal,omitempty"`
}

type signalRefreshInput struct {
	CoinID string `json:"coin_id" jsonschema:"CoinGecko id (e.g. bitcoin)"`
}

type signalRefreshOutput struct {
	Signal domain.Signal `json:"signal"`
}

type indicatorsGetInput struct {
	CoinID string `json:"coin_id" jsonschema:"CoinGecko id (e.g. bitcoin)"`
}

type indicatorsGetOutput struct {
	View service.IndicatorView `json:"view"`
}

type signalFilter struct {
	coinID   string
	decision domain.Decision
	limit    int
}

func normalizeCoinID(id string, tracked []string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return "", fmt.Errorf("coin_id is required")
	}
	for _, coin := range tracked {
		if coin == id {
			return id, nil
		}
	}
	return "", fmt.Errorf("coin is not tracked: %s", id)
}

func normalizeSignalLimit(limit int) int {
	if limit <= 0 {
		return defaultSignalLimit
	}
	if limit > maxSignalLimit {
		return maxSignalLimit
	}
	return limit
}

func normalizeSignalFilter(in signalsListInput, tracked []string) (signalFilter, error) {
	filter := signalFilter{limit: normalizeSignalLimit(in.Limit)}

	if strings.TrimSpace(in.CoinID) != "" {
		id, err := normalizeCoinID(in.CoinID, tracked)
		if err != nil {
			return signalFilter{}, err
		}
		filter.coinID = id
	}

	if strings.TrimSpace(in.Decision) != "" {
		decision, ok := domain.ParseDecision(in.Decision)
		if !ok {
			return signalFilter{}, fmt.Errorf("unsupported decision: %s", in.Decision)
		}
		filter.decision = decision
	}
	return filter, nil
}

func (f signalFilter) apply(list []domain.Signal) []domain.Signal {
	out := make([]domain.Signal, 0, len(list))
	for _, sig := range list {
		if f.coinID != "" && sig.CoinID != f.coinID {
			continue
		}
		if f.decision != "" && sig.Decision != f.decision {
			continue
		}
		out = append(out, sig)
		if len(out) == f.limit {
			break
		}
	}
	return out
}
