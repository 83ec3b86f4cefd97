package inference

import (
	"context"
	"encoding/json"
	"fmt"

	"coinpulse/internal/domain"
)

// Inferer asks a remote model about one coin and returns its raw text.
type Inferer interface {
	Infer(ctx context.Context, req Request) (string, error)
}

// Request is the payload sent to the remote inference endpoint.
type Request struct {
	Coin       string            `json:"coin"`
	Symbol     string            `json:"symbol"`
	Price      float64           `json:"price"`
	Change1h   float64           `json:"change_1h"`
	Change24h  float64           `json:"change_24h"`
	Volume     float64           `json:"volume"`
	MarketCap  float64           `json:"market_cap"`
	Indicators domain.Indicators `json:"indicators"`
}

func NewRequest(snap domain.CoinSnapshot, ind domain.Indicators) Request {
	return Request{
		Coin:       snap.ID,
		Symbol:     snap.Symbol,
		Price:      snap.Price,
		Change1h:   snap.Change1hPct,
		Change24h:  snap.Change24hPct,
		Volume:     snap.Volume24h,
		MarketCap:  snap.MarketCap,
		Indicators: ind,
	}
}

const systemPrompt = `You are a short-horizon crypto market analyst. Reply with a single JSON object and nothing else, using the keys decision ("Buy", "Sell" or "Hold"), pump_probability (0-1), dump_probability (0-1), confidence (0-100), entry_price, stoploss, take_profit and explanation.`

// Prompt renders the request as the user message for chat models.
func Prompt(req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal inference request: %w", err)
	}
	return "Market data and indicators:\n" + string(payload), nil
}
