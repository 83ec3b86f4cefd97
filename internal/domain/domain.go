package domain

import (
	"math"
	"strings"
	"time"
)

// DefaultTrackedCoins are CoinGecko ids refreshed when TRACKED_COINS is unset.
var DefaultTrackedCoins = []string{
	"bitcoin", "ethereum", "solana", "ripple", "cardano",
	"dogecoin", "polkadot", "avalanche-2", "chainlink",
}

type Decision string

const (
	DecisionBuy  Decision = "Buy"
	DecisionSell Decision = "Sell"
	DecisionHold Decision = "Hold"
)

// ParseDecision normalizes free-form decision text. Anything unrecognized is Hold.
func ParseDecision(raw string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long":
		return DecisionBuy, true
	case "sell", "short":
		return DecisionSell, true
	case "hold", "neutral", "wait":
		return DecisionHold, true
	}
	return DecisionHold, false
}

type SignalSource string

const (
	SourceRemote    SignalSource = "remote"
	SourceHeuristic SignalSource = "heuristic"
)

// DecisionThreshold is the probability a side needs before it can win.
const DecisionThreshold = 5.0 / 9.0

// DecideFromProbabilities is the single decision policy every Signal obeys.
func DecideFromProbabilities(pump, dump float64) Decision {
	switch {
	case pump >= DecisionThreshold && pump > dump:
		return DecisionBuy
	case dump >= DecisionThreshold && dump > pump:
		return DecisionSell
	default:
		return DecisionHold
	}
}

type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// PriceSeries is chronological. Volumes is optional and parallel to Points.
type PriceSeries struct {
	CoinID  string       `json:"coin_id"`
	Points  []PricePoint `json:"points"`
	Volumes []float64    `json:"volumes,omitempty"`
}

func (s PriceSeries) Len() int { return len(s.Points) }

func (s PriceSeries) Prices() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Price
	}
	return out
}

func (s PriceSeries) Last() (PricePoint, bool) {
	if len(s.Points) == 0 {
		return PricePoint{}, false
	}
	return s.Points[len(s.Points)-1], true
}

// VolumesOrUniform returns per-sample volumes, spreading total evenly when
// true volumes are missing or misaligned.
func (s PriceSeries) VolumesOrUniform(total float64) []float64 {
	if len(s.Volumes) == len(s.Points) && len(s.Volumes) > 0 {
		return append([]float64(nil), s.Volumes...)
	}
	out := make([]float64, len(s.Points))
	if len(out) == 0 {
		return out
	}
	each := total / float64(len(out))
	for i := range out {
		out[i] = each
	}
	return out
}

type CoinSnapshot struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Name         string    `json:"name"`
	Price        float64   `json:"price"`
	Change1hPct  float64   `json:"change_1h"`
	Change24hPct float64   `json:"change_24h"`
	Volume24h    float64   `json:"volume"`
	MarketCap    float64   `json:"market_cap"`
	LastUpdated  time.Time `json:"last_updated"`
}

type MACD struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

type Bands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

type Indicators struct {
	RSI          float64 `json:"rsi"`
	MACD         MACD    `json:"macd"`
	Bollinger    Bands   `json:"bollinger_bands"`
	SMA14        float64 `json:"sma_14"`
	EMA14        float64 `json:"ema_14"`
	VolumeZScore float64 `json:"volume_zscore"`
}

type Signal struct {
	CoinID          string       `json:"coin_id"`
	Symbol          string       `json:"symbol"`
	Decision        Decision     `json:"decision"`
	Confidence      float64      `json:"confidence"`
	PumpProbability float64      `json:"pump_probability"`
	DumpProbability float64      `json:"dump_probability"`
	EntryPrice      float64      `json:"entry_price"`
	StopLoss        float64      `json:"stoploss"`
	TakeProfit      float64      `json:"take_profit"`
	Explanation     string       `json:"explanation"`
	Source          SignalSource `json:"source"`
	Indicators      *Indicators  `json:"indicators,omitempty"`
	GeneratedAt     time.Time    `json:"generated_at"`
	Sequence        uint64       `json:"sequence"`
	Discardable     bool         `json:"discardable,omitempty"`
}

type SentimentIndex struct {
	Value          int       `json:"value"`
	Classification string    `json:"classification"`
	Timestamp      time.Time `json:"timestamp"`
}

// Clamp bounds v to [lo, hi]; NaN collapses to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
