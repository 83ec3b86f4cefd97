package signal

import (
	"fmt"
	"math"
	"strings"

	"coinpulse/internal/domain"
)

const (
	rsiOversold         = 30.0
	rsiOverbought       = 70.0
	hourlyMoveThreshold = 0.5
	volumeToCapRatio    = 0.05

	decisionScore  = 5
	maxScore       = 9
	baseConfidence = 50.0
	confidenceStep = 8.0
	maxConfidence  = 90.0
)

// Score is the outcome of the local rule table.
type Score struct {
	Buy     int
	Sell    int
	Reasons []string
}

// ScoreIndicators applies the rule table to the indicators and snapshot.
func ScoreIndicators(ind domain.Indicators, snap domain.CoinSnapshot) Score {
	var s Score
	add := func(buy, sell int, reason string) {
		s.Buy += buy
		s.Sell += sell
		s.Reasons = append(s.Reasons, reason)
	}

	switch {
	case ind.RSI < rsiOversold:
		add(3, 0, fmt.Sprintf("RSI %.1f oversold", ind.RSI))
	case ind.RSI > rsiOverbought:
		add(0, 3, fmt.Sprintf("RSI %.1f overbought", ind.RSI))
	}

	if ind.MACD.Histogram > 0 {
		add(2, 0, fmt.Sprintf("MACD histogram %.4f positive", ind.MACD.Histogram))
	} else {
		add(0, 2, fmt.Sprintf("MACD histogram %.4f not positive", ind.MACD.Histogram))
	}

	switch {
	case snap.Price < ind.Bollinger.Lower:
		add(2, 0, "price below lower band")
	case snap.Price > ind.Bollinger.Upper:
		add(0, 2, "price above upper band")
	}

	switch {
	case snap.Change1hPct > hourlyMoveThreshold:
		add(1, 0, fmt.Sprintf("1h change %+.2f%%", snap.Change1hPct))
	case snap.Change1hPct < -hourlyMoveThreshold:
		add(0, 1, fmt.Sprintf("1h change %+.2f%%", snap.Change1hPct))
	}

	if snap.MarketCap > 0 && snap.Volume24h > volumeToCapRatio*snap.MarketCap {
		add(1, 1, "volume above 5% of market cap")
	}
	return s
}

// Decision applies the score threshold. It agrees with
// domain.DecideFromProbabilities on Probabilities().
func (s Score) Decision() domain.Decision {
	switch {
	case s.Buy >= decisionScore && s.Buy > s.Sell:
		return domain.DecisionBuy
	case s.Sell >= decisionScore && s.Sell > s.Buy:
		return domain.DecisionSell
	default:
		return domain.DecisionHold
	}
}

func (s Score) Confidence() float64 {
	switch s.Decision() {
	case domain.DecisionBuy:
		return math.Min(maxConfidence, baseConfidence+confidenceStep*float64(s.Buy))
	case domain.DecisionSell:
		return math.Min(maxConfidence, baseConfidence+confidenceStep*float64(s.Sell))
	default:
		return baseConfidence
	}
}

// Probabilities maps scores onto [0,1] so that score 5 lands on the
// decision threshold.
func (s Score) Probabilities() (pump, dump float64) {
	return float64(s.Buy) / maxScore, float64(s.Sell) / maxScore
}

func (s Score) Explanation() string {
	head := fmt.Sprintf("heuristic buy %d / sell %d", s.Buy, s.Sell)
	if len(s.Reasons) == 0 {
		return head
	}
	return head + ": " + strings.Join(s.Reasons, "; ")
}
