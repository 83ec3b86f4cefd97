package indicator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"coinpulse/internal/domain"
)

const (
	MinSamples = 30

	rsiPeriod        = 14
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
	bollingerPeriod  = 20
	bollingerStdDevs = 2.0
	maPeriod         = 14
	volumeWindow     = 20
)

// Computer turns a price series into indicators.
type Computer interface {
	Compute(ctx context.Context, series domain.PriceSeries) (domain.Indicators, error)
}

// Engine computes indicators inline. It holds no state between calls.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Compute(ctx context.Context, series domain.PriceSeries) (domain.Indicators, error) {
	if err := ctx.Err(); err != nil {
		return domain.Indicators{}, err
	}
	return Calculate(series.Prices(), series.Volumes)
}

// Calculate is the pure form of Compute. volumes may be nil.
func Calculate(prices, volumes []float64) (domain.Indicators, error) {
	if len(prices) < MinSamples {
		return domain.Indicators{}, fmt.Errorf("%w: have %d samples, need %d", domain.ErrInsufficientData, len(prices), MinSamples)
	}
	for i, p := range prices {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return domain.Indicators{}, fmt.Errorf("non-finite price at index %d", i)
		}
	}

	rsi := rsiSeries(prices, rsiPeriod)
	macdLine, signalLine := macdSeries(prices, macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
	last := len(prices) - 1

	middle, std := meanStd(prices[len(prices)-bollingerPeriod:])
	sma, _ := meanStd(prices[len(prices)-maPeriod:])
	ema := emaSeries(prices, maPeriod)

	out := domain.Indicators{
		RSI: domain.Clamp(rsi[last], 0, 100),
		MACD: domain.MACD{
			Line:      macdLine[last],
			Signal:    signalLine[last],
			Histogram: macdLine[last] - signalLine[last],
		},
		Bollinger: domain.Bands{
			Upper:  middle + bollingerStdDevs*std,
			Middle: middle,
			Lower:  middle - bollingerStdDevs*std,
		},
		SMA14: sma,
		EMA14: ema[last],
	}
	if len(volumes) == len(prices) {
		out.VolumeZScore = volumeZScore(volumes)
	}
	return out, nil
}

// Neutral is the substitute used when there is too little data: RSI 50, flat
// MACD and bands collapsed onto the first price.
func Neutral(prices []float64) domain.Indicators {
	var first float64
	if len(prices) > 0 {
		first = prices[0]
	}
	return domain.Indicators{
		RSI:       50,
		Bollinger: domain.Bands{Upper: first, Middle: first, Lower: first},
		SMA14:     first,
		EMA14:     first,
	}
}

// ComputeOrNeutral substitutes neutral values when the series is too short.
// The bool reports whether the substitute was used. Any other failure is
// returned as is.
func ComputeOrNeutral(ctx context.Context, c Computer, series domain.PriceSeries) (domain.Indicators, bool, error) {
	ind, err := c.Compute(ctx, series)
	if errors.Is(err, domain.ErrInsufficientData) {
		return Neutral(series.Prices()), true, nil
	}
	if err != nil {
		return domain.Indicators{}, false, err
	}
	return ind, false, nil
}

func rsiSeries(closes []float64, period int) []float64 {
	if len(closes) <= period {
		return nil
	}
	series := make([]float64, len(closes))
	for i := range series {
		series[i] = math.NaN()
	}

	var gainSum float64
	var lossSum float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	series[period] = rsiFromAvg(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain := math.Max(delta, 0)
		loss := math.Max(-delta, 0)
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		series[i] = rsiFromAvg(avgGain, avgLoss)
	}

	return series
}

func rsiFromAvg(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func macdSeries(values []float64, fast, slow, signal int) ([]float64, []float64) {
	fastEMA := emaSeries(values, fast)
	slowEMA := emaSeries(values, slow)
	macdLine := make([]float64, len(values))
	for i := range values {
		macdLine[i] = fastEMA[i] - slowEMA[i]
	}
	signalLine := emaSeries(macdLine, signal)
	return macdLine, signalLine
}

func emaSeries(values []float64, period int) []float64 {
	if len(values) == 0 {
		return nil
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	if len(values) == 1 {
		return mean, 0
	}
	for _, v := range values {
		d := v - mean
		std += d * d
	}
	std = math.Sqrt(std / float64(len(values)))
	return mean, std
}

// volumeZScore scores the latest volume against the preceding window.
func volumeZScore(volumes []float64) float64 {
	if len(volumes) < volumeWindow+1 {
		return 0
	}
	window := volumes[len(volumes)-1-volumeWindow : len(volumes)-1]
	mean, std := meanStd(window)
	if std == 0 {
		return 0
	}
	return (volumes[len(volumes)-1] - mean) / std
}
