package signal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coinpulse/internal/domain"
	"coinpulse/internal/inference"
)

type stubComputer struct {
	ind domain.Indicators
	err error
}

func (s stubComputer) Compute(ctx context.Context, _ domain.PriceSeries) (domain.Indicators, error) {
	if err := ctx.Err(); err != nil {
		return domain.Indicators{}, err
	}
	return s.ind, s.err
}

type stubInferer struct {
	text  string
	err   error
	calls atomic.Int32
	hook  func(ctx context.Context) error
}

func (s *stubInferer) Infer(ctx context.Context, _ inference.Request) (string, error) {
	s.calls.Add(1)
	if s.hook != nil {
		if err := s.hook(ctx); err != nil {
			return "", err
		}
	}
	return s.text, s.err
}

type staticConn bool

func (c staticConn) Online() bool { return bool(c) }

var fixedNow = func() time.Time { return time.Unix(1700000000, 0) }

func snapshot(price, change1h, volume, marketCap float64) domain.CoinSnapshot {
	return domain.CoinSnapshot{
		ID:          "bitcoin",
		Symbol:      "btc",
		Price:       price,
		Change1hPct: change1h,
		Volume24h:   volume,
		MarketCap:   marketCap,
	}
}

func series(n int) domain.PriceSeries {
	points := make([]domain.PricePoint, n)
	for i := range points {
		points[i] = domain.PricePoint{Timestamp: time.Unix(int64(i)*3600, 0), Price: 100}
	}
	return domain.PriceSeries{CoinID: "bitcoin", Points: points}
}

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestGenerateHeuristicStrongBuy(t *testing.T) {
	ind := domain.Indicators{
		RSI:       25,
		MACD:      domain.MACD{Histogram: 1.5},
		Bollinger: domain.Bands{Upper: 110, Middle: 105, Lower: 100},
	}
	r := NewReconciler(Config{Computer: stubComputer{ind: ind}, Now: fixedNow})

	sig, err := r.Generate(context.Background(), snapshot(95, 1, 10, 100), series(40))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	score := ScoreIndicators(ind, snapshot(95, 1, 10, 100))
	if score.Buy != 9 || score.Sell != 1 {
		t.Fatalf("expected buy 9 sell 1, got %d/%d", score.Buy, score.Sell)
	}
	if sig.Decision != domain.DecisionBuy || sig.Confidence != 90 {
		t.Fatalf("expected Buy at 90, got %s at %.1f", sig.Decision, sig.Confidence)
	}
	if sig.Source != domain.SourceHeuristic || sig.PumpProbability != 1 || !almost(sig.DumpProbability, 1.0/9) {
		t.Fatalf("unexpected heuristic fields %+v", sig)
	}
	if !almost(sig.StopLoss, 95*0.99) || !almost(sig.TakeProfit, 95*1.02) || sig.EntryPrice != 95 {
		t.Fatalf("unexpected price band entry=%.2f sl=%.2f tp=%.2f", sig.EntryPrice, sig.StopLoss, sig.TakeProfit)
	}
	if sig.Symbol != "BTC" || !sig.GeneratedAt.Equal(fixedNow().UTC()) || sig.Sequence != 1 {
		t.Fatalf("unexpected metadata %+v", sig)
	}
}

func TestGenerateContradictingIndicatorsHold(t *testing.T) {
	ind := domain.Indicators{
		RSI:       20,
		MACD:      domain.MACD{Histogram: -0.5},
		Bollinger: domain.Bands{Upper: 105, Middle: 100, Lower: 95},
	}
	r := NewReconciler(Config{Computer: stubComputer{ind: ind}})

	snap := snapshot(100, 0, 1, 1000)
	score := ScoreIndicators(ind, snap)
	if score.Buy != 3 || score.Sell != 2 {
		t.Fatalf("expected buy 3 sell 2, got %d/%d", score.Buy, score.Sell)
	}

	sig, err := r.Generate(context.Background(), snap, series(40))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig.Decision != domain.DecisionHold || sig.Confidence != 50 {
		t.Fatalf("expected Hold at 50, got %s at %.1f", sig.Decision, sig.Confidence)
	}
	if !almost(sig.StopLoss, 99) || !almost(sig.TakeProfit, 102) {
		t.Fatalf("unexpected hold band sl=%.4f tp=%.4f", sig.StopLoss, sig.TakeProfit)
	}
}

func TestGenerateHeuristicSellBandIsMirrored(t *testing.T) {
	ind := domain.Indicators{
		RSI:       80,
		MACD:      domain.MACD{Histogram: -1},
		Bollinger: domain.Bands{Upper: 100, Middle: 95, Lower: 90},
	}
	r := NewReconciler(Config{Computer: stubComputer{ind: ind}})

	sig, err := r.Generate(context.Background(), snapshot(200, 0, 0, 0), series(40))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig.Decision != domain.DecisionSell || sig.Confidence != 90 {
		t.Fatalf("expected Sell at 90, got %s at %.1f", sig.Decision, sig.Confidence)
	}
	if !almost(sig.StopLoss, 202) || !almost(sig.TakeProfit, 196) {
		t.Fatalf("expected stop above and target below entry, got sl=%.2f tp=%.2f", sig.StopLoss, sig.TakeProfit)
	}
}

func TestGenerateUsesRemoteVerdict(t *testing.T) {
	inferer := &stubInferer{text: `some prefix text {"decision":"Buy","confidence":77} trailing`}
	r := NewReconciler(Config{Computer: stubComputer{ind: domain.Indicators{RSI: 50}}, Inferer: inferer})

	sig, err := r.Generate(context.Background(), snapshot(100, 0, 0, 0), series(40))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig.Source != domain.SourceRemote || sig.Decision != domain.DecisionBuy || sig.Confidence != 77 {
		t.Fatalf("expected remote Buy at 77, got %+v", sig)
	}
	if !almost(sig.PumpProbability, 0.77) || !almost(sig.DumpProbability, 0.23) {
		t.Fatalf("expected synthesized probabilities, got %.2f/%.2f", sig.PumpProbability, sig.DumpProbability)
	}
	if domain.DecideFromProbabilities(sig.PumpProbability, sig.DumpProbability) != sig.Decision {
		t.Fatal("decision must follow probabilities")
	}
}

func TestGenerateRemoteProbabilitiesOverruleLabel(t *testing.T) {
	inferer := &stubInferer{text: `{"decision":"Buy","pump_probability":0.3,"dump_probability":0.2,"confidence":140,"explanation":"x"}`}
	r := NewReconciler(Config{Computer: stubComputer{}, Inferer: inferer})

	sig, err := r.Generate(context.Background(), snapshot(100, 0, 0, 0), series(40))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig.PumpProbability != 0.3 || sig.DumpProbability != 0.2 {
		t.Fatalf("expected remote probabilities, got %.3f/%.3f", sig.PumpProbability, sig.DumpProbability)
	}
	if sig.Decision != domain.DecideFromProbabilities(sig.PumpProbability, sig.DumpProbability) {
		t.Fatalf("decision %s does not follow probabilities %.2f/%.2f", sig.Decision, sig.PumpProbability, sig.DumpProbability)
	}
	if sig.Decision == domain.DecisionBuy {
		t.Fatal("expected probabilities to overrule the Buy label")
	}
	if sig.Confidence != 50 {
		t.Fatalf("expected neutral confidence after overrule, got %.1f", sig.Confidence)
	}
}

func TestGenerateFallsBackOnBadRemote(t *testing.T) {
	cases := map[string]*stubInferer{
		"no braces":    {text: "I think it will go up"},
		"no decision":  {text: `{"confidence":99}`},
		"rate limited": {err: fmt.Errorf("call: %w", domain.ErrRateLimited)},
		"network":      {err: domain.ErrNetwork},
	}
	for name, inferer := range cases {
		r := NewReconciler(Config{Computer: stubComputer{}, Inferer: inferer})
		sig, err := r.Generate(context.Background(), snapshot(100, 0, 0, 0), series(40))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if sig.Source != domain.SourceHeuristic {
			t.Fatalf("%s: expected heuristic fallback, got %s", name, sig.Source)
		}
		if inferer.calls.Load() != 1 {
			t.Fatalf("%s: expected one remote call, got %d", name, inferer.calls.Load())
		}
	}
}

func TestGenerateOfflineSkipsRemote(t *testing.T) {
	inferer := &stubInferer{text: `{"decision":"Sell"}`}
	r := NewReconciler(Config{Computer: stubComputer{}, Inferer: inferer, Connectivity: staticConn(false)})

	sig, err := r.Generate(context.Background(), snapshot(100, 0, 0, 0), series(40))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inferer.calls.Load() != 0 || sig.Source != domain.SourceHeuristic {
		t.Fatalf("expected no remote call while offline, calls=%d source=%s", inferer.calls.Load(), sig.Source)
	}
}

func TestGenerateInsufficientDataKeepsStoredSignal(t *testing.T) {
	store := NewStore()
	store.Apply(domain.Signal{CoinID: "bitcoin", Decision: domain.DecisionSell, Sequence: 1})
	r := NewReconciler(Config{
		Computer: stubComputer{err: fmt.Errorf("%w: have 3", domain.ErrInsufficientData)},
		Store:    store,
	})

	if _, err := r.Generate(context.Background(), snapshot(100, 0, 0, 0), series(3)); !errors.Is(err, domain.ErrInsufficientData) {
		t.Fatalf("expected insufficient data, got %v", err)
	}
	cur, ok := store.Get("bitcoin")
	if !ok || cur.Decision != domain.DecisionSell || cur.Sequence != 1 {
		t.Fatalf("expected stored signal untouched, got %+v", cur)
	}
}

func TestGenerateFiresAlertsAboveThreshold(t *testing.T) {
	strong := domain.Indicators{RSI: 25, MACD: domain.MACD{Histogram: 1}, Bollinger: domain.Bands{Upper: 200, Lower: 150}}
	weak := domain.Indicators{RSI: 50, MACD: domain.MACD{Histogram: 1}, Bollinger: domain.Bands{Upper: 200, Lower: 50}}

	var mu sync.Mutex
	var alerts []domain.Signal
	hook := func(_ context.Context, sig domain.Signal) {
		mu.Lock()
		alerts = append(alerts, sig)
		mu.Unlock()
	}

	r := NewReconciler(Config{Computer: stubComputer{ind: strong}})
	r.OnAlert(hook)
	sig, _ := r.Generate(context.Background(), snapshot(100, 0, 0, 0), series(40))
	r.WaitAlerts()
	if sig.Confidence != 90 || len(alerts) != 1 {
		t.Fatalf("expected one alert for confidence %.1f, got %d", sig.Confidence, len(alerts))
	}

	r = NewReconciler(Config{Computer: stubComputer{ind: weak}})
	r.OnAlert(hook)
	if _, err := r.Generate(context.Background(), snapshot(100, 0, 0, 0), series(40)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.WaitAlerts()
	if len(alerts) != 1 {
		t.Fatalf("expected no alert below threshold, got %d", len(alerts))
	}
}

func TestGenerateDoesNotWaitForSlowAlertHook(t *testing.T) {
	strong := domain.Indicators{RSI: 25, MACD: domain.MACD{Histogram: 1}, Bollinger: domain.Bands{Upper: 200, Lower: 150}}
	release := make(chan struct{})
	delivered := make(chan error, 2)

	r := NewReconciler(Config{Computer: stubComputer{ind: strong}})
	r.OnAlert(func(ctx context.Context, _ domain.Signal) {
		<-release
		delivered <- ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Generate(ctx, snapshot(100, 0, 0, 0), series(40))
		_, _ = r.Generate(ctx, snapshot(100, 0, 0, 0), series(40))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generate blocked on a pending alert hook")
	}

	cancel()
	close(release)
	r.WaitAlerts()
	for i := 0; i < 2; i++ {
		if err := <-delivered; err != nil {
			t.Fatalf("expected hook context to outlive the request, got %v", err)
		}
	}
}

func TestGenerateDiscardsOvertakenResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	inferer := &stubInferer{
		text: `{"decision":"Buy","confidence":70}`,
		hook: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	store := NewStore()
	r := NewReconciler(Config{Computer: stubComputer{}, Inferer: inferer, Store: store})

	result := r.GenerateAsync(context.Background(), snapshot(100, 0, 0, 0), series(40))
	<-started
	newer := domain.Signal{CoinID: "bitcoin", Decision: domain.DecisionSell, Sequence: 99}
	store.Apply(newer)
	close(release)

	res := <-result
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Signal.Sequence != 99 || res.Signal.Decision != domain.DecisionSell {
		t.Fatalf("expected newer stored signal to win, got %+v", res.Signal)
	}
	if cur, _ := store.Get("bitcoin"); cur.Sequence != 99 {
		t.Fatalf("expected store to keep sequence 99, got %d", cur.Sequence)
	}
}

func TestGenerateCancelledDuringRemoteIsDiscardable(t *testing.T) {
	started := make(chan struct{})
	inferer := &stubInferer{
		hook: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	r := NewReconciler(Config{Computer: stubComputer{}, Inferer: inferer})

	ctx, cancel := context.WithCancel(context.Background())
	result := r.GenerateAsync(ctx, snapshot(100, 0, 0, 0), series(40))
	<-started
	cancel()

	res := <-result
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !res.Signal.Discardable || res.Signal.Source != domain.SourceHeuristic {
		t.Fatalf("expected discardable heuristic signal, got %+v", res.Signal)
	}
	if cur, ok := r.Store().Get("bitcoin"); !ok || !cur.Discardable {
		t.Fatal("expected discardable result to still be applied")
	}
}

func TestGenerateSerializesPerCoin(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	inferer := &stubInferer{
		text: `{"decision":"Hold"}`,
		hook: func(context.Context) error {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
	}
	r := NewReconciler(Config{Computer: stubComputer{}, Inferer: inferer})

	var results []<-chan Result
	for i := 0; i < 8; i++ {
		results = append(results, r.GenerateAsync(context.Background(), snapshot(100, 0, 0, 0), series(40)))
	}
	var maxSeq uint64
	for _, ch := range results {
		res := <-ch
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.Signal.Sequence > maxSeq {
			maxSeq = res.Signal.Sequence
		}
	}
	if maxInFlight.Load() != 1 {
		t.Fatalf("expected one in-flight generation per coin, saw %d", maxInFlight.Load())
	}
	if cur, _ := r.Store().Get("bitcoin"); cur.Sequence != maxSeq || maxSeq != 8 {
		t.Fatalf("expected latest sequence 8 to be stored, got stored=%d max=%d", cur.Sequence, maxSeq)
	}
}

func TestScoreDecisionMatchesProbabilityPolicy(t *testing.T) {
	for _, rsi := range []float64{10, 50, 90} {
		for _, hist := range []float64{-1, 1} {
			for _, price := range []float64{80, 100, 120} {
				for _, change := range []float64{-1, 0, 1} {
					for _, volume := range []float64{0, 50} {
						ind := domain.Indicators{RSI: rsi, MACD: domain.MACD{Histogram: hist}, Bollinger: domain.Bands{Upper: 110, Lower: 90}}
						score := ScoreIndicators(ind, snapshot(price, change, volume, 100))
						pump, dump := score.Probabilities()
						if got := domain.DecideFromProbabilities(pump, dump); got != score.Decision() {
							t.Fatalf("score %d/%d: policy %s vs table %s", score.Buy, score.Sell, got, score.Decision())
						}
					}
				}
			}
		}
	}
}
