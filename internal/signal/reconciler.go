package signal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"coinpulse/internal/domain"
	"coinpulse/internal/fetch"
	"coinpulse/internal/indicator"
	"coinpulse/internal/inference"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultAlertThreshold = 80.0

	stopLossPct   = 0.01
	takeProfitPct = 0.02
)

// AlertHook is called for every applied signal above the alert threshold.
type AlertHook func(ctx context.Context, sig domain.Signal)

// Metrics receives reconciler outcomes.
type Metrics interface {
	RecordSignal(source domain.SignalSource, decision domain.Decision)
	RecordInference(outcome string)
}

type Config struct {
	Computer     indicator.Computer
	Inferer      inference.Inferer
	Connectivity fetch.Connectivity
	Store        *Store
	// AlertThreshold is exclusive; zero means DefaultAlertThreshold.
	AlertThreshold float64
	Tracer         trace.Tracer
	Metrics        Metrics
	Now            func() time.Time
}

// Result is what GenerateAsync delivers.
type Result struct {
	Signal domain.Signal
	Err    error
}

// Reconciler turns a snapshot and price history into one Signal per coin.
// Generation for the same coin is serialized.
type Reconciler struct {
	computer       indicator.Computer
	inferer        inference.Inferer
	conn           fetch.Connectivity
	store          *Store
	alertThreshold float64
	tracer         trace.Tracer
	metrics        Metrics
	now            func() time.Time
	logger         zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	hooksMu sync.RWMutex
	hooks   []AlertHook
	pending sync.WaitGroup
}

func NewReconciler(cfg Config) *Reconciler {
	r := &Reconciler{
		computer:       cfg.Computer,
		inferer:        cfg.Inferer,
		conn:           cfg.Connectivity,
		store:          cfg.Store,
		alertThreshold: cfg.AlertThreshold,
		tracer:         cfg.Tracer,
		metrics:        cfg.Metrics,
		now:            cfg.Now,
		logger:         log.With().Str("component", "reconciler").Logger(),
		locks:          make(map[string]chan struct{}),
	}
	if r.computer == nil {
		r.computer = indicator.NewEngine()
	}
	if r.store == nil {
		r.store = NewStore()
	}
	if r.alertThreshold <= 0 {
		r.alertThreshold = DefaultAlertThreshold
	}
	if r.tracer == nil {
		r.tracer = trace.NewNoopTracerProvider().Tracer("signal")
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Reconciler) Store() *Store { return r.store }

// OnAlert registers a hook for high-confidence signals.
func (r *Reconciler) OnAlert(hook AlertHook) {
	if hook == nil {
		return
	}
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, hook)
	r.hooksMu.Unlock()
}

// GenerateAsync runs Generate in its own goroutine.
func (r *Reconciler) GenerateAsync(ctx context.Context, snap domain.CoinSnapshot, series domain.PriceSeries) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		sig, err := r.Generate(ctx, snap, series)
		out <- Result{Signal: sig, Err: err}
	}()
	return out
}

// Generate computes, reconciles and stores a signal. The only errors are
// indicator failures (including domain.ErrInsufficientData) and ctx ending
// before the indicators are known; the stored signal is then untouched.
// A result overtaken by a newer one for the same coin is dropped and the
// newer stored signal is returned.
func (r *Reconciler) Generate(ctx context.Context, snap domain.CoinSnapshot, series domain.PriceSeries) (domain.Signal, error) {
	ctx, span := r.tracer.Start(ctx, "signal-reconciler.generate",
		trace.WithAttributes(attribute.String("coin", snap.ID)))
	defer span.End()

	if snap.ID == "" {
		snap.ID = series.CoinID
	}
	seq := r.store.Reserve(snap.ID)

	unlock, err := r.lock(ctx, snap.ID)
	if err != nil {
		return domain.Signal{}, err
	}
	defer unlock()

	if cur, ok := r.store.Get(snap.ID); ok && cur.Sequence > seq {
		r.logger.Debug().Str("coin", snap.ID).Uint64("seq", seq).Msg("request overtaken before start")
		return cur, nil
	}

	sig, err := r.build(ctx, snap, series)
	if err != nil {
		span.RecordError(err)
		return domain.Signal{}, err
	}
	sig.Sequence = seq

	stored, applied := r.store.Apply(sig)
	if !applied {
		r.logger.Debug().Str("coin", snap.ID).Uint64("seq", seq).Uint64("current", stored.Sequence).Msg("discarding stale result")
		return stored, nil
	}
	if r.metrics != nil {
		r.metrics.RecordSignal(sig.Source, sig.Decision)
	}
	if sig.Confidence > r.alertThreshold {
		r.fireAlerts(context.WithoutCancel(ctx), sig)
	}
	return sig, nil
}

func (r *Reconciler) build(ctx context.Context, snap domain.CoinSnapshot, series domain.PriceSeries) (domain.Signal, error) {
	ind, err := r.computer.Compute(ctx, series)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("compute indicators for %s: %w", snap.ID, err)
	}
	if snap.Price <= 0 {
		if last, ok := series.Last(); ok {
			snap.Price = last.Price
		}
	}

	sig := domain.Signal{
		CoinID:      snap.ID,
		Symbol:      strings.ToUpper(snap.Symbol),
		EntryPrice:  snap.Price,
		Indicators:  &ind,
		GeneratedAt: r.now().UTC(),
	}

	remote, outcome := r.askRemote(ctx, snap, ind)
	if r.metrics != nil {
		r.metrics.RecordInference(outcome)
	}
	if remote != nil {
		applyRemote(&sig, *remote)
	} else {
		applyHeuristic(&sig, ScoreIndicators(ind, snap))
		r.logger.Debug().Str("coin", snap.ID).Str("reason", outcome).Msg("using heuristic signal")
	}
	if ctx.Err() != nil {
		sig.Discardable = true
	}

	sig.Confidence = domain.Clamp(sig.Confidence, 0, 100)
	sig.StopLoss, sig.TakeProfit = priceBand(sig.Decision, sig.EntryPrice)
	return sig, nil
}

// askRemote returns nil when there is no usable remote verdict. outcome
// names why.
func (r *Reconciler) askRemote(ctx context.Context, snap domain.CoinSnapshot, ind domain.Indicators) (*inference.Result, string) {
	if r.inferer == nil {
		return nil, "disabled"
	}
	if r.conn != nil && !r.conn.Online() {
		return nil, "offline"
	}
	if ctx.Err() != nil {
		return nil, "cancelled"
	}

	text, err := r.inferer.Infer(ctx, inference.NewRequest(snap, ind))
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			r.logger.Info().Str("coin", snap.ID).Msg("inference rate limited")
			return nil, "rate_limited"
		}
		if ctx.Err() != nil {
			return nil, "cancelled"
		}
		r.logger.Warn().Err(err).Str("coin", snap.ID).Msg("inference unavailable")
		return nil, "unavailable"
	}

	res, err := inference.ParseResult(text)
	if err != nil {
		r.logger.Warn().Err(err).Str("coin", snap.ID).Msg("inference response malformed")
		return nil, "malformed"
	}
	return &res, "ok"
}

func applyHeuristic(sig *domain.Signal, score Score) {
	sig.Source = domain.SourceHeuristic
	sig.PumpProbability, sig.DumpProbability = score.Probabilities()
	sig.Decision = domain.DecideFromProbabilities(sig.PumpProbability, sig.DumpProbability)
	sig.Confidence = score.Confidence()
	sig.Explanation = score.Explanation()
}

// applyRemote fills sig from a remote verdict. The final decision always
// comes from the probabilities; when they overrule the remote label the
// confidence drops to neutral.
func applyRemote(sig *domain.Signal, res inference.Result) {
	confidence := baseConfidence
	if res.Confidence != nil && !math.IsNaN(*res.Confidence) {
		confidence = domain.Clamp(*res.Confidence, 0, 100)
	}

	var pump, dump float64
	if res.PumpProbability != nil && res.DumpProbability != nil {
		pump = domain.Clamp(*res.PumpProbability, 0, 1)
		dump = domain.Clamp(*res.DumpProbability, 0, 1)
	} else {
		pump, dump = synthesizeProbabilities(res.Decision, confidence)
	}

	sig.Source = domain.SourceRemote
	sig.PumpProbability = pump
	sig.DumpProbability = dump
	sig.Decision = domain.DecideFromProbabilities(pump, dump)
	sig.Confidence = confidence
	sig.Explanation = res.Explanation
	if sig.Decision != res.Decision {
		sig.Confidence = baseConfidence
		note := fmt.Sprintf("remote said %s but probabilities %.2f/%.2f resolve to %s", res.Decision, pump, dump, sig.Decision)
		if sig.Explanation == "" {
			sig.Explanation = note
		} else {
			sig.Explanation += " (" + note + ")"
		}
	}
}

func synthesizeProbabilities(decision domain.Decision, confidence float64) (pump, dump float64) {
	switch decision {
	case domain.DecisionBuy:
		pump = math.Max(confidence/100, domain.DecisionThreshold)
		return pump, 1 - pump
	case domain.DecisionSell:
		dump = math.Max(confidence/100, domain.DecisionThreshold)
		return 1 - dump, dump
	default:
		return 0.5, 0.5
	}
}

// priceBand places the stop below and target above entry, mirrored for Sell.
func priceBand(decision domain.Decision, entry float64) (stopLoss, takeProfit float64) {
	if decision == domain.DecisionSell {
		return entry * (1 + stopLossPct), entry * (1 - takeProfitPct)
	}
	return entry * (1 - stopLossPct), entry * (1 + takeProfitPct)
}

// fireAlerts runs the hooks off the caller's goroutine so a slow channel
// never holds the coin lock.
func (r *Reconciler) fireAlerts(ctx context.Context, sig domain.Signal) {
	r.hooksMu.RLock()
	hooks := append([]AlertHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	if len(hooks) == 0 {
		return
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		for _, hook := range hooks {
			hook(ctx, sig)
		}
	}()
}

// WaitAlerts blocks until every dispatched alert hook has returned.
func (r *Reconciler) WaitAlerts() {
	r.pending.Wait()
}

func (r *Reconciler) lock(ctx context.Context, coinID string) (func(), error) {
	r.locksMu.Lock()
	ch, ok := r.locks[coinID]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[coinID] = ch
	}
	r.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
