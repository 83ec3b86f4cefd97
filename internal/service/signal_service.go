package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"coinpulse/internal/domain"
	"coinpulse/internal/indicator"
	"coinpulse/internal/provider"
	"coinpulse/internal/signal"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const defaultRefreshConcurrency = 4

// ErrUnknownCoin is returned for coin ids outside the tracked set.
var ErrUnknownCoin = errors.New("coin is not tracked")

type MarketProvider interface {
	ListMarkets(ctx context.Context, ids []string) ([]domain.CoinSnapshot, provider.Meta, error)
	PriceHistory(ctx context.Context, id string, days int) (domain.PriceSeries, provider.Meta, error)
}

type SentimentProvider interface {
	FearGreed(ctx context.Context) (domain.SentimentIndex, provider.Meta, error)
}

type SignalRepository interface {
	UpsertSignal(ctx context.Context, sig domain.Signal) error
	ListLatest(ctx context.Context) ([]domain.Signal, error)
}

type Config struct {
	Tracer     trace.Tracer
	Markets    MarketProvider
	Sentiment  SentimentProvider
	Reconciler *signal.Reconciler
	Computer   indicator.Computer
	// Repo is optional; without it signals live only in memory.
	Repo        SignalRepository
	Coins       []string
	HistoryDays int
	Concurrency int
}

// RefreshOutcome is the per-coin result of RefreshAll.
type RefreshOutcome struct {
	CoinID string
	Signal *domain.Signal
	Err    error
}

// IndicatorView is what the dashboard renders for one coin.
type IndicatorView struct {
	CoinID     string            `json:"coin_id"`
	Indicators domain.Indicators `json:"indicators"`
	Neutral    bool              `json:"neutral"`
	Stale      bool              `json:"stale"`
}

// SignalService orchestrates market data, the reconciler and persistence.
type SignalService struct {
	tracer      trace.Tracer
	markets     MarketProvider
	sentiment   SentimentProvider
	reconciler  *signal.Reconciler
	computer    indicator.Computer
	repo        SignalRepository
	coins       []string
	tracked     map[string]struct{}
	historyDays int
	concurrency int
	logger      zerolog.Logger

	mu        sync.RWMutex
	snapshots map[string]domain.CoinSnapshot
}

func NewSignalService(cfg Config) *SignalService {
	coins := cfg.Coins
	if len(coins) == 0 {
		coins = domain.DefaultTrackedCoins
	}
	s := &SignalService{
		tracer:      cfg.Tracer,
		markets:     cfg.Markets,
		sentiment:   cfg.Sentiment,
		reconciler:  cfg.Reconciler,
		computer:    cfg.Computer,
		repo:        cfg.Repo,
		tracked:     make(map[string]struct{}, len(coins)),
		historyDays: cfg.HistoryDays,
		concurrency: cfg.Concurrency,
		logger:      log.With().Str("component", "signal-service").Logger(),
		snapshots:   make(map[string]domain.CoinSnapshot),
	}
	for _, id := range coins {
		id = normalizeID(id)
		if _, dup := s.tracked[id]; id == "" || dup {
			continue
		}
		s.tracked[id] = struct{}{}
		s.coins = append(s.coins, id)
	}
	if s.tracer == nil {
		s.tracer = trace.NewNoopTracerProvider().Tracer("service")
	}
	if s.reconciler == nil {
		s.reconciler = signal.NewReconciler(signal.Config{Tracer: s.tracer})
	}
	if s.computer == nil {
		s.computer = indicator.NewEngine()
	}
	if s.historyDays <= 0 {
		s.historyDays = provider.DefaultHistoryDays
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultRefreshConcurrency
	}
	return s
}

// Coins returns the tracked coin ids in configured order.
func (s *SignalService) Coins() []string {
	return append([]string(nil), s.coins...)
}

func (s *SignalService) Tracks(id string) bool {
	_, ok := s.tracked[normalizeID(id)]
	return ok
}

// RefreshCoin fetches fresh data for one coin and generates its signal.
// Network and offline failures on the history path mean no update this
// cycle: the error is returned and the stored signal stays as it was.
func (s *SignalService) RefreshCoin(ctx context.Context, id string) (domain.Signal, error) {
	ctx, span := s.tracer.Start(ctx, "signal-service.refresh-coin",
		trace.WithAttributes(attribute.String("coin", id)))
	defer span.End()

	id = normalizeID(id)
	if !s.Tracks(id) {
		return domain.Signal{}, fmt.Errorf("%w: %s", ErrUnknownCoin, id)
	}

	snap, ok := s.snapshot(id)
	if fresh, err := s.loadSnapshots(ctx, []string{id}); err != nil {
		s.logger.Warn().Err(err).Str("coin", id).Msg("snapshot unavailable, using last known")
	} else if f, found := fresh[id]; found {
		snap, ok = f, true
	}
	if !ok {
		snap = domain.CoinSnapshot{ID: id}
	}

	sig, err := s.refresh(ctx, snap)
	if err != nil {
		span.RecordError(err)
	}
	return sig, err
}

// RefreshAll refreshes every tracked coin concurrently. A failing coin
// does not stop the others.
func (s *SignalService) RefreshAll(ctx context.Context) []RefreshOutcome {
	ctx, span := s.tracer.Start(ctx, "signal-service.refresh-all",
		trace.WithAttributes(attribute.Int("coins", len(s.coins))))
	defer span.End()

	fresh, err := s.loadSnapshots(ctx, s.coins)
	if err != nil {
		s.logger.Warn().Err(err).Msg("market snapshots unavailable, using last known")
	}

	outcomes := make([]RefreshOutcome, len(s.coins))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range s.coins {
		snap, ok := fresh[id]
		if !ok {
			if snap, ok = s.snapshot(id); !ok {
				snap = domain.CoinSnapshot{ID: id}
			}
		}
		g.Go(func() error {
			outcomes[i].CoinID = id
			sig, err := s.refresh(ctx, snap)
			if err != nil {
				outcomes[i].Err = err
				return nil
			}
			outcomes[i].Signal = &sig
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (s *SignalService) refresh(ctx context.Context, snap domain.CoinSnapshot) (domain.Signal, error) {
	series, meta, err := s.markets.PriceHistory(ctx, snap.ID, s.historyDays)
	if err != nil {
		if domain.IsUnavailable(err) {
			s.logger.Info().Err(err).Str("coin", snap.ID).Msg("no update this cycle")
		}
		return domain.Signal{}, err
	}
	if meta.Stale {
		s.logger.Debug().Str("coin", snap.ID).Time("stored_at", meta.StoredAt).Msg("generating from stale history")
	}

	sig, err := s.reconciler.Generate(ctx, snap, series)
	if err != nil {
		return domain.Signal{}, err
	}
	s.persist(ctx, sig)
	return sig, nil
}

func (s *SignalService) persist(ctx context.Context, sig domain.Signal) {
	if s.repo == nil {
		return
	}
	if err := s.repo.UpsertSignal(context.WithoutCancel(ctx), sig); err != nil {
		s.logger.Error().Err(err).Str("coin", sig.CoinID).Msg("persist signal failed")
	}
}

func (s *SignalService) GetSignal(ctx context.Context, id string) (domain.Signal, bool) {
	_, span := s.tracer.Start(ctx, "signal-service.get-signal")
	defer span.End()
	return s.reconciler.Store().Get(normalizeID(id))
}

func (s *SignalService) ListSignals(ctx context.Context) []domain.Signal {
	_, span := s.tracer.Start(ctx, "signal-service.list-signals")
	defer span.End()
	return s.reconciler.Store().List()
}

// ListCoins returns snapshots for every tracked coin. When the market call
// fails the last known snapshots are returned with stale set.
func (s *SignalService) ListCoins(ctx context.Context) ([]domain.CoinSnapshot, bool, error) {
	ctx, span := s.tracer.Start(ctx, "signal-service.list-coins")
	defer span.End()

	fresh, err := s.loadSnapshots(ctx, s.coins)
	stale := err != nil
	if err != nil {
		span.RecordError(err)
		fresh = nil
	}

	out := make([]domain.CoinSnapshot, 0, len(s.coins))
	for _, id := range s.coins {
		snap, ok := fresh[id]
		if !ok {
			snap, ok = s.snapshot(id)
		}
		if ok {
			out = append(out, snap)
		}
	}
	if len(out) == 0 && err != nil {
		return nil, true, err
	}
	return out, stale, nil
}

// Indicators returns the coin's indicators, substituting neutral values
// when the history is too short.
func (s *SignalService) Indicators(ctx context.Context, id string) (IndicatorView, error) {
	ctx, span := s.tracer.Start(ctx, "signal-service.indicators",
		trace.WithAttributes(attribute.String("coin", id)))
	defer span.End()

	id = normalizeID(id)
	if !s.Tracks(id) {
		return IndicatorView{}, fmt.Errorf("%w: %s", ErrUnknownCoin, id)
	}
	series, meta, err := s.markets.PriceHistory(ctx, id, s.historyDays)
	if err != nil {
		span.RecordError(err)
		return IndicatorView{}, err
	}
	ind, neutral, err := indicator.ComputeOrNeutral(ctx, s.computer, series)
	if err != nil {
		span.RecordError(err)
		return IndicatorView{}, fmt.Errorf("compute indicators for %s: %w", id, err)
	}
	return IndicatorView{CoinID: id, Indicators: ind, Neutral: neutral, Stale: meta.Stale}, nil
}

func (s *SignalService) Sentiment(ctx context.Context) (domain.SentimentIndex, bool, error) {
	ctx, span := s.tracer.Start(ctx, "signal-service.sentiment")
	defer span.End()

	if s.sentiment == nil {
		return domain.SentimentIndex{}, false, fmt.Errorf("sentiment source not configured")
	}
	idx, meta, err := s.sentiment.FearGreed(ctx)
	if err != nil {
		span.RecordError(err)
		return domain.SentimentIndex{}, false, err
	}
	return idx, meta.Stale, nil
}

// Warm seeds the in-memory store with persisted signals.
func (s *SignalService) Warm(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "signal-service.warm")
	defer span.End()

	if s.repo == nil {
		return 0, nil
	}
	signals, err := s.repo.ListLatest(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("load persisted signals: %w", err)
	}
	restored := 0
	for _, sig := range signals {
		if s.reconciler.Store().Restore(sig) {
			restored++
		}
	}
	s.logger.Info().Int("restored", restored).Msg("warmed signal store")
	return restored, nil
}

func (s *SignalService) loadSnapshots(ctx context.Context, ids []string) (map[string]domain.CoinSnapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	snaps, _, err := s.markets.ListMarkets(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.CoinSnapshot, len(snaps))
	s.mu.Lock()
	for _, snap := range snaps {
		s.snapshots[snap.ID] = snap
		out[snap.ID] = snap
	}
	s.mu.Unlock()
	return out, nil
}

func (s *SignalService) snapshot(id string) (domain.CoinSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	return snap, ok
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
