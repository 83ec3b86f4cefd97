// Package app assembles the signal pipeline shared by the HTTP server and
// the MCP server binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"coinpulse/internal/cache"
	"coinpulse/internal/config"
	"coinpulse/internal/db"
	"coinpulse/internal/fetch"
	"coinpulse/internal/indicator"
	"coinpulse/internal/inference"
	"coinpulse/internal/metrics"
	"coinpulse/internal/provider"
	"coinpulse/internal/repository"
	"coinpulse/internal/service"
	"coinpulse/internal/signal"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

const connectivityProbeInterval = 30 * time.Second

var (
	connectDBFunc      = db.Connect
	newRedisClientFunc = cache.NewRedisClient
)

// Components is the wired pipeline. Close releases pools and connections.
type Components struct {
	Metrics    *metrics.Recorder
	Monitor    *fetch.Monitor
	Fetcher    *fetch.Fetcher
	Reconciler *signal.Reconciler
	Service    *service.SignalService

	closers []func()
	logger  zerolog.Logger
}

// Assemble builds every pipeline component from cfg. Postgres and Redis are
// optional: an empty DATABASE_URL keeps signals in memory, and the memory
// cache backend needs no server.
func Assemble(ctx context.Context, cfg *config.Config, tracer trace.Tracer) (*Components, error) {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("coinpulse")
	}
	c := &Components{
		Metrics: metrics.New(),
		logger:  log.With().Str("component", "app").Logger(),
	}

	backend, err := c.cacheBackend(ctx, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	responses := cache.New(backend, cfg.CacheTTL, cache.WithMetrics(c.Metrics))

	c.Monitor = fetch.NewMonitor(cfg.ConnectivityProbeURL, connectivityProbeInterval)
	c.Fetcher = fetch.New(fetch.Config{
		Cache:        responses,
		Connectivity: c.Monitor,
		Timeout:      cfg.FetchTimeout,
		MaxRetries:   cfg.FetchMaxRetries,
		BackoffUnit:  cfg.FetchBackoff,
		RatePerSec:   cfg.FetchRatePerSec,
		Metrics:      c.Metrics,
		OnStale: func(url string, storedAt time.Time) {
			c.logger.Warn().Str("url", url).Time("stored_at", storedAt).Msg("serving stale response")
		},
	})

	pool := indicator.NewPool(cfg.IndicatorWorkers)
	c.closers = append(c.closers, pool.Close)

	c.Reconciler = signal.NewReconciler(signal.Config{
		Computer:       pool,
		Inferer:        newInferer(cfg, c.Fetcher),
		Connectivity:   c.Monitor,
		AlertThreshold: cfg.AlertConfidence,
		Tracer:         tracer,
		Metrics:        c.Metrics,
	})
	c.closers = append(c.closers, c.Reconciler.WaitAlerts)

	repo, err := c.signalRepository(ctx, cfg, tracer)
	if err != nil {
		c.Close()
		return nil, err
	}

	svcCfg := service.Config{
		Tracer:      tracer,
		Markets:     provider.NewCoinGecko(c.Fetcher, tracer, cfg.CoinGeckoBaseURL, cfg.CoinGeckoAPIKey),
		Sentiment:   provider.NewSentiment(c.Fetcher, tracer, cfg.FNGBaseURL),
		Reconciler:  c.Reconciler,
		Computer:    pool,
		Coins:       cfg.TrackedCoins,
		HistoryDays: cfg.HistoryDays,
	}
	if repo != nil {
		svcCfg.Repo = repo
	}
	c.Service = service.NewSignalService(svcCfg)

	if _, err := c.Service.Warm(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("starting with an empty signal store")
	}
	return c, nil
}

// Run keeps background probes alive until ctx is done.
func (c *Components) Run(ctx context.Context) {
	c.Monitor.Run(ctx)
}

func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func (c *Components) cacheBackend(ctx context.Context, cfg *config.Config) (cache.Backend, error) {
	if cfg.CacheBackend != "redis" {
		return cache.NewMemoryBackend(), nil
	}
	client, err := newRedisClientFunc(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	c.closers = append(c.closers, func() { _ = client.Close() })
	c.logger.Info().Str("addr", cfg.RedisURL).Msg("using redis cache backend")
	return cache.NewRedisBackend(client, "", cfg.CacheStaleRetention), nil
}

func (c *Components) signalRepository(ctx context.Context, cfg *config.Config, tracer trace.Tracer) (*repository.SignalRepository, error) {
	pool, err := connectDBFunc(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, nil
	}
	c.closers = append(c.closers, pool.Close)

	repo := repository.NewSignalRepository(pool, tracer)
	if err := repo.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("run signal migrations: %w", err)
	}
	return repo, nil
}

// newInferer prefers a dedicated inference endpoint over OpenAI. It returns
// nil when neither is configured, leaving the reconciler heuristic-only.
func newInferer(cfg *config.Config, fetcher *fetch.Fetcher) inference.Inferer {
	switch {
	case cfg.InferenceURL != "":
		return inference.NewHTTPClient(fetcher, cfg.InferenceURL, cfg.InferenceAPIKey, cfg.InferenceTimeout)
	case cfg.OpenAIAPIKey != "":
		return inference.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, "", cfg.InferenceTimeout)
	default:
		return nil
	}
}
