package job

import (
	"context"
	"errors"
	"time"

	"coinpulse/internal/domain"
	"coinpulse/internal/service"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultPollInterval = 5 * time.Minute

type Refresher interface {
	RefreshAll(ctx context.Context) []service.RefreshOutcome
}

type RefreshRecorder interface {
	RecordRefresh(err error)
}

// SignalPoller periodically refreshes every tracked coin.
type SignalPoller struct {
	tracer    trace.Tracer
	refresher Refresher
	interval  time.Duration
	metrics   RefreshRecorder
	logger    zerolog.Logger
}

func NewSignalPoller(tracer trace.Tracer, refresher Refresher, pollSecs int, metrics RefreshRecorder) *SignalPoller {
	interval := time.Duration(pollSecs) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &SignalPoller{
		tracer:    tracer,
		refresher: refresher,
		interval:  interval,
		metrics:   metrics,
		logger:    log.With().Str("component", "signal-poller").Logger(),
	}
}

// Start refreshes immediately and then on every tick. Blocks until ctx is cancelled.
func (p *SignalPoller) Start(ctx context.Context) {
	if p.refresher == nil {
		p.logger.Info().Msg("signal poller disabled: no refresher")
		<-ctx.Done()
		return
	}

	p.logger.Info().Dur("interval", p.interval).Msg("signal poller starting")
	p.refresh(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("signal poller stopped")
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *SignalPoller) refresh(ctx context.Context) (updated, failed int) {
	ctx, span := p.tracer.Start(ctx, "signal-poller.refresh")
	defer span.End()

	for _, out := range p.refresher.RefreshAll(ctx) {
		if p.metrics != nil {
			p.metrics.RecordRefresh(out.Err)
		}
		if out.Err == nil {
			updated++
			continue
		}
		failed++
		level := zerolog.WarnLevel
		switch {
		case domain.IsUnavailable(out.Err):
			level = zerolog.InfoLevel
		case errors.Is(out.Err, domain.ErrInsufficientData), errors.Is(out.Err, context.Canceled):
			level = zerolog.DebugLevel
		}
		p.logger.WithLevel(level).Err(out.Err).Str("coin", out.CoinID).Msg("no update this cycle")
	}
	span.SetAttributes(attribute.Int("updated", updated), attribute.Int("failed", failed))
	return updated, failed
}
