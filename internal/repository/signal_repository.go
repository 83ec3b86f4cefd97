package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coinpulse/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SignalRepository keeps the latest signal per coin.
type SignalRepository struct {
	pool   PgxPool
	tracer trace.Tracer
	logger zerolog.Logger
}

func NewSignalRepository(pool PgxPool, tracer trace.Tracer) *SignalRepository {
	return &SignalRepository{
		pool:   pool,
		tracer: tracer,
		logger: log.With().Str("component", "signal-repo").Logger(),
	}
}

var signalMigrations = []string{
	`CREATE TABLE IF NOT EXISTS latest_signals (
		coin_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		decision TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		pump_probability DOUBLE PRECISION NOT NULL,
		dump_probability DOUBLE PRECISION NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		stoploss DOUBLE PRECISION NOT NULL,
		take_profit DOUBLE PRECISION NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		indicators JSONB,
		generated_at TIMESTAMPTZ NOT NULL,
		sequence BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_latest_signals_generated_at ON latest_signals (generated_at DESC)`,
}

func (r *SignalRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "signal-repo.run-migrations")
	defer span.End()

	for _, stmt := range signalMigrations {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			span.RecordError(err)
			return fmt.Errorf("migrate latest_signals: %w", err)
		}
	}
	return nil
}

const upsertSignalSQL = `INSERT INTO latest_signals (
		coin_id, symbol, decision, confidence, pump_probability, dump_probability,
		entry_price, stoploss, take_profit, explanation, source, indicators, generated_at, sequence)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	 ON CONFLICT (coin_id) DO UPDATE SET
	     symbol = EXCLUDED.symbol,
	     decision = EXCLUDED.decision,
	     confidence = EXCLUDED.confidence,
	     pump_probability = EXCLUDED.pump_probability,
	     dump_probability = EXCLUDED.dump_probability,
	     entry_price = EXCLUDED.entry_price,
	     stoploss = EXCLUDED.stoploss,
	     take_profit = EXCLUDED.take_profit,
	     explanation = EXCLUDED.explanation,
	     source = EXCLUDED.source,
	     indicators = EXCLUDED.indicators,
	     generated_at = EXCLUDED.generated_at,
	     sequence = EXCLUDED.sequence
	 WHERE (latest_signals.generated_at, latest_signals.sequence) < (EXCLUDED.generated_at, EXCLUDED.sequence)`

// UpsertSignals stores each signal unless the coin's row was generated
// later. Sequence numbers are per process, so they only break ties between
// equal timestamps. It returns how many rows were written; superseded
// signals are skipped without error.
func (r *SignalRepository) UpsertSignals(ctx context.Context, signals []domain.Signal) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}

	_, span := r.tracer.Start(ctx, "signal-repo.upsert-signals",
		trace.WithAttributes(attribute.Int("signals", len(signals))))
	defer span.End()

	batch := &pgx.Batch{}
	for _, s := range signals {
		var indicators []byte
		if s.Indicators != nil {
			raw, err := json.Marshal(s.Indicators)
			if err != nil {
				return 0, fmt.Errorf("encode indicators for %s: %w", s.CoinID, err)
			}
			indicators = raw
		}
		batch.Queue(upsertSignalSQL,
			s.CoinID,
			s.Symbol,
			string(s.Decision),
			s.Confidence,
			s.PumpProbability,
			s.DumpProbability,
			s.EntryPrice,
			s.StopLoss,
			s.TakeProfit,
			s.Explanation,
			string(s.Source),
			indicators,
			s.GeneratedAt.UTC(),
			int64(s.Sequence),
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	written := 0
	for _, s := range signals {
		tag, err := br.Exec()
		if err != nil {
			span.RecordError(err)
			return written, err
		}
		if tag.RowsAffected() == 0 {
			r.logger.Info().
				Str("coin", s.CoinID).
				Uint64("sequence", s.Sequence).
				Time("generated_at", s.GeneratedAt).
				Msg("skipped signal superseded by a newer stored row")
			continue
		}
		written++
	}
	span.SetAttributes(attribute.Int("written", written))
	return written, nil
}

func (r *SignalRepository) UpsertSignal(ctx context.Context, sig domain.Signal) error {
	_, err := r.UpsertSignals(ctx, []domain.Signal{sig})
	return err
}

// ListLatest returns every stored signal ordered by coin id.
func (r *SignalRepository) ListLatest(ctx context.Context) ([]domain.Signal, error) {
	_, span := r.tracer.Start(ctx, "signal-repo.list-latest")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT coin_id, symbol, decision, confidence, pump_probability, dump_probability,
		        entry_price, stoploss, take_profit, explanation, source, indicators, generated_at, sequence
		 FROM latest_signals
		 ORDER BY coin_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []domain.Signal
	for rows.Next() {
		var s domain.Signal
		var decision, source string
		var indicators []byte
		var generatedAt time.Time
		var seq int64
		if err := rows.Scan(
			&s.CoinID,
			&s.Symbol,
			&decision,
			&s.Confidence,
			&s.PumpProbability,
			&s.DumpProbability,
			&s.EntryPrice,
			&s.StopLoss,
			&s.TakeProfit,
			&s.Explanation,
			&source,
			&indicators,
			&generatedAt,
			&seq,
		); err != nil {
			return nil, err
		}
		s.Decision = domain.Decision(decision)
		s.Source = domain.SignalSource(source)
		s.GeneratedAt = generatedAt.UTC()
		if seq > 0 {
			s.Sequence = uint64(seq)
		}
		if len(indicators) > 0 {
			var ind domain.Indicators
			if err := json.Unmarshal(indicators, &ind); err != nil {
				return nil, fmt.Errorf("decode indicators for %s: %w", s.CoinID, err)
			}
			s.Indicators = &ind
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}
