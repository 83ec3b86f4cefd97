package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coinpulse/internal/domain"
	"coinpulse/internal/fetch"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"
)

const DefaultFearGreedBaseURL = "https://api.alternative.me"

// Sentiment reads the crypto Fear & Greed index.
type Sentiment struct {
	fetcher *fetch.Fetcher
	tracer  trace.Tracer
	baseURL string
}

func NewSentiment(fetcher *fetch.Fetcher, tracer trace.Tracer, baseURL string) *Sentiment {
	if baseURL == "" {
		baseURL = DefaultFearGreedBaseURL
	}
	return &Sentiment{fetcher: fetcher, tracer: tracer, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *Sentiment) FearGreed(ctx context.Context) (domain.SentimentIndex, Meta, error) {
	ctx, span := s.tracer.Start(ctx, "sentiment.fear-greed")
	defer span.End()

	resp, err := s.fetcher.Do(ctx, fetch.Get(s.baseURL+"/fng/?limit=1"))
	if err != nil {
		span.RecordError(err)
		return domain.SentimentIndex{}, Meta{}, fmt.Errorf("fetch fear and greed: %w", err)
	}

	entry := gjson.GetBytes(resp.Body, "data.0")
	if !entry.Exists() {
		return domain.SentimentIndex{}, Meta{}, fmt.Errorf("fear and greed: empty data")
	}
	value := entry.Get("value")
	if !value.Exists() {
		return domain.SentimentIndex{}, Meta{}, fmt.Errorf("fear and greed: missing value")
	}
	idx := domain.SentimentIndex{
		Value:          int(domain.Clamp(float64(value.Int()), 0, 100)),
		Classification: entry.Get("value_classification").String(),
	}
	if ts := entry.Get("timestamp").Int(); ts > 0 {
		idx.Timestamp = time.Unix(ts, 0).UTC()
	}
	return idx, metaOf(resp), nil
}
