package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coinpulse/internal/domain"
	"coinpulse/internal/fetch"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultCoinGeckoBaseURL = "https://api.coingecko.com/api/v3"
	DefaultHistoryDays      = 7
)

// Meta describes where a payload came from.
type Meta struct {
	FromCache bool
	Stale     bool
	StoredAt  time.Time
}

func metaOf(resp *fetch.Response) Meta {
	return Meta{FromCache: resp.FromCache, Stale: resp.Stale, StoredAt: resp.StoredAt}
}

type CoinGecko struct {
	fetcher *fetch.Fetcher
	tracer  trace.Tracer
	baseURL string
	apiKey  string
}

func NewCoinGecko(fetcher *fetch.Fetcher, tracer trace.Tracer, baseURL, apiKey string) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoBaseURL
	}
	return &CoinGecko{
		fetcher: fetcher,
		tracer:  tracer,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

type marketRow struct {
	ID          string   `json:"id"`
	Symbol      string   `json:"symbol"`
	Name        string   `json:"name"`
	Price       *float64 `json:"current_price"`
	Change1h    *float64 `json:"price_change_percentage_1h_in_currency"`
	Change24h   *float64 `json:"price_change_percentage_24h_in_currency"`
	Change24hV2 *float64 `json:"price_change_percentage_24h"`
	Volume      *float64 `json:"total_volume"`
	MarketCap   *float64 `json:"market_cap"`
	LastUpdated string   `json:"last_updated"`
}

// ListMarkets returns USD snapshots for ids, in CoinGecko's order.
func (c *CoinGecko) ListMarkets(ctx context.Context, ids []string) ([]domain.CoinSnapshot, Meta, error) {
	ctx, span := c.tracer.Start(ctx, "coingecko.list-markets",
		trace.WithAttributes(attribute.Int("coins", len(ids))))
	defer span.End()

	if len(ids) == 0 {
		return nil, Meta{}, fmt.Errorf("no coin ids requested")
	}
	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("ids", strings.Join(ids, ","))
	q.Set("price_change_percentage", "1h,24h")

	resp, err := c.fetcher.Do(ctx, c.request("/coins/markets?"+q.Encode()))
	if err != nil {
		span.RecordError(err)
		return nil, Meta{}, fmt.Errorf("fetch markets: %w", err)
	}

	var rows []marketRow
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return nil, Meta{}, fmt.Errorf("decode markets: %w", err)
	}
	out := make([]domain.CoinSnapshot, 0, len(rows))
	for _, row := range rows {
		snap := domain.CoinSnapshot{
			ID:           row.ID,
			Symbol:       strings.ToUpper(row.Symbol),
			Name:         row.Name,
			Price:        deref(row.Price),
			Change1hPct:  deref(row.Change1h),
			Change24hPct: deref(row.Change24h),
			Volume24h:    deref(row.Volume),
			MarketCap:    deref(row.MarketCap),
		}
		if row.Change24h == nil {
			snap.Change24hPct = deref(row.Change24hV2)
		}
		if ts, err := time.Parse(time.RFC3339, row.LastUpdated); err == nil {
			snap.LastUpdated = ts.UTC()
		}
		out = append(out, snap)
	}
	return out, metaOf(resp), nil
}

// PriceHistory returns the USD price series for one coin over days.
func (c *CoinGecko) PriceHistory(ctx context.Context, id string, days int) (domain.PriceSeries, Meta, error) {
	ctx, span := c.tracer.Start(ctx, "coingecko.price-history",
		trace.WithAttributes(attribute.String("coin", id), attribute.Int("days", days)))
	defer span.End()

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PriceSeries{}, Meta{}, fmt.Errorf("coin id is required")
	}
	if days <= 0 {
		days = DefaultHistoryDays
	}
	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("days", strconv.Itoa(days))

	resp, err := c.fetcher.Do(ctx, c.request("/coins/"+url.PathEscape(id)+"/market_chart?"+q.Encode()))
	if err != nil {
		span.RecordError(err)
		return domain.PriceSeries{}, Meta{}, fmt.Errorf("fetch history for %s: %w", id, err)
	}

	series, err := parseMarketChart(id, resp.Body)
	if err != nil {
		return domain.PriceSeries{}, Meta{}, err
	}
	return series, metaOf(resp), nil
}

func parseMarketChart(id string, body []byte) (domain.PriceSeries, error) {
	if !gjson.ValidBytes(body) {
		return domain.PriceSeries{}, fmt.Errorf("decode history for %s: invalid json", id)
	}
	doc := gjson.ParseBytes(body)
	series := domain.PriceSeries{CoinID: id}

	doc.Get("prices").ForEach(func(_, pair gjson.Result) bool {
		tuple := pair.Array()
		if len(tuple) < 2 || tuple[1].Type != gjson.Number {
			return true
		}
		series.Points = append(series.Points, domain.PricePoint{
			Timestamp: time.UnixMilli(tuple[0].Int()).UTC(),
			Price:     tuple[1].Float(),
		})
		return true
	})

	var volumes []float64
	var total float64
	doc.Get("total_volumes").ForEach(func(_, pair gjson.Result) bool {
		tuple := pair.Array()
		if len(tuple) < 2 {
			return true
		}
		v := tuple[1].Float()
		volumes = append(volumes, v)
		total += v
		return true
	})
	series.Volumes = volumes
	series.Volumes = series.VolumesOrUniform(total)

	if series.Len() == 0 {
		return domain.PriceSeries{}, fmt.Errorf("%w: no prices for %s", domain.ErrInsufficientData, id)
	}
	return series, nil
}

func (c *CoinGecko) request(path string) fetch.Request {
	req := fetch.Get(c.baseURL + path)
	req.Header = http.Header{"Accept": []string{"application/json"}}
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}
	return req
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
