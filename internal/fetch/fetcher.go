package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"coinpulse/internal/cache"
	"coinpulse/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultMaxRetries  = 3
	DefaultBackoffUnit = time.Second

	DefaultMaxBodyBytes = 8 << 20
)

// ErrBodyTooLarge means the response exceeded the body limit. It is not
// retried and the body is never cached.
var ErrBodyTooLarge = errors.New("response body too large")

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Get builds a GET request for url.
func Get(url string) Request {
	return Request{Method: http.MethodGet, URL: url}
}

type Response struct {
	StatusCode int
	Body       []byte
	FromCache  bool
	Stale      bool
	StoredAt   time.Time
}

// Metrics receives fetch outcomes: network, cache, stale, offline, error.
type Metrics interface {
	RecordFetch(outcome string)
	RecordFetchRetry()
}

// StaleNotifier is told when an outdated payload is served in place of a
// fresh one.
type StaleNotifier func(url string, storedAt time.Time)

type Config struct {
	HTTPClient   *http.Client
	Cache        *cache.Cache
	Connectivity Connectivity
	Timeout      time.Duration
	MaxRetries   int
	BackoffUnit  time.Duration
	// RatePerSec <= 0 disables client-side limiting.
	RatePerSec float64
	// MaxBodyBytes <= 0 means DefaultMaxBodyBytes.
	MaxBodyBytes int64
	Metrics      Metrics
	OnStale      StaleNotifier
}

type callOptions struct {
	timeout      time.Duration
	maxRetries   int
	noRetryOn429 bool
	useCache     bool
	staleOK      bool
}

type Option func(*callOptions)

func WithTimeout(d time.Duration) Option {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxRetries sets the total number of attempts.
func WithMaxRetries(n int) Option {
	return func(o *callOptions) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithNoRetryOn429 turns a 429 answer into an immediate domain.ErrRateLimited.
func WithNoRetryOn429() Option {
	return func(o *callOptions) { o.noRetryOn429 = true }
}

func WithoutCache() Option {
	return func(o *callOptions) { o.useCache = false }
}

func WithoutStaleFallback() Option {
	return func(o *callOptions) { o.staleOK = false }
}

// Fetcher performs HTTP calls with a per-attempt timeout, linear backoff and
// cache fallback.
type Fetcher struct {
	client      *http.Client
	cache       *cache.Cache
	conn        Connectivity
	limiter     *rate.Limiter
	timeout     time.Duration
	maxRetries  int
	backoffUnit time.Duration
	maxBody     int64
	metrics     Metrics
	onStale     StaleNotifier
	logger      zerolog.Logger
}

func New(cfg Config) *Fetcher {
	f := &Fetcher{
		client:      cfg.HTTPClient,
		cache:       cfg.Cache,
		conn:        cfg.Connectivity,
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		backoffUnit: cfg.BackoffUnit,
		maxBody:     cfg.MaxBodyBytes,
		metrics:     cfg.Metrics,
		onStale:     cfg.OnStale,
		logger:      log.With().Str("component", "fetch").Logger(),
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.cache == nil {
		f.cache = cache.New(nil, cache.DefaultTTL)
	}
	if f.conn == nil {
		f.conn = alwaysOnline{}
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.maxRetries <= 0 {
		f.maxRetries = DefaultMaxRetries
	}
	if f.backoffUnit <= 0 {
		f.backoffUnit = DefaultBackoffUnit
	}
	if f.maxBody <= 0 {
		f.maxBody = DefaultMaxBodyBytes
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return f
}

// Online reports the fetcher's view of connectivity.
func (f *Fetcher) Online() bool { return f.conn.Online() }

// Do returns a fresh cached payload when there is one, otherwise calls the
// network. Exhausted attempts fall back to the last stored payload, then to
// domain.ErrNetwork.
func (f *Fetcher) Do(ctx context.Context, req Request, opts ...Option) (*Response, error) {
	co := callOptions{
		timeout:    f.timeout,
		maxRetries: f.maxRetries,
		useCache:   true,
		staleOK:    true,
	}
	for _, opt := range opts {
		opt(&co)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	key := CacheKey(req)

	if co.useCache {
		if payload, ok := f.cache.Get(ctx, key); ok {
			f.record("cache")
			return &Response{StatusCode: http.StatusOK, Body: payload, FromCache: true}, nil
		}
	}

	if !f.conn.Online() {
		if resp, ok := f.staleResponse(ctx, key, req, co); ok {
			return resp, nil
		}
		f.record("offline")
		return nil, domain.ErrOffline
	}

	body, status, err := f.retry(ctx, req, co)
	if err == nil {
		if co.useCache {
			if cerr := f.cache.Set(ctx, key, body); cerr != nil {
				f.logger.Warn().Err(cerr).Str("url", req.URL).Msg("cache store failed")
			}
		}
		f.record("network")
		return &Response{StatusCode: status, Body: body}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		f.record("error")
		return nil, ctxErr
	}
	if resp, ok := f.staleResponse(ctx, key, req, co); ok {
		f.logger.Warn().Err(err).Str("url", req.URL).Msg("serving stale payload after failed attempts")
		return resp, nil
	}
	f.record("error")
	if errors.Is(err, domain.ErrRateLimited) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
}

func (f *Fetcher) staleResponse(ctx context.Context, key string, req Request, co callOptions) (*Response, bool) {
	if !co.useCache || !co.staleOK {
		return nil, false
	}
	entry, ok := f.cache.Stale(ctx, key)
	if !ok {
		return nil, false
	}
	f.record("stale")
	f.logger.Warn().Str("url", req.URL).Time("stored_at", entry.StoredAt).Msg("stale data")
	if f.onStale != nil {
		f.onStale(req.URL, entry.StoredAt)
	}
	return &Response{
		StatusCode: http.StatusOK,
		Body:       entry.Payload,
		FromCache:  true,
		Stale:      true,
		StoredAt:   entry.StoredAt,
	}, true
}

func (f *Fetcher) retry(ctx context.Context, req Request, co callOptions) ([]byte, int, error) {
	var (
		body    []byte
		status  int
		attempt int
	)
	operation := func() error {
		attempt++
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		b, s, err := f.attempt(ctx, req, co.timeout)
		if err != nil {
			if s == http.StatusTooManyRequests && co.noRetryOn429 {
				return backoff.Permanent(fmt.Errorf("%w: %w", domain.ErrRateLimited, err))
			}
			return err
		}
		body, status = b, s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		if f.metrics != nil {
			f.metrics.RecordFetchRetry()
		}
		f.logger.Debug().Err(err).Str("url", req.URL).Int("attempt", attempt).Dur("wait", wait).Msg("retrying")
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newLinearBackOff(f.backoffUnit), uint64(co.maxRetries-1)),
		ctx,
	)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, status, err
	}
	return body, status, nil
}

func (f *Fetcher) attempt(ctx context.Context, req Request, timeout time.Duration) ([]byte, int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if len(req.Body) > 0 {
		reader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, reader)
	if err != nil {
		return nil, 0, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	if int64(len(payload)) > f.maxBody {
		return nil, resp.StatusCode, backoff.Permanent(fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, f.maxBody))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &domain.StatusError{StatusCode: resp.StatusCode}
	}
	return payload, resp.StatusCode, nil
}

func (f *Fetcher) record(outcome string) {
	if f.metrics != nil {
		f.metrics.RecordFetch(outcome)
	}
}

// CacheKey hashes the request method, URL, headers and body.
func CacheKey(req Request) string {
	h := xxhash.New()
	_, _ = h.WriteString(req.Method)
	_, _ = h.WriteString("\n")
	_, _ = h.WriteString(req.URL)
	_, _ = h.WriteString("\n")

	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = h.WriteString(name)
		_, _ = h.WriteString(":")
		for _, v := range req.Header[name] {
			_, _ = h.WriteString(v)
			_, _ = h.WriteString(",")
		}
		_, _ = h.WriteString("\n")
	}
	_, _ = h.Write(req.Body)
	return fmt.Sprintf("fetch:%016x", h.Sum64())
}
