package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"coinpulse/internal/domain"

	"github.com/rs/zerolog/log"
)

type Config struct {
	DatabaseURL string
	RedisURL    string

	CacheBackend        string
	CacheTTL            time.Duration
	CacheStaleRetention time.Duration

	FetchTimeout    time.Duration
	FetchMaxRetries int
	FetchBackoff    time.Duration
	FetchRatePerSec float64

	CoinGeckoBaseURL     string
	CoinGeckoAPIKey      string
	FNGBaseURL           string
	ConnectivityProbeURL string

	TrackedCoins   []string
	HistoryDays    int
	SignalPollSecs int

	InferenceURL     string
	InferenceAPIKey  string
	InferenceTimeout time.Duration
	OpenAIAPIKey     string
	OpenAIModel      string

	AlertConfidence  float64
	IndicatorWorkers int

	TelegramBotToken string
	Port             int
	LogLevel         string
	LogFormat        string

	MCPTransport          string
	MCPHTTPEnabled        bool
	MCPHTTPBind           string
	MCPHTTPPort           int
	MCPAuthToken          string
	MCPRequestTimeoutSecs int
	MCPRateLimitPerMin    int
}

func Load() *Config {
	cfg := &Config{
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
		CoinGeckoAPIKey:  os.Getenv("COINGECKO_API_KEY"),
		InferenceAPIKey:  os.Getenv("INFERENCE_API_KEY"),
		MCPAuthToken:     os.Getenv("MCP_AUTH_TOKEN"),
	}

	if cfg.TelegramBotToken == "" {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set, alerts will only be logged")
	}
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, signals will not be persisted")
	}

	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "memory"
		if cfg.RedisURL != "" {
			cfg.CacheBackend = "redis"
		}
	}
	if cfg.CacheBackend != "memory" && cfg.CacheBackend != "redis" {
		log.Warn().Str("value", cfg.CacheBackend).Msg("unsupported CACHE_BACKEND, defaulting to memory")
		cfg.CacheBackend = "memory"
	}
	if cfg.CacheBackend == "redis" && cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}

	cfg.CacheTTL = time.Duration(positiveInt("CACHE_TTL_SECS", 60)) * time.Second
	cfg.CacheStaleRetention = time.Duration(positiveInt("CACHE_STALE_RETENTION_SECS", 24*60*60)) * time.Second

	cfg.FetchTimeout = time.Duration(positiveInt("FETCH_TIMEOUT_MS", 5000)) * time.Millisecond
	cfg.FetchMaxRetries = positiveInt("FETCH_MAX_RETRIES", 3)
	cfg.FetchBackoff = time.Duration(positiveInt("FETCH_BACKOFF_MS", 1000)) * time.Millisecond

	cfg.FetchRatePerSec = 0
	if v := strings.TrimSpace(os.Getenv("FETCH_RATE_PER_SEC")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			cfg.FetchRatePerSec = n
		}
	}

	cfg.CoinGeckoBaseURL = strings.TrimSpace(os.Getenv("COINGECKO_BASE_URL"))
	if cfg.CoinGeckoBaseURL == "" {
		cfg.CoinGeckoBaseURL = "https://api.coingecko.com/api/v3"
	}
	cfg.FNGBaseURL = strings.TrimSpace(os.Getenv("FNG_BASE_URL"))
	if cfg.FNGBaseURL == "" {
		cfg.FNGBaseURL = "https://api.alternative.me"
	}
	cfg.ConnectivityProbeURL = strings.TrimSpace(os.Getenv("CONNECTIVITY_PROBE_URL"))

	cfg.TrackedCoins = parseCoins(os.Getenv("TRACKED_COINS"))
	cfg.HistoryDays = positiveInt("HISTORY_DAYS", 7)
	cfg.SignalPollSecs = positiveInt("SIGNAL_POLL_SECS", 300)

	cfg.InferenceURL = strings.TrimSpace(os.Getenv("INFERENCE_URL"))
	cfg.InferenceTimeout = time.Duration(positiveInt("INFERENCE_TIMEOUT_MS", 5000)) * time.Millisecond

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIModel = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}
	if cfg.InferenceURL == "" && cfg.OpenAIAPIKey == "" {
		log.Warn().Msg("INFERENCE_URL and OPENAI_API_KEY not set, signals will use the heuristic only")
	}

	cfg.AlertConfidence = 80
	if v := strings.TrimSpace(os.Getenv("ALERT_CONFIDENCE")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 && n < 100 {
			cfg.AlertConfidence = n
		}
	}
	cfg.IndicatorWorkers = positiveInt("INDICATOR_WORKERS", 2)

	cfg.Port = positiveInt("PORT", 8080)
	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT")))
	if cfg.LogFormat != "console" {
		cfg.LogFormat = "json"
	}

	cfg.MCPTransport = strings.ToLower(strings.TrimSpace(os.Getenv("MCP_TRANSPORT")))
	if cfg.MCPTransport == "" {
		cfg.MCPTransport = "stdio"
	}
	if cfg.MCPTransport != "stdio" && cfg.MCPTransport != "http" {
		log.Warn().Str("value", cfg.MCPTransport).Msg("unsupported MCP_TRANSPORT, defaulting to stdio")
		cfg.MCPTransport = "stdio"
	}

	cfg.MCPHTTPEnabled = strings.EqualFold(strings.TrimSpace(os.Getenv("MCP_HTTP_ENABLED")), "true")

	cfg.MCPHTTPBind = strings.TrimSpace(os.Getenv("MCP_HTTP_BIND"))
	if cfg.MCPHTTPBind == "" {
		cfg.MCPHTTPBind = "127.0.0.1"
	}
	cfg.MCPHTTPPort = positiveInt("MCP_HTTP_PORT", 8090)
	cfg.MCPRequestTimeoutSecs = positiveInt("MCP_REQUEST_TIMEOUT_SECS", 5)
	cfg.MCPRateLimitPerMin = positiveInt("MCP_RATE_LIMIT_PER_MIN", 60)

	return cfg
}

func positiveInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", v).Int("default", fallback).Msg("invalid value, using default")
		return fallback
	}
	return n
}

func parseCoins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), domain.DefaultTrackedCoins...)
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		id := strings.ToLower(strings.TrimSpace(part))
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return append([]string(nil), domain.DefaultTrackedCoins...)
	}
	return out
}
