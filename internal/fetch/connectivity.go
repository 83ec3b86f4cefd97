package fetch

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Connectivity reports whether the process should attempt network calls.
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Monitor tracks online state. The host flips it with SetOnline, or Run
// probes a URL on a ticker.
type Monitor struct {
	online   atomic.Bool
	probeURL string
	interval time.Duration
	client   *http.Client
	logger   zerolog.Logger
}

func NewMonitor(probeURL string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   log.With().Str("component", "connectivity").Logger(),
	}
	m.online.Store(true)
	return m
}

func (m *Monitor) Online() bool { return m.online.Load() }

func (m *Monitor) SetOnline(online bool) {
	if prev := m.online.Swap(online); prev != online {
		m.logger.Info().Bool("online", online).Msg("connectivity changed")
	}
}

// Probe issues a HEAD request. Any HTTP answer counts as online.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.probeURL == "" {
		return m.Online()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Warn().Err(err).Msg("bad probe url")
		return m.Online()
	}
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			m.SetOnline(false)
		}
		return m.Online()
	}
	resp.Body.Close()
	m.SetOnline(true)
	return true
}

// Run probes until ctx is done. Without a probe URL it only waits.
func (m *Monitor) Run(ctx context.Context) {
	if m.probeURL == "" {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
