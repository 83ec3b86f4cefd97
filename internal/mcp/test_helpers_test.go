package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"coinpulse/internal/domain"
	"coinpulse/internal/service"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

type stubSignalService struct {
	coins      []string
	snapshots  []domain.CoinSnapshot
	signals    map[string]domain.Signal
	refreshErr error

	lastRefresh   string
	lastIndicator string
}

func (s *stubSignalService) Coins() []string {
	return append([]string(nil), s.coins...)
}

func (s *stubSignalService) ListCoins(context.Context) ([]domain.CoinSnapshot, bool, error) {
	return append([]domain.CoinSnapshot(nil), s.snapshots...), false, nil
}

func (s *stubSignalService) ListSignals(context.Context) []domain.Signal {
	out := make([]domain.Signal, 0, len(s.signals))
	for _, id := range s.coins {
		if sig, ok := s.signals[id]; ok {
			out = append(out, sig)
		}
	}
	return out
}

func (s *stubSignalService) GetSignal(_ context.Context, id string) (domain.Signal, bool) {
	sig, ok := s.signals[id]
	return sig, ok
}

func (s *stubSignalService) Indicators(_ context.Context, id string) (service.IndicatorView, error) {
	s.lastIndicator = id
	return service.IndicatorView{CoinID: id, Indicators: domain.Indicators{RSI: 61.5, SMA14: 101}}, nil
}

func (s *stubSignalService) RefreshCoin(_ context.Context, id string) (domain.Signal, error) {
	s.lastRefresh = id
	if s.refreshErr != nil {
		return domain.Signal{}, s.refreshErr
	}
	sig := domain.Signal{
		CoinID: id, Decision: domain.DecisionSell, Confidence: 66,
		PumpProbability: 0.2, DumpProbability: 0.7, Source: domain.SourceHeuristic,
		GeneratedAt: time.Unix(2, 0).UTC(), Sequence: 3,
	}
	s.signals[id] = sig
	return sig, nil
}

func testServer() (*sdkmcp.Server, *stubSignalService) {
	signals := &stubSignalService{
		coins: []string{"bitcoin", "ethereum"},
		snapshots: []domain.CoinSnapshot{
			{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin", Price: 50000, Volume24h: 1000, LastUpdated: time.Unix(0, 0).UTC()},
		},
		signals: map[string]domain.Signal{
			"bitcoin": {
				CoinID: "bitcoin", Symbol: "btc", Decision: domain.DecisionBuy, Confidence: 72,
				PumpProbability: 0.7, DumpProbability: 0.1, EntryPrice: 50000, Source: domain.SourceRemote,
				GeneratedAt: time.Unix(0, 0).UTC(), Sequence: 1,
			},
			"ethereum": {
				CoinID: "ethereum", Symbol: "eth", Decision: domain.DecisionHold, Confidence: 50,
				PumpProbability: 0.3, DumpProbability: 0.3, EntryPrice: 3000, Source: domain.SourceHeuristic,
				GeneratedAt: time.Unix(1, 0).UTC(), Sequence: 2,
			},
		},
	}

	srv := NewServer(nil, signals, ServerConfig{RequestTimeout: time.Second})
	return srv, signals
}

var errHistoryDown = errors.New("history unavailable")

func connectInMemory(ctx context.Context, srv *sdkmcp.Server) (*sdkmcp.ClientSession, context.CancelFunc, error) {
	clientTransport, serverTransport := sdkmcp.NewInMemoryTransports()
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = srv.Run(runCtx, serverTransport) }()

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "mcp-test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return session, cancel, nil
}

type authRoundTripper struct {
	token string
	base  http.RoundTripper
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if t.token != "" {
		clone.Header.Set("Authorization", "Bearer "+t.token)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

func decodeResourceJSON(result *sdkmcp.ReadResourceResult, out any) error {
	if len(result.Contents) == 0 {
		return nil
	}
	return json.Unmarshal([]byte(result.Contents[0].Text), out)
}

func decodeStructured(result *sdkmcp.CallToolResult, out any) error {
	body, err := json.Marshal(result.StructuredContent)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
