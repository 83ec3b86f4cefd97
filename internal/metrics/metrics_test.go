package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"coinpulse/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounters(t *testing.T) {
	r := New()
	r.RecordCacheLookup("hit")
	r.RecordCacheLookup("hit")
	r.RecordFetch("stale")
	r.RecordFetchRetry()
	r.RecordSignal(domain.SourceHeuristic, domain.DecisionBuy)
	r.RecordInference("rate_limited")
	r.RecordAlert("telegram", errors.New("blocked"))
	r.RecordRefresh(nil)

	if got := testutil.ToFloat64(r.cacheLookups.WithLabelValues("hit")); got != 2 {
		t.Fatalf("expected 2 cache hits, got %v", got)
	}
	if got := testutil.ToFloat64(r.fetches.WithLabelValues("stale")); got != 1 {
		t.Fatalf("expected 1 stale fetch, got %v", got)
	}
	if got := testutil.ToFloat64(r.fetchRetries); got != 1 {
		t.Fatalf("expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(r.signals.WithLabelValues("heuristic", "Buy")); got != 1 {
		t.Fatalf("expected 1 heuristic buy, got %v", got)
	}
	if got := testutil.ToFloat64(r.alerts.WithLabelValues("telegram", "error")); got != 1 {
		t.Fatalf("expected 1 failed alert, got %v", got)
	}
}

func TestRecorderHandlerExposesMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := New()
	rec.RecordInference("ok")

	router := gin.New()
	router.Use(rec.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	router.GET("/metrics", gin.WrapH(rec.Handler()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`coinpulse_inference_requests_total{outcome="ok"} 1`,
		`coinpulse_http_requests_total{method="GET",route="/ping",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}
