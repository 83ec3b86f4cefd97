package metrics

import (
	"net/http"
	"strconv"
	"time"

	"coinpulse/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coinpulse"

// Recorder implements the cache, fetch and signal metrics hooks using
// Prometheus. Each Recorder owns its registry.
type Recorder struct {
	registry *prometheus.Registry

	cacheLookups  *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchRetries  prometheus.Counter
	signals       *prometheus.CounterVec
	inferences    *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result (hit, miss, expired, error).",
		}, []string{"result"}),
		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Fetch calls by outcome (network, cache, stale, offline, error).",
		}, []string{"outcome"}),
		fetchRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Failed fetch attempts that were retried.",
		}),
		signals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_generated_total",
			Help:      "Applied signals by source and decision.",
		}, []string{"source", "decision"}),
		inferences: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_requests_total",
			Help:      "Remote inference outcomes.",
		}, []string{"outcome"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "High-confidence alerts delivered by channel.",
		}, []string{"channel", "status"}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Per-coin refresh outcomes from the poller.",
		}, []string{"status"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route", "method"}),
	}
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) RecordCacheLookup(result string) {
	r.cacheLookups.WithLabelValues(result).Inc()
}

func (r *Recorder) RecordFetch(outcome string) {
	r.fetches.WithLabelValues(outcome).Inc()
}

func (r *Recorder) RecordFetchRetry() {
	r.fetchRetries.Inc()
}

func (r *Recorder) RecordSignal(source domain.SignalSource, decision domain.Decision) {
	r.signals.WithLabelValues(string(source), string(decision)).Inc()
}

func (r *Recorder) RecordInference(outcome string) {
	r.inferences.WithLabelValues(outcome).Inc()
}

func (r *Recorder) RecordAlert(channel string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.alerts.WithLabelValues(channel, status).Inc()
}

func (r *Recorder) RecordRefresh(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.refreshes.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Middleware records request counts and latency. Routes use the gin
// template path to keep label cardinality low.
func (r *Recorder) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		r.httpRequests.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		r.httpDurations.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}
