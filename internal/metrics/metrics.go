package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the POS core emits. It is constructed once in
// main() and injected into components, so tests can build isolated instances
// on their own registry instead of sharing process-global state.
type Metrics struct {
	registry *prometheus.Registry

	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec

	ReservationsTotal        *prometheus.CounterVec // label: outcome (ok | insufficient_stock | error)
	ReservationsExpiredSwept prometheus.Counter

	TaxRecomputesTotal prometheus.Counter
	TaxCacheHitsTotal  prometheus.Counter

	SessionsCreatedTotal prometheus.Counter
	SessionsSweptTotal   prometheus.Counter

	HTTPLatencySeconds *prometheus.HistogramVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pos_cache_hits_total",
				Help: "Cache hits, per group.",
			},
			[]string{"group"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pos_cache_misses_total",
				Help: "Cache misses, per group.",
			},
			[]string{"group"},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pos_cache_evictions_total",
				Help: "Entries evicted by the LRU policy, per group.",
			},
			[]string{"group"},
		),
		ReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pos_reservations_total",
				Help: "Stock reservation attempts by outcome.",
			},
			[]string{"outcome"},
		),
		ReservationsExpiredSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pos_reservations_expired_swept_total",
				Help: "Expired reservations removed by the cleanup sweep.",
			},
		),
		TaxRecomputesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pos_tax_recomputes_total",
				Help: "Full tax recomputations (cache misses).",
			},
		),
		TaxCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pos_tax_cache_hits_total",
				Help: "Tax results served from the content-hash cache.",
			},
		),
		SessionsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pos_sessions_created_total",
				Help: "New terminal sessions created.",
			},
		),
		SessionsSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pos_sessions_swept_total",
				Help: "Expired sessions removed by the cleanup sweep.",
			},
		),
		HTTPLatencySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pos_http_latency_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"path", "method", "status_code"},
		),
	}

	reg.MustRegister(
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEvictionsTotal,
		m.ReservationsTotal,
		m.ReservationsExpiredSwept,
		m.TaxRecomputesTotal,
		m.TaxCacheHitsTotal,
		m.SessionsCreatedTotal,
		m.SessionsSweptTotal,
		m.HTTPLatencySeconds,
	)

	return m
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware measures HTTP latency for each request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		m.HTTPLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
