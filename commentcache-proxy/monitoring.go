package main

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/happyheadlines/commentcache/store"
)

// PrometheusMetrics - Receives thread cache events and exposes them, along with the
// HTTP front counters, on /metrics
type PrometheusMetrics struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	evictions *prometheus.CounterVec
	sizes     *prometheus.GaugeVec
	responses *prometheus.CounterVec
}

func NewPrometheusMetrics(latency *store.LatencyEstimator) *PrometheusMetrics {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Cache lookups.",
		}, []string{"layer"}),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache lookups answered from the cache.",
		}, []string{"layer"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Cache lookups that fell back to the comment service.",
		}, []string{"layer"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Article threads evicted to honour the capacity limit.",
		}, []string{"layer"}),
		sizes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cache_size",
			Help: "Entries currently tracked by the cache.",
		}, []string{"layer"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_responses_total",
			Help: "Responses sent by the HTTP front.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.requests, m.hits, m.misses, m.evictions, m.sizes, m.responses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if latency != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "store_round_trip_seconds",
				Help: "Moving average of the shared store round-trip time.",
			}, func() float64 { return latency.Value().Seconds() }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "store_round_trip_failures_total",
				Help: "Shared store round trips that failed.",
			}, func() float64 {
				_, failures := latency.Counts()
				return float64(failures)
			}),
		)
	}
	return m
}

func (m *PrometheusMetrics) Hit(name string) {
	m.requests.WithLabelValues(name).Inc()
	m.hits.WithLabelValues(name).Inc()
}

func (m *PrometheusMetrics) Miss(name string) {
	m.requests.WithLabelValues(name).Inc()
	m.misses.WithLabelValues(name).Inc()
}

func (m *PrometheusMetrics) Evict(name string) {
	m.evictions.WithLabelValues(name).Inc()
}

func (m *PrometheusMetrics) SetSize(name string, n int64) {
	m.sizes.WithLabelValues(name).Set(float64(n))
}

func (m *PrometheusMetrics) Response(route string, code int) {
	m.responses.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *PrometheusMetrics) Handler(config MonitoringConfig) http.Handler {
	return basicAuthMiddleware(config, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func basicAuthMiddleware(config MonitoringConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if username is empty
		if config.Username == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(config.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(config.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Comment Cache Metrics"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
