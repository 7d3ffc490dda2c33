// Package metrics exposes the gateway's Prometheus collectors: pool
// occupancy, circuit breaker state, and schema cache effectiveness
// (spec.md §4.3, §4.5, §4.9), served via the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/pgai-platform/gateway/internal/breaker"
	"github.com/pgai-platform/gateway/internal/pool"
	"github.com/pgai-platform/gateway/internal/schemacache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every Prometheus metric the gateway exports, registered
// against its own registry rather than the global default so tests and
// multiple cmd/ binaries don't collide.
type Collector struct {
	Registry *prometheus.Registry

	poolActive  *prometheus.GaugeVec
	poolIdle    *prometheus.GaugeVec
	poolTotal   *prometheus.GaugeVec
	poolWaiting *prometheus.GaugeVec

	breakerState *prometheus.GaugeVec

	cacheEntries prometheus.Gauge
	cacheBytes   prometheus.Gauge
	cacheHitRate prometheus.Gauge

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates and registers the gateway's metric collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		poolActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_pool_connections_active", Help: "Active connections per pool"},
			[]string{"connection_id", "dialect"},
		),
		poolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_pool_connections_idle", Help: "Idle connections per pool"},
			[]string{"connection_id", "dialect"},
		),
		poolTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_pool_connections_total", Help: "Total connections per pool"},
			[]string{"connection_id", "dialect"},
		),
		poolWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_pool_connections_waiting", Help: "Goroutines waiting for a connection per pool"},
			[]string{"connection_id", "dialect"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_circuit_breaker_state", Help: "Circuit breaker state per upstream (0=closed, 1=half_open, 2=open)"},
			[]string{"upstream"},
		),
		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gateway_schema_cache_entries", Help: "Number of schemas held in the schema cache"},
		),
		cacheBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gateway_schema_cache_bytes", Help: "Approximate bytes held in the schema cache"},
		),
		cacheHitRate: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gateway_schema_cache_hit_rate", Help: "Schema cache hit rate, 0..1"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_http_requests_total", Help: "Total HTTP requests by route and status"},
			[]string{"route", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}

	reg.MustRegister(
		c.poolActive, c.poolIdle, c.poolTotal, c.poolWaiting,
		c.breakerState,
		c.cacheEntries, c.cacheBytes, c.cacheHitRate,
		c.requestsTotal, c.requestDuration,
	)

	return c
}

// Handler returns the /metrics exposition handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed HTTP request's outcome.
func (c *Collector) ObserveRequest(route, method, status string, seconds float64) {
	c.requestsTotal.WithLabelValues(route, method, status).Inc()
	c.requestDuration.WithLabelValues(route, method).Observe(seconds)
}

// breakerStateValue maps a breaker.State to the gauge's numeric encoding.
func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateClosed:
		return 0
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// SyncBreakers overwrites the breaker state gauge from a fresh registry
// snapshot, dropping any upstream no longer present.
func (c *Collector) SyncBreakers(states map[string]breaker.State) {
	c.breakerState.Reset()
	for upstream, state := range states {
		c.breakerState.WithLabelValues(upstream).Set(breakerStateValue(state))
	}
}

// SyncPools overwrites the per-pool gauges from a fresh Pool Manager
// snapshot, dropping any connection no longer pooled.
func (c *Collector) SyncPools(stats []pool.Stats) {
	c.poolActive.Reset()
	c.poolIdle.Reset()
	c.poolTotal.Reset()
	c.poolWaiting.Reset()
	for _, s := range stats {
		id := s.ConnectionID.String()
		dialect := string(s.Dialect)
		c.poolActive.WithLabelValues(id, dialect).Set(float64(s.Active))
		c.poolIdle.WithLabelValues(id, dialect).Set(float64(s.Idle))
		c.poolTotal.WithLabelValues(id, dialect).Set(float64(s.Total))
		c.poolWaiting.WithLabelValues(id, dialect).Set(float64(s.Waiting))
	}
}

// SyncCache overwrites the schema cache gauges from a fresh stats snapshot.
func (c *Collector) SyncCache(stats schemacache.Stats) {
	c.cacheEntries.Set(float64(stats.Entries))
	c.cacheBytes.Set(float64(stats.ApproxBytes))
	c.cacheHitRate.Set(stats.HitRate)
}
