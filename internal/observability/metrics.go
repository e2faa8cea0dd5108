package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "issuer"

// Client authentication outcomes
const (
	AuthResultSuccess      = "success"
	AuthResultPublic       = "public"
	AuthResultInvalid      = "invalid"
	AuthResultRotatedGrace = "rotated_grace"
)

// Metrics holds the issuer's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ClientAuthTotal      *prometheus.CounterVec
	ClientAuthDuration   prometheus.Histogram
	PermissionCacheTotal *prometheus.CounterVec
	SessionConflicts     prometheus.Counter
	SessionsSwept        prometheus.Counter
}

// NewMetrics creates the collectors and registers them on a private registry
// together with the Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ClientAuthTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_auth_total",
				Help:      "Client secret validations by result.",
			},
			[]string{"result"},
		),
		ClientAuthDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "client_auth_duration_seconds",
				Help:      "Duration of client secret validation.",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		PermissionCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "permission_cache_total",
				Help:      "Permission cache lookups by outcome.",
			},
			[]string{"outcome"},
		),
		SessionConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_conflicts_total",
				Help:      "Browser session writes rejected by a version conflict.",
			},
		),
		SessionsSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_swept_total",
				Help:      "Expired browser sessions deleted by the sweeper.",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ClientAuthTotal,
		m.ClientAuthDuration,
		m.PermissionCacheTotal,
		m.SessionConflicts,
		m.SessionsSwept,
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordClientAuth counts one validation and its duration
func (m *Metrics) RecordClientAuth(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ClientAuthTotal.WithLabelValues(result).Inc()
	m.ClientAuthDuration.Observe(elapsed.Seconds())
}

// RecordPermissionCache counts a cache hit or miss
func (m *Metrics) RecordPermissionCache(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.PermissionCacheTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionConflict counts a rejected conditional session write
func (m *Metrics) RecordSessionConflict() {
	if m == nil {
		return
	}
	m.SessionConflicts.Inc()
}

// RecordSessionsSwept adds n deleted sessions
func (m *Metrics) RecordSessionsSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsSwept.Add(float64(n))
}
