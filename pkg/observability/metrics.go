package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline
type Metrics struct {
	// Ingress metrics
	EventsConsumedTotal *prometheus.CounterVec
	FanoutSize          prometheus.Histogram

	// Delivery metrics
	DeliveriesTotal       *prometheus.CounterVec
	DeliveryAttemptsTotal *prometheus.CounterVec
	DeliveryDuration      *prometheus.HistogramVec

	// Subscription cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// HTTP API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		EventsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhook_events_consumed_total",
				Help: "Total number of ingress messages consumed, by outcome",
			},
			[]string{"outcome"},
		),
		FanoutSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chainhook_fanout_size",
				Help:    "Number of matching subscriptions per event",
				Buckets: prometheus.ExponentialBuckets(1, 2, 8),
			},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhook_deliveries_total",
				Help: "Total number of terminal webhook deliveries, by status",
			},
			[]string{"status"},
		),
		DeliveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhook_delivery_attempts_total",
				Help: "Total number of webhook delivery attempts, by status",
			},
			[]string{"status"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainhook_delivery_duration_seconds",
				Help:    "Webhook delivery attempt duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chainhook_subscription_cache_hits_total",
				Help: "Total number of subscription cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chainhook_subscription_cache_misses_total",
				Help: "Total number of subscription cache misses",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhook_http_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainhook_http_request_duration_seconds",
				Help:    "HTTP API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.EventsConsumedTotal,
		m.FanoutSize,
		m.DeliveriesTotal,
		m.DeliveryAttemptsTotal,
		m.DeliveryDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Handler returns the HTTP handler exposing the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
