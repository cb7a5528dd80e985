package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the engine.
// Each instance owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline
	SamplesProcessed *prometheus.CounterVec // labels: symbol
	SamplesRejected  *prometheus.CounterVec // labels: symbol, reason
	TickDuration     prometheus.Histogram
	Symbols          prometheus.Gauge

	// Alerts
	AlertsTriggered *prometheus.CounterVec // labels: symbol, kind
	ActiveRules     *prometheus.GaugeVec   // labels: symbol

	// Sinks
	SinkDropped *prometheus.CounterVec // labels: sink
	SinkErrors  *prometheus.CounterVec // labels: sink

	// Transport
	NATSPublished  *prometheus.CounterVec // labels: subject
	NATSReceived   prometheus.Counter
	WSClients      prometheus.Gauge
	WSMessagesSent prometheus.Counter
	HTTPRequests   *prometheus.CounterVec // labels: method, route, status
	HTTPDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SamplesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealer_samples_processed_total",
			Help: "Samples accepted by a symbol pipeline",
		}, []string{"symbol"}),
		SamplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealer_samples_rejected_total",
			Help: "Samples rejected by a symbol pipeline",
		}, []string{"symbol", "reason"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dealer_tick_duration_seconds",
			Help:    "Append, indicator, score and rule evaluation latency per tick",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		Symbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealer_symbols",
			Help: "Symbols with a live pipeline",
		}),

		AlertsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealer_alerts_triggered_total",
			Help: "Alert rule firings",
		}, []string{"symbol", "kind"}),
		ActiveRules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dealer_active_rules",
			Help: "Rules in MONITORING state",
		}, []string{"symbol"}),

		SinkDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealer_sink_dropped_total",
			Help: "Events dropped because a sink queue was full",
		}, []string{"sink"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealer_sink_errors_total",
			Help: "Sink delivery failures",
		}, []string{"sink"}),

		NATSPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nats_messages_published_total",
			Help: "Messages published to NATS",
		}, []string{"subject"}),
		NATSReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nats_messages_received_total",
			Help: "Sample messages consumed from NATS",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "api_websocket_connections",
			Help: "Connected websocket clients",
		}),
		WSMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "api_websocket_messages_sent_total",
			Help: "Messages written to websocket clients",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_http_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SamplesProcessed,
		m.SamplesRejected,
		m.TickDuration,
		m.Symbols,
		m.AlertsTriggered,
		m.ActiveRules,
		m.SinkDropped,
		m.SinkErrors,
		m.NATSPublished,
		m.NATSReceived,
		m.WSClients,
		m.WSMessagesSent,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Timer returns a function that observes the elapsed time on h when called
func Timer(h prometheus.Observer) func() {
	start := time.Now()
	return func() {
		h.Observe(time.Since(start).Seconds())
	}
}
