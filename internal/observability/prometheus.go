// PromMetrics mirrors a gateway-style initMetrics/handleHealth counter and
// histogram set, generalized from a single gateway-wide metrics struct to
// the connection/message/error surface this module exposes. Unlike a
// component that registers onto the global prometheus default registry,
// PromMetrics owns a private *prometheus.Registry so multiple instances
// (and tests) don't collide on process-wide metric names.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromMetrics is the Prometheus-backed counter/histogram set exported over
// /metrics.
type PromMetrics struct {
	registry *prometheus.Registry

	ConnectionsTotal   prometheus.Counter
	DisconnectsTotal   prometheus.Counter
	MessagesSent       prometheus.Counter
	MessagesReceived   prometheus.Counter
	ErrorsTotal        *prometheus.CounterVec
	RoundTripSeconds   prometheus.Histogram
	CircuitBreakerOpen *prometheus.GaugeVec
}

// NewPromMetrics builds and registers the metric set on a private registry.
func NewPromMetrics() *PromMetrics {
	reg := prometheus.NewRegistry()

	m := &PromMetrics{
		registry: reg,
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_connections_total",
			Help: "Total number of device connections established",
		}),
		DisconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_disconnects_total",
			Help: "Total number of device disconnects",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_messages_sent_total",
			Help: "Total number of messages sent across all communicators",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogen_messages_received_total",
			Help: "Total number of messages received across all communicators",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hydrogen_errors_total",
			Help: "Total number of recovery-engine errors by category",
		}, []string{"category"}),
		RoundTripSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hydrogen_roundtrip_seconds",
			Help:    "Request/response round-trip latency for synchronous sends",
			Buckets: prometheus.DefBuckets,
		}),
		CircuitBreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hydrogen_circuit_breaker_open",
			Help: "1 if the named circuit breaker is open, 0 otherwise",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.DisconnectsTotal,
		m.MessagesSent,
		m.MessagesReceived,
		m.ErrorsTotal,
		m.RoundTripSeconds,
		m.CircuitBreakerOpen,
	)
	return m
}

// Handler returns the http.Handler to mount at /metrics.
func (m *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for callers that want to register
// additional collectors alongside this set.
func (m *PromMetrics) Registry() *prometheus.Registry { return m.registry }
