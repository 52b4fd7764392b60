// ABOUTME: Prometheus collectors for live delivery, connections and sends
// ABOUTME: Implements the registry and conversation observer hooks

package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/registry"
)

const namespace = "parley"

// Metrics owns a private Prometheus registry so tests and multiple gateways
// in one process do not collide on the global one.
type Metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	deliveries  *prometheus.CounterVec
	sends       *prometheus.CounterVec
	rejected    prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Live websocket connections attached to the registry.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-connection live deliveries by conversation kind and result.",
		}, []string{"kind", "result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Message sends by outcome.",
		}, []string{"outcome"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_frames_total",
			Help:      "Websocket frames dropped by the per-connection rate limit.",
		}),
	}
	m.registry.MustRegister(
		m.connections,
		m.deliveries,
		m.sends,
		m.rejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveConnections implements registry.Observer.
func (m *Metrics) ObserveConnections(n int) {
	m.connections.Set(float64(n))
}

// ObserveDelivery implements registry.Observer. Deliveries are labelled
// with the conversation kind their topic belongs to.
func (m *Metrics) ObserveDelivery(topic string, err error) {
	m.deliveries.WithLabelValues(topicKind(topic), deliveryResult(err)).Inc()
}

func topicKind(topic string) string {
	conv, err := chat.ParseTopic(topic)
	if err != nil {
		return "unknown"
	}
	return string(conv.Kind)
}

func deliveryResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, registry.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, registry.ErrSendTimeout):
		return "timeout"
	case errors.Is(err, registry.ErrDisconnected):
		return "disconnected"
	default:
		return "error"
	}
}

// ObserveSend implements conversation.Observer.
func (m *Metrics) ObserveSend(outcome conversation.Outcome) {
	m.sends.WithLabelValues(string(outcome)).Inc()
}

// ObserveRateLimited counts a frame dropped by the rate limiter.
func (m *Metrics) ObserveRateLimited() {
	m.rejected.Inc()
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var (
	_ registry.Observer     = (*Metrics)(nil)
	_ conversation.Observer = (*Metrics)(nil)
)
