package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not request-specific)
type Metrics struct {
	// Session protocol metrics
	SessionOps      *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec

	// Gateway metrics
	ProxyRequests *prometheus.CounterVec
	QueueWaiting  prometheus.Gauge
	QueueBypassed prometheus.Counter

	// Liveness metrics
	ServiceAlive *prometheus.GaugeVec

	// Bus metrics
	BusConnected prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SessionOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "appointdent",
				Subsystem: "session",
				Name:      "operations_total",
				Help:      "Session protocol operations by type and result",
			},
			[]string{"operation", "result"},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "appointdent",
				Subsystem: "protocol",
				Name:      "dropped_frames_total",
				Help:      "Malformed frames dropped at the boundary, by subject",
			},
			[]string{"subject"},
		),

		ProxyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "appointdent",
				Subsystem: "gateway",
				Name:      "proxy_requests_total",
				Help:      "Proxied requests by target service and outcome",
			},
			[]string{"service", "outcome"},
		),

		QueueWaiting: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "appointdent",
				Subsystem: "gateway",
				Name:      "queue_waiting",
				Help:      "Requests currently waiting in the admission queue",
			},
		),

		QueueBypassed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "appointdent",
				Subsystem: "gateway",
				Name:      "queue_bypassed_total",
				Help:      "Requests that bypassed the admission queue (admin traffic)",
			},
		),

		ServiceAlive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "appointdent",
				Subsystem: "heartbeat",
				Name:      "service_alive",
				Help:      "Per-service liveness derived from heartbeats (1 alive, 0 dead)",
			},
			[]string{"service"},
		),

		BusConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "appointdent",
				Subsystem: "bus",
				Name:      "connected",
				Help:      "Bus connection state (1 connected, 0 otherwise)",
			},
		),
	}
}
