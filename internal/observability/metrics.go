package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for hiklqqbot.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Event ingestion metrics.
	EventsReceivedTotal *prometheus.CounterVec
	EventsDroppedTotal  *prometheus.CounterVec

	// Command dispatch metrics.
	DispatchesTotal *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec

	// Gateway connection metrics.
	GatewayReconnectsTotal prometheus.Counter
	GatewayConnected       prometheus.Gauge

	// Token lifecycle metrics.
	TokenRefreshesTotal *prometheus.CounterVec

	// Outbound API metrics.
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveHandlers prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		EventsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hiklqqbot",
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Total platform events received, by kind and origin.",
		}, []string{"kind", "origin"}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hiklqqbot",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped before dispatch, by reason.",
		}, []string{"reason"}),

		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hiklqqbot",
			Subsystem: "router",
			Name:      "dispatches_total",
			Help:      "Total command dispatches, by command and status.",
		}, []string{"command", "status"}),

		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hiklqqbot",
			Subsystem: "router",
			Name:      "handler_duration_seconds",
			Help:      "Command handler execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"command"}),

		GatewayReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hiklqqbot",
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Total gateway reconnection attempts.",
		}),

		GatewayConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hiklqqbot",
			Subsystem: "gateway",
			Name:      "connected",
			Help:      "Whether the gateway websocket is currently connected (0 or 1).",
		}),

		TokenRefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hiklqqbot",
			Subsystem: "token",
			Name:      "refreshes_total",
			Help:      "Total access token refresh attempts.",
		}, []string{"status"}),

		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hiklqqbot",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total outbound platform API requests.",
		}, []string{"endpoint", "status"}),

		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hiklqqbot",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Outbound platform API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		ActiveHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hiklqqbot",
			Name:      "active_handlers",
			Help:      "Number of currently running command handlers.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.EventsReceivedTotal,
		m.EventsDroppedTotal,
		m.DispatchesTotal,
		m.HandlerDuration,
		m.GatewayReconnectsTotal,
		m.GatewayConnected,
		m.TokenRefreshesTotal,
		m.APIRequestsTotal,
		m.APIRequestDuration,
		m.ActiveHandlers,
	)

	return m
}
