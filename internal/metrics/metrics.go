// Package metrics exports the relay's operational counters and gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ActiveGateways prometheus.Gauge
	ActiveClients  prometheus.Gauge

	RoutedMessages        *prometheus.CounterVec
	RoutingDrops          prometheus.Counter
	RegistrationConflicts prometheus.Counter
	RejectedConnects      prometheus.Counter
	ProtocolErrors        prometheus.Counter
	LivenessEvictions     prometheus.Counter
	DisconnectCascades    *prometheus.CounterVec
	RateLimitedConns      prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ActiveGateways: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_relay_active_gateways",
			Help: "Registered gateways currently connected.",
		}),
		ActiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_relay_active_clients",
			Help: "Bound clients currently connected.",
		}),
		RoutedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_relay_routed_messages_total",
			Help: "Negotiation messages forwarded between endpoints.",
		}, []string{"type"}),
		RoutingDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_routing_drops_total",
			Help: "Negotiation messages dropped because the destination was missing or closed.",
		}),
		RegistrationConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_registration_conflicts_total",
			Help: "Gateway registrations refused because the id was in use.",
		}),
		RejectedConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_rejected_connects_total",
			Help: "Client connect requests rejected (gateway not found).",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_protocol_errors_total",
			Help: "Malformed or unknown signaling frames dropped.",
		}),
		LivenessEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_liveness_evictions_total",
			Help: "Connections terminated by the liveness monitor.",
		}),
		DisconnectCascades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_relay_disconnect_notifications_total",
			Help: "Disconnect notifications pushed to surviving endpoints.",
		}, []string{"type"}),
		RateLimitedConns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_rate_limited_connections_total",
			Help: "Connections closed for exceeding the signaling message rate limit.",
		}),
	}

	reg.MustRegister(
		m.ActiveGateways,
		m.ActiveClients,
		m.RoutedMessages,
		m.RoutingDrops,
		m.RegistrationConflicts,
		m.RejectedConnects,
		m.ProtocolErrors,
		m.LivenessEvictions,
		m.DisconnectCascades,
		m.RateLimitedConns,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
