package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the openport broker.
type Metrics struct {
	TunnelsTotal           prometheus.Counter
	ActiveTunnels          prometheus.Gauge
	TunnelSocketsActive    prometheus.Gauge
	ForwardedRequestsTotal *prometheus.CounterVec
	ErrorsTotal            *prometheus.CounterVec
	OnlineTotal            prometheus.Counter
	OfflineTotal           prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		TunnelsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "openport_tunnels_total",
			Help: "Total tunnels created",
		}),
		ActiveTunnels: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "openport_active_tunnels",
			Help: "Current number of registered tunnels",
		}),
		TunnelSocketsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "openport_tunnel_sockets_active",
			Help: "Current number of connected tunnel sockets across all clients",
		}),
		ForwardedRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "openport_forwarded_requests_total",
			Help: "Total requests forwarded through tunnels",
		}, []string{"direction"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "openport_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
		OnlineTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "openport_online_total",
			Help: "Total times a client transitioned from offline to online",
		}),
		OfflineTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "openport_offline_total",
			Help: "Total times a client transitioned from online to offline",
		}),
	}
}
