package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	// Reset default registry for test isolation
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := New()

	if m.TunnelsTotal == nil {
		t.Error("TunnelsTotal is nil")
	}
	if m.ActiveTunnels == nil {
		t.Error("ActiveTunnels is nil")
	}
	if m.TunnelSocketsActive == nil {
		t.Error("TunnelSocketsActive is nil")
	}
	if m.ForwardedRequestsTotal == nil {
		t.Error("ForwardedRequestsTotal is nil")
	}
	if m.ErrorsTotal == nil {
		t.Error("ErrorsTotal is nil")
	}
	if m.OnlineTotal == nil {
		t.Error("OnlineTotal is nil")
	}
	if m.OfflineTotal == nil {
		t.Error("OfflineTotal is nil")
	}

	// Verify metrics can be used without panic
	m.TunnelsTotal.Inc()
	m.ActiveTunnels.Set(5)
	m.TunnelSocketsActive.Set(12)
	m.ForwardedRequestsTotal.WithLabelValues("request").Inc()
	m.ForwardedRequestsTotal.WithLabelValues("upgrade").Inc()
	m.ErrorsTotal.WithLabelValues("dial_failure").Inc()
	m.OnlineTotal.Inc()
	m.OfflineTotal.Inc()

	// Verify metrics are gathered
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"openport_tunnels_total",
		"openport_active_tunnels",
		"openport_tunnel_sockets_active",
		"openport_forwarded_requests_total",
		"openport_errors_total",
		"openport_online_total",
		"openport_offline_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("missing metric: %s", name)
		}
	}
}
