package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/openport-io/openport/internal/metrics"
	"github.com/openport-io/openport/internal/tunnel"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status        string   `json:"status"`
	Uptime        string   `json:"uptime"`
	ActiveTunnels int      `json:"active_tunnels"`
	Version       string   `json:"version"`
	Timestamp     string   `json:"timestamp"`
	Details       *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalTunnelsCreated int64   `json:"total_tunnels_created"`
	MemoryMB            float64 `json:"memory_mb"`
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	manager   *tunnel.Manager
	metrics   *metrics.Metrics // optional, nil if metrics disabled
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(m *tunnel.Manager, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		manager:   m,
		version:   version,
		detailed:  detailed,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// ServeHTTP handles health check requests.
// Health listener runs on 127.0.0.1:8081 (separate from both the public edge
// listener and the admin listener). This allows local monitoring tools
// (systemd, Prometheus, Nagios) to check health without touching either
// public-facing surface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stats := h.manager.Stats()

	if h.metrics != nil {
		h.metrics.ActiveTunnels.Set(float64(stats.Tunnels))
	}

	resp := Response{
		Status:        "ok",
		Uptime:        time.Since(h.startTime).Round(time.Second).String(),
		ActiveTunnels: stats.Tunnels,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalTunnelsCreated: h.manager.TotalCreated(),
			MemoryMB:            float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
