package webui

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// statusResponse is the JSON body for GET /api/v1/status.
type statusResponse struct {
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	ActiveTunnels int     `json:"active_tunnels"`
	TotalCreated  int64   `json:"total_tunnels_created"`
	MemoryMB      float64 `json:"memory_mb"`
	Goroutines    int     `json:"goroutines"`
	Version       string  `json:"version"`
	BuildTime     string  `json:"build_time"`
	GitCommit     string  `json:"git_commit"`
}

func (ui *WebUI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(ui.deps.StartTime)
	stats := ui.deps.Manager.Stats()

	resp := statusResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		ActiveTunnels: stats.Tunnels,
		TotalCreated:  ui.deps.Manager.TotalCreated(),
		MemoryMB:      float64(memStats.Alloc) / 1024 / 1024,
		Goroutines:    runtime.NumGoroutine(),
		Version:       ui.deps.Version,
		BuildTime:     ui.deps.BuildTime,
		GitCommit:     ui.deps.GitCommit,
	}

	writeJSON(w, http.StatusOK, resp)
}

// tunnelEntry describes one registered tunnel for the admin listing.
type tunnelEntry struct {
	ID               string `json:"id"`
	Port             int    `json:"port"`
	MaxConnCount     int    `json:"max_conn_count"`
	ConnectedSockets int    `json:"connected_sockets"`
}

func (ui *WebUI) handleTunnels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ui.handleTunnelsList(w, r)
	case http.MethodPost:
		ui.handleTunnelCreate(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (ui *WebUI) handleTunnelsList(w http.ResponseWriter, _ *http.Request) {
	infos := ui.deps.Manager.ListInfo()
	entries := make([]tunnelEntry, 0, len(infos))
	for _, info := range infos {
		connected := 0
		if c := ui.deps.Manager.GetClient(info.ID); c != nil {
			connected = c.Stats().ConnectedSockets
		}
		entries = append(entries, tunnelEntry{
			ID:               info.ID,
			Port:             info.Port,
			MaxConnCount:     info.MaxConnCount,
			ConnectedSockets: connected,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	writeJSON(w, http.StatusOK, entries)
}

// createTunnelRequest is the JSON body for POST /api/v1/tunnels.
type createTunnelRequest struct {
	ID string `json:"id,omitempty"`
}

func (ui *WebUI) handleTunnelCreate(w http.ResponseWriter, r *http.Request) {
	var req createTunnelRequest
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
			return
		}
	}

	if ui.deps.GetConfig != nil {
		if limit := ui.deps.GetConfig().Security.MaxTunnels; ui.deps.Manager.Stats().Tunnels >= limit {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "max_tunnels limit reached"})
			return
		}
	}

	info, err := ui.deps.Manager.NewClient(req.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	slog.Info("tunnel created via admin API", "id", info.ID, "port", info.Port)
	writeJSON(w, http.StatusCreated, tunnelEntry{ID: info.ID, Port: info.Port, MaxConnCount: info.MaxConnCount})
}

func (ui *WebUI) handleTunnelByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/tunnels/")
	if id == "" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		c := ui.deps.Manager.GetClient(id)
		if c == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such tunnel"})
			return
		}
		writeJSON(w, http.StatusOK, tunnelEntry{
			ID:               c.ID(),
			Port:             c.Port(),
			ConnectedSockets: c.Stats().ConnectedSockets,
		})
	case http.MethodDelete:
		if !ui.deps.Manager.HasClient(id) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such tunnel"})
			return
		}
		ui.deps.Manager.RemoveClient(id)
		slog.Info("tunnel removed via admin API", "id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// configResponse is the JSON body for GET /api/v1/config.
type configResponse struct {
	Reloadable configReloadable `json:"reloadable"`
	ReadOnly   configReadOnly   `json:"read_only"`
}

type configReloadable struct {
	LogLevel          string `json:"log_level"`
	MaxTunnels        int    `json:"max_tunnels"`
	MaxTCPSockets     int    `json:"max_tcp_sockets"`
	RateLimitEnabled  bool   `json:"rate_limit_enabled"`
	ConnectionsPerMin int    `json:"connections_per_minute"`
	AdminAuthTokenSet bool   `json:"admin_auth_token_set"`
}

type configReadOnly struct {
	EdgeAddress        string `json:"edge_address"`
	AdminAddress       string `json:"admin_address"`
	HealthAddress      string `json:"health_address"`
	TailscaleOnlyAdmin bool   `json:"tailscale_only_admin"`
	TLSEnabled         bool   `json:"tls_enabled"`
}

func (ui *WebUI) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ui.handleConfigGet(w, r)
	case http.MethodPut:
		ui.handleConfigPut(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (ui *WebUI) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	cfg := ui.deps.GetConfig()

	resp := configResponse{
		Reloadable: configReloadable{
			LogLevel:          cfg.Logging.Level,
			MaxTunnels:        cfg.Security.MaxTunnels,
			MaxTCPSockets:     cfg.Broker.MaxTCPSockets,
			RateLimitEnabled:  cfg.Security.RateLimit.Enabled,
			ConnectionsPerMin: cfg.Security.RateLimit.ConnectionsPerMinute,
			AdminAuthTokenSet: cfg.Security.AdminAuthToken != "",
		},
		ReadOnly: configReadOnly{
			EdgeAddress:        cfg.Broker.EdgeAddress,
			AdminAddress:       cfg.Broker.AdminAddress,
			HealthAddress:      cfg.Health.ListenAddress,
			TailscaleOnlyAdmin: cfg.Security.TailscaleOnlyAdmin,
			TLSEnabled:         cfg.Broker.TLS.Enabled,
		},
	}

	writeJSON(w, http.StatusOK, resp)
}

// configUpdateRequest is the JSON body for PUT /api/v1/config.
type configUpdateRequest struct {
	LogLevel          *string `json:"log_level,omitempty"`
	MaxTunnels        *int    `json:"max_tunnels,omitempty"`
	MaxTCPSockets     *int    `json:"max_tcp_sockets,omitempty"`
	RateLimitEnabled  *bool   `json:"rate_limit_enabled,omitempty"`
	ConnectionsPerMin *int    `json:"connections_per_minute,omitempty"`
}

func (ui *WebUI) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}

	var req configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	cfg := ui.deps.GetConfig()
	updated := *cfg

	if req.LogLevel != nil {
		switch *req.LogLevel {
		case "debug", "info", "warn", "error":
			updated.Logging.Level = *req.LogLevel
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "log_level must be debug, info, warn, or error"})
			return
		}
	}
	if req.MaxTunnels != nil {
		if *req.MaxTunnels <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_tunnels must be positive"})
			return
		}
		updated.Security.MaxTunnels = *req.MaxTunnels
	}
	if req.MaxTCPSockets != nil {
		if *req.MaxTCPSockets <= 0 || *req.MaxTCPSockets > 65535 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_tcp_sockets must be 1-65535"})
			return
		}
		updated.Broker.MaxTCPSockets = *req.MaxTCPSockets
	}
	if req.RateLimitEnabled != nil {
		updated.Security.RateLimit.Enabled = *req.RateLimitEnabled
	}
	if req.ConnectionsPerMin != nil {
		if *req.ConnectionsPerMin <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "connections_per_minute must be positive"})
			return
		}
		updated.Security.RateLimit.ConnectionsPerMinute = *req.ConnectionsPerMin
	}

	slog.Info("config updated via web UI",
		"log_level", updated.Logging.Level,
		"max_tunnels", updated.Security.MaxTunnels,
	)

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// logEntryResponse mirrors logring.LogEntry for JSON serialization.
type logEntryResponse struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

func (ui *WebUI) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	minLevel := slog.LevelDebug
	if v := r.URL.Query().Get("level"); v != "" {
		switch v {
		case "debug":
			minLevel = slog.LevelDebug
		case "info":
			minLevel = slog.LevelInfo
		case "warn":
			minLevel = slog.LevelWarn
		case "error":
			minLevel = slog.LevelError
		}
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			since = t
		}
	}

	entries := ui.deps.RingBuffer.Entries(limit, minLevel, since)
	resp := make([]logEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = logEntryResponse{
			Time:    e.Time.Format(time.RFC3339Nano),
			Level:   e.Level.String(),
			Message: e.Message,
			Attrs:   e.Attrs,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// streamSnapshot is pushed to admin UI viewers over the /api/v1/stream
// WebSocket once per tick so the dashboard can show live tunnel counts
// without polling.
type streamSnapshot struct {
	ActiveTunnels int           `json:"active_tunnels"`
	Tunnels       []tunnelEntry `json:"tunnels"`
}

// handleStream upgrades to a WebSocket and pushes periodic snapshots of the
// tunnel registry. This is the admin dashboard's live event feed — the core
// tunnel wire itself never uses WebSocket framing, only raw serialized HTTP
// (see internal/tunnel/forward.go).
func (ui *WebUI) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			snap := ui.snapshot()
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (ui *WebUI) snapshot() streamSnapshot {
	infos := ui.deps.Manager.ListInfo()
	entries := make([]tunnelEntry, 0, len(infos))
	for _, info := range infos {
		connected := 0
		if c := ui.deps.Manager.GetClient(info.ID); c != nil {
			connected = c.Stats().ConnectedSockets
		}
		entries = append(entries, tunnelEntry{
			ID:               info.ID,
			Port:             info.Port,
			MaxConnCount:     info.MaxConnCount,
			ConnectedSockets: connected,
		})
	}
	return streamSnapshot{ActiveTunnels: len(entries), Tunnels: entries}
}

func (ui *WebUI) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if !requireJSON(w, r) {
		return
	}

	if ui.deps.ReloadFunc == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reload not available"})
		return
	}

	if err := ui.deps.ReloadFunc(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (ui *WebUI) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if !requireJSON(w, r) {
		return
	}

	slog.Warn("restart requested via web UI")
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	// Exit with code 1 so systemd Restart=always restarts us.
	go func() {
		time.Sleep(500 * time.Millisecond)
		os.Exit(1)
	}()
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// requireJSON checks that the Content-Type header is application/json.
// Returns false (and writes an error response) if the check fails.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Content-Type must be application/json"})
		return false
	}
	return true
}
