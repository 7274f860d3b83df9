// Package edge implements the thin public-facing HTTP server that routes
// inbound requests to a tunnel client by id and hands them to the
// tunnel package's forwarding algorithms.
package edge

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/openport-io/openport/internal/config"
	"github.com/openport-io/openport/internal/metrics"
	"github.com/openport-io/openport/internal/security"
	"github.com/openport-io/openport/internal/tunnel"
)

// Server is the public edge HTTP handler: it resolves a client id from the
// request and forwards to that client's tunnel, or returns 404 if no such
// tunnel is registered.
type Server struct {
	Manager     *tunnel.Manager
	RateLimiter *security.RateLimiter
	Metrics     *metrics.Metrics // optional, nil if metrics disabled

	mu  sync.RWMutex
	cfg *config.Config
}

// New creates an edge Server bound to manager and the given initial config.
func New(manager *tunnel.Manager, cfg *config.Config) *Server {
	return &Server{Manager: manager, cfg: cfg}
}

// UpdateConfig swaps the config (called on SIGHUP reload).
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Server) getConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ServeHTTP applies rate limiting, resolves the target client id, then
// dispatches to ForwardUpgrade or ForwardRequest depending on whether the
// inbound request is a WebSocket upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := s.getConfig()

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}

	if cfg.Security.RateLimit.Enabled && s.RateLimiter != nil && !s.RateLimiter.Allow(clientIP) {
		slog.Warn("edge: rate limit exceeded", "client_ip", clientIP)
		if s.Metrics != nil {
			s.Metrics.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		}
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	id, path := resolveClientID(r, cfg.Broker.BaseDomain)
	if id == "" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	client := s.Manager.GetClient(id)
	if client == nil {
		if s.Metrics != nil {
			s.Metrics.ErrorsTotal.WithLabelValues("unknown_tunnel").Inc()
		}
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if path != r.URL.Path {
		r = r.Clone(r.Context())
		r.URL.Path = path
	}

	if isWebSocketUpgrade(r) {
		if s.Metrics != nil {
			s.Metrics.ForwardedRequestsTotal.WithLabelValues("upgrade").Inc()
		}
		client.ForwardUpgrade(w, r)
		return
	}

	if s.Metrics != nil {
		s.Metrics.ForwardedRequestsTotal.WithLabelValues("http").Inc()
	}
	client.ForwardRequest(w, r)
}

// resolveClientID extracts the target client id from the request: the
// left-most label of the Host header when it falls under baseDomain, or
// the first path segment of a "/t/<id>/..." prefix as a fallback for local
// testing without DNS. It returns the id and the path the request should
// be forwarded with (the "/t/<id>" prefix stripped when that form is used).
func resolveClientID(r *http.Request, baseDomain string) (id string, path string) {
	if baseDomain != "" {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		suffix := "." + baseDomain
		if strings.HasSuffix(host, suffix) {
			label := strings.TrimSuffix(host, suffix)
			if label != "" && !strings.Contains(label, ".") {
				return label, r.URL.Path
			}
		}
	}

	const prefix = "/t/"
	if strings.HasPrefix(r.URL.Path, prefix) {
		rest := r.URL.Path[len(prefix):]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return rest, "/"
		}
		return rest[:slash], rest[slash:]
	}

	return "", ""
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContains(r.Header, "Connection", "upgrade")
}

func headerContains(h http.Header, key, value string) bool {
	for _, v := range h[http.CanonicalHeaderKey(key)] {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(s), value) {
				return true
			}
		}
	}
	return false
}
