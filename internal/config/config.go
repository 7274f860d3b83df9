package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for openport.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// BrokerConfig contains the core tunnel broker settings.
type BrokerConfig struct {
	// EdgeAddress is where external HTTP/WebSocket traffic arrives and is
	// routed to a tunnel by client id.
	EdgeAddress string `yaml:"edge_address"`
	// AdminAddress serves the Client Manager admin API (create/list/remove
	// tunnels) and the embedded web UI.
	AdminAddress string `yaml:"admin_address"`
	// TunnelBindHost is the interface each per-client Agent listener binds
	// to. "" binds all interfaces.
	TunnelBindHost string `yaml:"tunnel_bind_host"`
	// BaseDomain, if set, lets the edge server resolve a client id from the
	// left-most label of the request Host header.
	BaseDomain string `yaml:"base_domain"`

	MaxTCPSockets int           `yaml:"max_tcp_sockets"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`

	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig contains optional TLS settings for the public edge listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	TailscaleOnlyAdmin bool            `yaml:"tailscale_only_admin"`
	AdminAuthToken      string          `yaml:"admin_auth_token"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxTunnels          int             `yaml:"max_tunnels"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			EdgeAddress:    "0.0.0.0:8000",
			AdminAddress:   "100.64.0.1:8080",
			TunnelBindHost: "0.0.0.0",
			MaxTCPSockets:  10,
			GracePeriod:    time.Second,
			DrainTimeout:   30 * time.Second,
		},
		Security: SecurityConfig{
			TailscaleOnlyAdmin: true,
			MaxTunnels:         1000,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8081",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'sudo openport setup' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s (try running with sudo)", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Broker validation
	if c.Broker.EdgeAddress == "" {
		return fmt.Errorf("broker.edge_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Broker.EdgeAddress); err != nil {
		return fmt.Errorf("broker.edge_address is invalid: %w", err)
	}
	if c.Broker.AdminAddress == "" {
		return fmt.Errorf("broker.admin_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Broker.AdminAddress); err != nil {
		return fmt.Errorf("broker.admin_address is invalid: %w", err)
	}
	if c.Broker.EdgeAddress == c.Broker.AdminAddress {
		return fmt.Errorf("broker.edge_address and broker.admin_address must be different")
	}
	if c.Broker.MaxTCPSockets <= 0 {
		return fmt.Errorf("broker.max_tcp_sockets must be positive")
	}
	if c.Broker.GracePeriod <= 0 {
		return fmt.Errorf("broker.grace_period must be positive")
	}
	if c.Broker.DrainTimeout <= 0 {
		return fmt.Errorf("broker.drain_timeout must be positive")
	}

	// Upper bounds
	if c.Broker.MaxTCPSockets > 65535 {
		return fmt.Errorf("broker.max_tcp_sockets must not exceed 65535")
	}
	if c.Broker.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("broker.drain_timeout must not exceed 5m")
	}

	// Listen address safety check
	if c.Security.TailscaleOnlyAdmin {
		host, _, _ := net.SplitHostPort(c.Broker.AdminAddress)
		if host == "0.0.0.0" || host == "::" || host == "" {
			return fmt.Errorf("broker.admin_address should not bind to all interfaces when security.tailscale_only_admin is true (use a Tailscale IP)")
		}
	}

	// TLS validation
	if c.Broker.TLS.Enabled {
		if c.Broker.TLS.CertFile == "" {
			return fmt.Errorf("broker.tls.cert_file is required when TLS is enabled")
		}
		if c.Broker.TLS.KeyFile == "" {
			return fmt.Errorf("broker.tls.key_file is required when TLS is enabled")
		}
	}

	// Security validation
	if c.Security.MaxTunnels <= 0 {
		return fmt.Errorf("security.max_tunnels must be positive")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Health validation
	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		host, _, _ := net.SplitHostPort(c.Health.ListenAddress)
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics")
		}
		if c.Broker.AdminAddress == c.Health.ListenAddress {
			return fmt.Errorf("broker.admin_address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies OPENPORT_ prefixed environment variables.
// Convention: OPENPORT_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"OPENPORT_BROKER_EDGE_ADDRESS":     func(v string) { cfg.Broker.EdgeAddress = v },
		"OPENPORT_BROKER_ADMIN_ADDRESS":    func(v string) { cfg.Broker.AdminAddress = v },
		"OPENPORT_BROKER_TUNNEL_BIND_HOST": func(v string) { cfg.Broker.TunnelBindHost = v },
		"OPENPORT_BROKER_BASE_DOMAIN":      func(v string) { cfg.Broker.BaseDomain = v },
		"OPENPORT_BROKER_MAX_TCP_SOCKETS":  func(v string) { cfg.Broker.MaxTCPSockets = parseInt(v, cfg.Broker.MaxTCPSockets) },
		"OPENPORT_BROKER_GRACE_PERIOD":     func(v string) { cfg.Broker.GracePeriod = parseDuration(v, cfg.Broker.GracePeriod) },
		"OPENPORT_BROKER_DRAIN_TIMEOUT":    func(v string) { cfg.Broker.DrainTimeout = parseDuration(v, cfg.Broker.DrainTimeout) },
		"OPENPORT_SECURITY_TAILSCALE_ONLY_ADMIN": func(v string) {
			cfg.Security.TailscaleOnlyAdmin = parseBool(v, cfg.Security.TailscaleOnlyAdmin)
		},
		"OPENPORT_SECURITY_ADMIN_AUTH_TOKEN":   func(v string) { cfg.Security.AdminAuthToken = v },
		"OPENPORT_SECURITY_MAX_TUNNELS":        func(v string) { cfg.Security.MaxTunnels = parseInt(v, cfg.Security.MaxTunnels) },
		"OPENPORT_SECURITY_RATE_LIMIT_ENABLED": func(v string) { cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled) },
		"OPENPORT_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"OPENPORT_LOGGING_LEVEL":         func(v string) { cfg.Logging.Level = v },
		"OPENPORT_LOGGING_FORMAT":        func(v string) { cfg.Logging.Format = v },
		"OPENPORT_LOGGING_FILE":          func(v string) { cfg.Logging.File = v },
		"OPENPORT_HEALTH_ENABLED":        func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"OPENPORT_HEALTH_LISTEN_ADDRESS": func(v string) { cfg.Health.ListenAddress = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: edge_address, admin_address, tunnel_bind_host, tls, health.listen_address
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Broker.MaxTCPSockets = newCfg.Broker.MaxTCPSockets
	updated.Broker.GracePeriod = newCfg.Broker.GracePeriod
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.AdminAuthToken = newCfg.Security.AdminAuthToken
	updated.Security.MaxTunnels = newCfg.Security.MaxTunnels
	updated.Logging.Level = newCfg.Logging.Level
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Broker.EdgeAddress != new.Broker.EdgeAddress {
		warnings = append(warnings, "broker.edge_address requires restart")
	}
	if old.Broker.AdminAddress != new.Broker.AdminAddress {
		warnings = append(warnings, "broker.admin_address requires restart")
	}
	if old.Broker.TunnelBindHost != new.Broker.TunnelBindHost {
		warnings = append(warnings, "broker.tunnel_bind_host requires restart")
	}
	if !reflect.DeepEqual(old.Broker.TLS, new.Broker.TLS) {
		warnings = append(warnings, "broker.tls requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
