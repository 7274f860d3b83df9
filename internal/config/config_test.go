package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Broker.EdgeAddress == "" {
		t.Error("default edge_address should not be empty")
	}
	if cfg.Broker.MaxTCPSockets != 10 {
		t.Errorf("default max_tcp_sockets = %d, want %d", cfg.Broker.MaxTCPSockets, 10)
	}
	if cfg.Broker.GracePeriod != time.Second {
		t.Errorf("default grace_period = %v, want %v", cfg.Broker.GracePeriod, time.Second)
	}
	if cfg.Broker.DrainTimeout != 30*time.Second {
		t.Errorf("default drain_timeout = %v, want %v", cfg.Broker.DrainTimeout, 30*time.Second)
	}
	if cfg.Health.ListenAddress != "127.0.0.1:8081" {
		t.Errorf("default health.listen_address = %q, want %q", cfg.Health.ListenAddress, "127.0.0.1:8081")
	}
	if !cfg.Security.TailscaleOnlyAdmin {
		t.Error("default tailscale_only_admin should be true")
	}
	if cfg.Security.MaxTunnels != 1000 {
		t.Errorf("default max_tunnels = %d, want %d", cfg.Security.MaxTunnels, 1000)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
broker:
  edge_address: "0.0.0.0:9000"
  admin_address: "100.101.102.103:8080"
  max_tcp_sockets: 20
  grace_period: "5s"
  drain_timeout: "15s"
security:
  tailscale_only_admin: true
  admin_auth_token: "test-token"
  max_tunnels: 500
  rate_limit:
    enabled: false
logging:
  level: "debug"
  format: "text"
health:
  enabled: true
  listen_address: "127.0.0.1:8081"
  endpoint: "/health"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Broker.AdminAddress != "100.101.102.103:8080" {
		t.Errorf("admin_address = %q, want %q", cfg.Broker.AdminAddress, "100.101.102.103:8080")
	}
	if cfg.Broker.GracePeriod != 5*time.Second {
		t.Errorf("grace_period = %v, want %v", cfg.Broker.GracePeriod, 5*time.Second)
	}
	if cfg.Broker.MaxTCPSockets != 20 {
		t.Errorf("max_tcp_sockets = %d, want %d", cfg.Broker.MaxTCPSockets, 20)
	}
	if cfg.Security.AdminAuthToken != "test-token" {
		t.Errorf("admin_auth_token = %q, want %q", cfg.Security.AdminAuthToken, "test-token")
	}
	if cfg.Security.MaxTunnels != 500 {
		t.Errorf("max_tunnels = %d, want %d", cfg.Security.MaxTunnels, 500)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Security.RateLimit.Enabled {
		t.Error("rate_limit.enabled should be false")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load('') error: %v", err)
	}
	if cfg.Broker.MaxTCPSockets != 10 {
		t.Errorf("max_tcp_sockets = %d, want default", cfg.Broker.MaxTCPSockets)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENPORT_BROKER_EDGE_ADDRESS", "0.0.0.0:9999")
	t.Setenv("OPENPORT_SECURITY_ADMIN_AUTH_TOKEN", "env-token")
	t.Setenv("OPENPORT_LOGGING_LEVEL", "debug")
	t.Setenv("OPENPORT_SECURITY_TAILSCALE_ONLY_ADMIN", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Broker.EdgeAddress != "0.0.0.0:9999" {
		t.Errorf("edge_address = %q, want env override", cfg.Broker.EdgeAddress)
	}
	if cfg.Security.AdminAuthToken != "env-token" {
		t.Errorf("admin_auth_token = %q, want %q", cfg.Security.AdminAuthToken, "env-token")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Security.TailscaleOnlyAdmin {
		t.Error("tailscale_only_admin should be false from env override")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "valid default",
			modify:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "empty edge_address",
			modify:  func(c *Config) { c.Broker.EdgeAddress = "" },
			wantErr: "broker.edge_address is required",
		},
		{
			name:    "invalid edge_address",
			modify:  func(c *Config) { c.Broker.EdgeAddress = "not-a-host-port" },
			wantErr: "broker.edge_address is invalid",
		},
		{
			name:    "edge and admin addresses equal",
			modify:  func(c *Config) { c.Broker.AdminAddress = c.Broker.EdgeAddress },
			wantErr: "must be different",
		},
		{
			name:    "zero max_tcp_sockets",
			modify:  func(c *Config) { c.Broker.MaxTCPSockets = 0 },
			wantErr: "broker.max_tcp_sockets must be positive",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level must be one of",
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Logging.Format = "csv" },
			wantErr: "logging.format must be one of",
		},
		{
			name:    "tls enabled without cert",
			modify:  func(c *Config) { c.Broker.TLS.Enabled = true },
			wantErr: "broker.tls.cert_file is required",
		},
		{
			name: "tls enabled without key",
			modify: func(c *Config) {
				c.Broker.TLS.Enabled = true
				c.Broker.TLS.CertFile = "/path/to/cert.pem"
			},
			wantErr: "broker.tls.key_file is required",
		},
		{
			name:    "zero max_tunnels",
			modify:  func(c *Config) { c.Security.MaxTunnels = 0 },
			wantErr: "security.max_tunnels must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if !contains(err.Error(), tt.wantErr) {
					t.Errorf("Validate() error = %q, want containing %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestIsReloadSafe(t *testing.T) {
	old := DefaultConfig()
	new := DefaultConfig()

	warnings := IsReloadSafe(old, new)
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}

	new.Broker.EdgeAddress = "0.0.0.0:9090"
	warnings = IsReloadSafe(old, new)
	if len(warnings) != 1 {
		t.Errorf("expected 1 warning, got %d: %v", len(warnings), warnings)
	}

	new.Broker.AdminAddress = "100.200.200.200:9091"
	warnings = IsReloadSafe(old, new)
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %d: %v", len(warnings), warnings)
	}
}

func TestApplyReloadableFields(t *testing.T) {
	old := DefaultConfig()
	update := DefaultConfig()
	update.Security.AdminAuthToken = "new-token"
	update.Logging.Level = "debug"
	update.Broker.MaxTCPSockets = 50

	merged := old.ApplyReloadableFields(update)

	if merged.Security.AdminAuthToken != "new-token" {
		t.Errorf("admin_auth_token not reloaded")
	}
	if merged.Logging.Level != "debug" {
		t.Errorf("log level not reloaded")
	}
	if merged.Broker.MaxTCPSockets != 50 {
		t.Errorf("max_tcp_sockets not reloaded")
	}
	if merged.Broker.EdgeAddress != old.Broker.EdgeAddress {
		t.Errorf("edge_address should not be reloaded")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstr(s, substr)
}

func searchSubstr(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
