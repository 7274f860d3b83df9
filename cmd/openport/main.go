package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/openport-io/openport/internal/config"
	"github.com/openport-io/openport/internal/edge"
	"github.com/openport-io/openport/internal/health"
	"github.com/openport-io/openport/internal/logging"
	"github.com/openport-io/openport/internal/logring"
	"github.com/openport-io/openport/internal/metrics"
	"github.com/openport-io/openport/internal/security"
	"github.com/openport-io/openport/internal/setup"
	"github.com/openport-io/openport/internal/tunnel"
	"github.com/openport-io/openport/internal/webui"

	"golang.org/x/time/rate"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "openport",
		Short: "Self-hosted reverse tunnel broker over Tailscale",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the tunnel broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("openport %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Edge:          %s\n", cfg.Broker.EdgeAddress)
			fmt.Printf("  Admin:         %s\n", cfg.Broker.AdminAddress)
			fmt.Printf("  Health:        %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Max sockets:   %d\n", cfg.Broker.MaxTCPSockets)
			fmt.Printf("  Tailscale admin only: %v\n", cfg.Security.TailscaleOnlyAdmin)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8081/health", "Health endpoint URL")

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/openport/config.yaml)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	tunnelsCmd := &cobra.Command{
		Use:   "tunnels",
		Short: "Manage tunnels via the admin API",
	}

	var tunnelsAdminURL string
	tunnelsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tunnels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listTunnels(tunnelsAdminURL)
		},
	}
	tunnelsListCmd.Flags().StringVar(&tunnelsAdminURL, "admin-url", "http://127.0.0.1:8080", "Admin API base URL")

	var tunnelsCreateID string
	tunnelsCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return createTunnel(tunnelsAdminURL, tunnelsCreateID)
		},
	}
	tunnelsCreateCmd.Flags().StringVar(&tunnelsAdminURL, "admin-url", "http://127.0.0.1:8080", "Admin API base URL")
	tunnelsCreateCmd.Flags().StringVar(&tunnelsCreateID, "id", "", "Requested tunnel id (random if omitted)")

	tunnelsCmd.AddCommand(tunnelsListCmd, tunnelsCreateCmd)

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, setupCmd, systemdCmd, tunnelsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBroker(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	// Set up logging with ring buffer for web UI log viewer
	ring := logring.NewRingBuffer(1000)
	baseHandler, lj := logging.SetupHandler(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.File,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
	)
	slog.SetDefault(slog.New(logring.NewTeeHandler(baseHandler, ring)))
	if lj != nil {
		defer lj.Close()
	}

	startTime := time.Now()

	slog.Info("starting openport broker",
		"version", Version,
		"edge", cfg.Broker.EdgeAddress,
		"admin", cfg.Broker.AdminAddress,
		"health", cfg.Health.ListenAddress,
	)

	manager := tunnel.NewManager(cfg.Broker.TunnelBindHost, cfg.Broker.MaxTCPSockets, cfg.Broker.GracePeriod)

	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
		rl = security.NewRateLimiter(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		defer rl.Stop()
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute,
		)
	}

	edgeServer := edge.New(manager, cfg)
	edgeServer.RateLimiter = rl

	// Optional Prometheus metrics
	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		edgeServer.Metrics = m
		manager.SetMetrics(m)
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	getConfig := func() *config.Config { return cfg }

	// Reload config closure — shared by SIGHUP handler and web UI
	reloadConfig := func() error {
		newCfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config reload failed: %w", err)
		}

		warnings := config.IsReloadSafe(cfg, newCfg)
		for _, w := range warnings {
			slog.Warn("config reload warning", "warning", w)
		}

		cfg = cfg.ApplyReloadableFields(newCfg)
		edgeServer.UpdateConfig(cfg)

		if cfg.Security.RateLimit.Enabled && rl != nil {
			r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
			rl.UpdateRate(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		}

		// Re-setup logging with new level, re-wrap with TeeHandler
		newHandler, _ := logging.SetupHandler(
			cfg.Logging.Level,
			cfg.Logging.Format,
			cfg.Logging.File,
			cfg.Logging.MaxSizeMB,
			cfg.Logging.MaxBackups,
			cfg.Logging.MaxAgeDays,
			cfg.Logging.Compress,
		)
		slog.SetDefault(slog.New(logring.NewTeeHandler(newHandler, ring)))

		slog.Info("config reloaded successfully")
		return nil
	}

	// Bind the public edge listener synchronously (detect port conflicts before sd_notify)
	edgeListener, err := net.Listen("tcp", cfg.Broker.EdgeAddress)
	if err != nil {
		return fmt.Errorf("failed to bind edge listener on %s: %w", cfg.Broker.EdgeAddress, err)
	}
	edgeHTTPServer := &http.Server{
		Handler:           edgeServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Admin API + web UI listener (Tailscale-only by default)
	adminMux := http.NewServeMux()
	adminUI := webui.New(webui.Dependencies{
		Manager:     manager,
		RateLimiter: rl,
		RingBuffer:  ring,
		Version:     Version,
		BuildTime:   BuildTime,
		GitCommit:   GitCommit,
		StartTime:   startTime,
		GetConfig:   getConfig,
		ReloadFunc:  reloadConfig,
	})
	adminMux.Handle("/ui/", adminUI.StaticHandler())
	adminMux.Handle("/api/v1/", adminUI.APIHandler())

	adminListener, err := net.Listen("tcp", cfg.Broker.AdminAddress)
	if err != nil {
		edgeListener.Close()
		return fmt.Errorf("failed to bind admin listener on %s: %w", cfg.Broker.AdminAddress, err)
	}
	// Wrapped per-request (rather than once at startup) so SIGHUP reloads of
	// admin_auth_token take effect without a restart. tailscale_only_admin is
	// not among the reloadable fields and keeps its startup value.
	adminHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := getConfig()
		security.AdminMiddleware(c.Security.TailscaleOnlyAdmin, c.Security.AdminAuthToken, adminMux).ServeHTTP(w, r)
	})
	adminServer := &http.Server{
		Handler:           adminHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Health server (loopback only, separate from both edge and admin listeners)
	var healthServer *http.Server
	var healthListener net.Listener
	if cfg.Health.Enabled {
		healthHandler := health.NewHandler(manager, Version, cfg.Health.Detailed)
		if m != nil {
			healthHandler.SetMetrics(m)
		}
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, healthHandler)

		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}

		healthListener, err = net.Listen("tcp", cfg.Health.ListenAddress)
		if err != nil {
			edgeListener.Close()
			adminListener.Close()
			return fmt.Errorf("failed to bind health listener on %s: %w", cfg.Health.ListenAddress, err)
		}

		healthServer = &http.Server{
			Handler:           healthMux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
	}

	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.Serve(healthListener); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("admin API listening", "address", cfg.Broker.AdminAddress)
		if err := adminServer.Serve(adminListener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()

	go func() {
		slog.Info("edge listening", "address", cfg.Broker.EdgeAddress)
		if err := edgeHTTPServer.Serve(edgeListener); err != nil && err != http.ErrServerClosed {
			slog.Error("edge server error", "error", err)
		}
	}()

	// Notify systemd that we're ready (all three listeners are bound)
	sent, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady)
	if notifyErr != nil {
		slog.Error("sd_notify READY failed", "error", notifyErr)
	} else if !sent {
		slog.Warn("sd_notify READY not sent (NOTIFY_SOCKET not set — not running under systemd?)")
	} else {
		slog.Info("sd_notify READY sent")
	}

	// Start watchdog heartbeat (send every 15s for 30s WatchdogSec)
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				} else {
					slog.Debug("watchdog notify skipped (NOTIFY_SOCKET not set)")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			if err := reloadConfig(); err != nil {
				slog.Error("config reload failed", "error", err)
			}

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining tunnels",
				"signal", sig.String(),
				"drain_timeout", cfg.Broker.DrainTimeout.String(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			// Phase 1: stop accepting new edge requests
			edgeHTTPServer.Close()

			// Phase 2: wait for registered tunnels to drain (clients closing
			// their own agents) up to the drain timeout
			drainDeadline := time.After(cfg.Broker.DrainTimeout)
			drainTick := time.NewTicker(100 * time.Millisecond)
		drainLoop:
			for {
				select {
				case <-drainDeadline:
					remaining := manager.Stats().Tunnels
					if remaining > 0 {
						slog.Warn("drain timeout reached, force-closing remaining tunnels", "remaining", remaining)
						for _, id := range manager.List() {
							manager.RemoveClient(id)
						}
					}
					break drainLoop
				case <-drainTick.C:
					if manager.Stats().Tunnels == 0 {
						slog.Info("all tunnels drained")
						break drainLoop
					}
				}
			}
			drainTick.Stop()

			shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 5*time.Second)
			adminServer.Shutdown(shutdownCtx)
			shutdownCtxCancel()

			if healthServer != nil {
				healthShutdownCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
				healthServer.Shutdown(healthShutdownCtx)
				healthCancel()
			}

			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

func checkHealth(healthURL string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func listTunnels(adminURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(adminURL + "/api/v1/tunnels")
	if err != nil {
		return fmt.Errorf("listing tunnels: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API returned status %d", resp.StatusCode)
	}

	var entries []struct {
		ID               string `json:"id"`
		Port             int    `json:"port"`
		MaxConnCount     int    `json:"max_conn_count"`
		ConnectedSockets int    `json:"connected_sockets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("%-20s %-8s %-10s %s\n", "ID", "PORT", "SOCKETS", "MAX")
	for _, e := range entries {
		fmt.Printf("%-20s %-8d %-10d %d\n", e.ID, e.Port, e.ConnectedSockets, e.MaxConnCount)
	}
	return nil
}

func createTunnel(adminURL, id string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	body := fmt.Sprintf(`{"id":%q}`, id)
	req, err := http.NewRequest(http.MethodPost, adminURL+"/api/v1/tunnels", strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("creating tunnel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("admin API returned status %d", resp.StatusCode)
	}

	var entry struct {
		ID   string `json:"id"`
		Port int    `json:"port"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("Tunnel %q registered on port %d\n", entry.ID, entry.Port)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=openport - Tunnel Broker
Documentation=https://github.com/openport-io/openport
After=network-online.target tailscaled.service
Wants=network-online.target
Requires=tailscaled.service

[Service]
Type=notify
User=openport
Group=openport
ExecStartPre=/usr/local/bin/openport validate --config /etc/openport/config.yaml
ExecStart=/usr/local/bin/openport start --config /etc/openport/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=always
RestartPreventExitStatus=0
RestartSec=5s
WatchdogSec=30s
TimeoutStartSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
PrivateDevices=true
ProtectKernelTunables=true
ProtectKernelModules=true
ProtectControlGroups=true
ProtectClock=true
RestrictNamespaces=true
RestrictRealtime=true
RestrictSUIDSGID=true
LockPersonality=true
SystemCallArchitectures=native
ReadOnlyPaths=/etc/openport
LogsDirectory=openport
StateDirectory=openport
LimitNOFILE=65535

MemoryMax=256M

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=openport

[Install]
WantedBy=multi-user.target
`)
}
