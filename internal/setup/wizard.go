package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/openport-io/openport/internal/config"
	"github.com/openport-io/openport/internal/security"
)

const (
	defaultConfigPath   = "/etc/openport/config.yaml"
	defaultEdgePort     = "8000"
	defaultAdminPort    = "8080"
	defaultHealthPort   = "8081"
	defaultMaxTCP       = "10"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath      string        // Override default config path
	DetectTailscale func() string // Override Tailscale IP detection (for testing)
}

// RunWizard runs the interactive setup wizard.
// It takes io.Reader/io.Writer for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	// Check if running as root; fall back to local config if not
	isRoot := os.Geteuid() == 0
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo openport setup\n\n")
	}

	fmt.Fprintln(out, "openport Tunnel Broker Setup")
	fmt.Fprintln(out, "============================")
	fmt.Fprintln(out)

	// Step 1: Detect Tailscale IP (the admin API must bind a Tailscale address)
	fmt.Fprintln(out, "Detecting Tailscale...")
	detect := detectTailscaleIP
	if opts.DetectTailscale != nil {
		detect = opts.DetectTailscale
	}
	tailscaleIP := detect()
	if tailscaleIP == "" {
		fmt.Fprintln(out, "  WARNING: No Tailscale IP detected. Is Tailscale running?")
		fmt.Fprintln(out, "  Run: tailscale status")
		fmt.Fprintln(out)
	} else {
		fmt.Fprintf(out, "  Found Tailscale IP: %s\n\n", tailscaleIP)
	}

	// Step 2: Public edge address (no Tailscale requirement; faces the internet)
	edgePort := promptPort(scanner, out,
		fmt.Sprintf("Public edge port [%s]: ", defaultEdgePort),
		defaultEdgePort)
	edgeAddress := net.JoinHostPort("0.0.0.0", edgePort)

	if reason := checkPortAvailable("0.0.0.0", edgePort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 0.0.0.0 %s\n\n", edgePort, reason)
	}

	// Step 3: Admin API address (must be a Tailscale IP)
	adminHost := tailscaleIP
	if adminHost == "" {
		adminHost = prompt(scanner, out,
			"Tailscale IP for admin API (e.g. 100.64.0.1): ", "")
		if adminHost == "" {
			return fmt.Errorf("tailscale IP is required for admin_address")
		}
	}
	adminPort := promptPort(scanner, out,
		fmt.Sprintf("Admin API port [%s]: ", defaultAdminPort),
		defaultAdminPort)
	adminAddress := net.JoinHostPort(adminHost, adminPort)

	if reason := checkPortAvailable(adminHost, adminPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on %s %s\n\n", adminPort, adminHost, reason)
	}

	// Step 4: Health port
	healthPort := promptPort(scanner, out,
		fmt.Sprintf("Health check port [%s]: ", defaultHealthPort),
		defaultHealthPort)
	healthAddress := net.JoinHostPort("127.0.0.1", healthPort)

	if reason := checkPortAvailable("127.0.0.1", healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", healthPort, reason)
	}

	// Step 5: Max concurrent sockets per tunnel
	maxTCPStr := prompt(scanner, out,
		fmt.Sprintf("Max TCP sockets per tunnel [%s]: ", defaultMaxTCP),
		defaultMaxTCP)
	maxTCP, err := strconv.Atoi(maxTCPStr)
	if err != nil || maxTCP <= 0 {
		fmt.Fprintf(out, "  WARNING: %q is not a valid socket count, using default %s\n", maxTCPStr, defaultMaxTCP)
		maxTCP, _ = strconv.Atoi(defaultMaxTCP)
	}

	// Step 6: Admin auth token (optional)
	authToken := prompt(scanner, out,
		"Admin auth token (leave empty for none): ", "")

	// Step 7: Check for existing config
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 8: Write config
	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	configContent := generateConfig(edgeAddress, adminAddress, healthAddress, maxTCP, authToken)

	if err := writeConfig(configPath, configContent, isRoot); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 9: Validate the written config
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 10: Offer to start systemd service (Linux + root only)
	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out,
			"Start openport service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") || startService == "" {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start openport")
			}
		}
	}

	// Step 11: Print summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:       %s\n", configPath)
	fmt.Fprintf(out, "  Edge:         http://%s\n", edgeAddress)
	fmt.Fprintf(out, "  Admin API:    http://%s/ui/\n", adminAddress)
	fmt.Fprintf(out, "  Health:       http://%s/health\n", healthAddress)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s/health\n", healthAddress)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u openport -f")
	fmt.Fprintln(out, "  Validate:       openport validate --config "+configPath)

	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// validatePort checks that a port string is a valid TCP port (1-65535).
func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// promptPort prompts for a port, re-prompting on invalid input.
// Returns defaultVal on empty/EOF input.
func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		// If we got the default back (EOF/empty), and default is valid, accept it
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// detectTailscaleIP finds a local Tailscale IP address.
func detectTailscaleIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		// IsTailscaleIP expects host:port format
		if security.IsTailscaleIP(ipNet.IP.String() + ":0") {
			return ipNet.IP.String()
		}
	}
	return ""
}

// checkPortAvailable checks if a TCP port is free on the given host.
// Returns empty string if available, or a reason string if not.
func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

// isPortAvailable reports whether a TCP port is free on the given host.
func isPortAvailable(host, port string) bool {
	return checkPortAvailable(host, port) == ""
}

// isSystemdAvailable checks if systemctl is available.
func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// startSystemdService starts (or restarts) the openport service.
func startSystemdService(out io.Writer) error {
	// Reload in case service file changed
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	// Try restart first (handles already-running case), fall back to start
	if err := exec.Command("systemctl", "restart", "openport").Run(); err != nil {
		if err := exec.Command("systemctl", "start", "openport").Run(); err != nil {
			return err
		}
	}

	// Brief wait then check status
	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", "openport").Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

// yamlEscapeString escapes a string for use inside YAML double quotes.
func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// generateConfig creates a commented YAML config string.
func generateConfig(edgeAddress, adminAddress, healthAddress string, maxTCPSockets int, authToken string) string {
	authTokenLine := `  admin_auth_token: ""`
	if authToken != "" {
		authTokenLine = fmt.Sprintf(`  admin_auth_token: "%s"`, yamlEscapeString(authToken))
	}

	return fmt.Sprintf(`# openport Tunnel Broker Configuration
# Generated by: openport setup
# Documentation: https://github.com/openport-io/openport

broker:
  # REQUIRED: public HTTP/WebSocket edge address
  edge_address: "%s"

  # REQUIRED: admin API address (Client Manager + web UI), must be a
  # Tailscale IP when security.tailscale_only_admin is true
  admin_address: "%s"

  # Interface the per-client tunnel listeners bind to
  tunnel_bind_host: "0.0.0.0"

  # Maximum concurrent TCP sockets a single tunnel client may register
  max_tcp_sockets: %d

  # How long a client may be offline before its tunnel is torn down
  grace_period: "1s"

  # Shutdown: how long to wait for registered tunnels to close before
  # the remaining ones are force-closed
  drain_timeout: "30s"

security:
  # Only allow admin API connections from Tailscale IPs
  tailscale_only_admin: true

  # Admin auth token (optional)
  # Admin clients send via Authorization: Bearer <token> header
%s

  # Per-source-IP rate limiting of requests on the public edge listener
  rate_limit:
    enabled: true
    connections_per_minute: 60

  # Maximum number of simultaneously registered tunnels
  max_tunnels: 1000

logging:
  level: "info"
  format: "json"
  file: ""  # Empty = stdout (journald captures this)

health:
  enabled: true
  endpoint: "/health"
  listen_address: "%s"

monitoring:
  metrics_enabled: false
  metrics_endpoint: "/metrics"
`, yamlEscapeString(edgeAddress), yamlEscapeString(adminAddress), maxTCPSockets, authTokenLine, yamlEscapeString(healthAddress))
}

// writeConfig writes the config file, creating parent directories as needed.
func writeConfig(path, content string, setOwnership bool) error {
	path = filepath.Clean(path)

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	// Set ownership to openport:openport if running as root
	if setOwnership {
		u, err := user.Lookup("openport")
		if err != nil {
			return nil
		}
		g, err := user.LookupGroup("openport")
		if err != nil {
			return nil
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return nil
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return nil
		}
		os.Chown(path, uid, gid)
	}

	return nil
}
