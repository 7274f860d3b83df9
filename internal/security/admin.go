package security

import (
	"log/slog"
	"net/http"
)

// AdminMiddleware wraps the admin API/web UI handler with two checks, in
// this order: Tailscale-only source IPs (when tailscaleOnly is set) and an
// optional bearer auth token (when authToken is non-empty). Neither the
// edge listener nor the per-client tunnel listeners apply these checks.
func AdminMiddleware(tailscaleOnly bool, authToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tailscaleOnly && !IsTailscaleIP(r.RemoteAddr) {
			slog.Warn("rejected non-Tailscale admin connection", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if authToken != "" {
			token := ExtractBearerToken(r.Header.Get("Authorization"))
			if !TokenMatch(token, authToken) {
				slog.Warn("rejected invalid admin auth token", "remote_addr", r.RemoteAddr)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
