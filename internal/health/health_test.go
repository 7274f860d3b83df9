package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openport-io/openport/internal/tunnel"
)

func TestHealthHandler_Empty(t *testing.T) {
	m := tunnel.NewManager("127.0.0.1", 10, time.Second)
	h := NewHandler(m, "test-version", true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if resp.Version != "test-version" {
		t.Errorf("version = %q, want %q", resp.Version, "test-version")
	}
	if resp.ActiveTunnels != 0 {
		t.Errorf("active_tunnels = %d, want 0", resp.ActiveTunnels)
	}
	if resp.Details == nil {
		t.Error("details should not be nil")
	}
}

func TestHealthHandler_WithTunnels(t *testing.T) {
	m := tunnel.NewManager("127.0.0.1", 10, time.Second)
	info1, err := m.NewClient("alpha")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer m.RemoveClient(info1.ID)
	info2, err := m.NewClient("bravo")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer m.RemoveClient(info2.ID)

	h := NewHandler(m, "test-version", true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.ActiveTunnels != 2 {
		t.Errorf("active_tunnels = %d, want 2", resp.ActiveTunnels)
	}
	if resp.Details.TotalTunnelsCreated != 2 {
		t.Errorf("total_tunnels_created = %d, want 2", resp.Details.TotalTunnelsCreated)
	}
}

func TestHealthHandler_NotDetailed(t *testing.T) {
	m := tunnel.NewManager("127.0.0.1", 10, time.Second)
	h := NewHandler(m, "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Details != nil {
		t.Error("details should be nil when not detailed")
	}
}
