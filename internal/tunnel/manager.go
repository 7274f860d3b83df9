package tunnel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openport-io/openport/internal/metrics"
)

// ClientInfo is the record returned by Manager.NewClient (spec §3).
type ClientInfo struct {
	ID           string
	Port         int
	MaxConnCount int
}

// ManagerStats mirrors the admin-facing stats() call of spec §6.
type ManagerStats struct {
	Tunnels int
}

// Manager owns the id→Client registry: identifier uniqueness, client
// creation, and removal on close (spec §4.3).
type Manager struct {
	mu      sync.Mutex
	clients map[string]*Client

	maxTCPSockets int
	gracePeriod   time.Duration
	bindHost      string

	totalCreated atomic.Int64

	metrics *metrics.Metrics
}

// SetMetrics attaches m so NewClient and every agent it creates report into
// it. Must be called before the first NewClient — there is no lock around
// the field because it is set once at startup, before any tunnel traffic.
func (m *Manager) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// NewManager creates a Manager whose agents bind to bindHost (use "" or
// "0.0.0.0" to accept tunnel dials from any interface, "127.0.0.1" to
// restrict to local testing) with the given per-agent socket cap and
// client grace period.
func NewManager(bindHost string, maxTCPSockets int, gracePeriod time.Duration) *Manager {
	return &Manager{
		clients:       make(map[string]*Client),
		maxTCPSockets: maxTCPSockets,
		gracePeriod:   gracePeriod,
		bindHost:      bindHost,
	}
}

// NewClient implements spec §4.3 new_client: a single regeneration attempt
// on id collision (no retry loop — an accepted, documented behavior), agent
// + client construction, registration, and listener bring-up.
func (m *Manager) NewClient(requestedID string) (ClientInfo, error) {
	id := requestedID
	if id == "" {
		id = GenerateID()
	}

	m.mu.Lock()
	if _, exists := m.clients[id]; exists {
		id = GenerateID()
	}
	m.mu.Unlock()

	agent := NewAgent(m.maxTCPSockets)
	agent.metrics = m.metrics
	client := NewClient(id, agent, m.gracePeriod)
	client.OnClose(func() { m.RemoveClient(id) })

	m.mu.Lock()
	m.clients[id] = client
	m.mu.Unlock()

	port, err := agent.Listen(m.bindHost)
	if err != nil {
		m.RemoveClient(id)
		return ClientInfo{}, err
	}
	client.SetPort(port)

	m.totalCreated.Add(1)
	if m.metrics != nil {
		m.metrics.TunnelsTotal.Inc()
	}
	return ClientInfo{ID: id, Port: port, MaxConnCount: m.maxTCPSockets}, nil
}

// RemoveClient looks up id; if present, removes it from the registry and
// closes it. No-op if absent (covers both direct admin removal and the
// Client's own close callback racing a concurrent removal).
func (m *Manager) RemoveClient(id string) {
	m.mu.Lock()
	client, ok := m.clients[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, id)
	m.mu.Unlock()

	client.Close()
}

// HasClient reports whether id is currently registered.
func (m *Manager) HasClient(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.clients[id]
	return ok
}

// GetClient returns the registered Client for id, or nil.
func (m *Manager) GetClient(id string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[id]
}

// Stats reports the live tunnel count (stats.tunnels, spec §3).
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{Tunnels: len(m.clients)}
}

// TotalCreated returns the number of tunnels created since process start,
// regardless of whether they are still live — used by the health endpoint's
// details and the admin status API, not part of the core contract.
func (m *Manager) TotalCreated() int64 { return m.totalCreated.Load() }

// List returns the ids of every currently registered client, for the admin
// UI's tunnel listing.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	return ids
}

// ListInfo returns the ClientInfo (id, port, socket cap) of every registered
// client, for the admin API's tunnel listing. Live socket counts are not
// included; callers read them from each Client's Stats.
func (m *Manager) ListInfo() []ClientInfo {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	infos := make([]ClientInfo, len(clients))
	for i, c := range clients {
		infos[i] = ClientInfo{ID: c.ID(), Port: c.Port(), MaxConnCount: m.maxTCPSockets}
	}
	return infos
}
