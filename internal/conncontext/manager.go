package conncontext

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Tunnel is an opaque CONNECT passthrough: a pair of spliced sockets tracked
// separately from the request-handling Context (spec §3 SslTunnel). Its ID
// comes from google/uuid rather than Context's satori/go.uuid, keeping the
// two ID spaces visibly distinct in logs.
type Tunnel struct {
	ID     uuid.UUID
	Client net.Conn
	Target net.Conn
}

// NewTunnel builds a Tunnel splicing client and target, with a fresh ID.
func NewTunnel(client, target net.Conn) *Tunnel {
	return &Tunnel{ID: uuid.New(), Client: client, Target: target}
}

// Close ends both legs of the tunnel, target side first (spec §4.6).
func (t *Tunnel) Close() {
	t.Target.Close()
	t.Client.Close()
}

// Manager owns the lifecycle of every live Context and Tunnel (spec §4.4:
// C8). All mutation of its tables goes through a single mutex, matching the
// "single lock or single scheduler" concurrency requirement of spec §5.
type Manager struct {
	dialer Dialer

	mu       sync.Mutex
	contexts map[string]*Context
	tunnels  map[string]*Tunnel
}

// NewManager returns an empty Manager that dials upstream connections with
// dialer.
func NewManager(dialer Dialer) *Manager {
	return &Manager{
		dialer:   dialer,
		contexts: make(map[string]*Context),
		tunnels:  make(map[string]*Tunnel),
	}
}

// GetOrCreate returns the Context pinned to downstream under clientAddress,
// creating one if this is the first request seen on that socket or if a
// prior Context for the same address was destroyed from under it (e.g. by
// RemoveAll on /reset): the caller's request loop calls this once per
// request rather than caching the Context for the life of the connection,
// so a reset on a live keep-alive socket gets a fresh Context — and so a
// fresh Agent that re-handshakes — without the downstream socket itself
// ever being touched (spec §4.5 re-auth trigger).
func (m *Manager) GetOrCreate(clientAddress string, downstream net.Conn) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.contexts[clientAddress]; ok {
		return c
	}
	c := newContext(clientAddress, downstream, m.dialer)
	m.contexts[clientAddress] = c
	return c
}

// Remove destroys the context for clientAddress, closing its pinned agent.
func (m *Manager) Remove(clientAddress string) {
	m.mu.Lock()
	c, ok := m.contexts[clientAddress]
	if ok {
		delete(m.contexts, clientAddress)
	}
	m.mu.Unlock()

	if ok {
		c.Close()
	}
}

// RemoveAll destroys every tracked context (spec §4.4, driven by /reset and
// by shutdown). Destroying a Context only closes its pinned upstream Agent,
// never Context.Downstream (see Context.Close) — the config API itself runs
// on its own listener and never registers a Context with this Manager, so
// reset already cannot cut the response to reset itself without any
// per-context exemption. The downstream sockets this Manager is forgetting
// about keep running their request loop, which re-resolves its Context via
// GetOrCreate on the very next request and so re-handshakes from scratch.
func (m *Manager) RemoveAll() {
	m.mu.Lock()
	victims := make([]*Context, 0, len(m.contexts))
	for addr, c := range m.contexts {
		victims = append(victims, c)
		delete(m.contexts, addr)
	}
	m.mu.Unlock()

	lo.ForEach(victims, func(c *Context, _ int) { c.Close() })
}

// AddTunnel registers an opaque CONNECT passthrough under clientAddress.
func (m *Manager) AddTunnel(clientAddress string, t *Tunnel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tunnels[clientAddress] = t
}

// RemoveTunnel ends and forgets the tunnel for clientAddress, if any.
func (m *Manager) RemoveTunnel(clientAddress string) {
	m.mu.Lock()
	t, ok := m.tunnels[clientAddress]
	if ok {
		delete(m.tunnels, clientAddress)
	}
	m.mu.Unlock()

	if ok {
		t.Close()
	}
}

// RemoveAllTunnels ends every tracked tunnel.
func (m *Manager) RemoveAllTunnels() {
	m.mu.Lock()
	victims := make([]*Tunnel, 0, len(m.tunnels))
	for addr, t := range m.tunnels {
		victims = append(victims, t)
		delete(m.tunnels, addr)
	}
	m.mu.Unlock()

	lo.ForEach(victims, func(t *Tunnel, _ int) { t.Close() })
}
