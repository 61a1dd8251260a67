package mcp

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/tools"
)

// Manager owns the fleet of MCP server connections and bridges their tools
// into the registry.
type Manager struct {
	logger   *observability.Logger
	registry *tools.Registry

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager builds a Manager that registers bridged tools into registry.
func NewManager(registry *tools.Registry, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Manager{
		logger:   logger,
		registry: registry,
		clients:  make(map[string]*Client),
	}
}

// ConnectAll dials every configured server in parallel. Individual failures
// are logged and skipped; a partial fleet is acceptable.
func (m *Manager) ConnectAll(ctx context.Context, configs []*ServerConfig) error {
	if len(configs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	var connectedCount int64
	var countMu sync.Mutex

	for _, cfg := range configs {
		g.Go(func() error {
			if err := cfg.Validate(); err != nil {
				m.logger.Warn(gctx, "skipping invalid mcp server config", "server", cfg.Name, "error", err)
				return nil
			}
			if err := m.Connect(gctx, cfg); err != nil {
				m.logger.Warn(gctx, "mcp server connection failed", "server", cfg.Name, "error", err)
				return nil
			}
			countMu.Lock()
			connectedCount++
			countMu.Unlock()
			return nil
		})
	}
	g.Wait()

	m.logger.Info(ctx, "mcp fleet connected", "connected", connectedCount, "configured", len(configs))
	return nil
}

// Connect dials one server and registers its tools. An existing connection
// under the same name is disconnected first, which forces re-discovery.
func (m *Manager) Connect(ctx context.Context, cfg *ServerConfig) error {
	m.Disconnect(cfg.Name)

	client := NewClient(cfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	for _, remote := range client.Tools() {
		bridged := newBridgedTool(client, remote)
		if err := m.registry.Register(bridged); err != nil {
			m.logger.Warn(ctx, "skipping mcp tool with conflicting id",
				"server", cfg.Name, "tool", remote.Name, "error", err)
		}
	}

	m.mu.Lock()
	m.clients[cfg.Name] = client
	m.mu.Unlock()
	return nil
}

// Disconnect closes one server and unregisters its bridged tools.
func (m *Manager) Disconnect(name string) {
	m.mu.Lock()
	client, ok := m.clients[name]
	if ok {
		delete(m.clients, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	for _, remote := range client.Tools() {
		m.registry.Unregister(BridgedToolID(client.Config().ToolPrefix(), remote.Name))
	}
	client.Close()
}

// DisconnectAll closes the whole fleet; used on shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		m.Disconnect(name)
	}
}

// Client returns the connection for a server name.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// ConnectedServers lists the names of live connections.
func (m *Manager) ConnectedServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.clients))
	for name, c := range m.clients {
		if c.Connected() {
			out = append(out, name)
		}
	}
	return out
}
