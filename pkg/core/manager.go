package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Manager holds the configured clients by name.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	order   []string
}

// NewManager builds a client per connection configuration.
func NewManager(connections []ConnectionConfig) (*Manager, error) {
	m := &Manager{clients: make(map[string]*Client)}
	for _, cfg := range connections {
		if _, exists := m.clients[cfg.Name]; exists {
			return nil, fmt.Errorf("duplicate connection name %q", cfg.Name)
		}
		client, err := NewClient(cfg)
		if err != nil {
			return nil, err
		}
		m.clients[cfg.Name] = client
		m.order = append(m.order, cfg.Name)
	}
	return m, nil
}

// Get returns the named client. An empty name selects the first
// configured connection.
func (m *Manager) Get(name string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if name == "" {
		if len(m.order) == 0 {
			return nil, fmt.Errorf("no connections configured")
		}
		return m.clients[m.order[0]], nil
	}
	c, ok := m.clients[name]
	if !ok {
		return nil, fmt.Errorf("connection not found: %s", name)
	}
	return c, nil
}

// List returns the connection names, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.order))
	copy(names, m.order)
	sort.Strings(names)
	return names
}

// ConnectAll establishes every connection. The first failure aborts.
func (m *Manager) ConnectAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, name := range m.order {
		if err := m.clients[name].Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", name, err)
		}
	}
	return nil
}

// CloseAll shuts every connection down, keeping the first error.
func (m *Manager) CloseAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var first error
	for _, name := range m.order {
		if err := m.clients[name].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
