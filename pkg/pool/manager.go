package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Managed is the type-erased view of a Pool used by Manager
type Managed interface {
	Name() string
	Stats() Stats
	Shutdown(ctx context.Context) error
}

// Manager owns every pool of a process so they can be inspected and shut down together
type Manager struct {
	mu     sync.RWMutex
	pools  map[string]Managed
	logger *zap.Logger
}

// NewManager creates an empty manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{pools: make(map[string]Managed), logger: logger}
}

// Register adds a pool under its name. Names must be unique.
func (m *Manager) Register(p Managed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pools[p.Name()]; exists {
		return fmt.Errorf("pool %s already registered", p.Name())
	}
	m.pools[p.Name()] = p
	m.logger.Info("Registered resource pool", zap.String("pool", p.Name()), zap.Int("size", p.Stats().Size))
	return nil
}

// Lookup returns a registered pool
func (m *Manager) Lookup(name string) (Managed, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Get returns a registered pool with its concrete resource type
func Get[T any](m *Manager, name string) (*Pool[T], error) {
	p, ok := m.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("pool %s not registered", name)
	}
	typed, ok := p.(*Pool[T])
	if !ok {
		return nil, fmt.Errorf("pool %s holds a different resource type", name)
	}
	return typed, nil
}

// Stats returns the stats of every pool keyed by name
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.Stats()
	}
	return out
}

// Shutdown closes every pool, in name order, and joins their errors
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	pools := m.pools
	m.pools = make(map[string]Managed)
	m.mu.Unlock()

	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := pools[name].Shutdown(ctx); err != nil {
			m.logger.Warn("Failed to shut down pool", zap.String("pool", name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		m.logger.Info("Shut down resource pool", zap.String("pool", name))
	}
	return errors.Join(errs...)
}
