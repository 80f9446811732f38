// control/manager.go
// Author: momentics <momentics@gmail.com>
//
// Manager composes ConfigStore, MetricsRegistry, and DebugProbes
// behind the single api.Control surface, for callers (an admin
// endpoint, a CLI, a test harness) that want one handle to the
// control plane instead of three concrete types.

package control

import "github.com/richinsley/ffarcana/api"

var _ api.Control = (*Manager)(nil)

// Manager is an api.Control facade over a ConfigStore, a
// MetricsRegistry, and a DebugProbes. Any of the three may be nil; the
// corresponding Manager methods then become no-ops or return nil/an
// error, rather than panicking.
type Manager struct {
	store   *ConfigStore
	metrics *MetricsRegistry
	debug   *DebugProbes
}

// NewManager composes store, metrics, and debug into a single
// api.Control facade.
func NewManager(store *ConfigStore, metrics *MetricsRegistry, debug *DebugProbes) *Manager {
	return &Manager{store: store, metrics: metrics, debug: debug}
}

// GetConfig returns the current configuration snapshot, or nil if no
// store was configured.
func (m *Manager) GetConfig() map[string]any {
	if m.store == nil {
		return nil
	}
	return m.store.GetSnapshot()
}

// SetConfig merges cfg into the store and triggers reload listeners.
func (m *Manager) SetConfig(cfg map[string]any) error {
	if m.store == nil {
		return api.NewError(api.ErrCodeNotSupported, "manager has no config store")
	}
	m.store.SetConfig(cfg)
	return nil
}

// Stats returns the current metrics snapshot, or nil if no registry
// was configured.
func (m *Manager) Stats() map[string]any {
	if m.metrics == nil {
		return nil
	}
	return m.metrics.GetSnapshot()
}

// OnReload registers fn to run whenever the config store changes.
func (m *Manager) OnReload(fn func()) {
	if m.store != nil {
		m.store.OnReload(fn)
	}
}

// RegisterDebugProbe installs a named debug hook.
func (m *Manager) RegisterDebugProbe(name string, fn func() any) {
	if m.debug != nil {
		m.debug.RegisterProbe(name, fn)
	}
}
