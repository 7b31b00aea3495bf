package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xlttj/cftunnel/pkg/config"
	"github.com/xlttj/cftunnel/pkg/logging"
	"github.com/xlttj/cftunnel/pkg/runstate"
	"github.com/xlttj/cftunnel/pkg/supervisor"
)

// Commander is the set of operations both front ends drive. *Manager runs
// them in process; api.Client forwards them to a running daemon.
type Commander interface {
	List(ctx context.Context) ([]TunnelView, error)
	Add(ctx context.Context, cfg config.TunnelConfig) (TunnelView, error)
	Update(ctx context.Context, name string, patch config.Patch) (TunnelView, error)
	Delete(ctx context.Context, name string) error
	Start(ctx context.Context, name string) (TunnelView, error)
	Stop(ctx context.Context, name string) (TunnelView, error)
}

// Supervisor is the part of *supervisor.Supervisor the manager uses.
type Supervisor interface {
	Start(ctx context.Context, cfg config.TunnelConfig) error
	Stop(ctx context.Context, name string) error
	StopAll(ctx context.Context) error
	Track(name string)
	Forget(name string) error
	Rename(oldName, newName string) error
	Runtime(name string) (supervisor.Runtime, bool)
	Runtimes() map[string]supervisor.Runtime
	Reserved(port int) (string, bool)
}

// Owners records which cftunnel process runs a tunnel, so processes sharing
// a store see and stop each other's tunnels. *runstate.Registry implements it.
type Owners interface {
	Claim(rec runstate.Record) error
	Release(name, runID string) error
	Lookup(name string) (runstate.Record, bool)
	ClientAlive(rec runstate.Record) bool
	Stop(ctx context.Context, rec runstate.Record) error
}

// Manager joins the config store and the supervisor. Config writes hold mu
// exclusively and snapshots hold it shared, so a snapshot never sees half of
// an update.
type Manager struct {
	mu            sync.RWMutex
	store         config.Store
	sup           Supervisor
	deleteTimeout time.Duration

	owners    Owners
	claimedMu sync.Mutex
	claimed   map[string]string
}

var _ Commander = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithOwners shares running tunnels with other processes through owners.
func WithOwners(owners Owners) Option {
	return func(m *Manager) {
		m.owners = owners
	}
}

// New creates a manager and tracks every stored tunnel as stopped.
func New(store config.Store, sup Supervisor, deleteTimeout time.Duration, opts ...Option) (*Manager, error) {
	if deleteTimeout <= 0 {
		deleteTimeout = 10 * time.Second
	}
	configs, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to load tunnels: %w", err)
	}
	for _, cfg := range configs {
		sup.Track(cfg.Name)
	}
	logging.LogDebug("Manager tracking %d tunnels", len(configs))
	m := &Manager{store: store, sup: sup, deleteTimeout: deleteTimeout, claimed: make(map[string]string)}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// List returns the current snapshot.
func (m *Manager) List(ctx context.Context) ([]TunnelView, error) {
	return m.Snapshot()
}

// View returns the snapshot entry for one tunnel.
func (m *Manager) View(name string) (TunnelView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, err := m.store.Read(name)
	if err != nil {
		return TunnelView{}, err
	}
	rt, _ := m.sup.Runtime(name)
	return m.joinView(cfg, rt), nil
}

// Add stores a new tunnel and tracks it as stopped.
func (m *Manager) Add(ctx context.Context, cfg config.TunnelConfig) (TunnelView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created, err := m.store.Create(cfg)
	if err != nil {
		return TunnelView{}, err
	}
	m.sup.Track(created.Name)
	logging.LogInfo("Added tunnel %s (%s -> localhost:%d)", created.Name, created.Hostname, created.LocalPort)
	rt, _ := m.sup.Runtime(created.Name)
	return m.joinView(created, rt), nil
}

// Update changes a tunnel. An active tunnel whose definition changes is
// stopped, updated and started again; its new port must not be held by
// another tunnel.
func (m *Manager) Update(ctx context.Context, name string, patch config.Patch) (TunnelView, error) {
	m.mu.Lock()
	current, err := m.store.Read(name)
	if err != nil {
		m.mu.Unlock()
		return TunnelView{}, err
	}
	next := config.Normalize(patch.Apply(current))
	if err := config.Validate(next); err != nil {
		m.mu.Unlock()
		return TunnelView{}, err
	}
	if next.Name != name {
		if _, err := m.store.Read(next.Name); err == nil {
			m.mu.Unlock()
			return TunnelView{}, fmt.Errorf("%w: '%s'", config.ErrDuplicateName, next.Name)
		}
	}
	if next == current {
		m.mu.Unlock()
		return m.View(name)
	}

	rt, _ := m.sup.Runtime(name)
	if rec, ok := m.foreignOwner(name, rt); ok {
		m.mu.Unlock()
		return TunnelView{}, fmt.Errorf("%w: '%s' is run by cftunnel process %d, stop it first", supervisor.ErrActive, name, rec.OwnerPID)
	}
	if !rt.State.Active() {
		updated, err := m.applyUpdateLocked(name, patch)
		m.mu.Unlock()
		if err != nil {
			return TunnelView{}, err
		}
		return m.View(updated.Name)
	}

	if holder, reserved := m.sup.Reserved(next.LocalPort); reserved && holder != name {
		m.mu.Unlock()
		return TunnelView{}, fmt.Errorf("%w: local port %d is used by tunnel '%s'", supervisor.ErrPortInUse, next.LocalPort, holder)
	}
	m.mu.Unlock()

	logging.LogInfo("Restarting tunnel %s to apply update", name)
	if err := m.sup.Stop(ctx, name); err != nil {
		return TunnelView{}, fmt.Errorf("failed to stop '%s' for update: %w", name, err)
	}
	m.release(name)

	m.mu.Lock()
	updated, err := m.applyUpdateLocked(name, patch)
	m.mu.Unlock()
	if err != nil {
		return TunnelView{}, err
	}

	if err := m.sup.Start(ctx, updated); err != nil {
		view, _ := m.View(updated.Name)
		return view, fmt.Errorf("updated '%s' but restart failed: %w", updated.Name, err)
	}
	m.claim(updated.Name)
	return m.View(updated.Name)
}

// applyUpdateLocked rekeys the runtime entry first so a rename never leaves a
// config without its runtime. Must be called with m.mu held.
func (m *Manager) applyUpdateLocked(name string, patch config.Patch) (config.TunnelConfig, error) {
	newName := name
	if patch.Name != nil {
		newName = *patch.Name
	}
	if newName != name {
		if err := m.sup.Rename(name, newName); err != nil {
			return config.TunnelConfig{}, err
		}
	}
	updated, err := m.store.Update(name, patch)
	if err != nil {
		if newName != name {
			if rerr := m.sup.Rename(newName, name); rerr != nil {
				logging.LogError("Failed to undo runtime rename %s -> %s: %v", newName, name, rerr)
			}
		}
		return config.TunnelConfig{}, err
	}
	logging.LogInfo("Updated tunnel %s", updated.Name)
	return updated, nil
}

// Delete stops the tunnel, waiting at most the delete timeout, then removes
// it. A tunnel that does not stop in time is left configured.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.RLock()
	_, err := m.store.Read(name)
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	stopCtx, cancel := context.WithTimeout(ctx, m.deleteTimeout)
	defer cancel()
	if err := m.stopTunnel(stopCtx, name); err != nil && !errors.Is(err, config.ErrNotFound) {
		logging.LogError("Delete of %s aborted: %v", name, err)
		return fmt.Errorf("%w: '%s': %v", ErrBusyCannotDelete, name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sup.Forget(name); err != nil {
		return fmt.Errorf("%w: '%s': %v", ErrBusyCannotDelete, name, err)
	}
	if err := m.store.Delete(name); err != nil {
		m.sup.Track(name)
		return err
	}
	logging.LogInfo("Deleted tunnel %s", name)
	return nil
}

// Start launches the tunnel and waits for it to be confirmed running.
func (m *Manager) Start(ctx context.Context, name string) (TunnelView, error) {
	m.mu.RLock()
	cfg, err := m.store.Read(name)
	m.mu.RUnlock()
	if err != nil {
		return TunnelView{}, err
	}

	rt, _ := m.sup.Runtime(name)
	if rec, ok := m.foreignOwner(name, rt); ok {
		view, _ := m.View(name)
		return view, fmt.Errorf("%w: '%s' is run by cftunnel process %d", supervisor.ErrAlreadyRunning, name, rec.OwnerPID)
	}

	startErr := m.sup.Start(ctx, cfg)
	if startErr == nil {
		m.claim(name)
	}

	// The config may have been deleted or renamed while the client started.
	view, err := m.View(name)
	if err != nil {
		_ = m.sup.Stop(context.Background(), name)
		m.release(name)
		_ = m.sup.Forget(name)
		return TunnelView{}, err
	}
	return view, startErr
}

// Stop terminates the tunnel's process.
func (m *Manager) Stop(ctx context.Context, name string) (TunnelView, error) {
	m.mu.RLock()
	_, err := m.store.Read(name)
	m.mu.RUnlock()
	if err != nil {
		return TunnelView{}, err
	}

	stopErr := m.stopTunnel(ctx, name)
	view, err := m.View(name)
	if err != nil {
		return TunnelView{}, err
	}
	return view, stopErr
}

// stopTunnel stops the tunnel here, or asks the process running it to.
func (m *Manager) stopTunnel(ctx context.Context, name string) error {
	rt, _ := m.sup.Runtime(name)
	if rec, ok := m.foreignOwner(name, rt); ok {
		return m.owners.Stop(ctx, rec)
	}
	if err := m.sup.Stop(ctx, name); err != nil {
		return err
	}
	m.release(name)
	return nil
}

// Shutdown stops every tunnel this process runs. Front ends call it on exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	logging.LogInfo("Stopping all tunnels")
	err := m.sup.StopAll(ctx)

	m.claimedMu.Lock()
	names := make([]string, 0, len(m.claimed))
	for name := range m.claimed {
		names = append(names, name)
	}
	m.claimedMu.Unlock()
	for _, name := range names {
		if rt, _ := m.sup.Runtime(name); !rt.State.Active() {
			m.release(name)
		}
	}
	return err
}

// Close releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}
