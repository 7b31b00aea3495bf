package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xlttj/cftunnel/pkg/cloudflared"
	"github.com/xlttj/cftunnel/pkg/config"
	"github.com/xlttj/cftunnel/pkg/runstate"
	"github.com/xlttj/cftunnel/pkg/supervisor"
)

// fakeSupervisor keeps runtime entries in memory and never spawns anything.
type fakeSupervisor struct {
	mu       sync.Mutex
	runtimes map[string]supervisor.Runtime
	ports    map[int]string
	stopErr  map[string]error
	startErr map[string]error
	calls    []string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		runtimes: map[string]supervisor.Runtime{},
		ports:    map[int]string{},
		stopErr:  map[string]error{},
		startErr: map[string]error{},
	}
}

func (f *fakeSupervisor) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeSupervisor) Start(ctx context.Context, cfg config.TunnelConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start %s:%d", cfg.Name, cfg.LocalPort)
	rt := f.runtimes[cfg.Name]
	if rt.State.Active() {
		return supervisor.ErrAlreadyRunning
	}
	if holder, ok := f.ports[cfg.LocalPort]; ok && holder != cfg.Name {
		return supervisor.ErrPortInUse
	}
	if err := f.startErr[cfg.Name]; err != nil {
		f.runtimes[cfg.Name] = supervisor.Runtime{Name: cfg.Name, State: supervisor.StateFailed, Reason: err.Error()}
		return err
	}
	f.ports[cfg.LocalPort] = cfg.Name
	f.runtimes[cfg.Name] = supervisor.Runtime{
		Name: cfg.Name, State: supervisor.StateRunning, PID: 4242, Port: cfg.LocalPort,
		RunID: "run-" + cfg.Name, StartedAt: time.Now(),
	}
	return nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop %s", name)
	rt, ok := f.runtimes[name]
	if !ok {
		return config.ErrNotFound
	}
	if err := f.stopErr[name]; err != nil {
		return err
	}
	delete(f.ports, rt.Port)
	f.runtimes[name] = supervisor.Runtime{Name: name, State: supervisor.StateStopped}
	return nil
}

func (f *fakeSupervisor) StopAll(ctx context.Context) error {
	f.mu.Lock()
	var names []string
	for name, rt := range f.runtimes {
		if rt.State.Active() {
			names = append(names, name)
		}
	}
	f.mu.Unlock()
	for _, name := range names {
		if err := f.Stop(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSupervisor) Track(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runtimes[name]; !ok {
		f.runtimes[name] = supervisor.Runtime{Name: name, State: supervisor.StateStopped}
	}
}

func (f *fakeSupervisor) Forget(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runtimes[name].State.Active() {
		return supervisor.ErrActive
	}
	delete(f.runtimes, name)
	return nil
}

func (f *fakeSupervisor) Rename(oldName, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt := f.runtimes[oldName]
	if rt.State.Active() {
		return supervisor.ErrActive
	}
	delete(f.runtimes, oldName)
	rt.Name = newName
	if rt.State == "" {
		rt.State = supervisor.StateStopped
	}
	f.runtimes[newName] = rt
	return nil
}

func (f *fakeSupervisor) Runtime(name string) (supervisor.Runtime, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt, ok := f.runtimes[name]
	return rt, ok
}

func (f *fakeSupervisor) Runtimes() map[string]supervisor.Runtime {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]supervisor.Runtime, len(f.runtimes))
	for k, v := range f.runtimes {
		out[k] = v
	}
	return out
}

func (f *fakeSupervisor) Reserved(port int) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.ports[port]
	return name, ok
}

func newTestManager(t *testing.T) (*Manager, *fakeSupervisor) {
	t.Helper()
	store, err := config.NewFileStore(filepath.Join(t.TempDir(), "tunnels.yaml"))
	require.NoError(t, err)
	sup := newFakeSupervisor()
	m, err := New(store, sup, time.Second)
	require.NoError(t, err)
	return m, sup
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestNewTracksStoredTunnels(t *testing.T) {
	store, err := config.NewFileStore(filepath.Join(t.TempDir(), "tunnels.yaml"))
	require.NoError(t, err)
	_, err = store.Create(config.TunnelConfig{Name: "a", Hostname: "a.example.com", LocalPort: 1000})
	require.NoError(t, err)

	sup := newFakeSupervisor()
	_, err = New(store, sup, 0)
	require.NoError(t, err)
	rt, ok := sup.Runtime("a")
	assert.True(t, ok)
	assert.Equal(t, supervisor.StateStopped, rt.State)
}

func TestCorpRDPScenario(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	added, err := m.Add(ctx, config.TunnelConfig{Name: "CorpRDP", Protocol: "rdp", Hostname: "rdp.example.com", LocalPort: 3389})
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateStopped, added.State)

	view, err := m.Start(ctx, "CorpRDP")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateRunning, view.State)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, supervisor.StateRunning, list[0].State)
	assert.Equal(t, 3389, list[0].LocalPort)

	require.NoError(t, m.Delete(ctx, "CorpRDP"))
	list, err = m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAddDuplicateIsConflict(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Add(ctx, config.TunnelConfig{Name: "a", Hostname: "a.example.com", LocalPort: 1000})
	require.NoError(t, err)

	_, err = m.Add(ctx, config.TunnelConfig{Name: "a", Hostname: "b.example.com", LocalPort: 2000})
	assert.ErrorIs(t, err, config.ErrDuplicateName)
	assert.Equal(t, KindConflict, Kind(err))

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, "a.example.com", list[0].Hostname)
}

func TestSnapshotKeepsStoreOrderAndDefaultsToStopped(t *testing.T) {
	m, sup := newTestManager(t)
	ctx := context.Background()
	for _, name := range []string{"c", "a", "b"} {
		_, err := m.Add(ctx, config.TunnelConfig{Name: name, Hostname: name + ".example.com", LocalPort: 2000})
		require.NoError(t, err)
	}
	require.NoError(t, sup.Forget("a"))

	views, err := m.Snapshot()
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{views[0].Name, views[1].Name, views[2].Name})
	assert.Equal(t, supervisor.StateStopped, views[1].State)
}

func TestStartStopUnknownTunnel(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Start(ctx, "ghost")
	assert.ErrorIs(t, err, config.ErrNotFound)
	_, err = m.Stop(ctx, "ghost")
	assert.ErrorIs(t, err, config.ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, "ghost"), config.ErrNotFound)
}

func TestStartFailureReportsFailedView(t *testing.T) {
	m, sup := newTestManager(t)
	ctx := context.Background()
	_, err := m.Add(ctx, config.TunnelConfig{Name: "bad", Hostname: "bad.example.com", LocalPort: 1000})
	require.NoError(t, err)
	sup.startErr["bad"] = fmt.Errorf("%w: exited with code 1", supervisor.ErrProcessFailure)

	view, err := m.Start(ctx, "bad")
	assert.ErrorIs(t, err, supervisor.ErrProcessFailure)
	assert.Equal(t, KindProcess, Kind(err))
	assert.Equal(t, supervisor.StateFailed, view.State)
	assert.Contains(t, view.Reason, "exited with code 1")
}

func TestDeleteBusyLeavesConfig(t *testing.T) {
	m, sup := newTestManager(t)
	ctx := context.Background()
	_, err := m.Add(ctx, config.TunnelConfig{Name: "stuck", Hostname: "s.example.com", LocalPort: 1000})
	require.NoError(t, err)
	_, err = m.Start(ctx, "stuck")
	require.NoError(t, err)
	sup.stopErr["stuck"] = fmt.Errorf("%w: PID 4242", supervisor.ErrStopTimeout)

	err = m.Delete(ctx, "stuck")
	assert.ErrorIs(t, err, ErrBusyCannotDelete)
	assert.Equal(t, KindBusy, Kind(err))

	view, err := m.View("stuck")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateRunning, view.State)
}

func TestUpdateStoppedTunnelRenames(t *testing.T) {
	m, sup := newTestManager(t)
	ctx := context.Background()
	_, err := m.Add(ctx, config.TunnelConfig{Name: "old", Hostname: "h.example.com", LocalPort: 1000})
	require.NoError(t, err)

	view, err := m.Update(ctx, "old", config.Patch{Name: strPtr("new"), Protocol: strPtr("SSH")})
	require.NoError(t, err)
	assert.Equal(t, "new", view.Name)
	assert.Equal(t, "ssh", view.Protocol)

	_, ok := sup.Runtime("old")
	assert.False(t, ok)
	_, ok = sup.Runtime("new")
	assert.True(t, ok)
	assert.NotContains(t, sup.calls, "stop old")
}

func TestUpdateValidationHasNoSideEffects(t *testing.T) {
	m, sup := newTestManager(t)
	ctx := context.Background()
	_, err := m.Add(ctx, config.TunnelConfig{Name: "a", Hostname: "a.example.com", LocalPort: 1000})
	require.NoError(t, err)
	_, err = m.Add(ctx, config.TunnelConfig{Name: "b", Hostname: "b.example.com", LocalPort: 1001})
	require.NoError(t, err)
	_, err = m.Start(ctx, "a")
	require.NoError(t, err)

	_, err = m.Update(ctx, "a", config.Patch{LocalPort: intPtr(0)})
	assert.ErrorIs(t, err, config.ErrInvalid)
	_, err = m.Update(ctx, "a", config.Patch{Name: strPtr("b")})
	assert.ErrorIs(t, err, config.ErrDuplicateName)
	_, err = m.Update(ctx, "missing", config.Patch{Hostname: strPtr("x")})
	assert.ErrorIs(t, err, config.ErrNotFound)

	assert.NotContains(t, sup.calls, "stop a")
	view, err := m.View("a")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateRunning, view.State)
}

func TestUpdateRunningTunnelRestarts(t *testing.T) {
	m, sup := newTestManager(t)
	ctx := context.Background()
	_, err := m.Add(ctx, config.TunnelConfig{Name: "web", Hostname: "web.example.com", LocalPort: 8080})
	require.NoError(t, err)
	_, err = m.Start(ctx, "web")
	require.NoError(t, err)

	view, err := m.Update(ctx, "web", config.Patch{LocalPort: intPtr(8081)})
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateRunning, view.State)
	assert.Equal(t, 8081, view.LocalPort)
	assert.Equal(t, []string{"start web:8080", "stop web", "start web:8081"}, sup.calls)
}

func TestUpdateRunningTunnelOntoReservedPort(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Add(ctx, config.TunnelConfig{Name: "a", Hostname: "a.example.com", LocalPort: 1000})
	require.NoError(t, err)
	_, err = m.Add(ctx, config.TunnelConfig{Name: "b", Hostname: "b.example.com", LocalPort: 2000})
	require.NoError(t, err)
	_, err = m.Start(ctx, "a")
	require.NoError(t, err)
	_, err = m.Start(ctx, "b")
	require.NoError(t, err)

	_, err = m.Update(ctx, "b", config.Patch{LocalPort: intPtr(1000)})
	assert.ErrorIs(t, err, supervisor.ErrPortInUse)

	view, err := m.View("b")
	require.NoError(t, err)
	assert.Equal(t, 2000, view.LocalPort)
	assert.Equal(t, supervisor.StateRunning, view.State)
}

func TestStoppedTunnelsMayShareAPort(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Add(ctx, config.TunnelConfig{Name: "a", Hostname: "a.example.com", LocalPort: 3389})
	require.NoError(t, err)
	_, err = m.Add(ctx, config.TunnelConfig{Name: "b", Hostname: "b.example.com", LocalPort: 3389})
	require.NoError(t, err)

	_, err = m.Start(ctx, "a")
	require.NoError(t, err)
	_, err = m.Start(ctx, "b")
	assert.ErrorIs(t, err, supervisor.ErrPortInUse)
}

func TestShutdownStopsEverything(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	for i, name := range []string{"a", "b"} {
		_, err := m.Add(ctx, config.TunnelConfig{Name: name, Hostname: name + ".example.com", LocalPort: 1000 + i})
		require.NoError(t, err)
		_, err = m.Start(ctx, name)
		require.NoError(t, err)
	}

	require.NoError(t, m.Shutdown(ctx))
	views, err := m.Snapshot()
	require.NoError(t, err)
	for _, v := range views {
		assert.Equal(t, supervisor.StateStopped, v.State)
	}
}

func TestKindAndSentinelRoundTrip(t *testing.T) {
	errs := []error{
		fmt.Errorf("%w: name must not be empty", config.ErrInvalid),
		fmt.Errorf("%w: 'x'", config.ErrNotFound),
		fmt.Errorf("%w: 'x'", config.ErrDuplicateName),
		fmt.Errorf("%w: local port 1 is used", supervisor.ErrPortInUse),
		fmt.Errorf("%w: 'x' is running", supervisor.ErrAlreadyRunning),
		fmt.Errorf("%w: exited", supervisor.ErrProcessFailure),
		supervisor.ErrStartAborted,
		fmt.Errorf("%w: PID 12", runstate.ErrOwnerAlive),
		fmt.Errorf("%w: 'x'", ErrBusyCannotDelete),
		fmt.Errorf("%w: not on PATH", cloudflared.ErrClientNotFound),
	}
	for _, err := range errs {
		sentinel := SentinelForKind(Kind(err), err.Error())
		require.NotNil(t, sentinel, err.Error())
		assert.True(t, errors.Is(err, sentinel), "%v -> %v", err, sentinel)
	}
	assert.Equal(t, KindInternal, Kind(errors.New("disk on fire")))
	assert.Nil(t, SentinelForKind(KindInternal, "disk on fire"))
}
