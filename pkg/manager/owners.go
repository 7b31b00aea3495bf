package manager

import (
	"github.com/xlttj/cftunnel/pkg/logging"
	"github.com/xlttj/cftunnel/pkg/runstate"
	"github.com/xlttj/cftunnel/pkg/supervisor"
)

// foreignOwner returns the record of another process running name. A tunnel
// with a process here is never looked up.
func (m *Manager) foreignOwner(name string, rt supervisor.Runtime) (runstate.Record, bool) {
	if m.owners == nil || rt.State.Active() || rt.PID != 0 {
		return runstate.Record{}, false
	}
	return m.owners.Lookup(name)
}

// claim records that this process runs name.
func (m *Manager) claim(name string) {
	if m.owners == nil {
		return
	}
	rt, ok := m.sup.Runtime(name)
	if !ok || rt.State != supervisor.StateRunning {
		return
	}
	err := m.owners.Claim(runstate.Record{
		Name:      name,
		ClientPID: rt.PID,
		Port:      rt.Port,
		RunID:     rt.RunID,
		StartedAt: rt.StartedAt,
	})
	if err != nil {
		logging.LogWarn("Other cftunnel processes will not see %s running: %v", name, err)
		return
	}
	m.claimedMu.Lock()
	m.claimed[name] = rt.RunID
	m.claimedMu.Unlock()
}

// release drops this process's record of name.
func (m *Manager) release(name string) {
	m.claimedMu.Lock()
	runID, ok := m.claimed[name]
	m.claimedMu.Unlock()
	if ok {
		m.releaseRun(name, runID)
	}
}

// releaseRun drops the record of one run, unless a newer run replaced it.
func (m *Manager) releaseRun(name, runID string) {
	if m.owners == nil {
		return
	}
	m.claimedMu.Lock()
	if m.claimed[name] != runID {
		m.claimedMu.Unlock()
		return
	}
	delete(m.claimed, name)
	m.claimedMu.Unlock()
	if err := m.owners.Release(name, runID); err != nil {
		logging.LogWarn("Failed to release run record of %s: %v", name, err)
	}
}

// releaseStopped drops the records of claimed tunnels that are no longer
// running here, such as reaped crashes.
func (m *Manager) releaseStopped(runtimes map[string]supervisor.Runtime) {
	m.claimedMu.Lock()
	gone := make(map[string]string)
	for name, runID := range m.claimed {
		rt := runtimes[name]
		if rt.State != supervisor.StateRunning || rt.RunID != runID {
			gone[name] = runID
		}
	}
	m.claimedMu.Unlock()
	for name, runID := range gone {
		m.releaseRun(name, runID)
	}
}
