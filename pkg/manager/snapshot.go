package manager

import (
	"fmt"
	"time"

	"github.com/xlttj/cftunnel/pkg/config"
	"github.com/xlttj/cftunnel/pkg/supervisor"
)

// TunnelView is a tunnel's configuration joined with its runtime state.
type TunnelView struct {
	Name      string           `json:"name"`
	Protocol  string           `json:"protocol"`
	Hostname  string           `json:"hostname"`
	LocalPort int              `json:"local_port"`
	State     supervisor.State `json:"state"`
	Reason    string           `json:"reason,omitempty"`
	PID       int              `json:"pid,omitempty"`
	RunID     string           `json:"run_id,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	// OwnerPID is set when another cftunnel process runs the tunnel.
	OwnerPID int `json:"owner_pid,omitempty"`
}

// Config returns the configuration part of the view.
func (v TunnelView) Config() config.TunnelConfig {
	return config.TunnelConfig{Name: v.Name, Protocol: v.Protocol, Hostname: v.Hostname, LocalPort: v.LocalPort}
}

// Uptime is how long a running tunnel has been up, zero otherwise.
func (v TunnelView) Uptime(now time.Time) time.Duration {
	if v.State != supervisor.StateRunning || v.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(v.StartedAt)
}

func (m *Manager) joinView(cfg config.TunnelConfig, rt supervisor.Runtime) TunnelView {
	view := TunnelView{
		Name:      cfg.Name,
		Protocol:  cfg.Protocol,
		Hostname:  cfg.Hostname,
		LocalPort: cfg.LocalPort,
		State:     rt.State,
		Reason:    rt.Reason,
		PID:       rt.PID,
		RunID:     rt.RunID,
		StartedAt: rt.StartedAt,
	}
	if view.State == "" {
		view.State = supervisor.StateStopped
	}
	if rec, ok := m.foreignOwner(cfg.Name, rt); ok {
		view.OwnerPID = rec.OwnerPID
		view.PID = rec.ClientPID
		view.RunID = rec.RunID
		view.StartedAt = rec.StartedAt
		view.Reason = ""
		view.State = supervisor.StateRunning
		if !m.owners.ClientAlive(rec) {
			view.State = supervisor.StateFailed
			view.Reason = fmt.Sprintf("client exited in cftunnel process %d", rec.OwnerPID)
		}
	}
	return view
}

// Snapshot returns every configured tunnel in store order with its runtime
// state. Tunnels without a runtime entry are reported stopped.
func (m *Manager) Snapshot() ([]TunnelView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configs, err := m.store.List()
	if err != nil {
		return nil, err
	}
	runtimes := m.sup.Runtimes()

	m.releaseStopped(runtimes)

	views := make([]TunnelView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, m.joinView(cfg, runtimes[cfg.Name]))
	}
	return views, nil
}
