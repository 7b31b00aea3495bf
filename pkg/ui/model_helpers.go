package ui

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/xlttj/cftunnel/pkg/config"
	"github.com/xlttj/cftunnel/pkg/manager"
)

// FormatUptime renders an uptime for the UPTIME column, "-" for zero.
func FormatUptime(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	d = d.Truncate(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// generateRows converts the visible tunnels to table rows
func (m *Model) generateRows() []table.Row {
	now := m.now()
	rows := make([]table.Row, 0, len(m.visible))
	for _, v := range m.visible {
		status := string(v.State)
		if op, ok := m.pending[v.Name]; ok && op == opDelete {
			status = "deleting"
		}
		rows = append(rows, table.Row{
			v.Name,
			v.Protocol,
			v.Hostname,
			strconv.Itoa(v.LocalPort),
			status,
			FormatUptime(v.Uptime(now)),
		})
	}
	return rows
}

func (m *Model) refreshTable() {
	rows := m.generateRows()
	m.tunnelsTable.SetRows(rows)
	if cursor := m.tunnelsTable.Cursor(); cursor >= len(rows) || cursor < 0 {
		m.tunnelsTable.SetCursor(max(len(rows)-1, 0))
	}
}

// selectedView returns the tunnel under the cursor.
func (m *Model) selectedView() (manager.TunnelView, bool) {
	cursor := m.tunnelsTable.Cursor()
	if cursor < 0 || cursor >= len(m.visible) {
		return manager.TunnelView{}, false
	}
	return m.visible[cursor], true
}

// run issues op in the background and reports it as an opDoneMsg.
func (m *Model) run(op, name string, fn func(ctx context.Context, c manager.Commander) (manager.TunnelView, error)) tea.Cmd {
	m.pending[name] = op
	commander := m.commander
	return func() tea.Msg {
		view, err := fn(context.Background(), commander)
		return opDoneMsg{op: op, name: name, view: view, err: err}
	}
}

func (m *Model) startCmd(name string) tea.Cmd {
	return m.run(opStart, name, func(ctx context.Context, c manager.Commander) (manager.TunnelView, error) {
		return c.Start(ctx, name)
	})
}

func (m *Model) stopCmd(name string) tea.Cmd {
	return m.run(opStop, name, func(ctx context.Context, c manager.Commander) (manager.TunnelView, error) {
		return c.Stop(ctx, name)
	})
}

func (m *Model) deleteCmd(name string) tea.Cmd {
	return m.run(opDelete, name, func(ctx context.Context, c manager.Commander) (manager.TunnelView, error) {
		return manager.TunnelView{Name: name}, c.Delete(ctx, name)
	})
}

func (m *Model) addCmd(cfg config.TunnelConfig) tea.Cmd {
	return m.run(opAdd, cfg.Name, func(ctx context.Context, c manager.Commander) (manager.TunnelView, error) {
		return c.Add(ctx, cfg)
	})
}

func (m *Model) updateCmd(name string, patch config.Patch) tea.Cmd {
	return m.run(opUpdate, name, func(ctx context.Context, c manager.Commander) (manager.TunnelView, error) {
		return c.Update(ctx, name, patch)
	})
}

func opFailure(msg opDoneMsg) string {
	switch msg.op {
	case opStart:
		return fmt.Sprintf("Cannot start %s: %v", msg.name, msg.err)
	case opStop:
		return fmt.Sprintf("Cannot stop %s: %v", msg.name, msg.err)
	case opDelete:
		return fmt.Sprintf("Cannot delete %s: %v", msg.name, msg.err)
	default:
		return fmt.Sprintf("%s %s: %v", msg.op, msg.name, msg.err)
	}
}

func opSuccess(msg opDoneMsg) string {
	switch msg.op {
	case opStart:
		return fmt.Sprintf("Started %s on localhost:%d", msg.view.Name, msg.view.LocalPort)
	case opStop:
		return fmt.Sprintf("Stopped %s", msg.name)
	case opAdd:
		return fmt.Sprintf("Added %s", msg.view.Name)
	case opUpdate:
		if msg.view.Name != msg.name {
			return fmt.Sprintf("Updated %s (renamed to %s)", msg.name, msg.view.Name)
		}
		return fmt.Sprintf("Updated %s", msg.name)
	case opDelete:
		return fmt.Sprintf("Deleted %s", msg.name)
	}
	return ""
}
