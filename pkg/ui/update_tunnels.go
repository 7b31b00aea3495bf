package ui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/xlttj/cftunnel/pkg/supervisor"
)

// updateTunnels handles keys for the StateTunnels view
func (m *Model) updateTunnels(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	if m.filterMode {
		switch msg.String() {
		case "esc":
			m.filterMode = false
			m.filterInput.Blur()
			m.filterInput.SetValue("")
			m.applyFilter()
			m.refreshTable()
			m.tunnelsTable.Focus()
			return m, nil
		case "enter":
			// Leave filter mode but keep the filter
			m.filterMode = false
			m.filterInput.Blur()
			m.tunnelsTable.Focus()
			return m, nil
		default:
			m.filterInput, cmd = m.filterInput.Update(msg)
			m.applyFilter()
			m.refreshTable()
			return m, cmd
		}
	}

	switch msg.String() {
	case "/":
		m.errorMsg = ""
		m.statusMsg = ""
		m.filterMode = true
		m.filterInput.Focus()
		m.tunnelsTable.Blur()
		return m, nil
	case "q":
		return m, tea.Quit
	case "esc":
		if m.filterInput.Value() != "" {
			m.filterInput.SetValue("")
			m.applyFilter()
			m.refreshTable()
		}
		return m, nil
	case " ":
		return m.toggleSelected()
	case "a":
		m.errorMsg = ""
		m.statusMsg = ""
		m.openAddForm()
		return m, nil
	case "e":
		m.errorMsg = ""
		m.statusMsg = ""
		view, ok := m.selectedView()
		if !ok {
			m.errorMsg = "No tunnel selected"
			return m, nil
		}
		m.openEditForm(view)
		return m, nil
	case "d":
		m.errorMsg = ""
		m.statusMsg = ""
		view, ok := m.selectedView()
		if !ok {
			m.errorMsg = "No tunnel selected"
			return m, nil
		}
		if _, busy := m.pending[view.Name]; busy {
			m.errorMsg = fmt.Sprintf("%s is busy", view.Name)
			return m, nil
		}
		m.deleteTarget = view.Name
		m.uiState = StateConfirmDelete
		return m, nil
	case ShortcutRefresh:
		m.errorMsg = ""
		m.statusMsg = "Refreshed"
		return m, m.snapshotCmd()
	default:
		m.tunnelsTable, cmd = m.tunnelsTable.Update(msg)
		return m, cmd
	}
}

// toggleSelected starts a stopped or failed tunnel and stops an active one.
// The command runs in the background so a slow start keeps the UI live.
func (m *Model) toggleSelected() (tea.Model, tea.Cmd) {
	m.errorMsg = ""
	m.statusMsg = ""

	view, ok := m.selectedView()
	if !ok {
		m.errorMsg = "No tunnel selected"
		return m, nil
	}
	if op, busy := m.pending[view.Name]; busy {
		if op == opStart {
			// Stopping a starting tunnel cancels the start.
			m.statusMsg = fmt.Sprintf("Cancelling start of %s...", view.Name)
			return m, m.stopCmd(view.Name)
		}
		m.errorMsg = fmt.Sprintf("%s is busy (%s in progress)", view.Name, op)
		return m, nil
	}

	switch view.State {
	case supervisor.StateRunning, supervisor.StateStarting:
		m.statusMsg = fmt.Sprintf("Stopping %s...", view.Name)
		return m, m.stopCmd(view.Name)
	case supervisor.StateStopping:
		m.errorMsg = fmt.Sprintf("%s is already stopping", view.Name)
		return m, nil
	default:
		m.statusMsg = fmt.Sprintf("Starting %s...", view.Name)
		return m, tea.Batch(m.startCmd(view.Name), m.snapshotCmd())
	}
}

// updateConfirmDelete handles the delete confirmation
func (m *Model) updateConfirmDelete(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		name := m.deleteTarget
		m.deleteTarget = ""
		m.uiState = StateTunnels
		m.statusMsg = fmt.Sprintf("Deleting %s...", name)
		cmd := m.deleteCmd(name)
		m.refreshTable()
		return m, cmd
	case "n", "N", "esc", "q":
		m.deleteTarget = ""
		m.uiState = StateTunnels
		return m, nil
	}
	return m, nil
}
