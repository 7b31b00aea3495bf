package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorTitle)).Bold(true)
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorHelp))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorError))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRunning))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLabel))
)

// View renders the current model state
func (m *Model) View() string {
	switch m.uiState {
	case StateForm:
		return m.viewForm()
	case StateConfirmDelete:
		return m.viewConfirmDelete()
	}
	return m.viewTunnels()
}

// messageLine renders the error or status message, or "".
func (m *Model) messageLine() string {
	if m.errorMsg != "" {
		return errorStyle.Render(fmt.Sprintf("ERROR: %s", m.errorMsg))
	}
	if m.statusMsg != "" {
		return statusStyle.Render(m.statusMsg)
	}
	return ""
}

// viewTunnels renders the tunnel table view
func (m *Model) viewTunnels() string {
	running := 0
	for _, v := range m.views {
		if v.State.Active() {
			running++
		}
	}
	title := titleStyle.Render(fmt.Sprintf("Tunnels - %d configured, %d active", len(m.views), running))

	help := HelpTunnels
	if m.width < NarrowWidth {
		help = HelpTunnelsNarrow
	}
	helpText := helpStyle.Render(help)

	top := title
	if m.width >= NarrowWidth {
		if spacing := m.width - lipgloss.Width(title) - lipgloss.Width(helpText); spacing > 0 {
			top = lipgloss.JoinHorizontal(lipgloss.Left, title, strings.Repeat(" ", spacing), helpText)
		}
	}

	// The filter box is always drawn so the table does not shift
	var filterView string
	switch {
	case m.filterMode:
		filterView = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color(ColorBorder)).
			Padding(0, 1).
			Render("Filter: " + m.filterInput.View())
	case m.filterInput.Value() != "":
		filterView = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color(ColorInactive)).
			Foreground(lipgloss.Color(ColorInactive)).
			Padding(0, 1).
			Render(fmt.Sprintf("Filter: %s (Press / to edit, Esc to clear)", m.filterInput.Value()))
	default:
		filterView = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color(ColorBorder)).
			Foreground(lipgloss.Color(ColorBorder)).
			Padding(0, 1).
			Render("Press / to filter...")
	}

	var tableView string
	if len(m.views) == 0 {
		tableView = helpStyle.Render("No tunnels configured. Press A to add one.")
	} else {
		tableView = lipgloss.PlaceHorizontal(m.width, lipgloss.Left, m.tunnelsTable.View())
	}

	parts := []string{top, "", filterView, tableView}
	if line := m.messageLine(); line != "" {
		parts = append(parts, line)
	}
	if m.width < NarrowWidth {
		parts = append(parts, helpText)
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// viewConfirmDelete renders the delete confirmation
func (m *Model) viewConfirmDelete() string {
	var b strings.Builder
	b.WriteString(titleStyle.Padding(0, 1).Render("Delete Tunnel"))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("Delete tunnel '%s'? A running tunnel is stopped first.", m.deleteTarget))
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render(HelpConfirm))
	b.WriteString("\n")
	return b.String()
}
