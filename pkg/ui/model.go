package ui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xlttj/cftunnel/pkg/logging"
	"github.com/xlttj/cftunnel/pkg/manager"
	"github.com/xlttj/cftunnel/pkg/supervisor"
)

// snapshotTimeout bounds one refresh of the tunnel list.
const snapshotTimeout = 5 * time.Second

// Options configures the UI.
type Options struct {
	Commander manager.Commander
	// Refresh is the snapshot interval. Defaults to one second.
	Refresh time.Duration
	// Notice and Warning are shown in the message line on startup.
	Notice  string
	Warning string
}

// Model represents the state of the UI
type Model struct {
	uiState UIState

	commander manager.Commander
	refresh   time.Duration
	now       func() time.Time

	width  int
	height int

	// Central error message
	errorMsg string
	// Status/info message (non-error feedback)
	statusMsg string

	// Last snapshot, and the part of it that passes the filter
	views   []manager.TunnelView
	visible []manager.TunnelView
	// Commands in flight, by tunnel name
	pending map[string]string

	tunnelsTable table.Model

	// Filter state
	filterMode  bool
	filterInput textinput.Model

	form         tunnelForm
	deleteTarget string
}

// calculateColumnWidths returns column widths based on terminal width
func (m *Model) calculateColumnWidths() []table.Column {
	minWidths := map[string]int{
		ColName:      6,
		ColProtocol:  8,
		ColHostname:  10,
		ColPortLocal: 5,
		ColStatus:    8,
		ColUptime:    7,
	}

	availableWidth := m.width - 10
	availableWidth = max(availableWidth, 60)

	totalMinWidth := 0
	for _, width := range minWidths {
		totalMinWidth += width
	}
	remainingSpace := max(availableWidth-totalMinWidth, 0)

	finalWidths := make(map[string]int)
	for col, minWidth := range minWidths {
		finalWidths[col] = minWidth
	}

	// Hostnames are the longest values, then names
	for _, col := range []string{ColHostname, ColName, ColStatus, ColUptime} {
		if remainingSpace <= 0 {
			break
		}
		var extraForCol int
		switch col {
		case ColHostname:
			extraForCol = remainingSpace * 45 / 100
		case ColName:
			extraForCol = remainingSpace * 35 / 100
		default:
			extraForCol = remainingSpace * 10 / 100
		}
		finalWidths[col] += extraForCol
		remainingSpace -= extraForCol
	}

	return []table.Column{
		{Title: ColName, Width: finalWidths[ColName]},
		{Title: ColProtocol, Width: finalWidths[ColProtocol]},
		{Title: ColHostname, Width: finalWidths[ColHostname]},
		{Title: ColPortLocal, Width: finalWidths[ColPortLocal]},
		{Title: ColStatus, Width: finalWidths[ColStatus]},
		{Title: ColUptime, Width: finalWidths[ColUptime]},
	}
}

// NewModel builds the UI around a commander.
func NewModel(opts Options) *Model {
	refresh := opts.Refresh
	if refresh <= 0 {
		refresh = time.Second
	}

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color(ColorBorder)).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color(ColorSelectedFg)).
		Background(lipgloss.Color(ColorSelectedBg)).
		Bold(false)

	ti := textinput.New()
	ti.Placeholder = "Filter..."
	ti.CharLimit = 156
	ti.Width = 20

	m := &Model{
		uiState:     StateTunnels,
		commander:   opts.Commander,
		refresh:     refresh,
		now:         time.Now,
		errorMsg:    opts.Warning,
		statusMsg:   opts.Notice,
		width:       80, // updated on the first WindowSizeMsg
		height:      24,
		pending:     make(map[string]string),
		filterInput: ti,
	}

	m.tunnelsTable = table.New(
		table.WithColumns(m.calculateColumnWidths()),
		table.WithFocused(true),
		table.WithHeight(10),
		table.WithStyles(s),
	)
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.snapshotCmd(), m.tickCmd())
}

func (m *Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) snapshotCmd() tea.Cmd {
	commander := m.commander
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		views, err := commander.List(ctx)
		return snapshotMsg{views: views, err: err}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.tunnelsTable.SetHeight(max(m.height-TunnelsViewOffset, MinTableHeight))
		m.tunnelsTable.SetColumns(m.calculateColumnWidths())
		m.filterInput.Width = max(m.width-4, 20)
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.snapshotCmd(), m.tickCmd())

	case snapshotMsg:
		m.applySnapshot(msg)
		return m, nil

	case opDoneMsg:
		return m.handleOpDone(msg)

	case tea.KeyMsg:
		if msg.String() == ShortcutQuit {
			return m, tea.Quit
		}
		switch m.uiState {
		case StateTunnels:
			return m.updateTunnels(msg)
		case StateForm:
			return m.updateForm(msg)
		case StateConfirmDelete:
			return m.updateConfirmDelete(msg)
		}
	}
	return m, nil
}

// applySnapshot stores a new tunnel list. A tunnel that went to failed since
// the last snapshot has its reason shown.
func (m *Model) applySnapshot(msg snapshotMsg) {
	if msg.err != nil {
		logging.LogDebug("Snapshot failed: %v", msg.err)
		m.errorMsg = "Cannot load tunnels: " + msg.err.Error()
		return
	}

	previous := make(map[string]supervisor.State, len(m.views))
	for _, v := range m.views {
		previous[v.Name] = v.State
	}
	for _, v := range msg.views {
		old, known := previous[v.Name]
		if known && old != supervisor.StateFailed && v.State == supervisor.StateFailed {
			m.errorMsg = v.Name + " failed: " + v.Reason
		}
	}

	m.views = msg.views
	m.applyFilter()
	m.refreshTable()
}

// applyFilter filters tunnels on the current filter text
func (m *Model) applyFilter() {
	filterText := strings.ToLower(strings.TrimSpace(m.filterInput.Value()))
	if filterText == "" {
		m.visible = m.views
		return
	}

	m.visible = nil
	for _, v := range m.views {
		if strings.Contains(strings.ToLower(v.Name), filterText) ||
			strings.Contains(strings.ToLower(v.Protocol), filterText) ||
			strings.Contains(strings.ToLower(v.Hostname), filterText) ||
			strings.Contains(strconv.Itoa(v.LocalPort), filterText) {
			m.visible = append(m.visible, v)
		}
	}
}

func (m *Model) handleOpDone(msg opDoneMsg) (tea.Model, tea.Cmd) {
	// A stop issued while the start was in flight owns the entry now.
	if m.pending[msg.name] == msg.op {
		delete(m.pending, msg.name)
	}

	if msg.op == opStart && errors.Is(msg.err, supervisor.ErrStartAborted) {
		m.errorMsg = ""
		m.statusMsg = fmt.Sprintf("Start of %s cancelled", msg.name)
		return m, m.snapshotCmd()
	}

	if msg.op == opAdd || msg.op == opUpdate {
		if msg.err != nil {
			m.form.err = msg.err.Error()
			m.form.submitting = false
			return m, m.snapshotCmd()
		}
		m.closeForm()
	}

	if msg.err != nil {
		logging.LogDebug("%s %s failed: %v", msg.op, msg.name, msg.err)
		m.statusMsg = ""
		m.errorMsg = opFailure(msg)
		return m, m.snapshotCmd()
	}

	m.errorMsg = ""
	m.statusMsg = opSuccess(msg)
	return m, m.snapshotCmd()
}
