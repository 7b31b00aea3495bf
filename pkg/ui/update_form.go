package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/xlttj/cftunnel/pkg/config"
	"github.com/xlttj/cftunnel/pkg/manager"
)

// tunnelForm is the add/edit form. original is the tunnel being edited; its
// Name is empty when adding.
type tunnelForm struct {
	original   manager.TunnelView
	inputs     [fieldCount]textinput.Model
	focus      int
	err        string
	submitting bool
}

var fieldLabels = [fieldCount]string{
	fieldName:     "Name",
	fieldHostname: "Hostname",
	fieldPort:     "Local port",
	fieldProtocol: "Protocol",
}

func newTunnelForm(original manager.TunnelView) tunnelForm {
	f := tunnelForm{original: original}
	values := [fieldCount]string{
		fieldName:     original.Name,
		fieldHostname: original.Hostname,
		fieldPort:     strconv.Itoa(config.DefaultLocalPort),
		fieldProtocol: config.DefaultProtocol,
	}
	if original.Name != "" {
		values[fieldPort] = strconv.Itoa(original.LocalPort)
		values[fieldProtocol] = original.Protocol
	}
	placeholders := [fieldCount]string{
		fieldName:     "CorpRDP",
		fieldHostname: "rdp.example.com",
		fieldPort:     "3389",
		fieldProtocol: strings.Join(config.KnownProtocols, ", "),
	}
	for i := range f.inputs {
		ti := textinput.New()
		ti.CharLimit = 253
		ti.Width = 40
		ti.Placeholder = placeholders[i]
		ti.SetValue(values[i])
		f.inputs[i] = ti
	}
	f.inputs[fieldPort].CharLimit = 5
	f.inputs[fieldName].Focus()
	return f
}

func (f *tunnelForm) editing() bool {
	return f.original.Name != ""
}

func (f *tunnelForm) setFocus(i int) {
	f.inputs[f.focus].Blur()
	f.focus = (i + fieldCount) % fieldCount
	f.inputs[f.focus].Focus()
}

func (f *tunnelForm) value(field int) string {
	return strings.TrimSpace(f.inputs[field].Value())
}

// config reads the form into a tunnel config. Only the port is checked here;
// the rest is validated by the store.
func (f *tunnelForm) config() (config.TunnelConfig, error) {
	port, err := strconv.Atoi(f.value(fieldPort))
	if err != nil {
		return config.TunnelConfig{}, fmt.Errorf("port must be a number")
	}
	return config.TunnelConfig{
		Name:      f.value(fieldName),
		Hostname:  f.value(fieldHostname),
		LocalPort: port,
		Protocol:  f.value(fieldProtocol),
	}, nil
}

// patch holds the fields that differ from the tunnel being edited.
func (f *tunnelForm) patch(cfg config.TunnelConfig) config.Patch {
	var p config.Patch
	if cfg.Name != f.original.Name {
		p.Name = &cfg.Name
	}
	if cfg.Hostname != f.original.Hostname {
		p.Hostname = &cfg.Hostname
	}
	if cfg.LocalPort != f.original.LocalPort {
		p.LocalPort = &cfg.LocalPort
	}
	if cfg.Protocol != f.original.Protocol {
		p.Protocol = &cfg.Protocol
	}
	return p
}

func (m *Model) openAddForm() {
	m.form = newTunnelForm(manager.TunnelView{})
	m.uiState = StateForm
	m.tunnelsTable.Blur()
}

func (m *Model) openEditForm(view manager.TunnelView) {
	m.form = newTunnelForm(view)
	m.uiState = StateForm
	m.tunnelsTable.Blur()
}

func (m *Model) closeForm() {
	m.form = tunnelForm{}
	m.uiState = StateTunnels
	m.tunnelsTable.Focus()
}

// updateForm handles keys in the add/edit form
func (m *Model) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.form.submitting {
		return m, nil
	}

	switch msg.String() {
	case "esc":
		m.closeForm()
		return m, nil
	case "tab", "down":
		m.form.setFocus(m.form.focus + 1)
		return m, nil
	case "shift+tab", "up":
		m.form.setFocus(m.form.focus - 1)
		return m, nil
	case "enter":
		return m.submitForm()
	}

	var cmd tea.Cmd
	m.form.inputs[m.form.focus], cmd = m.form.inputs[m.form.focus].Update(msg)
	return m, cmd
}

// submitForm sends the add or update. The form stays open until the result
// arrives, so a rejected value can be corrected.
func (m *Model) submitForm() (tea.Model, tea.Cmd) {
	cfg, err := m.form.config()
	if err != nil {
		m.form.err = err.Error()
		return m, nil
	}
	m.form.err = ""

	if !m.form.editing() {
		m.form.submitting = true
		return m, m.addCmd(cfg)
	}

	patch := m.form.patch(cfg)
	if patch.IsEmpty() {
		m.closeForm()
		m.statusMsg = "No changes"
		return m, nil
	}
	m.form.submitting = true
	return m, m.updateCmd(m.form.original.Name, patch)
}
