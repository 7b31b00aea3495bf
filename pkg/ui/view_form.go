package ui

import (
	"fmt"
	"strings"
)

// viewForm renders the add/edit form
func (m *Model) viewForm() string {
	var b strings.Builder

	title := "Add Tunnel"
	if m.form.editing() {
		title = fmt.Sprintf("Edit Tunnel: %s", m.form.original.Name)
	}
	b.WriteString(titleStyle.Padding(0, 1).Render(title))
	b.WriteString("\n\n")

	if m.form.editing() && m.form.original.State.Active() {
		b.WriteString(helpStyle.Render("The tunnel is running and will be restarted with the new settings."))
		b.WriteString("\n\n")
	}

	for i, input := range m.form.inputs {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-12s", fieldLabels[i]+":")))
		b.WriteString(input.View())
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(helpStyle.Render(HelpForm))
	b.WriteString("\n")

	switch {
	case m.form.submitting:
		b.WriteString(statusStyle.Render("Saving..."))
		b.WriteString("\n")
	case m.form.err != "":
		b.WriteString(errorStyle.Bold(true).Render(fmt.Sprintf("Error: %s", m.form.err)))
		b.WriteString("\n")
	}
	return b.String()
}
