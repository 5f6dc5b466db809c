package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/trustgate/internal/trust"
)

// ConfirmPaneModel asks for a second confirmation before a high-risk
// prompt is approved.
type ConfirmPaneModel struct {
	form    *huh.Form
	prompt  trust.Prompt
	confirm bool
	visible bool
	width   int
	height  int
}

// confirmedMsg reports the operator's answer for a prompt.
type confirmedMsg struct {
	promptID string
	approved bool
}

// NewConfirmPaneModel creates a hidden confirmation pane.
func NewConfirmPaneModel() ConfirmPaneModel {
	return ConfirmPaneModel{}
}

// Open shows the form for a prompt.
func (m *ConfirmPaneModel) Open(p trust.Prompt) tea.Cmd {
	m.prompt = p
	m.confirm = false
	m.visible = true
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Key("confirm").
				Title(fmt.Sprintf("Approve level %d action?", p.Level)).
				Description(p.Title + "\n\n" + p.Rationale).
				Affirmative("Approve").
				Negative("Back").
				Value(&m.confirm),
		),
	)
	if m.width > 0 {
		m.form.WithWidth(m.width - 8)
	}
	return m.form.Init()
}

// Update handles messages for the confirmation pane.
func (m ConfirmPaneModel) Update(msg tea.Msg) (ConfirmPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.visible = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		m.visible = false
		id, approved := m.prompt.ID, m.form.GetBool("confirm")
		return m, func() tea.Msg { return confirmedMsg{promptID: id, approved: approved} }
	case huh.StateAborted:
		m.visible = false
		return m, nil
	}
	return m, cmd
}

// View renders the confirmation pane.
func (m ConfirmPaneModel) View() string {
	if !m.visible {
		return ""
	}
	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("red")).
		Padding(1, 2).
		Width(m.width - 4)

	title := StyleStatusFailed.Render("High-risk approval")
	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(m.form.View()))
}

// SetSize updates the dimensions of the pane.
func (m *ConfirmPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8)
	}
}

// IsVisible reports whether the form is open.
func (m ConfirmPaneModel) IsVisible() bool {
	return m.visible
}
