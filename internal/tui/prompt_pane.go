package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/trustgate/internal/trust"
)

// PromptPaneModel lists pending trust prompts beside the selected prompt's
// detail.
type PromptPaneModel struct {
	prompts     []trust.Prompt
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewPromptPaneModel creates a new prompt pane model.
func NewPromptPaneModel() PromptPaneModel {
	return PromptPaneModel{viewport: viewport.New(0, 0)}
}

// SetPrompts replaces the pending set, keeping the selection on the same
// prompt when it is still pending.
func (m *PromptPaneModel) SetPrompts(prompts []trust.Prompt) {
	selected := m.Selected()
	m.prompts = prompts
	m.selectedIdx = 0
	if selected != nil {
		for i, p := range prompts {
			if p.ID == selected.ID {
				m.selectedIdx = i
				break
			}
		}
	}
	m.updateViewportContent()
}

// Selected returns the selected prompt or nil.
func (m PromptPaneModel) Selected() *trust.Prompt {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.prompts) {
		p := m.prompts[m.selectedIdx]
		return &p
	}
	return nil
}

// Update handles messages for the prompt pane.
func (m PromptPaneModel) Update(msg tea.Msg) (PromptPaneModel, tea.Cmd) {
	var cmd tea.Cmd
	if msg, ok := msg.(tea.KeyMsg); ok && m.focused {
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.prompts)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}
	}
	return m, cmd
}

// View renders the prompt pane.
func (m PromptPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := min(30, m.width/2)
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(listWidth),
		lipgloss.NewStyle().
			Width(m.width-listWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m PromptPaneModel) renderList(width int) string {
	var b strings.Builder
	title := StyleTitle.Render(fmt.Sprintf("Prompts (%d)", len(m.prompts)))
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.prompts) == 0 {
		b.WriteString(StyleStatusPending.Render("Nothing to decide"))
	}
	for i, p := range m.prompts {
		name := p.Title
		if len(name) > width-6 {
			name = name[:max(width-9, 0)] + "..."
		}
		line := fmt.Sprintf("%s %s", LevelBadge(p.Level), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// LevelBadge renders a risk level as L1..L3.
func LevelBadge(level int) string {
	style, ok := StyleLevel[level]
	if !ok {
		style = StyleStatusPending
	}
	return style.Render(fmt.Sprintf("L%d", level))
}

func (m *PromptPaneModel) updateViewportContent() {
	p := m.Selected()
	if p == nil {
		m.viewport.SetContent("No pending prompts.")
		return
	}

	var b strings.Builder
	b.WriteString(StyleTitle.Render(p.Title))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Level:   %s\n", LevelBadge(p.Level))
	fmt.Fprintf(&b, "Created: %s\n", p.CreatedAt.Local().Format("15:04:05"))
	fmt.Fprintf(&b, "Options: %s\n\n", joinDecisions(p.Options))
	b.WriteString(p.Rationale)
	b.WriteString("\n\n")

	keys := make([]string, 0, len(p.Meta))
	for k := range p.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, p.Meta[k])
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoTop()
}

func joinDecisions(ds []trust.Decision) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = string(d)
	}
	return strings.Join(parts, ", ")
}

func (m *PromptPaneModel) resizeViewport() {
	listWidth := min(30, m.width/2)
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *PromptPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *PromptPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
