package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/trustgate/internal/events"
	"github.com/aristath/trustgate/internal/scheduler"
	"github.com/aristath/trustgate/internal/trust"
)

// feedLimit caps the lines kept in the feed.
const feedLimit = 500

// FeedPaneModel shows the live event feed.
type FeedPaneModel struct {
	lines     []string
	viewport  viewport.Model
	width     int
	height    int
	focused   bool
	follow    bool
	updateTag int // for debouncing
}

// NewFeedPaneModel creates a new feed pane model.
func NewFeedPaneModel() FeedPaneModel {
	return FeedPaneModel{viewport: viewport.New(0, 0), follow: true}
}

// feedTickMsg is used for debouncing viewport updates.
type feedTickMsg struct {
	tag int
}

// Append adds an event to the feed and schedules a redraw.
func (m *FeedPaneModel) Append(ev events.Event) tea.Cmd {
	m.lines = append(m.lines, FormatEvent(ev))
	if len(m.lines) > feedLimit {
		m.lines = m.lines[len(m.lines)-feedLimit:]
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return feedTickMsg{tag: tag}
	})
}

// Update handles messages for the feed pane.
func (m FeedPaneModel) Update(msg tea.Msg) (FeedPaneModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		m.viewport, cmd = m.viewport.Update(msg)
		m.follow = m.viewport.AtBottom()

	case feedTickMsg:
		// Only the latest tick redraws
		if msg.tag == m.updateTag {
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			if m.follow {
				m.viewport.GotoBottom()
			}
		}
	}
	return m, cmd
}

// View renders the feed pane.
func (m FeedPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(StyleTitle.Render("Feed") + "\n" + m.viewport.View())
}

// FormatEvent renders one feed line.
func FormatEvent(ev events.Event) string {
	ts := ev.Time.Local().Format("15:04:05")
	var detail string
	switch p := ev.Payload.(type) {
	case *scheduler.Job:
		detail = fmt.Sprintf("job %s %s", short(p.ID), p.Status)
	case *scheduler.Task:
		detail = fmt.Sprintf("task %s %s %s", short(p.ID), p.Status, p.Name)
	case trust.Prompt:
		detail = fmt.Sprintf("prompt %s %s %s", short(p.ID), LevelBadge(p.Level), p.Title)
	case events.DecisionPayload:
		detail = fmt.Sprintf("prompt %s %s", short(p.PromptID), p.Decision)
	case events.KillPayload:
		detail = "kill switch released"
		if p.Paused {
			detail = StyleStatusFailed.Render("kill switch engaged")
		}
	case events.ProgressPayload:
		detail = fmt.Sprintf("task %s %d%%", short(p.TaskID), p.Progress)
	case events.LogPayload:
		detail = fmt.Sprintf("task %s: %s", short(p.TaskID), p.Line)
		if p.Error {
			detail = StyleStatusFailed.Render(detail)
		}
	default:
		data, _ := json.Marshal(p)
		detail = string(data)
	}
	return fmt.Sprintf("%s %-15s %s", StyleStatusPending.Render(ts), ev.Type, detail)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// SetSize updates the pane dimensions.
func (m *FeedPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-3, 3)
}

// SetFocused updates the focus state.
func (m *FeedPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
