package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/trustgate/internal/scheduler"
)

// JobsPaneModel lists jobs with status icons and overall counts.
type JobsPaneModel struct {
	jobs        []*scheduler.Job
	selectedIdx int
	width       int
	height      int
	focused     bool
}

// NewJobsPaneModel creates a new jobs pane model.
func NewJobsPaneModel() JobsPaneModel {
	return JobsPaneModel{}
}

// SetJobs replaces the job list, keeping the selection on the same job.
func (m *JobsPaneModel) SetJobs(jobs []*scheduler.Job) {
	selected := m.SelectedID()
	m.jobs = jobs
	m.selectedIdx = 0
	for i, j := range jobs {
		if j.ID == selected {
			m.selectedIdx = i
			break
		}
	}
}

// SelectedID returns the selected job id or "".
func (m JobsPaneModel) SelectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.jobs) {
		return m.jobs[m.selectedIdx].ID
	}
	return ""
}

// Update handles messages for the jobs pane.
func (m JobsPaneModel) Update(msg tea.Msg) (JobsPaneModel, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok && m.focused {
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.jobs)-1 {
				m.selectedIdx++
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		}
	}
	return m, nil
}

// counts tallies jobs by status.
func (m JobsPaneModel) counts() map[scheduler.JobStatus]int {
	c := make(map[scheduler.JobStatus]int)
	for _, j := range m.jobs {
		c[j.Status]++
	}
	return c
}

// View renders the jobs pane.
func (m JobsPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Jobs")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n")

	c := m.counts()
	b.WriteString(fmt.Sprintf("%s running  %s waiting  %s done  %s failed  %s cancelled\n\n",
		StyleStatusRunning.Render(fmt.Sprint(c[scheduler.JobRunning]+c[scheduler.JobSubmitted])),
		StyleStatusWaiting.Render(fmt.Sprint(c[scheduler.JobWaitingForUser])),
		StyleStatusComplete.Render(fmt.Sprint(c[scheduler.JobCompleted])),
		StyleStatusFailed.Render(fmt.Sprint(c[scheduler.JobFailed])),
		StyleStatusPending.Render(fmt.Sprint(c[scheduler.JobCancelled]))))

	if len(m.jobs) == 0 {
		b.WriteString(StyleStatusPending.Render("No jobs yet"))
	}
	nameWidth := max(m.width-8, 10)
	for i, j := range m.jobs {
		goal := j.Goal
		if len(goal) > nameWidth {
			goal = goal[:nameWidth-3] + "..."
		}
		line := fmt.Sprintf("%s %s", JobStatusIcon(j.Status), goal)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// JobStatusIcon returns a styled status indicator.
func JobStatusIcon(status scheduler.JobStatus) string {
	switch status {
	case scheduler.JobRunning:
		return StyleStatusRunning.Render("●")
	case scheduler.JobWaitingForUser:
		return StyleStatusWaiting.Render("?")
	case scheduler.JobCompleted:
		return StyleStatusComplete.Render("✓")
	case scheduler.JobFailed:
		return StyleStatusFailed.Render("✗")
	case scheduler.JobCancelled:
		return StyleStatusPending.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

// SetSize updates the pane dimensions.
func (m *JobsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *JobsPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
