// Package tui is the operator console: jobs, pending trust prompts and the
// live feed, with keys to decide prompts and flip the kill switch.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/trustgate/internal/config"
	"github.com/aristath/trustgate/internal/events"
	"github.com/aristath/trustgate/internal/scheduler"
	"github.com/aristath/trustgate/internal/trust"
)

// refreshInterval is how often the console polls besides reacting to events.
const refreshInterval = 2 * time.Second

// Controller is the part of the orchestrator the console drives.
type Controller interface {
	ListJobs(ctx context.Context) ([]*scheduler.Job, error)
	PendingPrompts() []trust.Prompt
	ResumeJob(ctx context.Context, promptID string, decision trust.Decision) (*scheduler.Job, error)
	SetPaused(paused bool)
	IsPaused() bool
}

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneJobs PaneID = iota
	PanePrompts
	PaneFeed
)

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	ctl          Controller
	jobsPane     JobsPaneModel
	promptPane   PromptPaneModel
	feedPane     FeedPaneModel
	confirmPane  ConfirmPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     *events.Subscription
	paused       bool
	status       string // Result of the last operator action
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// snapshotMsg carries a fresh read of jobs, prompts and the kill switch.
type snapshotMsg struct {
	jobs    []*scheduler.Job
	prompts []trust.Prompt
	paused  bool
	err     error
}

type refreshTickMsg struct{}

// decidedMsg reports the result of a decision.
type decidedMsg struct {
	promptID string
	decision trust.Decision
	err      error
}

// New creates a new TUI model.
// It subscribes to all events from the event bus using SubscribeAll.
func New(ctl Controller, eventBus *events.EventBus, cfg *config.Config, globalPath, projectPath string) Model {
	m := Model{
		ctl:          ctl,
		jobsPane:     NewJobsPaneModel(),
		promptPane:   NewPromptPaneModel(),
		feedPane:     NewFeedPaneModel(),
		confirmPane:  NewConfirmPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PanePrompts,
		eventSub:     eventBus.SubscribeAll(256),
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), m.refresh(), refreshTick())
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub *events.Subscription) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub.C
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

func refreshTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return refreshTickMsg{} })
}

func (m Model) refresh() tea.Cmd {
	ctl := m.ctl
	return func() tea.Msg {
		jobs, err := ctl.ListJobs(context.Background())
		return snapshotMsg{jobs: jobs, prompts: ctl.PendingPrompts(), paused: ctl.IsPaused(), err: err}
	}
}

func (m Model) decide(promptID string, decision trust.Decision) tea.Cmd {
	ctl := m.ctl
	return func() tea.Msg {
		_, err := ctl.ResumeJob(context.Background(), promptID, decision)
		return decidedMsg{promptID: promptID, decision: decision, err: err}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Modal overlays take every key
		if m.confirmPane.IsVisible() {
			var cmd tea.Cmd
			m.confirmPane, cmd = m.confirmPane.Update(msg)
			return m, cmd
		}
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
				if m.settingsPane.Saved() {
					m.status = "settings saved, restart to apply"
				}
			}
			return m, cmd
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			m.eventSub.Unsubscribe()
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 2) % 3 // +2 is equivalent to -1 mod 3
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneJobs
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PanePrompts
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneFeed
			m.updateFocusStates()

		case KeyPause:
			m.paused = !m.paused
			m.ctl.SetPaused(m.paused)
			cmds = append(cmds, m.refresh())

		case KeyApprove, KeyReject, KeyDelay:
			p := m.promptPane.Selected()
			if p == nil {
				break
			}
			decision := keyDecision(msg.String())
			if decision == trust.DecisionApprove && p.Level >= trust.LevelHigh {
				cmds = append(cmds, m.confirmPane.Open(*p))
				break
			}
			cmds = append(cmds, m.decide(p.ID, decision))

		default:
			switch m.focusedPane {
			case PaneJobs:
				var cmd tea.Cmd
				m.jobsPane, cmd = m.jobsPane.Update(msg)
				cmds = append(cmds, cmd)
			case PanePrompts:
				var cmd tea.Cmd
				m.promptPane, cmd = m.promptPane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneFeed:
				var cmd tea.Cmd
				m.feedPane, cmd = m.feedPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)
		m.confirmPane.SetSize(msg.Width, msg.Height)

	case events.Event:
		cmds = append(cmds, m.feedPane.Append(msg), waitForEvent(m.eventSub))
		if msg.Topic() != events.TopicGhost {
			cmds = append(cmds, m.refresh())
		}

	case feedTickMsg:
		var cmd tea.Cmd
		m.feedPane, cmd = m.feedPane.Update(msg)
		cmds = append(cmds, cmd)

	case refreshTickMsg:
		cmds = append(cmds, m.refresh(), refreshTick())

	case snapshotMsg:
		if msg.err != nil {
			m.status = "refresh failed: " + msg.err.Error()
			break
		}
		m.jobsPane.SetJobs(msg.jobs)
		m.promptPane.SetPrompts(msg.prompts)
		m.paused = msg.paused

	case confirmedMsg:
		if msg.approved {
			cmds = append(cmds, m.decide(msg.promptID, trust.DecisionApprove))
		}

	case decidedMsg:
		if msg.err != nil {
			m.status = string(msg.decision) + " failed: " + msg.err.Error()
		} else {
			m.status = string(msg.decision) + " " + short(msg.promptID)
		}
		cmds = append(cmds, m.refresh())

	default:
		// huh forms emit their own messages while open
		if m.confirmPane.IsVisible() {
			var cmd tea.Cmd
			m.confirmPane, cmd = m.confirmPane.Update(msg)
			cmds = append(cmds, cmd)
		} else if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func keyDecision(key string) trust.Decision {
	switch key {
	case KeyApprove:
		return trust.DecisionApprove
	case KeyReject:
		return trust.DecisionReject
	default:
		return trust.DecisionDelay
	}
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}
	if m.confirmPane.IsVisible() {
		return m.confirmPane.View()
	}

	left := m.jobsPane.View()
	right := lipgloss.JoinVertical(lipgloss.Left, m.promptPane.View(), m.feedPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, left, right)

	bottom := HelpView(m.paused)
	if m.status != "" {
		bottom = StyleHelp.Render(m.status) + "  " + bottom
	}
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, bottom)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 35) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // reserve 1 line for help bar
	promptHeight := (availableHeight * 50) / 100
	feedHeight := availableHeight - promptHeight

	m.jobsPane.SetSize(leftWidth, availableHeight)
	m.promptPane.SetSize(rightWidth, promptHeight)
	m.feedPane.SetSize(rightWidth, feedHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.jobsPane.SetFocused(m.focusedPane == PaneJobs)
	m.promptPane.SetFocused(m.focusedPane == PanePrompts)
	m.feedPane.SetFocused(m.focusedPane == PaneFeed)
}
