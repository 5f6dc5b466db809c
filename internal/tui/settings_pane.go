package tui

import (
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/trustgate/internal/config"
)

// SettingsPaneModel edits the persisted configuration. Changes apply on the
// next start.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Initial field values; results are read back from the form by key
	// because the model is copied between updates.
	saveTarget  string
	workers     string
	taskTimeout string
	killPolicy  string
	maxRetries  string
	maxDelays   string
	plannerType string
	runtime     string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.buildForm()
	return m
}

// buildForm constructs the Huh form from the current configuration.
func (m *SettingsPaneModel) buildForm() {
	m.saveTarget = "project"
	m.workers = strconv.Itoa(m.config.Pool.Workers)
	m.taskTimeout = m.config.Pool.TaskTimeout.String()
	m.killPolicy = m.config.Pool.KillPolicy
	m.maxRetries = strconv.Itoa(m.config.Retry.MaxRetries)
	m.maxDelays = strconv.Itoa(m.config.Policy.MaxDelays)
	m.plannerType = m.config.Planner.Type
	m.runtime = m.config.Executors.System.Runtime

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.trustgate/config.json)", "global"),
					huh.NewOption("Project (.trustgate/config.json)", "project"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("workers").
				Title("Workers").
				Value(&m.workers).
				Validate(positiveInt),

			huh.NewInput().
				Key("taskTimeout").
				Title("Task Timeout").
				Value(&m.taskTimeout).
				Placeholder("2m0s").
				Validate(duration),

			huh.NewSelect[string]().
				Key("killPolicy").
				Title("Kill Switch Policy").
				Options(
					huh.NewOption("Let running tasks finish", config.KillPolicyFinish),
					huh.NewOption("Cancel running tasks", config.KillPolicyCancel),
				).
				Value(&m.killPolicy),

			huh.NewInput().
				Key("maxRetries").
				Title("Default Max Retries").
				Value(&m.maxRetries).
				Validate(nonNegativeInt),
		).Title("Execution"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxDelays").
				Title("Max Delays Per Prompt (0 = unlimited)").
				Value(&m.maxDelays).
				Validate(nonNegativeInt),

			huh.NewSelect[string]().
				Key("plannerType").
				Title("Planner").
				Options(
					huh.NewOption("Rules", config.PlannerRules),
					huh.NewOption("Agent command", config.PlannerCommand),
				).
				Value(&m.plannerType),

			huh.NewSelect[string]().
				Key("runtime").
				Title("System Command Runtime").
				Options(
					huh.NewOption("Local shell", config.RuntimeLocal),
					huh.NewOption("Docker container", config.RuntimeDocker),
				).
				Value(&m.runtime),
		).Title("Trust and Planning"),
	)
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a whole number of at least 1")
	}
	return nil
}

func nonNegativeInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("must be a whole number of at least 0")
	}
	return nil
}

func duration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fmt.Errorf("must be a positive duration such as 90s")
	}
	return nil
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		// Cancel without saving
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.applyFormToConfig()

		targetPath := m.globalPath
		if m.form.GetString("saveTarget") == "project" {
			targetPath = m.projectPath
		}
		if err := config.Save(m.config, targetPath); err != nil {
			m.err = err
			m.saved = false
		} else {
			m.saved = true
			m.err = nil
			m.visible = false
		}
	}

	return m, cmd
}

// applyFormToConfig copies form field values back to the config struct.
// The validators have already accepted every value.
func (m *SettingsPaneModel) applyFormToConfig() {
	if n, err := strconv.Atoi(m.form.GetString("workers")); err == nil {
		m.config.Pool.Workers = n
	}
	if d, err := time.ParseDuration(m.form.GetString("taskTimeout")); err == nil {
		m.config.Pool.TaskTimeout = config.D(d)
	}
	m.config.Pool.KillPolicy = m.form.GetString("killPolicy")
	if n, err := strconv.Atoi(m.form.GetString("maxRetries")); err == nil {
		m.config.Retry.MaxRetries = n
	}
	if n, err := strconv.Atoi(m.form.GetString("maxDelays")); err == nil {
		m.config.Policy.MaxDelays = n
	}
	m.config.Planner.Type = m.form.GetString("plannerType")
	m.config.Executors.System.Runtime = m.form.GetString("runtime")
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (applied on restart)")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
