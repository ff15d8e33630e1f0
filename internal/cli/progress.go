package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/praxishq/mindloop/internal/client"
	"github.com/praxishq/mindloop/internal/models"
)

const pollInterval = time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg triggers polling the run status
type tickMsg time.Time

// runUpdateMsg carries the updated run data
type runUpdateMsg struct {
	run models.Run
	err error
}

// runProgressModel is the bubbletea model for run progress.
type runProgressModel struct {
	client   *client.Client
	runID    string
	run      models.Run
	fetched  bool
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	focused  bool
	err      error
}

// newRunProgressModel creates a new progress model.
func newRunProgressModel(c *client.Client, runID string) runProgressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return runProgressModel{
		client:   c,
		runID:    runID,
		progress: prog,
		theme:    defaultTheme,
		focused:  true,
	}
}

// Init returns the initial command: an immediate fetch, not a delayed tick.
func (m runProgressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchRun(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m runProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.FocusMsg:
		m.focused = true

	case tea.BlurMsg:
		m.focused = false

	case tickMsg:
		// Skip the fetch while the terminal is backgrounded; the next tick
		// checks again.
		if !m.focused {
			return m, tickCmd()
		}
		return m, m.fetchRun()

	case runUpdateMsg:
		if msg.err != nil {
			// One failed poll is not a failed run; keep polling.
			return m, tickCmd()
		}

		m.run = msg.run
		m.fetched = true

		switch m.run.Status {
		case models.RunCompleted:
			m.done = true
			return m, tea.Quit
		case models.RunFailed:
			m.done = true
			if m.run.Error != "" {
				m.err = fmt.Errorf("%s", m.run.Error)
			} else {
				m.err = fmt.Errorf("run failed with unknown error")
			}
			return m, tea.Quit
		}

		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display. The view opts into focus reporting so
// polling can pause while the terminal is backgrounded.
func (m runProgressModel) View() tea.View {
	v := tea.NewView(m.renderContent())
	v.ReportFocus = true
	return v
}

// renderContent builds the display string.
func (m runProgressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if !m.fetched {
		return "Loading run status...\n"
	}

	completed := 0
	for _, s := range m.run.Steps {
		if s.Status == models.StepCompleted {
			completed++
		}
	}
	var pct float64
	if len(m.run.Steps) > 0 {
		pct = float64(completed) / float64(len(m.run.Steps))
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.run.Status))
	progressBar := m.progress.ViewAs(pct)
	counts := fmt.Sprintf("%d/%d steps", completed, len(m.run.Steps))
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", status, progressBar, counts)
	b.WriteString(m.renderSteps())
	b.WriteString(hint + "\n")
	return b.String()
}

// renderSteps lists the run's steps, marking the single active one.
func (m runProgressModel) renderSteps() string {
	active := models.ActiveStepIndex(m.run.Steps)
	var b strings.Builder
	for i, s := range m.run.Steps {
		marker := "  "
		if i == active {
			marker = "> "
		}
		line := fmt.Sprintf("%s%-12s %s", marker, s.Status, s.Name)
		switch s.Status {
		case models.StepCompleted:
			line = m.theme.completedStyle().Render(line)
		case models.StepFailed:
			line = m.theme.errorStyle().Render(line)
		case models.StepRunning:
			line = m.theme.statusStyle().Render(line)
		default:
			line = m.theme.hintStyle().Render(line)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// finalView renders the completion message.
func (m runProgressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nRun %s continues in background.\n", m.runID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Run failed: %s\n", m.err))
	}

	return m.theme.completedStyle().Render("✓ Completed\n")
}

// fetchRun fetches the current run status from the server.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m runProgressModel) fetchRun() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		run, err := m.client.GetRun(ctx, m.runID)
		return runUpdateMsg{run: run, err: err}
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// runRunProgress runs the interactive progress UI for a run.
// Returns nil on success or Ctrl+C (background), error on run failure.
func runRunProgress(c *client.Client, runID string) error {
	model := newRunProgressModel(c, runID)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(runProgressModel); ok {
		// If user quit with Ctrl+C, the run continues in background.
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}
