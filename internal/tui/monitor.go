// Package tui provides the read-only terminal monitor for an agent's
// authorization session.
//
// The monitor polls the session status and renders the required steps, the
// recorded failures and the termination flag once it is issued. Users can
// refresh with 'r' and quit with 'q' or Ctrl+C.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/stopgate/internal/orchestrator"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

// StatusFunc fetches the current report for the monitored agent.
type StatusFunc func(ctx context.Context) (*orchestrator.StatusReport, error)

// StatusMsg carries a fetched report into the model.
type StatusMsg struct {
	Report *orchestrator.StatusReport
	Err    error
	At     time.Time
}

type tickMsg time.Time

// Monitor is the bubbletea model for the monitor command.
type Monitor struct {
	agentID  string
	fetch    StatusFunc
	interval time.Duration

	spinner   spinner.Model
	report    *orchestrator.StatusReport
	err       error
	updatedAt time.Time
	width     int
	quitting  bool

	headerStyle  lipgloss.Style
	labelStyle   lipgloss.Style
	valueStyle   lipgloss.Style
	passStyle    lipgloss.Style
	failStyle    lipgloss.Style
	pendingStyle lipgloss.Style
	nextStyle    lipgloss.Style
	dimStyle     lipgloss.Style
	flagStyle    lipgloss.Style
}

// NewMonitor creates a monitor polling fetch every interval.
func NewMonitor(agentID string, fetch StatusFunc, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		agentID:  agentID,
		fetch:    fetch,
		interval: interval,
		width:    80,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("205"))),
		),

		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")).
			MarginBottom(1),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		passStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		failStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),

		pendingStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		nextStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true),

		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		flagStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")).
			Bold(true).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("34")).
			Padding(0, 1),
	}
}

// Init implements tea.Model.
func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m *Monitor) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		report, err := m.fetch(ctx)
		return StatusMsg{Report: report, Err: err, At: time.Now()}
	}
}

func (m *Monitor) scheduleTick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case StatusMsg:
		m.err = msg.Err
		m.updatedAt = msg.At
		if msg.Err == nil {
			m.report = msg.Report
		}
		return m, m.scheduleTick()

	case tickMsg:
		return m, m.poll()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *Monitor) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.headerStyle.Render("stopgate monitor"))
	b.WriteString("\n")
	m.field(&b, "Agent:", m.agentID)

	switch {
	case m.report == nil && m.err == nil:
		b.WriteString(m.spinner.View() + " loading status...\n")
	case m.report == nil || m.report.Session == nil:
		if m.report != nil && m.report.Flag != nil {
			b.WriteString(m.renderFlag())
		} else {
			b.WriteString(m.dimStyle.Render("No authorization session. Run start-authorization to begin."))
			b.WriteString("\n")
		}
	default:
		b.WriteString(m.renderSession())
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(m.failStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	footer := "r refresh  q quit"
	if !m.updatedAt.IsZero() {
		footer = fmt.Sprintf("updated %s  %s", m.updatedAt.Format("15:04:05"), footer)
	}
	b.WriteString(m.dimStyle.Render(footer))
	return b.String()
}

func (m *Monitor) field(b *strings.Builder, label, value string) {
	b.WriteString(m.labelStyle.Render(label))
	b.WriteString(m.valueStyle.Render(value))
	b.WriteString("\n")
}

func (m *Monitor) renderSession() string {
	var b strings.Builder
	s := m.report.Session

	status := string(s.Status)
	if s.Status == models.SessionInProgress {
		status = m.spinner.View() + " " + status
	}
	m.field(&b, "Status:", status)
	m.field(&b, "Progress:", fmt.Sprintf("%s %d/%d",
		m.renderProgressBar(len(s.CompletedSteps), len(s.RequiredSteps), 24),
		len(s.CompletedSteps), len(s.RequiredSteps)))
	m.field(&b, "Expires:", s.ExpiresAt.Local().Format("15:04:05"))
	b.WriteString("\n")

	failed := make(map[string]string, len(m.report.Failures))
	for _, f := range m.report.Failures {
		failed[f.Criterion] = f.Error
	}
	completed := make(map[string]bool, len(s.CompletedSteps))
	for _, c := range s.CompletedSteps {
		completed[c] = true
	}

	for _, step := range s.RequiredSteps {
		switch {
		case completed[step]:
			b.WriteString(m.passStyle.Render("  ✓ " + step))
		case failed[step] != "":
			b.WriteString(m.failStyle.Render("  ✗ " + step))
		case step == s.NextStep:
			b.WriteString(m.nextStyle.Render("  → " + step))
		default:
			b.WriteString(m.pendingStyle.Render("  ○ " + step))
		}
		b.WriteString("\n")
	}

	if len(m.report.Failures) > 0 {
		b.WriteString("\n")
		b.WriteString(m.failStyle.Bold(true).Render("Failures"))
		b.WriteString("\n")
		for _, f := range m.report.Failures {
			msg := firstLine(f.Error)
			if f.RetryCount > 0 {
				msg = fmt.Sprintf("%s (retry %d)", msg, f.RetryCount)
			}
			b.WriteString(fmt.Sprintf("  %s: %s\n", f.Criterion, msg))
		}
	}

	if m.report.Flag != nil {
		b.WriteString("\n")
		b.WriteString(m.renderFlag())
	}
	return b.String()
}

func (m *Monitor) renderFlag() string {
	f := m.report.Flag
	text := fmt.Sprintf("Termination authorized via %s at %s", f.Via, f.IssuedAt.Local().Format("15:04:05"))
	return m.flagStyle.Render(text) + "\n"
}

// renderProgressBar renders done/total as a bar of width cells.
func (m *Monitor) renderProgressBar(done, total, width int) string {
	filled := 0
	if total > 0 {
		filled = done * width / total
	}
	if filled > width {
		filled = width
	}
	return m.passStyle.Render(strings.Repeat("█", filled)) +
		m.pendingStyle.Render(strings.Repeat("░", width-filled))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Run starts the monitor program and blocks until the user quits or ctx ends.
func Run(ctx context.Context, agentID string, fetch StatusFunc, interval time.Duration) error {
	p := tea.NewProgram(NewMonitor(agentID, fetch, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
