package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/stopgate/internal/failures"
	"github.com/ShayCichocki/stopgate/internal/orchestrator"
	"github.com/ShayCichocki/stopgate/internal/session"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

func sampleReport() *orchestrator.StatusReport {
	return &orchestrator.StatusReport{
		AgentID: "agentA",
		Session: &orchestrator.SessionView{
			AgentID:        "agentA",
			Status:         models.SessionInProgress,
			RequiredSteps:  []string{"focused-codebase", "security", "lint"},
			CompletedSteps: []string{"focused-codebase"},
			NextStep:       "security",
			ExpiresAt:      time.Now().Add(time.Hour),
		},
		Failures: []failures.Record{
			{Criterion: "lint", Error: "vet failed\nline 2", RetryCount: 1},
		},
	}
}

func staticFetch(r *orchestrator.StatusReport, err error) StatusFunc {
	return func(context.Context) (*orchestrator.StatusReport, error) { return r, err }
}

func TestMonitor_LoadingView(t *testing.T) {
	m := NewMonitor("agentA", staticFetch(nil, nil), time.Second)
	view := m.View()
	if !strings.Contains(view, "loading status") {
		t.Errorf("expected loading text, got %q", view)
	}
	if !strings.Contains(view, "agentA") {
		t.Errorf("expected agent id in view, got %q", view)
	}
}

func TestMonitor_RendersSession(t *testing.T) {
	m := NewMonitor("agentA", staticFetch(nil, nil), time.Second)
	_, cmd := m.Update(StatusMsg{Report: sampleReport(), At: time.Now()})
	if cmd == nil {
		t.Fatal("expected a follow-up tick command")
	}

	view := m.View()
	for _, want := range []string{"in_progress", "1/3", "✓ focused-codebase", "→ security", "✗ lint", "vet failed (retry 1)"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "line 2") {
		t.Error("expected only the first line of failure output")
	}
}

func TestMonitor_RendersFlag(t *testing.T) {
	r := sampleReport()
	r.Session.Status = models.SessionReady
	r.Session.CompletedSteps = r.Session.RequiredSteps
	r.Failures = nil
	r.Flag = &session.Flag{AgentID: "agentA", Via: session.ViaPipeline, IssuedAt: time.Now()}

	m := NewMonitor("agentA", staticFetch(nil, nil), time.Second)
	m.Update(StatusMsg{Report: r, At: time.Now()})

	view := m.View()
	if !strings.Contains(view, "Termination authorized via pipeline") {
		t.Errorf("expected flag banner, got:\n%s", view)
	}
}

func TestMonitor_NoSession(t *testing.T) {
	m := NewMonitor("agentB", staticFetch(nil, nil), time.Second)
	m.Update(StatusMsg{Report: &orchestrator.StatusReport{AgentID: "agentB"}, At: time.Now()})

	if view := m.View(); !strings.Contains(view, "No authorization session") {
		t.Errorf("expected no-session hint, got:\n%s", view)
	}
}

func TestMonitor_ErrorKeepsLastReport(t *testing.T) {
	m := NewMonitor("agentA", staticFetch(nil, nil), time.Second)
	m.Update(StatusMsg{Report: sampleReport(), At: time.Now()})
	m.Update(StatusMsg{Err: errors.New("state locked"), At: time.Now()})

	view := m.View()
	if !strings.Contains(view, "Error: state locked") {
		t.Errorf("expected error line, got:\n%s", view)
	}
	if !strings.Contains(view, "focused-codebase") {
		t.Error("expected previous report to stay visible")
	}
}

func TestMonitor_PollCallsFetch(t *testing.T) {
	calls := 0
	fetch := func(context.Context) (*orchestrator.StatusReport, error) {
		calls++
		return sampleReport(), nil
	}
	m := NewMonitor("agentA", fetch, time.Second)

	msg := m.poll()()
	status, ok := msg.(StatusMsg)
	if !ok {
		t.Fatalf("expected StatusMsg, got %T", msg)
	}
	if calls != 1 || status.Report == nil {
		t.Errorf("expected one fetch with a report, got calls=%d report=%v", calls, status.Report)
	}
}

func TestMonitor_Quit(t *testing.T) {
	tests := []struct {
		name string
		key  tea.KeyMsg
	}{
		{"q", tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}},
		{"ctrl+c", tea.KeyMsg{Type: tea.KeyCtrlC}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor("agentA", staticFetch(nil, nil), time.Second)
			_, cmd := m.Update(tt.key)
			if cmd == nil {
				t.Fatal("expected quit command")
			}
			if _, ok := cmd().(tea.QuitMsg); !ok {
				t.Error("expected tea.QuitMsg")
			}
			if m.View() != "" {
				t.Error("expected empty view after quit")
			}
		})
	}
}

func TestMonitor_ProgressBar(t *testing.T) {
	m := NewMonitor("agentA", staticFetch(nil, nil), time.Second)
	tests := []struct {
		done, total, width int
		filled             int
	}{
		{0, 7, 10, 0},
		{7, 7, 10, 10},
		{3, 6, 10, 5},
		{0, 0, 10, 0},
	}
	for _, tt := range tests {
		bar := m.renderProgressBar(tt.done, tt.total, tt.width)
		if got := strings.Count(bar, "█"); got != tt.filled {
			t.Errorf("renderProgressBar(%d, %d): filled=%d, want %d", tt.done, tt.total, got, tt.filled)
		}
		if got := strings.Count(bar, "█") + strings.Count(bar, "░"); got != tt.width {
			t.Errorf("renderProgressBar(%d, %d): width=%d, want %d", tt.done, tt.total, got, tt.width)
		}
	}
}
