package orchestrator

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/ShayCichocki/stopgate/internal/failures"
	"github.com/ShayCichocki/stopgate/internal/planner"
	"github.com/ShayCichocki/stopgate/internal/session"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

// ErrStatsUnavailable is returned when the statistics database is disabled.
var ErrStatsUnavailable = errors.New("execution statistics unavailable")

// SessionView is a session without its authorization key, safe to print.
type SessionView struct {
	AgentID          string               `json:"agent_id"`
	Status           models.SessionStatus `json:"status"`
	RequiredSteps    []string             `json:"required_steps"`
	CompletedSteps   []string             `json:"completed_steps"`
	CurrentStepIndex int                  `json:"current_step_index"`
	NextStep         string               `json:"next_step,omitempty"`
	Remaining        []string             `json:"remaining"`
	CreatedAt        time.Time            `json:"created_at"`
	ExpiresAt        time.Time            `json:"expires_at"`
}

// View projects s for display.
func View(s *session.Session) *SessionView {
	if s == nil {
		return nil
	}
	v := &SessionView{
		AgentID:          s.AgentID,
		Status:           s.Status,
		RequiredSteps:    append([]string{}, s.RequiredSteps...),
		CompletedSteps:   append([]string{}, s.CompletedSteps...),
		CurrentStepIndex: s.CurrentStepIndex,
		Remaining:        append([]string{}, s.Remaining()...),
		CreatedAt:        s.CreatedAt,
		ExpiresAt:        s.ExpiresAt,
	}
	if s.Status == models.SessionInProgress {
		v.NextStep = s.NextStep()
	}
	return v
}

// StatusReport summarizes one agent's progress.
type StatusReport struct {
	AgentID  string            `json:"agent_id"`
	Session  *SessionView      `json:"session,omitempty"`
	Failures []failures.Record `json:"failures"`
	// Flag is the termination flag when it was issued to this agent.
	Flag *session.Flag `json:"flag,omitempty"`
}

// Status reports the agent's session, recorded failures and termination flag.
// A missing session is not an error.
func (e *Engine) Status(ctx context.Context, agentID string) (*StatusReport, error) {
	report := &StatusReport{AgentID: agentID, Failures: []failures.Record{}}

	s, err := e.sessions.Get(agentID)
	switch {
	case errors.Is(err, session.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		report.Session = View(s)
		if recs, err := e.failures.Load(ctx, s.AuthKey); err != nil {
			e.log("load failures for %s: %v", agentID, err)
		} else if recs != nil {
			report.Failures = recs
		}
	}

	flag, err := session.ReadFlag(e.project.FlagFile())
	switch {
	case err == nil:
		if flag.AgentID == agentID {
			report.Flag = flag
		}
	case !errors.Is(err, os.ErrNotExist):
		e.log("read termination flag: %v", err)
	}
	return report, nil
}

// Plan previews the wave plan for criteria, or every required step.
func (e *Engine) Plan(criteria []string) *planner.Plan {
	if len(criteria) == 0 {
		criteria = e.executor.RequiredSteps()
	}
	return e.planFor(criteria)
}

// Stats returns per-criterion execution statistics.
func (e *Engine) Stats() ([]models.CriterionStats, error) {
	if e.stats == nil {
		return nil, ErrStatsUnavailable
	}
	return e.stats.Stats()
}
