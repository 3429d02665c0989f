// Package session implements the per-agent authorization state machine that
// gates termination: in_progress -> ready_for_completion -> completed, with
// expiry as an absorbing state reachable from anywhere.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/stopgate/pkg/models"
)

var (
	// ErrNotFound is returned when no session exists for an agent.
	ErrNotFound = errors.New("session not found")
	// ErrKeyMismatch is returned when an authorization key matches no live session.
	ErrKeyMismatch = errors.New("authorization key mismatch")
	// ErrExpired is returned when the session outlived its expiry. The session is deleted.
	ErrExpired = errors.New("session expired")
	// ErrOutOfOrder is returned when a criterion is not the next legal step.
	ErrOutOfOrder = errors.New("criterion out of order")
	// ErrNotReady is returned when completing a session with steps remaining.
	ErrNotReady = errors.New("session not ready for completion")
	// ErrInvalidAgent is returned for agent ids unusable as file names.
	ErrInvalidAgent = errors.New("invalid agent id")
)

// Session is one agent's progress through its required steps.
type Session struct {
	AuthKey          string               `json:"auth_key"`
	AgentID          string               `json:"agent_id"`
	RequiredSteps    []string             `json:"required_steps"`
	CurrentStepIndex int                  `json:"current_step_index"`
	CompletedSteps   []string             `json:"completed_steps"`
	CreatedAt        time.Time            `json:"created_at"`
	ExpiresAt        time.Time            `json:"expires_at"`
	Status           models.SessionStatus `json:"status"`
}

// Expired reports whether now is past the expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IsCompleted reports whether criterion already passed in this session.
func (s *Session) IsCompleted(criterion string) bool {
	for _, c := range s.CompletedSteps {
		if c == criterion {
			return true
		}
	}
	return false
}

// IsRequired reports whether criterion is one of the required steps.
func (s *Session) IsRequired(criterion string) bool {
	for _, c := range s.RequiredSteps {
		if c == criterion {
			return true
		}
	}
	return false
}

// Remaining returns required steps not yet completed, in required order.
func (s *Session) Remaining() []string {
	var out []string
	for _, c := range s.RequiredSteps {
		if !s.IsCompleted(c) {
			out = append(out, c)
		}
	}
	return out
}

// NextStep returns the first required step not yet completed, or "" when none remain.
func (s *Session) NextStep() string {
	for _, c := range s.RequiredSteps {
		if !s.IsCompleted(c) {
			return c
		}
	}
	return ""
}

// CheckNext returns ErrOutOfOrder unless criterion is the next legal sequential step.
func (s *Session) CheckNext(criterion string) error {
	if s.Status != models.SessionInProgress {
		return fmt.Errorf("%w: session is %s", ErrOutOfOrder, s.Status)
	}
	next := s.NextStep()
	if criterion != next {
		return fmt.Errorf("%w: expected %s, got %s", ErrOutOfOrder, next, criterion)
	}
	return nil
}

// Advance records a sequential pass of criterion.
func (s *Session) Advance(criterion string) error {
	if err := s.CheckNext(criterion); err != nil {
		return err
	}
	s.CompletedSteps = append(s.CompletedSteps, criterion)
	s.settle()
	return nil
}

// Merge records passes from a parallel run. Steps are appended in the order
// given; unknown and already completed steps are ignored. It returns the steps
// actually added.
func (s *Session) Merge(passed []string) []string {
	if s.Status != models.SessionInProgress {
		return nil
	}
	var added []string
	for _, c := range passed {
		if !s.IsRequired(c) || s.IsCompleted(c) {
			continue
		}
		s.CompletedSteps = append(s.CompletedSteps, c)
		added = append(added, c)
	}
	s.settle()
	return added
}

// settle recomputes the index and readiness from CompletedSteps.
func (s *Session) settle() {
	s.CurrentStepIndex = len(s.CompletedSteps)
	if s.CurrentStepIndex >= len(s.RequiredSteps) {
		s.Status = models.SessionReady
	}
}

// Elapsed is the session age at now.
func (s *Session) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// validate checks the structural invariants of a loaded session.
func (s *Session) validate() error {
	if len(s.CompletedSteps) > len(s.RequiredSteps) {
		return fmt.Errorf("session %s: more completed than required steps", s.AgentID)
	}
	seen := map[string]bool{}
	for _, c := range s.CompletedSteps {
		if !s.IsRequired(c) || seen[c] {
			return fmt.Errorf("session %s: unexpected completed step %s", s.AgentID, c)
		}
		seen[c] = true
	}
	if s.CurrentStepIndex != len(s.CompletedSteps) {
		return fmt.Errorf("session %s: step index %d does not match %d completed steps", s.AgentID, s.CurrentStepIndex, len(s.CompletedSteps))
	}
	return nil
}
