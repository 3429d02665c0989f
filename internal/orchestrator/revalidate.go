package orchestrator

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/stopgate/internal/criteria"
	"github.com/ShayCichocki/stopgate/internal/failures"
	"github.com/ShayCichocki/stopgate/internal/session"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

// RevalidationOutcome is the result of a selective revalidation.
type RevalidationOutcome struct {
	Session  *session.Session `json:"-"`
	Targets  []string         `json:"targets"`
	Results  []*models.Result `json:"results"`
	Resolved []string         `json:"resolved"`
	// StillFailing holds the failure records left after the run.
	StillFailing []failures.Record `json:"still_failing"`
	// Merged lists resolved steps added to the session.
	Merged      []string `json:"merged"`
	NothingToDo bool     `json:"nothing_to_do"`
}

// SelectiveRevalidate reruns the recorded failing criteria, or the given
// ones. Passes clear their failure record and fails bump its retry count.
// Resolved steps whose required dependencies have passed are merged into
// the session.
func (e *Engine) SelectiveRevalidate(ctx context.Context, key string, requested []string) (*RevalidationOutcome, error) {
	s, err := e.sessions.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	targets, err := e.revalidationTargets(ctx, key, requested)
	if err != nil {
		return nil, err
	}
	out := &RevalidationOutcome{
		Session:      s,
		Targets:      targets,
		Results:      []*models.Result{},
		Resolved:     []string{},
		StillFailing: []failures.Record{},
		Merged:       []string{},
	}
	if len(targets) == 0 {
		out.NothingToDo = true
		return out, nil
	}

	failed := map[string]string{}
	for _, id := range targets {
		res, err := e.runCriterion(ctx, s.AgentID, id, -1)
		if err != nil {
			return out, err
		}
		out.Results = append(out.Results, res)
		if res.Success {
			out.Resolved = append(out.Resolved, id)
		} else {
			failed[id] = failureMessage(res)
		}
	}

	if len(out.Resolved) > 0 {
		e.clearFailures(ctx, key, out.Resolved...)
	}
	if len(failed) > 0 {
		e.recordFailures(ctx, key, failed)
	}
	if remaining, err := e.failures.Load(ctx, key); err != nil {
		e.log("reload failures: %v", err)
	} else if remaining != nil {
		out.StillFailing = remaining
	}

	if len(out.Resolved) == 0 {
		return out, nil
	}
	updated, err := e.sessions.Update(ctx, key, func(s *session.Session) error {
		if added := s.Merge(e.mergeable(s, out.Resolved)); added != nil {
			out.Merged = added
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	out.Session = updated
	e.afterProgress(ctx, updated)
	return out, nil
}

func (e *Engine) revalidationTargets(ctx context.Context, key string, requested []string) ([]string, error) {
	if len(requested) == 0 {
		records, err := e.failures.Load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load failures: %w", err)
		}
		targets := make([]string, 0, len(records))
		for _, r := range records {
			targets = append(targets, r.Criterion)
		}
		return targets, nil
	}

	seen := map[string]bool{}
	var targets []string
	for _, id := range requested {
		if !e.executor.Known(id) {
			return nil, fmt.Errorf("%w: %s", criteria.ErrUnknownCriterion, id)
		}
		if !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}
	return targets, nil
}

// mergeable filters resolved down to steps whose required dependencies have
// passed, either earlier or in resolved itself. Without a graph only the
// sequential next steps qualify.
func (e *Engine) mergeable(s *session.Session, resolved []string) []string {
	passed := map[string]bool{}
	for _, id := range s.CompletedSteps {
		passed[id] = true
	}
	ok := map[string]bool{}
	for _, id := range resolved {
		ok[id] = true
	}

	var out []string
	if e.graph == nil {
		for _, id := range s.RequiredSteps {
			if passed[id] {
				continue
			}
			if !ok[id] {
				break
			}
			out = append(out, id)
		}
		return out
	}

	for _, id := range s.RequiredSteps {
		if passed[id] || !ok[id] {
			continue
		}
		node, _ := e.graph.Criterion(id)
		ready := true
		for _, dep := range node.DependsOn {
			if s.IsRequired(dep) && !passed[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
			passed[id] = true
		}
	}
	return out
}
