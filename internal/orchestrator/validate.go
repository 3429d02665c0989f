package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/stopgate/internal/criteria"
	"github.com/ShayCichocki/stopgate/internal/planner"
	"github.com/ShayCichocki/stopgate/internal/session"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

// StepOutcome is the result of one sequential validation.
type StepOutcome struct {
	Session *session.Session `json:"-"`
	Result  *models.Result   `json:"result,omitempty"`
}

// ParallelOutcome is the result of a wave-planned validation.
type ParallelOutcome struct {
	Session *session.Session `json:"-"`
	Plan    *planner.Plan    `json:"plan"`
	Results []*models.Result `json:"results"`
	Passed  []string         `json:"passed"`
	Failed  []string         `json:"failed"`
	// Skipped lists criteria in waves after a failed wave.
	Skipped []string `json:"skipped"`
	// Merged lists the steps newly added to the session.
	Merged []string `json:"merged"`
	// HaltedAt is the index of the failed wave, or -1.
	HaltedAt int `json:"halted_at"`
}

// Start opens a session for agentID over the executor's required steps,
// replacing any previous session of that agent.
func (e *Engine) Start(ctx context.Context, agentID string) (*session.Session, error) {
	s, err := e.sessions.Start(ctx, agentID, e.executor.RequiredSteps())
	if err != nil {
		return nil, err
	}
	e.touchAgent(ctx, agentID, "validating")
	e.log("started session for %s with %d steps", agentID, len(s.RequiredSteps))
	return s, nil
}

// runCriterion consults the cache and falls back to the executor. Fresh
// successes are cached and every result is recorded in statistics.
func (e *Engine) runCriterion(ctx context.Context, agentID, criterion string, wave int) (*models.Result, error) {
	e.emit(Event{Type: EventCriterionStarted, AgentID: agentID, Criterion: criterion, Wave: wave})

	res, hit := e.cache.Get(ctx, criterion)
	if !hit {
		var err error
		res, err = e.executor.Run(ctx, criterion)
		if err != nil {
			return nil, err
		}
		if err := e.cache.Put(ctx, criterion, res); err != nil {
			e.log("cache %s: %v", criterion, err)
		}
	}
	if e.stats != nil {
		if err := e.stats.Record(agentID, res); err != nil {
			e.log("record stats for %s: %v", criterion, err)
		}
	}

	e.emit(Event{Type: EventCriterionFinished, AgentID: agentID, Criterion: criterion, Wave: wave, Result: res})
	return res, nil
}

// ValidateNext validates criterion, which must be the session's next step.
// A failure leaves the session unchanged and is recorded for selective
// revalidation. A session that expires while the criterion runs keeps the
// result in the cache and statistics but does not advance.
func (e *Engine) ValidateNext(ctx context.Context, key, criterion string) (*StepOutcome, error) {
	s, err := e.sessions.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if !e.executor.Known(criterion) {
		return &StepOutcome{Session: s}, fmt.Errorf("%w: %s", criteria.ErrUnknownCriterion, criterion)
	}
	if err := s.CheckNext(criterion); err != nil {
		return &StepOutcome{Session: s}, err
	}

	res, err := e.runCriterion(ctx, s.AgentID, criterion, -1)
	if err != nil {
		return &StepOutcome{Session: s}, err
	}
	out := &StepOutcome{Session: s, Result: res}

	if !res.Success {
		e.recordFailures(ctx, key, map[string]string{criterion: failureMessage(res)})
		return out, nil
	}
	e.clearFailures(ctx, key, criterion)

	updated, err := e.sessions.Update(ctx, key, func(s *session.Session) error {
		return s.Advance(criterion)
	})
	if err != nil {
		return out, err
	}
	out.Session = updated
	e.afterProgress(ctx, updated)
	return out, nil
}

// ValidateParallel runs the remaining required steps, or the requested
// subset, in planner waves. Waves run strictly in sequence and a wave with
// any failure halts the rest; every pass is merged into the session.
func (e *Engine) ValidateParallel(ctx context.Context, key string, requested []string) (*ParallelOutcome, error) {
	s, err := e.sessions.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	targets, err := e.parallelTargets(s, requested)
	if err != nil {
		return &ParallelOutcome{Session: s, HaltedAt: -1}, err
	}

	out := &ParallelOutcome{
		Session:  s,
		Plan:     e.planFor(targets),
		Results:  []*models.Result{},
		Passed:   []string{},
		Failed:   []string{},
		Skipped:  []string{},
		Merged:   []string{},
		HaltedAt: -1,
	}
	if len(targets) == 0 {
		return out, nil
	}

	failed := map[string]string{}
	for i, wave := range out.Plan.Waves {
		if out.HaltedAt >= 0 {
			out.Skipped = append(out.Skipped, wave.Criteria...)
			continue
		}
		e.emit(Event{Type: EventWaveStarted, AgentID: s.AgentID, Wave: i,
			Message: fmt.Sprintf("%d criteria on %d slots", len(wave.Criteria), len(wave.Slots))})

		results, err := e.runWave(ctx, s.AgentID, wave)
		if err != nil {
			return out, err
		}
		for _, id := range wave.Criteria {
			res := results[id]
			out.Results = append(out.Results, res)
			if res.Success {
				out.Passed = append(out.Passed, id)
			} else {
				out.Failed = append(out.Failed, id)
				failed[id] = failureMessage(res)
			}
		}
		e.emit(Event{Type: EventWaveFinished, AgentID: s.AgentID, Wave: i})
		if len(failed) > 0 {
			out.HaltedAt = i
		}
	}

	if len(failed) > 0 {
		e.recordFailures(ctx, key, failed)
	}
	if len(out.Passed) == 0 {
		return out, nil
	}
	e.clearFailures(ctx, key, out.Passed...)

	updated, err := e.sessions.Update(ctx, key, func(s *session.Session) error {
		if added := s.Merge(out.Passed); added != nil {
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

// parallelTargets resolves what a parallel run covers. Explicit criteria
// must be required steps, and each required dependency must already have
// passed or be part of the same request.
func (e *Engine) parallelTargets(s *session.Session, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return s.Remaining(), nil
	}

	want := map[string]bool{}
	var targets []string
	for _, id := range requested {
		if !e.executor.Known(id) {
			return nil, fmt.Errorf("%w: %s", criteria.ErrUnknownCriterion, id)
		}
		if !s.IsRequired(id) {
			return nil, fmt.Errorf("%w: %s is not a required step", session.ErrOutOfOrder, id)
		}
		if s.IsCompleted(id) || want[id] {
			continue
		}
		want[id] = true
		targets = append(targets, id)
	}

	if e.graph != nil {
		for _, id := range targets {
			node, _ := e.graph.Criterion(id)
			for _, dep := range node.DependsOn {
				if s.IsRequired(dep) && !s.IsCompleted(dep) && !want[dep] {
					return nil, fmt.Errorf("%w: %s depends on %s, which has not passed", session.ErrOutOfOrder, id, dep)
				}
			}
		}
	}
	return targets, nil
}

// runWave runs one goroutine per planner slot; criteria sharing a slot run
// in order. Only cancellation and unknown criteria are errors.
func (e *Engine) runWave(ctx context.Context, agentID string, wave planner.Wave) (map[string]*models.Result, error) {
	var mu sync.Mutex
	results := make(map[string]*models.Result, len(wave.Criteria))

	g, gctx := errgroup.WithContext(ctx)
	for _, slot := range wave.Slots {
		g.Go(func() error {
			for _, id := range slot {
				res, err := e.runCriterion(gctx, agentID, id, wave.Index)
				if err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				mu.Lock()
				results[id] = res
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// planFor plans targets with the dependency graph, degrading to the static
// grouping when the graph is unavailable or cyclic.
func (e *Engine) planFor(targets []string) *planner.Plan {
	plan := planner.PlanOrFallback(e.graph, targets, e.cfg.Planner.MaxConcurrency)
	if e.graph == nil && e.graphErr != nil {
		plan.Issues = append(plan.Issues, e.graphErr.Error())
	}
	return plan
}

// afterProgress reports a session that became ready.
func (e *Engine) afterProgress(ctx context.Context, s *session.Session) {
	if s.Status != models.SessionReady {
		return
	}
	e.emit(Event{Type: EventSessionReady, AgentID: s.AgentID,
		Message: fmt.Sprintf("%d steps passed", len(s.CompletedSteps))})
	e.touchAgent(ctx, s.AgentID, string(models.SessionReady))
}

func (e *Engine) recordFailures(ctx context.Context, key string, failed map[string]string) {
	if err := e.failures.Record(ctx, key, failed); err != nil {
		e.log("record failures: %v", err)
	}
}

func (e *Engine) clearFailures(ctx context.Context, key string, resolved ...string) {
	if err := e.failures.Clear(ctx, key, resolved...); err != nil {
		e.log("clear failures: %v", err)
	}
}

func failureMessage(res *models.Result) string {
	if res.Error != "" {
		return res.Error
	}
	if res.Details != "" {
		return res.Details
	}
	return "criterion failed"
}
