// Package criteria runs validation criteria against a project.
//
// Built-in criteria try an ordered table of ecosystem commands. When every
// candidate fails, a ladder of retry rules rewrites the failing commands once
// each, and finally named degradation policies may declare the criterion
// inapplicable. Custom criteria run a shell command judged by a declarative
// success predicate.
package criteria

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/stopgate/internal/config"
	"github.com/ShayCichocki/stopgate/internal/exec"
	"github.com/ShayCichocki/stopgate/internal/store"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

var (
	// ErrUnknownCriterion is returned for ids that are neither built-in nor custom.
	ErrUnknownCriterion = errors.New("unknown criterion")
	// ErrCommandTimeout describes an attempt killed at its deadline.
	ErrCommandTimeout = errors.New("command timed out")
)

// StateReader exposes the shared state document for focused-codebase.
type StateReader interface {
	Read() (*store.Document, error)
}

// Attempt records one command invocation.
type Attempt struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Rule     string        `json:"rule,omitempty"`
	Output   string        `json:"-"`
}

// Executor runs one criterion at a time. It is safe for concurrent use.
type Executor struct {
	project  config.ProjectContext
	runner   exec.CommandRunner
	state    StateReader
	timeouts config.TimeoutsConfig
	policies map[string]bool
	rules    []RetryRule
	pols     []Policy
	custom   map[string]CustomCriterion
	order    []string
	sleep    func(ctx context.Context, d time.Duration) error
	debug    func(format string, args ...any)
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeouts sets per-criterion deadlines.
func WithTimeouts(t config.TimeoutsConfig) Option {
	return func(e *Executor) { e.timeouts = t }
}

// WithPolicies sets which degradation policies are enabled.
func WithPolicies(enabled map[string]bool) Option {
	return func(e *Executor) { e.policies = enabled }
}

// WithCustomCriteria registers project-defined criteria.
func WithCustomCriteria(cs []CustomCriterion) Option {
	return func(e *Executor) {
		for _, c := range cs {
			if _, dup := e.custom[c.ID]; !dup {
				e.order = append(e.order, c.ID)
			}
			e.custom[c.ID] = c
		}
	}
}

// WithRetryRules replaces the fallback ladder.
func WithRetryRules(rules []RetryRule) Option {
	return func(e *Executor) { e.rules = rules }
}

// WithStateReader sets the feature store consulted by focused-codebase.
func WithStateReader(r StateReader) Option {
	return func(e *Executor) { e.state = r }
}

// WithDebugLog sets a debug hook.
func WithDebugLog(fn func(format string, args ...any)) Option {
	return func(e *Executor) { e.debug = fn }
}

// WithSleep overrides the delay used between custom criterion retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// NewExecutor creates an executor for the project.
func NewExecutor(project config.ProjectContext, runner exec.CommandRunner, opts ...Option) *Executor {
	d := config.Default()
	e := &Executor{
		project:  project,
		runner:   runner,
		timeouts: d.Timeouts,
		policies: d.Policies,
		rules:    DefaultRetryRules(),
		pols:     DefaultPolicies(),
		custom:   map[string]CustomCriterion{},
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Known reports whether id can be run.
func (e *Executor) Known(id string) bool {
	if models.IsBuiltin(id) {
		return true
	}
	_, ok := e.custom[id]
	return ok
}

// Custom returns the registered custom criteria in file order.
func (e *Executor) Custom() []CustomCriterion {
	out := make([]CustomCriterion, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.custom[id])
	}
	return out
}

// RequiredSteps returns the built-ins in canonical order followed by the
// required custom criteria in file order.
func (e *Executor) RequiredSteps() []string {
	steps := models.BuiltinCriteria()
	for _, id := range e.order {
		if e.custom[id].Required {
			steps = append(steps, id)
		}
	}
	return steps
}

// Run validates one criterion. Failures are reported in the result; the error
// is reserved for unknown criteria and cancellation.
func (e *Executor) Run(ctx context.Context, criterion string) (*models.Result, error) {
	start := time.Now()
	var (
		res *models.Result
		err error
	)
	switch {
	case criterion == models.CriterionFocusedCodebase:
		res = e.runFocused()
	case models.IsBuiltin(criterion):
		res, err = e.runBuiltin(ctx, criterion)
	default:
		c, ok := e.custom[criterion]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCriterion, criterion)
		}
		res, err = e.runCustom(ctx, c)
	}
	if err != nil {
		return nil, err
	}
	res.Criterion = criterion
	res.Duration = time.Since(start)
	res.FinishedAt = time.Now().UTC()
	e.log("[criteria] %s success=%v degraded=%v attempts=%d in %s", criterion, res.Success, res.Degraded, res.Attempts, res.Duration.Round(time.Millisecond))
	return res, nil
}

// Candidates lists the commands that would be tried for a built-in criterion.
func (e *Executor) Candidates(criterion string) []string {
	p := DetectProject(e.project.RootPath)
	var out []string
	for _, c := range candidates(criterion, p, e.runner) {
		out = append(out, c.String())
	}
	return out
}

// Project returns the detected project.
func (e *Executor) Project() *Project {
	return DetectProject(e.project.RootPath)
}

func (e *Executor) runFocused() *models.Result {
	if e.state == nil {
		return models.Pass(models.CriterionFocusedCodebase, "no feature store configured")
	}
	doc, err := e.state.Read()
	if err != nil {
		return models.Fail(models.CriterionFocusedCodebase, fmt.Sprintf("read feature store: %v", err))
	}
	if len(doc.Features) == 0 {
		return models.Pass(models.CriterionFocusedCodebase, "feature store is empty")
	}
	if v := doc.FocusViolations(); len(v) > 0 {
		return models.Fail(models.CriterionFocusedCodebase,
			fmt.Sprintf("features implemented without approval: %s", strings.Join(v, ", ")))
	}
	return models.Pass(models.CriterionFocusedCodebase, fmt.Sprintf("%d features, all implemented work was approved", len(doc.Features)))
}

func (e *Executor) timeoutFor(criterion string) time.Duration {
	switch criterion {
	case models.CriterionBuild:
		return e.timeouts.Build
	case models.CriterionTest:
		return e.timeouts.Test
	case models.CriterionStart:
		return e.timeouts.StartGrace
	default:
		return e.timeouts.Default
	}
}

func (e *Executor) runBuiltin(ctx context.Context, criterion string) (*models.Result, error) {
	p := DetectProject(e.project.RootPath)
	cmds := candidates(criterion, p, e.runner)
	timeout := e.timeoutFor(criterion)

	// The start budget bounds all start attempts together.
	runCtx := ctx
	if criterion == models.CriterionStart && e.timeouts.Start > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeouts.Start)
		defer cancel()
	}

	type failure struct {
		cmd exec.Command
		res *exec.Result
	}
	var (
		attempts []Attempt
		failures []failure
	)

	run := func(cmd exec.Command, rule string) (*exec.Result, bool, error) {
		cmd.Timeout = timeout
		res, err := e.runner.Run(runCtx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			attempts = append(attempts, Attempt{Command: cmd.String(), ExitCode: -1, Rule: rule, Output: err.Error()})
			return nil, false, nil
		}
		attempts = append(attempts, Attempt{
			Command:  cmd.String(),
			ExitCode: res.ExitCode,
			TimedOut: res.TimedOut,
			Duration: res.Duration,
			Rule:     rule,
			Output:   string(res.Output),
		})
		return res, passed(criterion, res), nil
	}

	for _, cmd := range cmds {
		res, ok, err := run(cmd, "")
		if err != nil {
			return nil, err
		}
		if ok {
			return e.pass(criterion, cmd, res, attempts, ""), nil
		}
		if res != nil {
			failures = append(failures, failure{cmd: cmd, res: res})
		}
	}

	fired := map[string]bool{}
	for _, f := range failures {
		for _, rule := range e.rules {
			if fired[rule.Name] || !rule.Match(f.cmd, f.res) {
				continue
			}
			fired[rule.Name] = true
			retry := rule.Apply(f.cmd)
			e.log("[criteria] %s: retry rule %s on %s", criterion, rule.Name, f.cmd)
			res, ok, err := run(retry, rule.Name)
			if err != nil {
				return nil, err
			}
			if ok {
				return e.pass(criterion, retry, res, attempts, rule.Name), nil
			}
		}
	}

	for _, pol := range e.pols {
		if pol.Criterion != criterion || !e.policies[pol.Name] {
			continue
		}
		if pol.Applies(p, attempts) {
			r := models.Pass(criterion, fmt.Sprintf("degraded pass (%s): %s", pol.Name, pol.Reason))
			r.Degraded = true
			r.Policy = pol.Name
			r.Attempts = len(attempts)
			return r, nil
		}
	}

	if len(attempts) == 0 {
		r := models.Fail(criterion, fmt.Sprintf("no applicable command for %s in a %s project", criterion, describeEcosystems(p)))
		return r, nil
	}
	last := attempts[len(attempts)-1]
	r := models.Fail(criterion, describeFailure(last, len(attempts)))
	r.Command = last.Command
	r.Output = models.TruncateOutput(last.Output)
	r.Attempts = len(attempts)
	return r, nil
}

// passed interprets a finished command. A start command that is still running
// at its grace deadline is healthy; any other timeout is a failure.
func passed(criterion string, res *exec.Result) bool {
	if criterion == models.CriterionStart && res.TimedOut {
		return true
	}
	return res.OK()
}

func (e *Executor) pass(criterion string, cmd exec.Command, res *exec.Result, attempts []Attempt, rule string) *models.Result {
	details := fmt.Sprintf("%s passed", cmd)
	if criterion == models.CriterionStart && res.TimedOut {
		details = fmt.Sprintf("%s stayed up for %s", cmd, res.Duration.Round(time.Second))
	}
	if rule != "" {
		details += fmt.Sprintf(" after retry rule %s", rule)
	}
	r := models.Pass(criterion, details)
	r.Command = cmd.String()
	r.Output = models.TruncateOutput(string(res.Output))
	r.Attempts = len(attempts)
	r.Policy = rule
	return r
}

func (e *Executor) runCustom(ctx context.Context, c CustomCriterion) (*models.Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = e.timeouts.Default
	}
	cmd := exec.Shell(e.project.RootPath, c.Command, timeout)

	var (
		failed   []string
		last     *exec.Result
		attempts int
	)
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			e.log("[criteria] %s: retry %d/%d after %s", c.ID, attempt, c.Retries, c.RetryDelay)
			if err := e.sleep(ctx, c.RetryDelay); err != nil {
				return nil, err
			}
		}
		attempts++
		res, err := e.runner.Run(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed = []string{err.Error()}
			continue
		}
		last = res
		failed = c.evaluate(e.project.RootPath, res)
		if len(failed) == 0 {
			r := models.Pass(c.ID, fmt.Sprintf("%s passed", c.Command))
			r.Command = c.Command
			r.Output = models.TruncateOutput(string(res.Output))
			r.Attempts = attempts
			return r, nil
		}
	}

	r := models.Fail(c.ID, strings.Join(failed, "; "))
	r.Command = c.Command
	r.Attempts = attempts
	if last != nil {
		r.Output = models.TruncateOutput(string(last.Output))
		if last.TimedOut {
			r.Error = fmt.Sprintf("%v: %s", ErrCommandTimeout, r.Error)
		}
	}
	return r, nil
}

func describeFailure(a Attempt, n int) string {
	var what string
	switch {
	case a.TimedOut:
		what = fmt.Sprintf("%s: %v after %s", a.Command, ErrCommandTimeout, a.Duration.Round(time.Millisecond))
	case a.ExitCode < 0:
		what = fmt.Sprintf("%s could not run: %s", a.Command, strings.TrimSpace(a.Output))
	default:
		what = fmt.Sprintf("%s exited with status %d", a.Command, a.ExitCode)
	}
	if n > 1 {
		return fmt.Sprintf("%s (%d attempts, all failed)", what, n)
	}
	return what
}

func describeEcosystems(p *Project) string {
	if len(p.Ecosystems) == 0 {
		return "unrecognized"
	}
	names := make([]string, len(p.Ecosystems))
	for i, eco := range p.Ecosystems {
		names[i] = string(eco)
	}
	return strings.Join(names, "/")
}

func (e *Executor) log(format string, args ...any) {
	if e.debug != nil {
		e.debug(format, args...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
