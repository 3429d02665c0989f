package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/stopgate/pkg/models"
)

// Wave is a group of criteria that may run concurrently. Waves run strictly
// in sequence.
type Wave struct {
	Index    int      `json:"index"`
	Criteria []string `json:"criteria"`
	// Slots partitions Criteria into at most ConcurrencyLimit sequential lanes,
	// balanced by estimated duration.
	Slots            [][]string    `json:"slots"`
	ConcurrencyLimit int           `json:"concurrency_limit"`
	Makespan         time.Duration `json:"makespan_ns"`
}

// Plan is an ordered list of waves plus its expected speedup.
type Plan struct {
	Waves               []Wave        `json:"waves"`
	SequentialSum       time.Duration `json:"sequential_sum_ns"`
	ParallelMakespan    time.Duration `json:"parallel_makespan_ns"`
	ParallelizationGain float64       `json:"parallelization_gain"`
	// Fallback is true when the static grouping replaced the graph plan.
	Fallback bool     `json:"fallback"`
	Issues   []string `json:"issues,omitempty"`
}

// Criteria returns every planned criterion in execution order.
func (p *Plan) Criteria() []string {
	var out []string
	for _, w := range p.Waves {
		out = append(out, w.Criteria...)
	}
	return out
}

// Plan layers the requested criteria (all when empty) into waves. A criterion
// enters wave k once every dependency within the request sits in an earlier
// wave; dependencies outside the request are treated as already satisfied.
// Non-parallelizable criteria get a wave of their own after their layer.
func (g *DependencyGraph) Plan(criteria []string, maxConcurrency int) (*Plan, error) {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	v := g.ValidateGraph()
	if len(v.Cycles) > 0 {
		loops := make([]string, len(v.Cycles))
		for i, c := range v.Cycles {
			loops[i] = formatCycle(c)
		}
		return nil, fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(loops, "; "))
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(criteria) == 0 {
		criteria = g.order
	}
	requested := make(map[string]bool, len(criteria))
	var ids []string
	for _, id := range criteria {
		if requested[id] {
			continue
		}
		if _, ok := g.nodes[id]; !ok {
			return nil, fmt.Errorf("unknown criterion %s", id)
		}
		requested[id] = true
		ids = append(ids, id)
	}

	scheduled := make(map[string]bool, len(ids))
	plan := &Plan{Issues: v.Issues}
	remaining := ids
	for len(remaining) > 0 {
		var layer, rest []string
		for _, id := range remaining {
			ready := true
			for _, dep := range g.nodes[id].DependsOn {
				if requested[dep] && !scheduled[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, id)
			} else {
				rest = append(rest, id)
			}
		}
		if len(layer) == 0 {
			// Unreachable after validation; guards against an infinite loop.
			return nil, fmt.Errorf("%w: %v cannot be scheduled", ErrCycleDetected, rest)
		}

		var parallel, serial []string
		for _, id := range layer {
			if g.nodes[id].Parallelizable {
				parallel = append(parallel, id)
			} else {
				serial = append(serial, id)
			}
		}
		if len(parallel) > 0 {
			plan.Waves = append(plan.Waves, g.packLocked(parallel, maxConcurrency))
		}
		for _, id := range serial {
			plan.Waves = append(plan.Waves, g.packLocked([]string{id}, 1))
		}
		for _, id := range layer {
			scheduled[id] = true
		}
		remaining = rest
	}

	for i := range plan.Waves {
		plan.Waves[i].Index = i
	}
	g.summarizeLocked(plan)
	g.debugLog("[planner] %d criteria in %d waves, gain %.2f", len(ids), len(plan.Waves), plan.ParallelizationGain)
	return plan, nil
}

// packLocked assigns criteria to at most limit slots, longest first, each to
// the currently lightest slot.
func (g *DependencyGraph) packLocked(ids []string, limit int) Wave {
	slots := limit
	if len(ids) < slots {
		slots = len(ids)
	}
	sorted := append([]string(nil), ids...)
	sort.SliceStable(sorted, func(i, j int) bool {
		di, dj := g.estimateLocked(sorted[i]), g.estimateLocked(sorted[j])
		if di != dj {
			return di > dj
		}
		return sorted[i] < sorted[j]
	})

	lanes := make([][]string, slots)
	loads := make([]time.Duration, slots)
	for _, id := range sorted {
		best := 0
		for i := 1; i < slots; i++ {
			if loads[i] < loads[best] {
				best = i
			}
		}
		lanes[best] = append(lanes[best], id)
		loads[best] += g.estimateLocked(id)
	}

	var makespan time.Duration
	for _, l := range loads {
		if l > makespan {
			makespan = l
		}
	}
	return Wave{
		Criteria:         append([]string(nil), ids...),
		Slots:            lanes,
		ConcurrencyLimit: limit,
		Makespan:         makespan,
	}
}

func (g *DependencyGraph) estimateLocked(id string) time.Duration {
	if c, ok := g.nodes[id]; ok && c.EstimatedDuration > 0 {
		return c.EstimatedDuration
	}
	return DefaultEstimate
}

func (g *DependencyGraph) summarizeLocked(plan *Plan) {
	plan.SequentialSum = 0
	plan.ParallelMakespan = 0
	for _, w := range plan.Waves {
		for _, id := range w.Criteria {
			plan.SequentialSum += g.estimateLocked(id)
		}
		plan.ParallelMakespan += w.Makespan
	}
	plan.ParallelizationGain = Gain(plan.SequentialSum, plan.ParallelMakespan)
}

// Gain is (sequential - parallel) / sequential, or 0 for an empty plan.
func Gain(sequential, parallel time.Duration) float64 {
	if sequential <= 0 {
		return 0
	}
	return float64(sequential-parallel) / float64(sequential)
}

// staticGroups is the grouping used when the graph cannot be trusted.
var staticGroups = [][]string{
	{models.CriterionFocusedCodebase, models.CriterionSecurity, models.CriterionLint, models.CriterionType},
	{models.CriterionBuild, models.CriterionStart},
	{models.CriterionTest},
}

// StaticPlan groups criteria as code-quality checks, then build and start,
// then tests. Criteria outside the built-in groups run in a final wave.
func StaticPlan(criteria []string, maxConcurrency int) *Plan {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if len(criteria) == 0 {
		criteria = models.BuiltinCriteria()
	}
	want := map[string]bool{}
	for _, id := range criteria {
		want[id] = true
	}

	g := New()
	for _, c := range DefaultCriteria() {
		c.DependsOn = nil
		g.AddDependency(c)
	}

	plan := &Plan{Fallback: true}
	placed := map[string]bool{}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, group := range staticGroups {
		var ids []string
		for _, id := range group {
			if want[id] {
				ids = append(ids, id)
				placed[id] = true
			}
		}
		if len(ids) > 0 {
			plan.Waves = append(plan.Waves, g.packLocked(ids, maxConcurrency))
		}
	}
	var extra []string
	for _, id := range criteria {
		if !placed[id] {
			extra = append(extra, id)
			placed[id] = true
		}
	}
	if len(extra) > 0 {
		plan.Waves = append(plan.Waves, g.packLocked(extra, maxConcurrency))
	}
	for i := range plan.Waves {
		plan.Waves[i].Index = i
	}
	g.summarizeLocked(plan)
	return plan
}

// PlanOrFallback plans with g and degrades to StaticPlan when g is nil or invalid.
func PlanOrFallback(g *DependencyGraph, criteria []string, maxConcurrency int) *Plan {
	if g == nil {
		p := StaticPlan(criteria, maxConcurrency)
		p.Issues = []string{"dependency graph unavailable"}
		return p
	}
	plan, err := g.Plan(criteria, maxConcurrency)
	if err != nil {
		g.debugLog("[planner] falling back to static grouping: %v", err)
		p := StaticPlan(criteria, maxConcurrency)
		p.Issues = []string{err.Error()}
		return p
	}
	return plan
}

// Render prints the plan for humans.
func Render(p *Plan) string {
	var b strings.Builder
	mode := "dependency graph"
	if p.Fallback {
		mode = "static fallback"
	}
	fmt.Fprintf(&b, "plan (%s): %d waves\n", mode, len(p.Waves))
	for _, w := range p.Waves {
		fmt.Fprintf(&b, "wave %d [limit %d, makespan %s]\n", w.Index+1, w.ConcurrencyLimit, w.Makespan)
		for i, slot := range w.Slots {
			fmt.Fprintf(&b, "  slot %d: %s\n", i+1, strings.Join(slot, ", "))
		}
	}
	fmt.Fprintf(&b, "sequential %s, parallel %s, gain %.1f%%\n", p.SequentialSum, p.ParallelMakespan, p.ParallelizationGain*100)
	for _, issue := range p.Issues {
		fmt.Fprintf(&b, "issue: %s\n", issue)
	}
	return b.String()
}
