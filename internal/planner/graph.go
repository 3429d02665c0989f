// Package planner orders validation criteria into dependency-respecting,
// concurrency-bounded execution waves.
package planner

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/stopgate/pkg/models"
)

// ErrCycleDetected indicates a circular dependency between criteria.
var ErrCycleDetected = errors.New("circular dependency detected")

// DefaultEstimate is used for criteria without a configured duration.
const DefaultEstimate = 30 * time.Second

// DependencyGraph is a directed graph over criteria. Edges point from a
// criterion to the criteria it depends on.
type DependencyGraph struct {
	mu       sync.RWMutex
	nodes    map[string]models.Criterion
	order    []string
	debugLog func(format string, args ...any)
}

// New creates an empty graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:    make(map[string]models.Criterion),
		debugLog: func(format string, args ...any) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...any)) {
	if fn != nil {
		g.debugLog = fn
	}
}

// AddDependency registers or replaces a criterion node.
func (g *DependencyGraph) AddDependency(c models.Criterion) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[c.ID]; !exists {
		g.order = append(g.order, c.ID)
	}
	c.DependsOn = append([]string(nil), c.DependsOn...)
	g.nodes[c.ID] = c
	g.debugLog("[planner] add %s depends_on=%v estimate=%s parallel=%v", c.ID, c.DependsOn, c.EstimatedDuration, c.Parallelizable)
}

// SetEstimate replaces the estimated duration of a known criterion.
func (g *DependencyGraph) SetEstimate(id string, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.nodes[id]; ok && d > 0 {
		c.EstimatedDuration = d
		g.nodes[id] = c
	}
}

// Criterion returns the node for id.
func (g *DependencyGraph) Criterion(id string) (models.Criterion, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.nodes[id]
	return c, ok
}

// Size returns the number of criteria in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Validation is the outcome of ValidateGraph.
type Validation struct {
	Valid  bool       `json:"valid"`
	Cycles [][]string `json:"cycles,omitempty"`
	Issues []string   `json:"issues,omitempty"`
}

// ValidateGraph reports unknown dependencies and every distinct cycle.
// Cycle detection is a depth-first search tracking the recursion stack.
func (g *DependencyGraph) ValidateGraph() Validation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var v Validation
	for _, id := range g.order {
		for _, dep := range g.nodes[id].DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				v.Issues = append(v.Issues, fmt.Sprintf("%s depends on unknown criterion %s", id, dep))
			}
		}
	}

	v.Cycles = g.cyclesLocked()
	for _, c := range v.Cycles {
		v.Issues = append(v.Issues, fmt.Sprintf("%v: %s", ErrCycleDetected, formatCycle(c)))
	}
	v.Valid = len(v.Issues) == 0
	return v
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cyclesLocked()) > 0
}

// cyclesLocked returns each distinct cycle once, rotated to start at its
// smallest id. Assumes the lock is held.
func (g *DependencyGraph) cyclesLocked() [][]string {
	// Color states: 0 = unvisited, 1 = on the recursion stack, 2 = done.
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	seen := map[string]bool{}
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		colors[id] = 1
		stack = append(stack, id)

		for _, dep := range g.nodes[id].DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			switch colors[dep] {
			case 1:
				// Back edge: the cycle is the stack suffix starting at dep.
				start := len(stack) - 1
				for stack[start] != dep {
					start--
				}
				cycle := canonicalCycle(stack[start:])
				key := strings.Join(cycle, "\x00")
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
			case 0:
				visit(dep)
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
	}

	ids := append([]string(nil), g.order...)
	sort.Strings(ids)
	for _, id := range ids {
		if colors[id] == 0 {
			visit(id)
		}
	}
	return cycles
}

// formatCycle renders a cycle as "a -> b -> a".
func formatCycle(c []string) string {
	loop := append(append([]string(nil), c...), c[0])
	return strings.Join(loop, " -> ")
}

func canonicalCycle(path []string) []string {
	lo := 0
	for i := range path {
		if path[i] < path[lo] {
			lo = i
		}
	}
	out := make([]string, 0, len(path))
	out = append(out, path[lo:]...)
	out = append(out, path[:lo]...)
	return out
}

// TopologicalSort returns criteria ids with every dependency before its dependents.
// Ties keep insertion order.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.cyclesLocked()) > 0 {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	var result []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.nodes[id].DependsOn {
			if _, ok := g.nodes[dep]; ok {
				visit(dep)
			}
		}
		result = append(result, id)
	}
	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}
