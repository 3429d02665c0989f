package planner

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/ShayCichocki/stopgate/pkg/models"
)

func node(id string, deps ...string) models.Criterion {
	return models.Criterion{ID: id, DependsOn: deps, EstimatedDuration: time.Second, Parallelizable: true}
}

func TestValidateGraphDetectsCycles(t *testing.T) {
	tests := []struct {
		name   string
		nodes  []models.Criterion
		cycles [][]string
	}{
		{
			name:   "acyclic",
			nodes:  []models.Criterion{node("a"), node("b", "a"), node("c", "a", "b")},
			cycles: nil,
		},
		{
			name:   "two node cycle",
			nodes:  []models.Criterion{node("a", "b"), node("b", "a")},
			cycles: [][]string{{"a", "b"}},
		},
		{
			name:   "three node cycle",
			nodes:  []models.Criterion{node("a", "b"), node("b", "c"), node("c", "a")},
			cycles: [][]string{{"a", "b", "c"}},
		},
		{
			name:   "self loop",
			nodes:  []models.Criterion{node("a", "a")},
			cycles: [][]string{{"a"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			for _, n := range tt.nodes {
				g.AddDependency(n)
			}
			v := g.ValidateGraph()
			if !reflect.DeepEqual(v.Cycles, tt.cycles) {
				t.Errorf("cycles = %v, want %v", v.Cycles, tt.cycles)
			}
			if v.Valid != (tt.cycles == nil) {
				t.Errorf("valid = %v with issues %v", v.Valid, v.Issues)
			}
			if g.HasCycle() != (tt.cycles != nil) {
				t.Errorf("HasCycle() = %v", g.HasCycle())
			}
			if tt.cycles != nil {
				if _, err := g.TopologicalSort(); !errors.Is(err, ErrCycleDetected) {
					t.Errorf("TopologicalSort() error = %v, want ErrCycleDetected", err)
				}
				if _, err := g.Plan(nil, 2); !errors.Is(err, ErrCycleDetected) {
					t.Errorf("Plan() error = %v, want ErrCycleDetected", err)
				}
			}
		})
	}
}

func TestValidateGraphReportsUnknownDependency(t *testing.T) {
	g := New()
	g.AddDependency(node("a", "ghost"))

	v := g.ValidateGraph()
	if v.Valid {
		t.Fatal("expected invalid graph")
	}
	if len(v.Issues) != 1 || v.Issues[0] != "a depends on unknown criterion ghost" {
		t.Errorf("issues = %v", v.Issues)
	}

	// Unknown dependencies do not block planning.
	plan, err := g.Plan(nil, 1)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.Waves) != 1 {
		t.Errorf("expected 1 wave, got %d", len(plan.Waves))
	}
}

func TestTopologicalSort(t *testing.T) {
	g := NewDefault()
	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort() error = %v", err)
	}
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	for _, c := range DefaultCriteria() {
		for _, dep := range c.DependsOn {
			if pos[dep] >= pos[c.ID] {
				t.Errorf("%s sorted before its dependency %s", c.ID, dep)
			}
		}
	}
}

func TestPlanRespectsDependencies(t *testing.T) {
	for _, limit := range []int{1, 2, 4, 8} {
		g := NewDefault(node("custom-e2e", models.CriterionStart), node("custom-docs"))
		plan, err := g.Plan(nil, limit)
		if err != nil {
			t.Fatalf("Plan(limit=%d) error = %v", limit, err)
		}

		waveOf := map[string]int{}
		for _, w := range plan.Waves {
			if len(w.Slots) > limit {
				t.Errorf("wave %d has %d slots, limit %d", w.Index, len(w.Slots), limit)
			}
			for _, id := range w.Criteria {
				if _, dup := waveOf[id]; dup {
					t.Errorf("%s scheduled twice", id)
				}
				waveOf[id] = w.Index
			}
		}
		if len(waveOf) != g.Size() {
			t.Errorf("scheduled %d criteria, want %d", len(waveOf), g.Size())
		}
		for id := range waveOf {
			c, _ := g.Criterion(id)
			for _, dep := range c.DependsOn {
				if waveOf[dep] >= waveOf[id] {
					t.Errorf("limit %d: %s in wave %d but dependency %s in wave %d", limit, id, waveOf[id], dep, waveOf[dep])
				}
			}
		}
	}
}

func TestPlanSubsetTreatsMissingDependenciesAsSatisfied(t *testing.T) {
	g := NewDefault()
	plan, err := g.Plan([]string{models.CriterionTest, models.CriterionStart}, 4)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.Waves) != 1 {
		t.Fatalf("expected a single wave, got %d", len(plan.Waves))
	}
	if got := plan.Criteria(); !reflect.DeepEqual(got, []string{models.CriterionTest, models.CriterionStart}) {
		t.Errorf("criteria = %v", got)
	}
}

func TestPlanUnknownCriterion(t *testing.T) {
	g := NewDefault()
	if _, err := g.Plan([]string{"nope"}, 2); err == nil {
		t.Fatal("expected error for unknown criterion")
	}
}

func TestPlanSerialCriterionGetsOwnWave(t *testing.T) {
	g := NewDefault()
	c, _ := g.Criterion(models.CriterionTest)
	c.Parallelizable = false
	g.AddDependency(c)

	plan, err := g.Plan(nil, 4)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.Waves) != 4 {
		t.Fatalf("expected 4 waves, got %d", len(plan.Waves))
	}
	last := plan.Waves[3]
	if !reflect.DeepEqual(last.Criteria, []string{models.CriterionTest}) {
		t.Errorf("last wave = %v", last.Criteria)
	}
	if last.ConcurrencyLimit != 1 {
		t.Errorf("serial wave limit = %d", last.ConcurrencyLimit)
	}
}

func TestPackBalancesLongestFirst(t *testing.T) {
	g := New()
	for id, d := range map[string]time.Duration{"a": 8 * time.Second, "b": 7 * time.Second, "c": 6 * time.Second, "d": 5 * time.Second} {
		g.AddDependency(models.Criterion{ID: id, EstimatedDuration: d, Parallelizable: true})
	}

	plan, err := g.Plan([]string{"a", "b", "c", "d"}, 2)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	w := plan.Waves[0]
	want := [][]string{{"a", "d"}, {"b", "c"}}
	if !reflect.DeepEqual(w.Slots, want) {
		t.Errorf("slots = %v, want %v", w.Slots, want)
	}
	if w.Makespan != 13*time.Second {
		t.Errorf("makespan = %v, want 13s", w.Makespan)
	}
	if plan.SequentialSum != 26*time.Second {
		t.Errorf("sequential = %v, want 26s", plan.SequentialSum)
	}
	if math.Abs(plan.ParallelizationGain-0.5) > 1e-9 {
		t.Errorf("gain = %v, want 0.5", plan.ParallelizationGain)
	}
}

func TestGain(t *testing.T) {
	tests := []struct {
		seq, par time.Duration
		want     float64
	}{
		{0, 0, 0},
		{10 * time.Second, 10 * time.Second, 0},
		{10 * time.Second, 4 * time.Second, 0.6},
	}
	for _, tt := range tests {
		if got := Gain(tt.seq, tt.par); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Gain(%v, %v) = %v, want %v", tt.seq, tt.par, got, tt.want)
		}
	}
}

func TestSetEstimateRebalances(t *testing.T) {
	g := NewDefault()
	g.SetEstimate(models.CriterionStart, 5*time.Minute)
	g.SetEstimate("missing", time.Minute)

	c, _ := g.Criterion(models.CriterionStart)
	if c.EstimatedDuration != 5*time.Minute {
		t.Errorf("estimate = %v", c.EstimatedDuration)
	}
	if _, ok := g.Criterion("missing"); ok {
		t.Error("SetEstimate must not add criteria")
	}
}

func TestPlanOrFallback(t *testing.T) {
	t.Run("nil graph", func(t *testing.T) {
		plan := PlanOrFallback(nil, nil, 4)
		if !plan.Fallback {
			t.Fatal("expected fallback plan")
		}
		if len(plan.Criteria()) != len(models.BuiltinCriteria()) {
			t.Errorf("criteria = %v", plan.Criteria())
		}
	})

	t.Run("custom criteria run last", func(t *testing.T) {
		plan := StaticPlan([]string{models.CriterionTest, "custom-smoke", models.CriterionLint}, 4)
		if len(plan.Waves) != 3 {
			t.Fatalf("expected 3 waves, got %d", len(plan.Waves))
		}
		if !reflect.DeepEqual(plan.Waves[2].Criteria, []string{"custom-smoke"}) {
			t.Errorf("last wave = %v", plan.Waves[2].Criteria)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dependencies.yaml")

	fc, err := LoadConfig(path)
	if err != nil || fc != nil {
		t.Fatalf("missing file: got %v, %v", fc, err)
	}

	content := `
criteria:
  test-validation:
    depends_on: [start-validation]
    estimated_duration: 2m
    parallelizable: false
  custom-smoke:
    depends_on: [test-validation]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	fc, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	g := NewDefault()
	fc.Apply(g)

	c, _ := g.Criterion(models.CriterionTest)
	if !reflect.DeepEqual(c.DependsOn, []string{models.CriterionStart}) {
		t.Errorf("depends_on = %v", c.DependsOn)
	}
	if c.EstimatedDuration != 2*time.Minute || c.Parallelizable {
		t.Errorf("override not applied: %+v", c)
	}
	smoke, ok := g.Criterion("custom-smoke")
	if !ok || !smoke.Parallelizable || smoke.EstimatedDuration != 0 {
		t.Errorf("custom-smoke = %+v, %v", smoke, ok)
	}

	if err := os.WriteFile(path, []byte("criteria:\n  x:\n    estimated_duration: soon\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestRenderGolden(t *testing.T) {
	gold := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))

	plan, err := NewDefault().Plan(nil, 2)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	gold.Assert(t, "default_plan", []byte(Render(plan)))

	g := NewDefault()
	build, _ := g.Criterion(models.CriterionBuild)
	build.DependsOn = append(build.DependsOn, models.CriterionTest)
	g.AddDependency(build)
	gold.Assert(t, "fallback_plan", []byte(Render(PlanOrFallback(g, nil, 2))))
}
