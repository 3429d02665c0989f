package planner

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/stopgate/pkg/models"
)

// DefaultCriteria returns the built-in graph: the code-quality checks are
// independent, build waits for lint and type checks, start and test wait for
// build.
func DefaultCriteria() []models.Criterion {
	return []models.Criterion{
		{ID: models.CriterionFocusedCodebase, EstimatedDuration: time.Second, Parallelizable: true},
		{ID: models.CriterionSecurity, EstimatedDuration: 30 * time.Second, Parallelizable: true},
		{ID: models.CriterionLint, EstimatedDuration: 20 * time.Second, Parallelizable: true},
		{ID: models.CriterionType, EstimatedDuration: 30 * time.Second, Parallelizable: true},
		{
			ID:                models.CriterionBuild,
			DependsOn:         []string{models.CriterionLint, models.CriterionType},
			EstimatedDuration: time.Minute,
			Parallelizable:    true,
		},
		{
			ID:                models.CriterionStart,
			DependsOn:         []string{models.CriterionBuild},
			EstimatedDuration: 15 * time.Second,
			Parallelizable:    true,
		},
		{
			ID:                models.CriterionTest,
			DependsOn:         []string{models.CriterionBuild},
			EstimatedDuration: 90 * time.Second,
			Parallelizable:    true,
		},
	}
}

// NewDefault builds a graph holding DefaultCriteria followed by extra.
func NewDefault(extra ...models.Criterion) *DependencyGraph {
	g := New()
	for _, c := range DefaultCriteria() {
		g.AddDependency(c)
	}
	for _, c := range extra {
		g.AddDependency(c)
	}
	return g
}

// FileConfig is the on-disk dependency override file.
//
//	criteria:
//	  test-validation:
//	    depends_on: [build-validation]
//	    estimated_duration: 2m
//	    parallelizable: false
type FileConfig struct {
	Criteria map[string]CriterionOverride `yaml:"criteria"`
}

// CriterionOverride replaces fields of one graph node. Nil fields are kept.
type CriterionOverride struct {
	DependsOn         *[]string `yaml:"depends_on"`
	EstimatedDuration string    `yaml:"estimated_duration"`
	Parallelizable    *bool     `yaml:"parallelizable"`
}

// LoadConfig reads a dependency override file. A missing file yields nil.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dependencies file: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse dependencies file %s: %w", path, err)
	}
	for id, o := range fc.Criteria {
		if o.EstimatedDuration == "" {
			continue
		}
		d, err := time.ParseDuration(o.EstimatedDuration)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("criterion %s: invalid estimated_duration %q", id, o.EstimatedDuration)
		}
	}
	return &fc, nil
}

// Apply merges fc into g. Criteria the graph does not know are added.
func (fc *FileConfig) Apply(g *DependencyGraph) {
	if fc == nil {
		return
	}
	for _, id := range sortedKeys(fc.Criteria) {
		o := fc.Criteria[id]
		c, ok := g.Criterion(id)
		if !ok {
			c = models.Criterion{ID: id, Parallelizable: true}
		}
		if o.DependsOn != nil {
			c.DependsOn = *o.DependsOn
		}
		if d, err := time.ParseDuration(o.EstimatedDuration); err == nil && d > 0 {
			c.EstimatedDuration = d
		}
		if o.Parallelizable != nil {
			c.Parallelizable = *o.Parallelizable
		}
		g.AddDependency(c)
	}
}

func sortedKeys(m map[string]CriterionOverride) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
