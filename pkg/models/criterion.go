package models

import "time"

// Built-in criterion identifiers, in canonical order.
const (
	CriterionFocusedCodebase = "focused-codebase"
	CriterionSecurity        = "security-validation"
	CriterionLint            = "linter-validation"
	CriterionType            = "type-validation"
	CriterionBuild           = "build-validation"
	CriterionStart           = "start-validation"
	CriterionTest            = "test-validation"
)

var builtinCriteria = []string{
	CriterionFocusedCodebase,
	CriterionSecurity,
	CriterionLint,
	CriterionType,
	CriterionBuild,
	CriterionStart,
	CriterionTest,
}

// BuiltinCriteria returns the built-in criteria in canonical order.
// The returned slice is a copy and may be modified by the caller.
func BuiltinCriteria() []string {
	out := make([]string, len(builtinCriteria))
	copy(out, builtinCriteria)
	return out
}

// IsBuiltin reports whether id names a built-in criterion.
func IsBuiltin(id string) bool {
	for _, c := range builtinCriteria {
		if c == id {
			return true
		}
	}
	return false
}

// Criterion is one node of the validation dependency graph.
type Criterion struct {
	// ID is the criterion identifier (built-in or custom).
	ID string `json:"id" yaml:"id"`
	// DependsOn lists criteria that must pass before this one runs.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// EstimatedDuration is used to balance parallel waves.
	EstimatedDuration time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
	// Parallelizable is false for criteria that must run alone in their wave slot.
	Parallelizable bool `json:"parallelizable" yaml:"parallelizable"`
}

// CriterionStats holds accumulated execution statistics for a criterion.
type CriterionStats struct {
	Criterion    string        `json:"criterion"`
	Runs         int           `json:"runs"`
	Successes    int           `json:"successes"`
	CachedHits   int           `json:"cached_hits"`
	MeanDuration time.Duration `json:"mean_duration_ns"`
	SuccessRate  float64       `json:"success_rate"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty"`
}
