package criteria

import (
	"strings"

	"github.com/ShayCichocki/stopgate/pkg/models"
)

// Degradation policy names. Each is toggled by policies.<name> in config.
const (
	PolicyNoTypecheckableFiles   = "no-typecheckable-files"
	PolicyNoBuildScriptWithStart = "no-build-script-with-start"
	PolicyNoStartEntrypoint      = "no-start-entrypoint"
	PolicyNoTestFiles            = "no-test-files"
	PolicyNoSecurityScanner      = "no-security-scanner"
)

// Policy declares a criterion inapplicable to the project. A firing policy
// turns a failure into a degraded pass.
type Policy struct {
	Name      string
	Criterion string
	// Reason is reported in the result details.
	Reason string
	// Applies inspects the project and the failed attempts (possibly none).
	Applies func(p *Project, attempts []Attempt) bool
}

// DefaultPolicies returns the built-in heuristics.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Name:      PolicyNoTypecheckableFiles,
			Criterion: models.CriterionType,
			Reason:    "no type-checkable source files found",
			Applies: func(p *Project, attempts []Attempt) bool {
				for _, a := range attempts {
					if strings.Contains(a.Output, "No inputs were found in config file") {
						return true
					}
				}
				return !p.HasTypecheckableFiles()
			},
		},
		{
			Name:      PolicyNoBuildScriptWithStart,
			Criterion: models.CriterionBuild,
			Reason:    "no build script and a start script exists",
			Applies: func(p *Project, attempts []Attempt) bool {
				return p.Has(EcosystemNode) && !p.HasScript("build") && p.HasScript("start")
			},
		},
		{
			Name:      PolicyNoStartEntrypoint,
			Criterion: models.CriterionStart,
			Reason:    "project has no long-running entry point to start",
			Applies: func(p *Project, attempts []Attempt) bool {
				return len(attempts) == 0 && !p.HasScript("start") && !p.HasScript("dev")
			},
		},
		{
			Name:      PolicyNoTestFiles,
			Criterion: models.CriterionTest,
			Reason:    "no test files found",
			Applies: func(p *Project, attempts []Attempt) bool {
				return !p.HasTestFiles()
			},
		},
		{
			Name:      PolicyNoSecurityScanner,
			Criterion: models.CriterionSecurity,
			Reason:    "no security scanner installed",
			Applies: func(p *Project, attempts []Attempt) bool {
				return len(attempts) == 0
			},
		},
	}
}
