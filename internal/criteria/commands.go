package criteria

import (
	"github.com/ShayCichocki/stopgate/internal/exec"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

// commandSpec is one row of the command table.
type commandSpec struct {
	criterion string
	eco       Ecosystem
	name      string
	args      []string
	// script must exist in package.json.
	script string
	// file must exist relative to the project root.
	file string
	// binary must be on PATH. Defaults to name.
	binary string
}

// commandTable lists candidate commands in preference order per criterion.
var commandTable = []commandSpec{
	// security
	{criterion: models.CriterionSecurity, name: "semgrep", args: []string{"--config", "auto", "--error", "--quiet"}},
	{criterion: models.CriterionSecurity, eco: EcosystemNode, name: "npm", args: []string{"audit", "--audit-level=high"}, file: "package-lock.json"},
	{criterion: models.CriterionSecurity, eco: EcosystemGo, name: "govulncheck", args: []string{"./..."}},
	{criterion: models.CriterionSecurity, eco: EcosystemPython, name: "bandit", args: []string{"-r", ".", "-q"}},
	{criterion: models.CriterionSecurity, eco: EcosystemRust, name: "cargo", args: []string{"audit"}, binary: "cargo-audit"},

	// lint
	{criterion: models.CriterionLint, eco: EcosystemNode, name: "npm", args: []string{"run", "lint"}, script: "lint"},
	{criterion: models.CriterionLint, eco: EcosystemNode, name: "npx", args: []string{"--no-install", "eslint", "."}, file: "node_modules/.bin/eslint"},
	{criterion: models.CriterionLint, eco: EcosystemGo, name: "golangci-lint", args: []string{"run", "./..."}},
	{criterion: models.CriterionLint, eco: EcosystemGo, name: "go", args: []string{"vet", "./..."}},
	{criterion: models.CriterionLint, eco: EcosystemPython, name: "ruff", args: []string{"check", "."}},
	{criterion: models.CriterionLint, eco: EcosystemPython, name: "flake8", args: []string{"."}},
	{criterion: models.CriterionLint, eco: EcosystemRust, name: "cargo", args: []string{"clippy", "--", "-D", "warnings"}, binary: "cargo-clippy"},

	// type
	{criterion: models.CriterionType, eco: EcosystemNode, name: "npx", args: []string{"--no-install", "tsc", "--noEmit"}, file: "tsconfig.json"},
	{criterion: models.CriterionType, eco: EcosystemNode, name: "npm", args: []string{"run", "typecheck"}, script: "typecheck"},
	{criterion: models.CriterionType, eco: EcosystemGo, name: "go", args: []string{"build", "./..."}},
	{criterion: models.CriterionType, eco: EcosystemPython, name: "mypy", args: []string{"."}},
	{criterion: models.CriterionType, eco: EcosystemRust, name: "cargo", args: []string{"check"}},

	// build
	{criterion: models.CriterionBuild, eco: EcosystemNode, name: "npm", args: []string{"run", "build"}, script: "build"},
	{criterion: models.CriterionBuild, eco: EcosystemGo, name: "go", args: []string{"build", "./..."}},
	{criterion: models.CriterionBuild, eco: EcosystemPython, name: "python3", args: []string{"-m", "compileall", "-q", "-x", `(^|/)(\.venv|venv|node_modules)/`, "."}},
	{criterion: models.CriterionBuild, eco: EcosystemRust, name: "cargo", args: []string{"build"}},

	// start
	{criterion: models.CriterionStart, eco: EcosystemNode, name: "npm", args: []string{"start"}, script: "start"},
	{criterion: models.CriterionStart, eco: EcosystemNode, name: "npm", args: []string{"run", "dev"}, script: "dev"},

	// test
	{criterion: models.CriterionTest, eco: EcosystemNode, name: "npm", args: []string{"test"}, script: "test"},
	{criterion: models.CriterionTest, eco: EcosystemGo, name: "go", args: []string{"test", "./..."}},
	{criterion: models.CriterionTest, eco: EcosystemPython, name: "pytest", args: []string{"-q"}},
	{criterion: models.CriterionTest, eco: EcosystemRust, name: "cargo", args: []string{"test"}},
}

// available reports whether the row applies to p and its tools are installed.
func (c commandSpec) available(p *Project, runner exec.CommandRunner) bool {
	if c.eco != "" && !p.Has(c.eco) {
		return false
	}
	if c.script != "" && !p.HasScript(c.script) {
		return false
	}
	if c.file != "" && !p.HasFile(c.file) {
		return false
	}
	binary := c.binary
	if binary == "" {
		binary = c.name
	}
	return runner.LookPath(binary)
}

func (c commandSpec) command(dir string) exec.Command {
	args := make([]string, len(c.args))
	copy(args, c.args)
	return exec.Command{Dir: dir, Name: c.name, Args: args}
}

// candidates returns the applicable commands for criterion, in order.
func candidates(criterion string, p *Project, runner exec.CommandRunner) []exec.Command {
	var out []exec.Command
	seen := map[string]bool{}
	for _, row := range commandTable {
		if row.criterion != criterion || !row.available(p, runner) {
			continue
		}
		cmd := row.command(p.Root)
		if seen[cmd.String()] {
			continue
		}
		seen[cmd.String()] = true
		out = append(out, cmd)
	}
	return out
}
