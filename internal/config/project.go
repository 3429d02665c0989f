package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateDirName is the per-project directory holding all stopgate state.
const StateDirName = ".stopgate"

// ProjectContext locates a project and its state directory.
// It is passed explicitly to every component instead of reading globals.
type ProjectContext struct {
	// RootPath is the absolute project root.
	RootPath string
	// StateDir is the absolute path of the .stopgate directory.
	StateDir string
}

// NewProjectContext builds a context rooted at root.
func NewProjectContext(root string) (ProjectContext, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return ProjectContext{}, fmt.Errorf("resolve project root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return ProjectContext{}, fmt.Errorf("stat project root: %w", err)
	}
	if !info.IsDir() {
		return ProjectContext{}, fmt.Errorf("project root %s is not a directory", abs)
	}
	return ProjectContext{
		RootPath: abs,
		StateDir: filepath.Join(abs, StateDirName),
	}, nil
}

// FindProjectRoot walks up from start looking for a .stopgate directory,
// a .stopgate.yaml file or a .git entry. It returns start when none is found.
func FindProjectRoot(start string) string {
	abs, err := filepath.Abs(start)
	if err != nil {
		return start
	}
	dir := abs
	for {
		for _, marker := range []string{StateDirName, ProjectConfigName, ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs
		}
		dir = parent
	}
}

// StatePath joins elem onto the state directory.
func (p ProjectContext) StatePath(elem ...string) string {
	return filepath.Join(append([]string{p.StateDir}, elem...)...)
}

// Path joins elem onto the project root. Absolute elements are returned as-is.
func (p ProjectContext) Path(elem ...string) string {
	if len(elem) == 1 && filepath.IsAbs(elem[0]) {
		return elem[0]
	}
	return filepath.Join(append([]string{p.RootPath}, elem...)...)
}

// EnsureStateDir creates the state directory and sub directories.
func (p ProjectContext) EnsureStateDir(sub ...string) (string, error) {
	dir := p.StatePath(sub...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return dir, nil
}

// StateFile is the shared project state document.
func (p ProjectContext) StateFile() string { return p.StatePath("state.json") }

// SessionsDir holds one authorization session file per agent.
func (p ProjectContext) SessionsDir() string { return p.StatePath("sessions") }

// FlagFile is the termination flag written on completion.
func (p ProjectContext) FlagFile() string { return p.StatePath("stop-allowed.json") }

// CacheDir holds cached validation results.
func (p ProjectContext) CacheDir() string { return p.StatePath("cache") }

// FailuresDir holds per-key failure records.
func (p ProjectContext) FailuresDir() string { return p.StatePath("failures") }

// SnapshotsDir holds snapshot metadata and critical file copies.
func (p ProjectContext) SnapshotsDir() string { return p.StatePath("snapshots") }

// OverridesDir holds emergency override records.
func (p ProjectContext) OverridesDir() string { return p.StatePath("overrides") }

// KeysDir holds the signing key pair for termination flags.
func (p ProjectContext) KeysDir() string { return p.StatePath("keys") }

// LogsDir holds debug logs.
func (p ProjectContext) LogsDir() string { return p.StatePath("logs") }

// StatsDB is the execution statistics database.
func (p ProjectContext) StatsDB() string { return p.StatePath("stats.db") }
