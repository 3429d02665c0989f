package criteria

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Ecosystem identifies a toolchain by its marker files.
type Ecosystem string

const (
	EcosystemNode   Ecosystem = "node"
	EcosystemGo     Ecosystem = "go"
	EcosystemPython Ecosystem = "python"
	EcosystemRust   Ecosystem = "rust"
)

var ecosystemMarkers = []struct {
	eco     Ecosystem
	markers []string
}{
	{EcosystemNode, []string{"package.json"}},
	{EcosystemGo, []string{"go.mod"}},
	{EcosystemPython, []string{"pyproject.toml", "setup.py", "requirements.txt"}},
	{EcosystemRust, []string{"Cargo.toml"}},
}

// skipDirs are never walked when scanning for source files.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "target": true,
	"dist": true, "build": true, ".venv": true, "venv": true, "__pycache__": true,
	".stopgate": true,
}

// maxScanFiles bounds source scans in very large trees.
const maxScanFiles = 20000

// Project describes what the executor knows about the working tree.
type Project struct {
	Root       string
	Ecosystems []Ecosystem
	// Scripts are the package.json scripts, if any.
	Scripts map[string]string
}

// DetectProject inspects root for ecosystem markers and package.json scripts.
func DetectProject(root string) *Project {
	p := &Project{Root: root, Scripts: map[string]string{}}
	for _, m := range ecosystemMarkers {
		for _, marker := range m.markers {
			if p.HasFile(marker) {
				p.Ecosystems = append(p.Ecosystems, m.eco)
				break
			}
		}
	}
	if data, err := os.ReadFile(filepath.Join(root, "package.json")); err == nil {
		var pkg struct {
			Scripts map[string]string `json:"scripts"`
		}
		if json.Unmarshal(data, &pkg) == nil && pkg.Scripts != nil {
			p.Scripts = pkg.Scripts
		}
	}
	return p
}

// Has reports whether the project uses eco.
func (p *Project) Has(eco Ecosystem) bool {
	for _, e := range p.Ecosystems {
		if e == eco {
			return true
		}
	}
	return false
}

// HasScript reports whether package.json defines a non-empty script.
func (p *Project) HasScript(name string) bool {
	return strings.TrimSpace(p.Scripts[name]) != ""
}

// HasFile reports whether a path relative to the root exists.
func (p *Project) HasFile(rel string) bool {
	_, err := os.Stat(filepath.Join(p.Root, rel))
	return err == nil
}

// HasSourceFile reports whether any file under the root satisfies match.
func (p *Project) HasSourceFile(match func(rel string) bool) bool {
	found := false
	seen := 0
	_ = filepath.WalkDir(p.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != p.Root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		seen++
		if seen > maxScanFiles {
			return filepath.SkipAll
		}
		rel, relErr := filepath.Rel(p.Root, path)
		if relErr != nil {
			return nil
		}
		if match(filepath.ToSlash(rel)) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// HasTypecheckableFiles reports whether a static type checker has anything to check.
func (p *Project) HasTypecheckableFiles() bool {
	return p.HasSourceFile(func(rel string) bool {
		switch filepath.Ext(rel) {
		case ".ts", ".tsx", ".mts", ".cts", ".go", ".rs":
			return !strings.HasSuffix(rel, ".d.ts")
		case ".py":
			return p.HasFile("mypy.ini") || p.HasFile("pyproject.toml")
		}
		return false
	})
}

// HasTestFiles reports whether the tree contains recognizable test files.
func (p *Project) HasTestFiles() bool {
	return p.HasSourceFile(func(rel string) bool {
		base := filepath.Base(rel)
		switch {
		case strings.HasSuffix(base, "_test.go"):
			return true
		case strings.Contains(base, ".test.") || strings.Contains(base, ".spec."):
			return true
		case strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"):
			return true
		case strings.HasSuffix(base, "_test.py"):
			return true
		case strings.HasPrefix(rel, "tests/") && filepath.Ext(base) == ".rs":
			return true
		}
		return false
	})
}
