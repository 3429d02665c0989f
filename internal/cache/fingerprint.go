package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ShayCichocki/stopgate/pkg/models"
)

// manifestFiles affect every criterion.
var manifestFiles = []string{
	"package.json", "package-lock.json", "yarn.lock", "pnpm-lock.yaml",
	"go.mod", "go.sum",
	"pyproject.toml", "requirements.txt", "setup.py", "poetry.lock",
	"Cargo.toml", "Cargo.lock",
	".stopgate.yaml",
}

// criterionFiles are the configuration files each criterion depends on.
var criterionFiles = map[string][]string{
	models.CriterionFocusedCodebase: {".stopgate/state.json"},
	models.CriterionSecurity:        {".semgrep.yml", ".semgrepignore", ".bandit", "audit-ci.json"},
	models.CriterionLint: {
		".eslintrc", ".eslintrc.js", ".eslintrc.cjs", ".eslintrc.json", ".eslintrc.yml",
		"eslint.config.js", "eslint.config.mjs", ".golangci.yml", ".golangci.yaml",
		"ruff.toml", ".ruff.toml", ".flake8", "setup.cfg", "clippy.toml",
	},
	models.CriterionType:  {"tsconfig.json", "tsconfig.build.json", "mypy.ini", ".mypy.ini"},
	models.CriterionBuild: {"tsconfig.json", "webpack.config.js", "vite.config.ts", "vite.config.js", "next.config.js", "next.config.mjs", "Makefile", "build.rs"},
	models.CriterionStart: {".env", ".env.local", "next.config.js", "vite.config.ts", "Procfile"},
	models.CriterionTest:  {"jest.config.js", "jest.config.ts", "vitest.config.ts", "vitest.config.js", "pytest.ini", "tox.ini", "setup.cfg"},
}

// maxTreeScan bounds the no-VCS fallback walk.
const maxTreeScan = 20000

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "target": true,
	".venv": true, "venv": true, "__pycache__": true, ".stopgate": true,
}

// Fingerprint hashes everything that could invalidate a cached result for criterion:
// the VCS revision (or the newest mtime in the tree without VCS), the manifest
// mtimes, the criterion's config files and every dirty working-tree file.
func (c *Cache) Fingerprint(ctx context.Context, criterion string) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "criterion=%s\n", criterion)

	if c.vcs != nil && c.vcs.IsRepo(ctx) {
		rev, err := c.vcs.Revision(ctx)
		if err != nil {
			// An unborn branch has no HEAD yet.
			rev = "unborn"
		}
		fmt.Fprintf(h, "rev=%s\n", rev)

		dirty, err := c.vcs.DirtyFiles(ctx)
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", criterion, err)
		}
		sort.Strings(dirty)
		for _, rel := range dirty {
			if strings.HasPrefix(rel, ".stopgate/") {
				continue
			}
			c.hashDirty(h, rel)
		}
	} else {
		fmt.Fprintf(h, "tree=%d\n", c.newestMtime())
	}

	for _, rel := range manifestFiles {
		fmt.Fprintf(h, "manifest=%s %s\n", rel, c.stat(rel))
	}
	files := append([]string(nil), criterionFiles[criterion]...)
	files = append(files, c.extra[criterion]...)
	for _, rel := range files {
		fmt.Fprintf(h, "file=%s %s\n", rel, c.stat(rel))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// stat renders mtime and size, or "-" for a missing file.
func (c *Cache) stat(rel string) string {
	path := rel
	if !filepath.IsAbs(rel) {
		path = filepath.Join(c.project.RootPath, rel)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "-"
	}
	return fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size())
}

// hashDirty writes the stat of a dirty path. A directory entry is expanded to
// the files under it so edits inside it change the fingerprint.
func (c *Cache) hashDirty(w io.Writer, rel string) {
	root := filepath.Join(c.project.RootPath, filepath.FromSlash(strings.TrimSuffix(rel, "/")))
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		fmt.Fprintf(w, "dirty=%s %s\n", rel, c.stat(rel))
		return
	}
	seen := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		seen++
		if seen > maxTreeScan {
			return filepath.SkipAll
		}
		sub, _ := filepath.Rel(c.project.RootPath, path)
		fmt.Fprintf(w, "dirty=%s %s\n", filepath.ToSlash(sub), c.stat(sub))
		return nil
	})
}

// newestMtime is the timestamp fallback used outside a repository.
func (c *Cache) newestMtime() int64 {
	var newest int64
	seen := 0
	_ = filepath.WalkDir(c.project.RootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != c.project.RootPath && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		seen++
		if seen > maxTreeScan {
			return filepath.SkipAll
		}
		if info, err := d.Info(); err == nil {
			if ts := info.ModTime().UnixNano(); ts > newest {
				newest = ts
			}
		}
		return nil
	})
	return newest
}
