// Package cache stores successful validation results keyed by criterion and
// a fingerprint of the inputs that could change the outcome.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ShayCichocki/stopgate/internal/config"
	"github.com/ShayCichocki/stopgate/internal/fsutil"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

// ErrCorrupt marks an unreadable cache entry. It is never returned to callers
// of Get; the entry is deleted and treated as a miss.
var ErrCorrupt = errors.New("corrupt cache entry")

// VCS is the subset of git the fingerprint needs.
type VCS interface {
	IsRepo(ctx context.Context) bool
	Revision(ctx context.Context) (string, error)
	DirtyFiles(ctx context.Context) ([]string, error)
}

// Entry is one cached result.
type Entry struct {
	Criterion   string         `json:"criterion"`
	Fingerprint string         `json:"fingerprint"`
	Result      *models.Result `json:"result"`
	StoredAt    time.Time      `json:"stored_at"`
}

// Cache is a directory of entry files, one per (criterion, fingerprint).
type Cache struct {
	project config.ProjectContext
	dir     string
	vcs     VCS
	cfg     config.CacheConfig
	extra   map[string][]string
	now     func() time.Time
	rand    func() float64
	debug   func(format string, args ...any)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRand overrides the sweep dice.
func WithRand(fn func() float64) Option {
	return func(c *Cache) { c.rand = fn }
}

// WithDebugLog sets a debug hook.
func WithDebugLog(fn func(format string, args ...any)) Option {
	return func(c *Cache) { c.debug = fn }
}

// WithExtraFiles adds fingerprint inputs for a criterion, e.g. the custom
// criteria file for project-defined rules.
func WithExtraFiles(criterion string, files ...string) Option {
	return func(c *Cache) { c.extra[criterion] = append(c.extra[criterion], files...) }
}

// New creates a cache under the project's state directory.
func New(project config.ProjectContext, vcs VCS, cfg config.CacheConfig, opts ...Option) *Cache {
	c := &Cache{
		project: project,
		dir:     project.CacheDir(),
		vcs:     vcs,
		cfg:     cfg,
		extra:   map[string][]string{},
		now:     func() time.Time { return time.Now().UTC() },
		rand:    rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether lookups can hit.
func (c *Cache) Enabled() bool { return c.cfg.Enabled }

// Get returns the cached result for criterion if the current fingerprint has a
// fresh entry. Errors of any kind are a miss.
func (c *Cache) Get(ctx context.Context, criterion string) (*models.Result, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}
	c.maybeSweep()

	fp, err := c.Fingerprint(ctx, criterion)
	if err != nil {
		c.log("[cache] %s: fingerprint failed: %v", criterion, err)
		return nil, false
	}

	path := c.entryPath(criterion, fp)
	entry, err := readEntry(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log("[cache] %s: %v, deleting", criterion, err)
			_ = os.Remove(path)
		}
		c.evictStale(criterion, path)
		return nil, false
	}
	if entry.Fingerprint != fp || entry.Criterion != criterion || entry.Result == nil || !entry.Result.Success {
		_ = os.Remove(path)
		return nil, false
	}
	if age := c.now().Sub(entry.StoredAt); age >= c.cfg.MaxAge {
		c.log("[cache] %s: entry expired (%s old)", criterion, age.Round(time.Second))
		_ = os.Remove(path)
		return nil, false
	}

	res := *entry.Result
	res.Cached = true
	c.log("[cache] %s: hit %s", criterion, fp[:12])
	return &res, true
}

// Put stores a successful result. Failures are never cached.
func (c *Cache) Put(ctx context.Context, criterion string, res *models.Result) error {
	if !c.cfg.Enabled || res == nil || !res.Success || res.Cached {
		return nil
	}
	c.maybeSweep()

	fp, err := c.Fingerprint(ctx, criterion)
	if err != nil {
		return err
	}
	stored := *res
	stored.Cached = false
	entry := Entry{Criterion: criterion, Fingerprint: fp, Result: &stored, StoredAt: c.now()}
	if err := fsutil.WriteJSON(c.entryPath(criterion, fp), entry); err != nil {
		return fmt.Errorf("cache put %s: %w", criterion, err)
	}
	return nil
}

// Sweep deletes entries older than the retention window and unreadable files.
func (c *Cache) Sweep() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(c.dir, de.Name())
		entry, err := readEntry(path)
		if err == nil && c.now().Sub(entry.StoredAt) < c.cfg.Retention {
			continue
		}
		if os.Remove(path) == nil {
			removed++
		}
	}
	if removed > 0 {
		c.log("[cache] sweep removed %d entries", removed)
	}
	return removed, nil
}

// Clear deletes every entry, or only those of the given criteria.
func (c *Cache) Clear(criteria ...string) error {
	if len(criteria) == 0 {
		if err := os.RemoveAll(c.dir); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		return nil
	}
	for _, crit := range criteria {
		matches, _ := filepath.Glob(filepath.Join(c.dir, safeName(crit)+"-*.json"))
		for _, m := range matches {
			_ = os.Remove(m)
		}
	}
	return nil
}

func (c *Cache) maybeSweep() {
	if c.cfg.SweepProbability > 0 && c.rand() < c.cfg.SweepProbability {
		if _, err := c.Sweep(); err != nil {
			c.log("[cache] sweep failed: %v", err)
		}
	}
}

// evictStale removes entries for criterion other than keep.
func (c *Cache) evictStale(criterion, keep string) {
	matches, _ := filepath.Glob(filepath.Join(c.dir, safeName(criterion)+"-*.json"))
	for _, m := range matches {
		if m != keep {
			_ = os.Remove(m)
		}
	}
}

func (c *Cache) entryPath(criterion, fp string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s-%s.json", safeName(criterion), fp[:16]))
}

func readEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	return &e, nil
}

// safeName keeps criterion ids usable as file name prefixes.
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}

func (c *Cache) log(format string, args ...any) {
	if c.debug != nil {
		c.debug(format, args...)
	}
}
