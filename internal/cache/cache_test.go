package cache

import (
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/stopgate/internal/config"
	"github.com/ShayCichocki/stopgate/internal/git"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

type fakeVCS struct {
	repo  bool
	rev   string
	dirty []string
}

func (f *fakeVCS) IsRepo(context.Context) bool { return f.repo }

func (f *fakeVCS) Revision(context.Context) (string, error) { return f.rev, nil }

func (f *fakeVCS) DirtyFiles(context.Context) ([]string, error) { return f.dirty, nil }

type fixture struct {
	root  string
	vcs   *fakeVCS
	now   time.Time
	cache *Cache
}

func newFixture(t *testing.T, cfg config.CacheConfig) *fixture {
	t.Helper()
	root := t.TempDir()
	pc, err := config.NewProjectContext(root)
	require.NoError(t, err)

	f := &fixture{root: root, vcs: &fakeVCS{repo: true, rev: "abc123"}, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.cache = New(pc, f.vcs, cfg,
		WithClock(func() time.Time { return f.now }),
		WithRand(func() float64 { return 1 }),
	)
	return f
}

func defaultCfg() config.CacheConfig {
	return config.Default().Cache
}

func (f *fixture) write(t *testing.T, rel, content string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func pass(criterion string) *models.Result {
	return models.Pass(criterion, "ok")
}

func TestPutGetRoundTrip(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	_, hit := f.cache.Get(ctx, models.CriterionLint)
	assert.False(t, hit)

	require.NoError(t, f.cache.Put(ctx, models.CriterionLint, pass(models.CriterionLint)))

	res, hit := f.cache.Get(ctx, models.CriterionLint)
	require.True(t, hit)
	assert.True(t, res.Cached)
	assert.True(t, res.Success)
}

func TestFailuresAreNotCached(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	require.NoError(t, f.cache.Put(ctx, models.CriterionTest, models.Fail(models.CriterionTest, "boom")))
	_, hit := f.cache.Get(ctx, models.CriterionTest)
	assert.False(t, hit)
}

func TestFingerprintInvalidation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(t *testing.T, f *fixture)
		hit    bool
	}{
		{"unchanged", func(t *testing.T, f *fixture) {}, true},
		{"criterion config touched", func(t *testing.T, f *fixture) {
			f.write(t, ".eslintrc.json", "{}", base.Add(time.Hour))
		}, false},
		{"other criterion config touched", func(t *testing.T, f *fixture) {
			f.write(t, "jest.config.js", "", base.Add(time.Hour))
		}, true},
		{"manifest touched", func(t *testing.T, f *fixture) {
			f.write(t, "package.json", "{}", base.Add(time.Hour))
		}, false},
		{"new revision", func(t *testing.T, f *fixture) {
			f.vcs.rev = "def456"
		}, false},
		{"dirty file edited", func(t *testing.T, f *fixture) {
			f.write(t, "src/a.js", "changed", base.Add(time.Hour))
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultCfg())
			ctx := context.Background()
			f.write(t, "package.json", "{}", base)
			f.write(t, ".eslintrc.json", "{}", base)
			f.write(t, "src/a.js", "x", base)
			f.vcs.dirty = []string{"src/a.js", ".stopgate/state.json"}

			require.NoError(t, f.cache.Put(ctx, models.CriterionLint, pass(models.CriterionLint)))
			tt.mutate(t, f)

			_, hit := f.cache.Get(ctx, models.CriterionLint)
			assert.Equal(t, tt.hit, hit)
		})
	}
}

func TestFallbackWithoutVCS(t *testing.T) {
	f := newFixture(t, defaultCfg())
	f.vcs.repo = false
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.write(t, "main.py", "print(1)", base)

	require.NoError(t, f.cache.Put(ctx, models.CriterionBuild, pass(models.CriterionBuild)))
	_, hit := f.cache.Get(ctx, models.CriterionBuild)
	require.True(t, hit)

	f.write(t, "main.py", "print(2)", base.Add(time.Minute))
	_, hit = f.cache.Get(ctx, models.CriterionBuild)
	assert.False(t, hit, "any newer file invalidates without VCS")
}

func TestExpiredEntryIsEvicted(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	require.NoError(t, f.cache.Put(ctx, models.CriterionType, pass(models.CriterionType)))
	f.now = f.now.Add(25 * time.Hour)

	_, hit := f.cache.Get(ctx, models.CriterionType)
	assert.False(t, hit)

	matches, _ := filepath.Glob(filepath.Join(f.root, ".stopgate", "cache", "*.json"))
	assert.Empty(t, matches)
}

func TestCorruptEntryIsDeleted(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	require.NoError(t, f.cache.Put(ctx, models.CriterionType, pass(models.CriterionType)))
	matches, _ := filepath.Glob(filepath.Join(f.root, ".stopgate", "cache", "*.json"))
	require.Len(t, matches, 1)
	require.NoError(t, os.WriteFile(matches[0], []byte("{not json"), 0o644))

	_, hit := f.cache.Get(ctx, models.CriterionType)
	assert.False(t, hit)
	_, err := os.Stat(matches[0])
	assert.True(t, os.IsNotExist(err))
}

func TestSweepRemovesOldEntries(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	require.NoError(t, f.cache.Put(ctx, models.CriterionLint, pass(models.CriterionLint)))
	f.now = f.now.Add(8 * 24 * time.Hour)
	require.NoError(t, f.cache.Put(ctx, models.CriterionTest, pass(models.CriterionTest)))

	removed, err := f.cache.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, hit := f.cache.Get(ctx, models.CriterionTest)
	assert.True(t, hit)
}

func TestProbabilisticSweepRuns(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()
	require.NoError(t, f.cache.Put(ctx, models.CriterionLint, pass(models.CriterionLint)))

	f.now = f.now.Add(8 * 24 * time.Hour)
	f.cache.rand = func() float64 { return 0 }
	_, hit := f.cache.Get(ctx, models.CriterionTest)
	assert.False(t, hit)

	matches, _ := filepath.Glob(filepath.Join(f.root, ".stopgate", "cache", "linter-validation-*.json"))
	assert.Empty(t, matches, "sweep should have removed the old lint entry")
}

func TestDisabledCacheAlwaysMisses(t *testing.T) {
	cfg := defaultCfg()
	cfg.Enabled = false
	f := newFixture(t, cfg)
	ctx := context.Background()

	require.NoError(t, f.cache.Put(ctx, models.CriterionLint, pass(models.CriterionLint)))
	_, hit := f.cache.Get(ctx, models.CriterionLint)
	assert.False(t, hit)
}

func TestClearByCriterion(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()
	require.NoError(t, f.cache.Put(ctx, models.CriterionLint, pass(models.CriterionLint)))
	require.NoError(t, f.cache.Put(ctx, models.CriterionTest, pass(models.CriterionTest)))

	require.NoError(t, f.cache.Clear(models.CriterionLint))
	_, hit := f.cache.Get(ctx, models.CriterionLint)
	assert.False(t, hit)
	_, hit = f.cache.Get(ctx, models.CriterionTest)
	assert.True(t, hit)
}

func TestUntrackedDirectoryReportedAsOneEntry(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	f.write(t, "newpkg/a.ts", "export const a = 1;\n", t0)
	f.vcs.dirty = []string{"newpkg/"}
	require.NoError(t, f.cache.Put(ctx, models.CriterionType, pass(models.CriterionType)))
	_, hit := f.cache.Get(ctx, models.CriterionType)
	require.True(t, hit)

	// Same size, new mtime; the directory itself is untouched.
	dirInfo, err := os.Stat(filepath.Join(f.root, "newpkg"))
	require.NoError(t, err)
	f.write(t, "newpkg/a.ts", "export const a = 2;\n", t0.Add(time.Second))
	dir := filepath.Join(f.root, "newpkg")
	require.NoError(t, os.Chtimes(dir, dirInfo.ModTime(), dirInfo.ModTime()))

	_, hit = f.cache.Get(ctx, models.CriterionType)
	assert.False(t, hit, "an edit inside an untracked directory must invalidate the entry")
}

func TestUntrackedFileEditInRealRepository(t *testing.T) {
	if _, err := osexec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	root := t.TempDir()
	gitCmd := func(args ...string) {
		t.Helper()
		full := append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com", "-c", "commit.gpgsign=false"}, args...)
		cmd := osexec.Command("git", full...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	}
	gitCmd("init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("demo\n"), 0o644))
	gitCmd("add", "README.md")
	gitCmd("commit", "-q", "-m", "initial")

	pc, err := config.NewProjectContext(root)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(pc, git.NewRunner(root, nil), defaultCfg(),
		WithClock(func() time.Time { return now }),
		WithRand(func() float64 { return 1 }),
	)
	ctx := context.Background()

	src := filepath.Join(root, "newpkg", "a.ts")
	t0 := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("export const a = 1;\n"), 0o644))
	require.NoError(t, os.Chtimes(src, t0, t0))

	require.NoError(t, c.Put(ctx, models.CriterionType, pass(models.CriterionType)))
	_, hit := c.Get(ctx, models.CriterionType)
	require.True(t, hit)

	require.NoError(t, os.WriteFile(src, []byte("export const a = 2;\n"), 0o644))
	require.NoError(t, os.Chtimes(src, t0.Add(time.Second), t0.Add(time.Second)))

	_, hit = c.Get(ctx, models.CriterionType)
	assert.False(t, hit, "cache hit after editing a file in an untracked directory")
}
