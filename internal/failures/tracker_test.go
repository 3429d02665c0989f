package failures

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/stopgate/internal/lock"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestTracker(t *testing.T) (*Tracker, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(filepath.Join(t.TempDir(), "failures"), 24*time.Hour, lock.DefaultConfig(), WithClock(c.now)), c
}

func TestRecordAndLoad(t *testing.T) {
	tr, c := newTestTracker(t)
	ctx := context.Background()
	key := strings.Repeat("ab", 32)

	recs, err := tr.Load(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, tr.Record(ctx, key, map[string]string{"type-validation": "tsc failed"}))
	first := c.t

	c.t = c.t.Add(time.Minute)
	require.NoError(t, tr.Record(ctx, key, map[string]string{
		"type-validation":  "tsc failed again",
		"build-validation": "build failed",
	}))

	recs, err = tr.Load(ctx, key)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "build-validation", recs[0].Criterion)
	assert.Equal(t, 0, recs[0].RetryCount)
	assert.Equal(t, "type-validation", recs[1].Criterion)
	assert.Equal(t, 1, recs[1].RetryCount)
	assert.Equal(t, "tsc failed again", recs[1].Error)
	assert.True(t, recs[1].FirstFailedAt.Equal(first))
	assert.True(t, recs[1].Timestamp.Equal(c.t))

	// Keys never leak into file names.
	entries, err := os.ReadDir(tr.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), key)
	}
}

func TestLoadPurgesOldRecords(t *testing.T) {
	tr, c := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, "k", map[string]string{"lint": "old"}))
	c.t = c.t.Add(23 * time.Hour)
	require.NoError(t, tr.Record(ctx, "k", map[string]string{"test": "new"}))
	c.t = c.t.Add(2 * time.Hour)

	recs, err := tr.Load(ctx, "k")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "test", recs[0].Criterion)
}

func TestClear(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, "k", map[string]string{"a": "x", "b": "y", "c": "z"}))

	require.NoError(t, tr.Clear(ctx, "k", "b"))
	recs, err := tr.Load(ctx, "k")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Criterion)
	assert.Equal(t, "c", recs[1].Criterion)

	require.NoError(t, tr.Clear(ctx, "k", "a", "c"))
	_, err = os.Stat(tr.path("k"))
	assert.True(t, os.IsNotExist(err), "empty tracker file should be removed")

	require.NoError(t, tr.Record(ctx, "k", map[string]string{"a": "x"}))
	require.NoError(t, tr.Clear(ctx, "k"))
	recs, err = tr.Load(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, tr.Clear(ctx, "missing"))
}

func TestKeysAreIsolated(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, "k1", map[string]string{"a": "x"}))
	recs, err := tr.Load(ctx, "k2")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCorruptFileIsDiscarded(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(tr.dir, 0o755))
	require.NoError(t, os.WriteFile(tr.path("k"), []byte("{torn"), 0o644))

	recs, err := tr.Load(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, tr.Record(ctx, "k", map[string]string{"a": "x"}))
	recs, err = tr.Load(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRepeatedFailureRestartsMaxAge(t *testing.T) {
	tr, c := newTestTracker(t)
	ctx := context.Background()
	key := strings.Repeat("cd", 32)

	require.NoError(t, tr.Record(ctx, key, map[string]string{"test-validation": "2 failing"}))
	start := c.t

	c.t = start.Add(23 * time.Hour)
	require.NoError(t, tr.Record(ctx, key, map[string]string{"test-validation": "1 failing"}))

	// 25h after the first failure, 2h after the latest one.
	c.t = start.Add(25 * time.Hour)
	recs, err := tr.Load(ctx, key)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "1 failing", recs[0].Error)
	assert.Equal(t, 1, recs[0].RetryCount)
	assert.True(t, recs[0].FirstFailedAt.Equal(start))

	// Purged once the latest failure is older than the max age.
	c.t = start.Add(47*time.Hour + time.Minute)
	recs, err = tr.Load(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
