package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/stopgate/internal/lock"
	"github.com/ShayCichocki/stopgate/internal/sign"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestManager(t *testing.T) (*Manager, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(filepath.Join(t.TempDir(), "sessions"), 30*time.Minute, lock.DefaultConfig(), WithClock(c.now))
	return m, c
}

func TestStart(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, "agentA", models.BuiltinCriteria())
	require.NoError(t, err)
	assert.Len(t, s.AuthKey, 64)
	assert.Equal(t, models.SessionInProgress, s.Status)
	assert.Equal(t, c.t.Add(30*time.Minute), s.ExpiresAt)
	assert.Equal(t, models.CriterionFocusedCodebase, s.NextStep())

	info, err := os.Stat(m.path("agentA"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := m.Start(ctx, "agentA", models.BuiltinCriteria())
	require.NoError(t, err)
	assert.NotEqual(t, s.AuthKey, again.AuthKey)

	_, err = m.Lookup(ctx, s.AuthKey)
	assert.ErrorIs(t, err, ErrKeyMismatch, "restart must invalidate the old key")

	_, err = m.Start(ctx, "../escape", models.BuiltinCriteria())
	assert.ErrorIs(t, err, ErrInvalidAgent)
}

func TestSequentialOrderIsEnforced(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	steps := models.BuiltinCriteria()

	s, err := m.Start(ctx, "agentA", steps)
	require.NoError(t, err)

	for i, step := range steps {
		// Skipping ahead is rejected and leaves the session unchanged.
		if i+1 < len(steps) {
			_, err := m.Update(ctx, s.AuthKey, func(s *Session) error { return s.Advance(steps[i+1]) })
			require.ErrorIs(t, err, ErrOutOfOrder)

			current, err := m.Lookup(ctx, s.AuthKey)
			require.NoError(t, err)
			assert.Equal(t, steps[:i], current.CompletedSteps[:i])
			assert.Len(t, current.CompletedSteps, i)
		}

		updated, err := m.Update(ctx, s.AuthKey, func(s *Session) error { return s.Advance(step) })
		require.NoError(t, err)
		assert.Equal(t, steps[:i+1], updated.CompletedSteps)
		assert.Equal(t, i+1, updated.CurrentStepIndex)
	}

	final, err := m.Lookup(ctx, s.AuthKey)
	require.NoError(t, err)
	assert.Equal(t, models.SessionReady, final.Status)
	assert.Empty(t, final.NextStep())

	_, err = m.Update(ctx, s.AuthKey, func(s *Session) error { return s.Advance(steps[0]) })
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestKeyMismatch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "agentA", []string{"a"})
	require.NoError(t, err)

	for _, key := range []string{"", "deadbeef", string(make([]byte, 64))} {
		_, err := m.Update(ctx, key, func(s *Session) error { return s.Advance("a") })
		assert.ErrorIs(t, err, ErrKeyMismatch)
	}
}

func TestExpiryDeletesSession(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, "agentA", []string{"a", "b"})
	require.NoError(t, err)

	c.t = c.t.Add(31 * time.Minute)

	got, err := m.Get("agentA")
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, got.Status)

	_, err = m.Update(ctx, s.AuthKey, func(s *Session) error { return s.Advance("a") })
	require.ErrorIs(t, err, ErrExpired)

	_, err = os.Stat(m.path("agentA"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = m.Get("agentA")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMergeParallelPasses(t *testing.T) {
	s := &Session{
		RequiredSteps:  []string{"a", "b", "c", "d"},
		CompletedSteps: []string{"a"},
		Status:         models.SessionInProgress,
	}
	s.CurrentStepIndex = 1

	added := s.Merge([]string{"c", "a", "zzz", "b"})
	assert.Equal(t, []string{"c", "b"}, added)
	assert.Equal(t, []string{"a", "c", "b"}, s.CompletedSteps)
	assert.Equal(t, 3, s.CurrentStepIndex)
	assert.Equal(t, "d", s.NextStep())
	assert.Equal(t, []string{"d"}, s.Remaining())
	require.NoError(t, s.validate())

	s.Merge([]string{"d"})
	assert.Equal(t, models.SessionReady, s.Status)
}

func TestCompleteWritesSignedFlag(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	keysDir := filepath.Join(t.TempDir(), "keys")
	flagPath := filepath.Join(t.TempDir(), "stop-allowed.json")

	s, err := m.Start(ctx, "agentA", []string{"a", "b"})
	require.NoError(t, err)

	_, err = m.Complete(ctx, s.AuthKey, nil)
	require.ErrorIs(t, err, ErrNotReady)

	_, err = m.Update(ctx, s.AuthKey, func(s *Session) error {
		s.Merge([]string{"a", "b"})
		return nil
	})
	require.NoError(t, err)

	c.t = c.t.Add(5 * time.Minute)
	kp, err := sign.LoadOrCreate(ctx, keysDir, lock.DefaultConfig())
	require.NoError(t, err)

	done, err := m.Complete(ctx, s.AuthKey, func(s *Session) error {
		_, err := WriteFlag(flagPath, NewPipelineFlag(s, c.now()), kp)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, done.Status)

	_, err = m.Get("agentA")
	assert.ErrorIs(t, err, ErrNotFound)

	flag, err := ReadFlag(flagPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, flag.CompletedSteps)
	assert.Equal(t, ViaPipeline, flag.Via)
	assert.Equal(t, int64(5*time.Minute/time.Millisecond), flag.ElapsedMs)
	require.NoError(t, VerifyFlag(flag, keysDir))

	flag.CompletedSteps = append(flag.CompletedSteps, "forged")
	assert.ErrorIs(t, VerifyFlag(flag, keysDir), sign.ErrInvalidSignature)
}

func TestCompleteKeepsSessionWhenIssueFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, "agentA", []string{"a"})
	require.NoError(t, err)
	_, err = m.Update(ctx, s.AuthKey, func(s *Session) error { return s.Advance("a") })
	require.NoError(t, err)

	boom := errors.New("disk full")
	_, err = m.Complete(ctx, s.AuthKey, func(*Session) error { return boom })
	require.ErrorIs(t, err, boom)

	still, err := m.Get("agentA")
	require.NoError(t, err)
	assert.Equal(t, models.SessionReady, still.Status)
}

func TestListAndPurge(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "old", []string{"a"})
	require.NoError(t, err)
	c.t = c.t.Add(20 * time.Minute)
	_, err = m.Start(ctx, "fresh", []string{"a"})
	require.NoError(t, err)
	c.t = c.t.Add(15 * time.Minute)

	all, err := m.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "fresh", all[0].AgentID)
	assert.Equal(t, models.SessionExpired, all[1].Status)

	n, err := m.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err = m.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "fresh", all[0].AgentID)
}

func TestCorruptSessionRejectedOnLoad(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, os.MkdirAll(m.dir, 0o755))
	require.NoError(t, os.WriteFile(m.path("agentA"), []byte(`{"agent_id":"agentA"}`), 0o600))

	_, err := m.Get("agentA")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
