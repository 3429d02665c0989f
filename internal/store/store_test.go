package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/stopgate/internal/lock"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".stopgate", "state.json")
	return New(path, lock.Config{MaxRetries: 5000, RetryDelay: time.Millisecond})
}

func TestWithStateCreatesSkeleton(t *testing.T) {
	s := newTestStore(t)

	result, err := s.WithState(context.Background(), func(doc *Document) (any, error) {
		return len(doc.Features), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result)

	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, doc.SchemaVersion)
	assert.Equal(t, 1, doc.Metadata.Revision)
	assert.NotNil(t, doc.Agents)
}

func TestWithStateMutatorErrorAborts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.WithState(ctx, func(doc *Document) (any, error) {
		doc.Counters["hits"] = 1
		return nil, nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.WithState(ctx, func(doc *Document) (any, error) {
		doc.Counters["hits"] = 99
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Counters["hits"])

	_, err = os.Stat(s.Path() + lock.Suffix)
	assert.True(t, os.IsNotExist(err), "lock must be released after an aborted mutation")
}

func TestWithStateNoLostUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 30
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.WithState(ctx, func(doc *Document) (any, error) {
				doc.Counters["counter"]++
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, workers, doc.Counters["counter"])
}

func TestDryRunDoesNotPersist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := s.WithState(ctx, func(doc *Document) (any, error) {
		require.NoError(t, doc.SuggestFeature("F1", "login"))
		require.NoError(t, doc.SuggestFeature("F2", "logout"))
		return nil, nil
	})
	require.NoError(t, err)

	res, err := s.DryRun(ctx, func(doc *Document) (any, error) {
		if err := doc.ApproveFeature("F1", now); err != nil {
			return nil, err
		}
		doc.Features = doc.Features[:1]
		doc.TouchAgent("agentA", "in_progress", now)
		return "approved", nil
	})
	require.NoError(t, err)

	assert.Equal(t, "approved", res.Result)
	assert.Equal(t, []string{"agents/agentA"}, res.Diff.Added)
	assert.Equal(t, []string{"features/F1"}, res.Diff.Changed)
	assert.Equal(t, []string{"features/F2"}, res.Diff.Removed)

	doc, err := s.Read()
	require.NoError(t, err)
	assert.Len(t, doc.Features, 2)
	assert.Equal(t, FeatureSuggested, doc.Feature("F1").Status)
}

func TestCorruptStateIsSchemaError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"schema_version": "one"}`), 0o644))

	_, err := s.WithState(context.Background(), func(doc *Document) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrSchema)
}

func TestFocusViolations(t *testing.T) {
	now := time.Now().UTC()
	doc := NewDocument(now)
	assert.Empty(t, doc.FocusViolations())

	require.NoError(t, doc.SuggestFeature("ok", ""))
	require.NoError(t, doc.ApproveFeature("ok", now))
	require.NoError(t, doc.MarkImplemented("ok", now.Add(time.Minute)))

	require.NoError(t, doc.SuggestFeature("rogue", ""))
	require.NoError(t, doc.MarkImplemented("rogue", now))

	assert.Equal(t, []string{"rogue"}, doc.FocusViolations())
	assert.Error(t, doc.ApproveFeature("rogue", now), "implemented features cannot be approved")
	assert.Error(t, doc.SuggestFeature("ok", ""), "duplicate ids are rejected")
}
