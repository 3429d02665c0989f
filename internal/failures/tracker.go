// Package failures persists the criteria that failed in a session so a later
// pass can re-validate only those.
package failures

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ShayCichocki/stopgate/internal/fsutil"
	"github.com/ShayCichocki/stopgate/internal/lock"
)

// DefaultMaxAge is how long a failure record survives.
const DefaultMaxAge = 24 * time.Hour

// Record is one failing criterion.
type Record struct {
	Criterion string `json:"criterion"`
	Error     string `json:"error"`
	// Timestamp is the latest failure; the max age is measured from it.
	Timestamp     time.Time `json:"timestamp"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	RetryCount    int       `json:"retry_count"`
}

// file is the on-disk shape, one per authorization key.
type file struct {
	Failures map[string]Record `json:"failures"`
}

// Tracker stores failure records under dir.
type Tracker struct {
	dir      string
	maxAge   time.Duration
	lock     lock.Config
	now      func() time.Time
	debugLog func(format string, args ...any)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithDebugLog sets the debug logging function.
func WithDebugLog(fn func(format string, args ...any)) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.debugLog = fn
		}
	}
}

// New creates a tracker rooted at dir.
func New(dir string, maxAge time.Duration, lockCfg lock.Config, opts ...Option) *Tracker {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	t := &Tracker{
		dir:      dir,
		maxAge:   maxAge,
		lock:     lockCfg,
		now:      func() time.Time { return time.Now().UTC() },
		debugLog: func(format string, args ...any) {},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// path hashes the key so secrets never appear in file names.
func (t *Tracker) path(authKey string) string {
	sum := sha256.Sum256([]byte(authKey))
	return filepath.Join(t.dir, hex.EncodeToString(sum[:8])+".json")
}

// Record stores failures for authKey. A criterion already on record gains one
// retry and its timestamp moves to now.
func (t *Tracker) Record(ctx context.Context, authKey string, failed map[string]string) error {
	if len(failed) == 0 {
		return nil
	}
	return t.mutate(ctx, authKey, func(f *file) {
		now := t.now()
		for criterion, msg := range failed {
			rec, ok := f.Failures[criterion]
			if ok {
				rec.RetryCount++
				rec.Error = msg
				rec.Timestamp = now
				if rec.FirstFailedAt.IsZero() {
					rec.FirstFailedAt = now
				}
			} else {
				rec = Record{Criterion: criterion, Error: msg, Timestamp: now, FirstFailedAt: now}
			}
			f.Failures[criterion] = rec
		}
	})
}

// Load returns the live failures for authKey ordered by criterion. Records
// older than the max age are purged.
func (t *Tracker) Load(ctx context.Context, authKey string) ([]Record, error) {
	var out []Record
	err := t.mutate(ctx, authKey, func(f *file) {
		for _, rec := range f.Failures {
			out = append(out, rec)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Criterion < out[j].Criterion })
	return out, err
}

// Clear removes the named criteria, or every record when none are named.
func (t *Tracker) Clear(ctx context.Context, authKey string, resolved ...string) error {
	if len(resolved) == 0 {
		path := t.path(authKey)
		return lock.With(ctx, path, t.lock, func() error {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("clear failures: %w", err)
			}
			return nil
		})
	}
	return t.mutate(ctx, authKey, func(f *file) {
		for _, c := range resolved {
			delete(f.Failures, c)
		}
	})
}

// mutate loads, purges, edits and persists the file for authKey under its lease.
// An empty result deletes the file.
func (t *Tracker) mutate(ctx context.Context, authKey string, fn func(f *file)) error {
	path := t.path(authKey)
	return lock.With(ctx, path, t.lock, func() error {
		f, err := t.read(path)
		if err != nil {
			return err
		}
		before := len(f.Failures)
		cutoff := t.now().Add(-t.maxAge)
		for c, rec := range f.Failures {
			if rec.Timestamp.Before(cutoff) {
				t.debugLog("[failures] purging stale record for %s from %s", c, rec.Timestamp.Format(time.RFC3339))
				delete(f.Failures, c)
			}
		}
		purged := before != len(f.Failures)

		snapshot, _ := json.Marshal(f)
		fn(f)
		after, _ := json.Marshal(f)
		if !purged && string(snapshot) == string(after) {
			return nil
		}

		if len(f.Failures) == 0 {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove failures file: %w", err)
			}
			return nil
		}
		return fsutil.WriteJSON(path, f)
	})
}

func (t *Tracker) read(path string) (*file, error) {
	f := &file{Failures: map[string]Record{}}
	err := fsutil.ReadJSON(path, f)
	switch {
	case err == nil:
		if f.Failures == nil {
			f.Failures = map[string]Record{}
		}
		return f, nil
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	default:
		// A torn or hand-edited file only loses retry history.
		t.debugLog("[failures] discarding unreadable %s: %v", filepath.Base(path), err)
		return &file{Failures: map[string]Record{}}, nil
	}
}
