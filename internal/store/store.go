// Package store provides locked read-modify-write access to the shared state document.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/ShayCichocki/stopgate/internal/fsutil"
	"github.com/ShayCichocki/stopgate/internal/lock"
	"github.com/ShayCichocki/stopgate/internal/schema"
)

// ErrSchema is returned when the state file exists but does not match the schema.
var ErrSchema = errors.New("state document failed schema validation")

// Mutator edits the document in place. Returning an error aborts the write.
type Mutator func(doc *Document) (any, error)

// Store guards one state file.
type Store struct {
	path  string
	lock  lock.Config
	now   func() time.Time
	debug func(format string, args ...any)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDebugLog sets a debug hook.
func WithDebugLog(fn func(format string, args ...any)) Option {
	return func(s *Store) { s.debug = fn }
}

// New creates a store for the document at path.
func New(path string, lockCfg lock.Config, opts ...Option) *Store {
	s := &Store{
		path: path,
		lock: lockCfg,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the document path.
func (s *Store) Path() string { return s.path }

// WithState runs fn against the document under the exclusive lease and
// persists the result. No two calls interleave, even across processes.
func (s *Store) WithState(ctx context.Context, fn Mutator) (any, error) {
	var result any
	err := lock.With(ctx, s.path, s.lock, func() error {
		doc, err := s.loadOrCreate()
		if err != nil {
			return err
		}
		result, err = fn(doc)
		if err != nil {
			return err
		}
		doc.Metadata.UpdatedAt = s.now()
		doc.Metadata.Revision++
		return s.save(doc)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Read returns a copy of the current document without holding the lease.
// Writes are atomic renames, so a reader never sees a partial document.
func (s *Store) Read() (*Document, error) {
	doc, err := s.load()
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(s.now()), nil
		}
		return nil, err
	}
	return doc, nil
}

// DryRunResult is what a mutation would have produced.
type DryRunResult struct {
	Result any  `json:"result"`
	Diff   Diff `json:"diff"`
}

// DryRun runs fn against a deep copy of the document and reports the
// structural diff without persisting anything.
func (s *Store) DryRun(ctx context.Context, fn Mutator) (*DryRunResult, error) {
	var before *Document
	err := lock.With(ctx, s.path, s.lock, func() error {
		var err error
		before, err = s.Read()
		return err
	})
	if err != nil {
		return nil, err
	}

	after, err := clone(before)
	if err != nil {
		return nil, err
	}
	result, err := fn(after)
	if err != nil {
		return nil, err
	}
	return &DryRunResult{Result: result, Diff: Compare(before, after)}, nil
}

func (s *Store) loadOrCreate() (*Document, error) {
	doc, err := s.load()
	if err == nil {
		return doc, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	s.log("[store] creating default state at %s", s.path)
	doc = NewDocument(s.now())
	if err := s.save(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(schema.State, data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, s.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, s.path, err)
	}
	doc.normalize()
	return &doc, nil
}

func (s *Store) save(doc *Document) error {
	if err := fsutil.WriteJSON(s.path, doc); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *Store) log(format string, args ...any) {
	if s.debug != nil {
		s.debug(format, args...)
	}
}

func clone(doc *Document) (*Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("copy state: %w", err)
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copy state: %w", err)
	}
	out.normalize()
	return &out, nil
}

// Diff lists changed entries as "<collection>/<key>" paths.
type Diff struct {
	Added   []string `json:"added"`
	Changed []string `json:"changed"`
	Removed []string `json:"removed"`
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Compare computes the per-entry diff of the top-level collections.
func Compare(before, after *Document) Diff {
	var d Diff
	diffKeyed(&d, "features", featureMap(before), featureMap(after))
	diffKeyed(&d, "agents", anyMap(before.Agents), anyMap(after.Agents))
	diffKeyed(&d, "completions", completionMap(before), completionMap(after))
	diffKeyed(&d, "counters", anyMap(before.Counters), anyMap(after.Counters))
	if before.SchemaVersion != after.SchemaVersion {
		d.Changed = append(d.Changed, "schema_version")
	}
	return d
}

func diffKeyed(d *Diff, collection string, before, after map[string]any) {
	keys := make([]string, 0, len(before)+len(after))
	seen := map[string]bool{}
	for k := range before {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range after {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		b, inBefore := before[k]
		a, inAfter := after[k]
		path := collection + "/" + k
		switch {
		case !inBefore:
			d.Added = append(d.Added, path)
		case !inAfter:
			d.Removed = append(d.Removed, path)
		case !equalJSON(b, a):
			d.Changed = append(d.Changed, path)
		}
	}
}

func featureMap(doc *Document) map[string]any {
	m := make(map[string]any, len(doc.Features))
	for _, f := range doc.Features {
		m[f.ID] = f
	}
	return m
}

func completionMap(doc *Document) map[string]any {
	m := make(map[string]any, len(doc.Completions))
	for i, c := range doc.Completions {
		m[strconv.Itoa(i)] = c
	}
	return m
}

func anyMap[V any](in map[string]V) map[string]any {
	m := make(map[string]any, len(in))
	for k, v := range in {
		m[k] = v
	}
	return m
}

func equalJSON(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
