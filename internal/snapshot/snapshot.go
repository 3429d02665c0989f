// Package snapshot captures VCS state plus copies of critical files before a
// risky validation attempt, and rolls the project back on demand.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/stopgate/internal/config"
	"github.com/ShayCichocki/stopgate/internal/fsutil"
	"github.com/ShayCichocki/stopgate/internal/git"
	"github.com/ShayCichocki/stopgate/internal/lock"
	"github.com/ShayCichocki/stopgate/internal/schema"
)

var (
	// ErrNotFound is returned for unknown snapshot ids.
	ErrNotFound = errors.New("snapshot not found")
	// ErrRestoreFailed marks a rollback in which at least one restore step failed.
	ErrRestoreFailed = errors.New("snapshot restore failed")
)

const (
	metadataFile       = "metadata.json"
	filesDir           = "files"
	snapshotHistory    = "history.json"
	rollbackHistory    = "rollback-history.json"
	stashMessagePrefix = "stopgate-snapshot:"
	tmpPrefix          = ".tmp-"
)

// CriticalFiles are copied into every snapshot when present, relative to the
// project root.
var CriticalFiles = []string{
	"package.json",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"go.mod",
	"go.sum",
	"Cargo.toml",
	"Cargo.lock",
	"pyproject.toml",
	"requirements.txt",
	"poetry.lock",
	".env",
	".env.local",
	filepath.Join(config.StateDirName, "state.json"),
	filepath.Join(config.StateDirName, "criteria.yaml"),
	filepath.Join(config.StateDirName, "dependencies.yaml"),
}

// Metadata describes one snapshot on disk.
type Metadata struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	Description   string    `json:"description,omitempty"`
	VCSRevision   string    `json:"vcs_revision,omitempty"`
	Branch        string    `json:"branch,omitempty"`
	StashCommit   string    `json:"stash_commit,omitempty"`
	BackedUpFiles []string  `json:"backed_up_files"`
}

// Manager creates, restores and prunes snapshots.
type Manager struct {
	project  config.ProjectContext
	repo     git.Runner
	cfg      config.SnapshotsConfig
	lock     lock.Config
	files    []string
	now      func() time.Time
	debugLog func(format string, args ...any)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDebugLog sets the debug logging function.
func WithDebugLog(fn func(format string, args ...any)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.debugLog = fn
		}
	}
}

// WithFiles replaces the critical file list.
func WithFiles(files ...string) Option {
	return func(m *Manager) { m.files = files }
}

// NewManager creates a snapshot manager. repo may be nil for projects without VCS.
func NewManager(project config.ProjectContext, repo git.Runner, cfg config.SnapshotsConfig, lockCfg lock.Config, opts ...Option) *Manager {
	d := config.Default().Snapshots
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = d.MaxHistory
	}
	if cfg.RollbackHistory <= 0 {
		cfg.RollbackHistory = d.RollbackHistory
	}
	m := &Manager{
		project:  project,
		repo:     repo,
		cfg:      cfg,
		lock:     lockCfg,
		files:    CriticalFiles,
		now:      func() time.Time { return time.Now().UTC() },
		debugLog: func(format string, args ...any) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) dir(elem ...string) string {
	return filepath.Join(append([]string{m.project.SnapshotsDir()}, elem...)...)
}

// Create records the VCS position, shelves uncommitted tracked changes into a
// tagged stash, and copies the critical files. The snapshot directory appears
// atomically.
func (m *Manager) Create(ctx context.Context, description string) (*Metadata, error) {
	meta := &Metadata{
		ID:            uuid.New().String(),
		CreatedAt:     m.now(),
		Description:   description,
		BackedUpFiles: []string{},
	}

	if m.repo != nil && m.repo.IsRepo(ctx) {
		if rev, err := m.repo.Revision(ctx); err == nil {
			meta.VCSRevision = rev
		} else {
			m.debugLog("[snapshot] no revision (unborn branch?): %v", err)
		}
		if branch, err := m.repo.CurrentBranch(ctx); err == nil {
			meta.Branch = branch
		}
		dirty, err := m.repo.HasChanges(ctx)
		if err != nil {
			return nil, fmt.Errorf("check working tree: %w", err)
		}
		if dirty && meta.VCSRevision != "" {
			commit, err := m.repo.StashCreate(ctx)
			if err != nil {
				return nil, fmt.Errorf("stash changes: %w", err)
			}
			// Only untracked changes yields no stash commit; the file copies cover those.
			if commit != "" {
				if err := m.repo.StashStore(ctx, commit, stashMessagePrefix+meta.ID); err != nil {
					return nil, fmt.Errorf("store stash: %w", err)
				}
				meta.StashCommit = commit
			}
		}
	}

	if err := os.MkdirAll(m.dir(), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshots dir: %w", err)
	}
	tmp := m.dir(tmpPrefix + meta.ID)
	if err := os.MkdirAll(filepath.Join(tmp, filesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = os.RemoveAll(tmp)
		}
	}()

	for _, rel := range m.files {
		src := m.project.Path(rel)
		info, err := os.Stat(src)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		err = m.guarded(ctx, rel, func() error {
			return copyFile(src, filepath.Join(tmp, filesDir, rel), info.Mode().Perm())
		})
		if err != nil {
			return nil, fmt.Errorf("back up %s: %w", rel, err)
		}
		meta.BackedUpFiles = append(meta.BackedUpFiles, rel)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot metadata: %w", err)
	}
	if err := schema.Validate(schema.Snapshot, data); err != nil {
		return nil, err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(tmp, metadataFile), append(data, '\n'), 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, m.dir(meta.ID)); err != nil {
		return nil, fmt.Errorf("publish snapshot: %w", err)
	}
	ok = true

	if err := m.appendHistory(ctx, snapshotHistory, m.cfg.MaxHistory, meta); err != nil {
		m.debugLog("[snapshot] history append failed: %v", err)
	}
	m.debugLog("[snapshot] created %s rev=%s stash=%s files=%d", meta.ID, meta.VCSRevision, meta.StashCommit, len(meta.BackedUpFiles))
	return meta, nil
}

// Get loads snapshot metadata by id.
func (m *Manager) Get(id string) (*Metadata, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	meta, err := readMetadata(m.dir(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return meta, nil
}

// List returns every readable snapshot, newest first.
func (m *Manager) List() ([]*Metadata, error) {
	entries, err := os.ReadDir(m.dir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshots dir: %w", err)
	}
	var out []*Metadata
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		meta, err := readMetadata(m.dir(e.Name()))
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sortNewestFirst(out)
	return out, nil
}

// History returns the bounded snapshot creation history, oldest first.
func (m *Manager) History() ([]Metadata, error) {
	var h []Metadata
	err := fsutil.ReadJSON(m.dir(snapshotHistory), &h)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return h, err
}

// Delete removes a snapshot directory and drops its stash entry.
func (m *Manager) Delete(ctx context.Context, id string) error {
	meta, err := m.Get(id)
	if err != nil {
		return err
	}
	m.dropStash(ctx, meta.ID)
	return os.RemoveAll(m.dir(meta.ID))
}

func (m *Manager) dropStash(ctx context.Context, id string) {
	if m.repo == nil || !m.repo.IsRepo(ctx) {
		return
	}
	entries, err := m.repo.StashList(ctx)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Message, stashMessagePrefix+id) {
			if err := m.repo.StashDrop(ctx, e.Ref); err != nil {
				m.debugLog("[snapshot] drop stash %s: %v", e.Ref, err)
			}
			return
		}
	}
}

// appendHistory appends v to a bounded JSON array file under its lease.
func (m *Manager) appendHistory(ctx context.Context, name string, limit int, v any) error {
	path := m.dir(name)
	return lock.With(ctx, path, m.lock, func() error {
		var items []json.RawMessage
		if err := fsutil.ReadJSON(path, &items); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.debugLog("[snapshot] resetting unreadable %s: %v", name, err)
			items = nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		items = append(items, raw)
		if len(items) > limit {
			items = items[len(items)-limit:]
		}
		return fsutil.WriteJSON(path, items)
	})
}

func readMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(schema.Snapshot, data); err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode snapshot metadata: %w", err)
	}
	return &meta, nil
}

// guarded runs fn under the state document's lease when rel is the state
// document; other critical files are not lock-protected.
func (m *Manager) guarded(ctx context.Context, rel string, fn func() error) error {
	if filepath.Clean(m.project.Path(rel)) != filepath.Clean(m.project.StateFile()) {
		return fn()
	}
	return lock.With(ctx, m.project.StateFile(), m.lock, fn)
}

func sortNewestFirst(list []*Metadata) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
