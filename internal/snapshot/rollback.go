package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ShayCichocki/stopgate/internal/fsutil"
)

// Step is the outcome of one restore action.
type Step struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RollbackResult is appended to the rollback history whatever the outcome.
type RollbackResult struct {
	SnapshotID       string    `json:"snapshot_id"`
	Reason           string    `json:"reason,omitempty"`
	At               time.Time `json:"at"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	PreviousRevision string    `json:"previous_revision,omitempty"`
	Revision         string    `json:"revision,omitempty"`
	RestoredFiles    []string  `json:"restored_files"`
	Steps            []Step    `json:"steps"`
	Deleted          bool      `json:"deleted,omitempty"`
}

// Err returns nil for a successful rollback, otherwise an error wrapping
// ErrRestoreFailed.
func (r *RollbackResult) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRestoreFailed, r.Error)
}

// RollbackOptions tunes a rollback.
type RollbackOptions struct {
	Reason string
	// DeleteAfter removes the snapshot once every step succeeded.
	DeleteAfter bool
}

// Rollback hard-resets to the recorded revision, re-applies the tagged stash
// and restores the backed-up files. Restore failures do not return an error:
// they are reported in the result, which is always logged to the rollback
// history. Only an unknown snapshot id is an error.
func (m *Manager) Rollback(ctx context.Context, id string, opts RollbackOptions) (*RollbackResult, error) {
	meta, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	res := &RollbackResult{
		SnapshotID:    meta.ID,
		Reason:        opts.Reason,
		At:            m.now(),
		RestoredFiles: []string{},
	}
	var failures []string
	step := func(name string, err error) {
		s := Step{Name: name, OK: err == nil}
		if err != nil {
			s.Error = err.Error()
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
			m.debugLog("[snapshot] rollback %s step %s failed: %v", meta.ID, name, err)
		}
		res.Steps = append(res.Steps, s)
	}

	vcs := m.repo != nil && meta.VCSRevision != "" && m.repo.IsRepo(ctx)
	if vcs {
		if rev, err := m.repo.Revision(ctx); err == nil {
			res.PreviousRevision = rev
		}
		step("reset-hard", m.repo.ResetHard(ctx, meta.VCSRevision))
		if meta.StashCommit != "" {
			step("stash-apply", m.repo.StashApply(ctx, meta.StashCommit))
		}
	} else if meta.VCSRevision != "" {
		step("reset-hard", errors.New("repository unavailable"))
	}

	for _, rel := range meta.BackedUpFiles {
		err := m.restoreFile(ctx, meta.ID, rel)
		step("restore "+rel, err)
		if err == nil {
			res.RestoredFiles = append(res.RestoredFiles, rel)
		}
	}

	if vcs {
		if rev, err := m.repo.Revision(ctx); err == nil {
			res.Revision = rev
		}
	}

	res.Success = len(failures) == 0
	if !res.Success {
		res.Error = strings.Join(failures, "; ")
	}
	if res.Success && opts.DeleteAfter {
		if err := m.Delete(ctx, meta.ID); err != nil {
			m.debugLog("[snapshot] delete after rollback %s: %v", meta.ID, err)
		} else {
			res.Deleted = true
		}
	}

	if err := m.appendHistory(ctx, rollbackHistory, m.cfg.RollbackHistory, res); err != nil {
		m.debugLog("[snapshot] rollback history append failed: %v", err)
	}
	m.debugLog("[snapshot] rollback %s success=%v restored=%d", meta.ID, res.Success, len(res.RestoredFiles))
	return res, nil
}

// RollbackHistory returns logged rollbacks, oldest first.
func (m *Manager) RollbackHistory() ([]RollbackResult, error) {
	var h []RollbackResult
	err := fsutil.ReadJSON(m.dir(rollbackHistory), &h)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return h, err
}

func (m *Manager) restoreFile(ctx context.Context, id, rel string) error {
	src := m.dir(id, filesDir, rel)
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return m.guarded(ctx, rel, func() error {
		return fsutil.WriteFileAtomic(m.project.Path(rel), data, info.Mode().Perm())
	})
}

// CleanupReport lists what Cleanup removed.
type CleanupReport struct {
	Removed []string `json:"removed"`
	Corrupt []string `json:"corrupt"`
	Kept    int      `json:"kept"`
}

// Cleanup deletes snapshots older than maxAge or beyond the newest maxCount,
// oldest first. Unreadable snapshot directories and abandoned temp
// directories are always removed. Zero bounds fall back to the configured ones.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration, maxCount int) (*CleanupReport, error) {
	if maxAge <= 0 {
		maxAge = m.cfg.CleanupMaxAge
	}
	if maxCount <= 0 {
		maxCount = m.cfg.CleanupMaxCount
	}
	report := &CleanupReport{Removed: []string{}, Corrupt: []string{}}

	entries, err := os.ReadDir(m.dir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return report, nil
		}
		return nil, fmt.Errorf("read snapshots dir: %w", err)
	}

	now := m.now()
	var valid []*Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			if info, err := e.Info(); err == nil && now.Sub(info.ModTime()) > time.Hour {
				_ = os.RemoveAll(m.dir(name))
			}
			continue
		}
		meta, err := readMetadata(m.dir(name))
		if err != nil || meta.ID != name {
			m.debugLog("[snapshot] removing corrupt snapshot %s: %v", name, err)
			if err := os.RemoveAll(m.dir(name)); err == nil {
				report.Corrupt = append(report.Corrupt, name)
			}
			continue
		}
		valid = append(valid, meta)
	}

	sortNewestFirst(valid)
	var remove []*Metadata
	for i, meta := range valid {
		if (maxCount > 0 && i >= maxCount) || (maxAge > 0 && now.Sub(meta.CreatedAt) > maxAge) {
			remove = append(remove, meta)
		} else {
			report.Kept++
		}
	}
	// Oldest first.
	for i := len(remove) - 1; i >= 0; i-- {
		id := remove[i].ID
		m.dropStash(ctx, id)
		if err := os.RemoveAll(m.dir(id)); err != nil {
			m.debugLog("[snapshot] remove %s: %v", id, err)
			report.Kept++
			continue
		}
		report.Removed = append(report.Removed, id)
	}
	return report, nil
}
