// Package notify waits for the termination flag to appear so a supervising
// process can react as soon as an agent is allowed to stop.
package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/stopgate/internal/session"
)

// DefaultPollInterval is the polling period used alongside (or instead of)
// filesystem events.
const DefaultPollInterval = 500 * time.Millisecond

// Watcher reports changes to a single file. It watches the parent directory
// with fsnotify and polls as a fallback, so missed events only cost latency.
type Watcher struct {
	path     string
	interval time.Duration

	watcher *fsnotify.Watcher
	changed chan struct{}
	done    chan struct{}
	once    sync.Once

	debugLog func(format string, args ...any)
}

// NewWatcher watches path. When fsnotify cannot be set up the watcher falls
// back to polling only.
func NewWatcher(path string, interval time.Duration) (*Watcher, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		interval: interval,
		changed:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		debugLog: func(format string, args ...any) {},
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return w, nil
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return w, nil
	}
	w.watcher = fw
	go w.watch()
	return w, nil
}

// SetDebugLog sets the debug logging function.
func (w *Watcher) SetDebugLog(fn func(format string, args ...any)) {
	if fn != nil {
		w.debugLog = fn
	}
}

func (w *Watcher) watch() {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.signal()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.debugLog("[notify] watcher error: %v", err)
		}
	}
}

func (w *Watcher) signal() {
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

// Polling reports whether the watcher runs without filesystem events.
func (w *Watcher) Polling() bool {
	return w.watcher == nil
}

// Exists reports whether the watched file is present.
func (w *Watcher) Exists() bool {
	_, err := os.Stat(w.path)
	return err == nil
}

// Wait blocks until the file exists or ctx ends.
func (w *Watcher) Wait(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if w.Exists() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return errors.New("watcher closed")
		case <-w.changed:
		case <-ticker.C:
		}
	}
}

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

// WaitForFlag blocks until the termination flag at path exists and returns it.
// When agentID is set, flags issued to other agents are ignored.
func WaitForFlag(ctx context.Context, path, agentID string, interval time.Duration) (*session.Flag, error) {
	w, err := NewWatcher(path, interval)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	for {
		if err := w.Wait(ctx); err != nil {
			return nil, err
		}
		f, err := session.ReadFlag(path)
		if err == nil && (agentID == "" || f.AgentID == agentID) {
			return f, nil
		}
		if err != nil {
			w.debugLog("[notify] read flag: %v", err)
		}
		// A flag for someone else: wait for it to change.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.changed:
		case <-time.After(w.interval):
		}
	}
}
