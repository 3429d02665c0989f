// Package lock provides a cross-process exclusive lease over a named resource.
//
// A lease is a marker file created with O_EXCL next to the resource and tagged
// with the holder's pid. Markers whose holder is no longer alive are reclaimed.
package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrTimeout is returned when the lease could not be obtained within the retry budget.
var ErrTimeout = errors.New("lock timeout")

// Suffix is appended to the resource path to form the marker path.
const Suffix = ".lock"

// unreadableStaleAfter reclaims markers that never got their metadata written.
const unreadableStaleAfter = 30 * time.Second

// Config bounds acquisition retries.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	// Debug receives contention and reclaim events. May be nil.
	Debug func(format string, args ...any)
}

// DefaultConfig returns 200 attempts spaced 25ms apart.
func DefaultConfig() Config {
	return Config{MaxRetries: 200, RetryDelay: 25 * time.Millisecond}
}

// Info is the metadata written into a lease marker.
type Info struct {
	Resource   string    `json:"resource"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Handle releases a held lease.
type Handle struct {
	path string
	once sync.Once
	err  error
}

// Path returns the marker path.
func (h *Handle) Path() string { return h.path }

// Release deletes the marker. It is idempotent and tolerates a marker that is already gone.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
			h.err = fmt.Errorf("release lock %s: %w", h.path, err)
		}
	})
	return h.err
}

// Acquire blocks until the lease over resourcePath is held, the retry budget is
// spent (ErrTimeout) or ctx is done.
func Acquire(ctx context.Context, resourcePath string, cfg Config) (*Handle, error) {
	if cfg.MaxRetries <= 0 || cfg.RetryDelay <= 0 {
		d := DefaultConfig()
		if cfg.MaxRetries <= 0 {
			cfg.MaxRetries = d.MaxRetries
		}
		if cfg.RetryDelay <= 0 {
			cfg.RetryDelay = d.RetryDelay
		}
	}

	markerPath := resourcePath + Suffix
	if err := os.MkdirAll(filepath.Dir(markerPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare lock directory: %w", err)
	}

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		ok, err := tryCreate(markerPath, resourcePath)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Handle{path: markerPath}, nil
		}

		if stale, holder, seen := isStale(markerPath, time.Now()); stale {
			logf(cfg, "[lock] reclaiming stale lease %s (holder pid %d)", markerPath, holder)
			if err := reclaim(markerPath, seen, cfg); err != nil {
				return nil, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}

	logf(cfg, "[lock] gave up on %s after %d attempts", markerPath, cfg.MaxRetries)
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrTimeout, resourcePath, cfg.MaxRetries)
}

// With runs fn while holding the lease over resourcePath.
func With(ctx context.Context, resourcePath string, cfg Config, fn func() error) error {
	h, err := Acquire(ctx, resourcePath, cfg)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn()
}

// Inspect reads the metadata of the current holder. It returns nil, nil when
// the resource is not locked.
func Inspect(resourcePath string) (*Info, error) {
	data, err := os.ReadFile(resourcePath + Suffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock metadata: %w", err)
	}
	return &info, nil
}

// tryCreate performs the atomic exclusive create. It returns false when the
// marker already exists.
func tryCreate(markerPath, resourcePath string) (bool, error) {
	f, err := os.OpenFile(markerPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	info := Info{Resource: resourcePath, PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
	encoded, _ := json.Marshal(info)
	_, werr := f.Write(append(encoded, '\n'))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(markerPath)
		return false, fmt.Errorf("write lock metadata: %w", errors.Join(werr, cerr))
	}
	return true, nil
}

// isStale reports whether the marker's holder is gone, along with the marker
// contents it judged.
func isStale(markerPath string, now time.Time) (bool, int, []byte) {
	data, err := os.ReadFile(markerPath)
	if err != nil {
		// Released between our create attempt and this read; the caller waits
		// RetryDelay and tries again.
		return false, 0, nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil || info.PID <= 0 {
		st, statErr := os.Stat(markerPath)
		return statErr == nil && now.Sub(st.ModTime()) > unreadableStaleAfter, 0, data
	}
	if info.PID == os.Getpid() {
		return false, info.PID, data
	}
	return !processAlive(info.PID), info.PID, data
}

// reclaim moves a stale marker aside and deletes it only if it still holds the
// contents judged stale. A marker another process created in the meantime is
// put back.
func reclaim(markerPath string, seen []byte, cfg Config) error {
	tomb := fmt.Sprintf("%s.stale-%d-%d", markerPath, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(markerPath, tomb); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reclaim stale lock: %w", err)
	}
	data, err := os.ReadFile(tomb)
	if err == nil && bytes.Equal(data, seen) {
		if err := os.Remove(tomb); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale lock: %w", err)
		}
		return nil
	}

	// Someone reclaimed and re-acquired first; restore their marker without
	// clobbering a newer one.
	logf(cfg, "[lock] %s changed hands during reclaim, restoring", markerPath)
	if err := os.Link(tomb, markerPath); err != nil && !os.IsExist(err) {
		if rerr := os.Rename(tomb, markerPath); rerr != nil {
			return fmt.Errorf("restore lock marker: %w", rerr)
		}
		return nil
	}
	_ = os.Remove(tomb)
	return nil
}

func logf(cfg Config, format string, args ...any) {
	if cfg.Debug != nil {
		cfg.Debug(format, args...)
	}
}
