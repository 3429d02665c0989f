package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/stopgate/internal/fsutil"
	"github.com/ShayCichocki/stopgate/internal/lock"
	"github.com/ShayCichocki/stopgate/internal/schema"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

// DefaultTTL is how long a session stays valid after start.
const DefaultTTL = 30 * time.Minute

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Manager stores one session file per agent in a directory.
type Manager struct {
	dir      string
	ttl      time.Duration
	lock     lock.Config
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

// NewManager creates a manager rooted at dir.
func NewManager(dir string, ttl time.Duration, lockCfg lock.Config, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		dir:      dir,
		ttl:      ttl,
		lock:     lockCfg,
		now:      func() time.Time { return time.Now().UTC() },
		debugLog: func(format string, args ...any) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) path(agentID string) string {
	return filepath.Join(m.dir, agentID+".json")
}

// Start opens a new session for agentID, replacing any previous one.
func (m *Manager) Start(ctx context.Context, agentID string, requiredSteps []string) (*Session, error) {
	if !agentIDPattern.MatchString(agentID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAgent, agentID)
	}
	if len(requiredSteps) == 0 {
		return nil, errors.New("session needs at least one required step")
	}
	key, err := newAuthKey()
	if err != nil {
		return nil, err
	}
	now := m.now()
	s := &Session{
		AuthKey:        key,
		AgentID:        agentID,
		RequiredSteps:  append([]string(nil), requiredSteps...),
		CompletedSteps: []string{},
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
		Status:         models.SessionInProgress,
	}

	path := m.path(agentID)
	err = lock.With(ctx, path, m.lock, func() error {
		return m.save(path, s)
	})
	if err != nil {
		return nil, err
	}
	m.debugLog("[session] started %s with %d steps, expires %s", agentID, len(requiredSteps), s.ExpiresAt.Format(time.RFC3339))
	return s, nil
}

// Get returns the session for agentID without a key. An expired session is
// reported with status expired but left for the next keyed call to delete.
func (m *Manager) Get(agentID string) (*Session, error) {
	if !agentIDPattern.MatchString(agentID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAgent, agentID)
	}
	s, err := m.load(m.path(agentID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
		}
		return nil, err
	}
	if s.Expired(m.now()) {
		s.Status = models.SessionExpired
	}
	return s, nil
}

// List returns every stored session ordered by agent id.
func (m *Manager) List() ([]*Session, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var out []*Session
	now := m.now()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s, err := m.load(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.debugLog("[session] skipping %s: %v", e.Name(), err)
			continue
		}
		if s.Expired(now) {
			s.Status = models.SessionExpired
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// Lookup finds the live session holding key. An expired session is deleted
// and ErrExpired returned.
func (m *Manager) Lookup(ctx context.Context, key string) (*Session, error) {
	var found *Session
	err := m.withKey(ctx, key, func(s *Session) (bool, error) {
		found = s
		return false, nil
	})
	return found, err
}

// Update runs fn on the session holding key under its lease and persists the
// result unless fn fails.
func (m *Manager) Update(ctx context.Context, key string, fn func(s *Session) error) (*Session, error) {
	var updated *Session
	err := m.withKey(ctx, key, func(s *Session) (bool, error) {
		if err := fn(s); err != nil {
			return false, err
		}
		if err := s.validate(); err != nil {
			return false, err
		}
		updated = s
		return true, nil
	})
	return updated, err
}

// Complete finishes a ready session: issue runs under the session lease
// (typically writing the termination flag) and the session is then deleted.
func (m *Manager) Complete(ctx context.Context, key string, issue func(s *Session) error) (*Session, error) {
	var done *Session
	err := m.withKey(ctx, key, func(s *Session) (bool, error) {
		if s.Status != models.SessionReady {
			return false, fmt.Errorf("%w: %d of %d steps completed, next is %s",
				ErrNotReady, len(s.CompletedSteps), len(s.RequiredSteps), s.NextStep())
		}
		if issue != nil {
			if err := issue(s); err != nil {
				return false, err
			}
		}
		if err := os.Remove(m.path(s.AgentID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("remove session: %w", err)
		}
		s.Status = models.SessionCompleted
		done = s
		return false, nil
	})
	if err == nil {
		m.debugLog("[session] completed %s", done.AgentID)
	}
	return done, err
}

// Purge deletes expired sessions and returns how many were removed.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	sessions, err := m.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range sessions {
		if s.Status != models.SessionExpired {
			continue
		}
		path := m.path(s.AgentID)
		err := lock.With(ctx, path, m.lock, func() error {
			current, err := m.load(path)
			if err != nil || !current.Expired(m.now()) {
				return err
			}
			return os.Remove(path)
		})
		if err == nil {
			removed++
		}
	}
	return removed, nil
}

// withKey resolves key to its session file, then re-reads and re-verifies the
// session under the file's lease before running fn. fn returns whether to save.
func (m *Manager) withKey(ctx context.Context, key string, fn func(s *Session) (bool, error)) error {
	path, err := m.find(key)
	if err != nil {
		return err
	}
	return lock.With(ctx, path, m.lock, func() error {
		s, err := m.load(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return ErrKeyMismatch
			}
			return err
		}
		if !keysEqual(s.AuthKey, key) {
			return ErrKeyMismatch
		}
		if s.Expired(m.now()) {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.debugLog("[session] failed to remove expired %s: %v", s.AgentID, err)
			}
			m.debugLog("[session] %s expired at %s", s.AgentID, s.ExpiresAt.Format(time.RFC3339))
			return fmt.Errorf("%w at %s", ErrExpired, s.ExpiresAt.Format(time.RFC3339))
		}
		save, err := fn(s)
		if err != nil || !save {
			return err
		}
		return m.save(path, s)
	})
}

// find scans session files for key using constant-time comparison.
func (m *Manager) find(key string) (string, error) {
	if key == "" {
		return "", ErrKeyMismatch
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrKeyMismatch
		}
		return "", fmt.Errorf("read sessions dir: %w", err)
	}
	match := ""
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		s, err := m.load(path)
		if err != nil {
			continue
		}
		if keysEqual(s.AuthKey, key) {
			match = path
		}
	}
	if match == "" {
		return "", ErrKeyMismatch
	}
	return match, nil
}

func (m *Manager) load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(schema.Session, data); err != nil {
		return nil, fmt.Errorf("session %s: %w", filepath.Base(path), err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", filepath.Base(path), err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *Manager) save(path string, s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := schema.Validate(schema.Session, data); err != nil {
		return fmt.Errorf("session %s: %w", s.AgentID, err)
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o600)
}

func newAuthKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate auth key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func keysEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
