// Package override implements the audited, quota-limited emergency bypass of
// the validation pipeline.
package override

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/stopgate/internal/fsutil"
	"github.com/ShayCichocki/stopgate/internal/lock"
	"github.com/ShayCichocki/stopgate/internal/schema"
	"github.com/ShayCichocki/stopgate/internal/session"
)

var (
	// ErrInvalid is returned for malformed or unknown override keys.
	ErrInvalid = errors.New("invalid emergency override")
	// ErrExpired is returned once an override outlived its expiry.
	ErrExpired = errors.New("emergency override expired")
	// ErrExhausted is returned once an override's usage quota is spent.
	ErrExhausted = errors.New("emergency override exhausted")
	// ErrInvalidRequest is returned when a create request is incomplete.
	ErrInvalidRequest = errors.New("invalid emergency override request")
)

// DefaultTTL is how long an override stays usable.
const DefaultTTL = 2 * time.Hour

const keyPrefix = "emergency_"

var keyPattern = regexp.MustCompile(`^emergency_[0-9a-f-]{36}$`)

// ImpactLevel sets the usage quota of an override.
type ImpactLevel string

const (
	ImpactCritical ImpactLevel = "critical"
	ImpactHigh     ImpactLevel = "high"
	ImpactMedium   ImpactLevel = "medium"
)

// MaxUsage returns the quota for the level, or 0 for unknown levels.
func (l ImpactLevel) MaxUsage() int {
	switch l {
	case ImpactCritical:
		return 5
	case ImpactHigh:
		return 3
	case ImpactMedium:
		return 1
	default:
		return 0
	}
}

// Status is the lifecycle state of an override record.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusExhausted Status = "exhausted"
)

// Request carries the fields required to create an override.
type Request struct {
	AgentID       string      `json:"agent_id"`
	IncidentID    string      `json:"incident_id"`
	Justification string      `json:"justification"`
	ImpactLevel   ImpactLevel `json:"impact_level"`
	AuthorizedBy  string      `json:"authorized_by"`
}

// Validate reports every missing or invalid field.
func (r Request) Validate() error {
	var problems []string
	for _, f := range []struct{ name, value string }{
		{"agent_id", r.AgentID},
		{"incident_id", r.IncidentID},
		{"justification", r.Justification},
		{"authorized_by", r.AuthorizedBy},
	} {
		if strings.TrimSpace(f.value) == "" {
			problems = append(problems, f.name+" is required")
		}
	}
	if r.ImpactLevel.MaxUsage() == 0 {
		problems = append(problems, fmt.Sprintf("impact_level must be critical, high or medium (got %q)", r.ImpactLevel))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// AuditEvent is one entry of a record's trail and of the daily audit log.
type AuditEvent struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Key        string    `json:"key,omitempty"`
	At         time.Time `json:"at"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	UsageCount int       `json:"usage_count"`
	Outcome    string    `json:"outcome"`
}

// Record is the stored override.
type Record struct {
	Key           string       `json:"key"`
	AgentID       string       `json:"agent_id"`
	IncidentID    string       `json:"incident_id"`
	ImpactLevel   ImpactLevel  `json:"impact_level"`
	AuthorizedBy  string       `json:"authorized_by"`
	Justification string       `json:"justification"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	UsageCount    int          `json:"usage_count"`
	MaxUsage      int          `json:"max_usage"`
	Status        Status       `json:"status"`
	AuditTrail    []AuditEvent `json:"audit_trail"`
}

// Remaining is the number of executions left.
func (r *Record) Remaining() int {
	if n := r.MaxUsage - r.UsageCount; n > 0 {
		return n
	}
	return 0
}

// Flag builds the termination flag issued by an execution of r.
func (r *Record) Flag(reason string, now time.Time) session.Flag {
	reasons := []string{fmt.Sprintf("emergency override for incident %s (%s impact)", r.IncidentID, r.ImpactLevel)}
	if reason != "" {
		reasons = append(reasons, reason)
	}
	return session.Flag{
		SchemaVersion: session.FlagSchemaVersion,
		AgentID:       r.AgentID,
		AuthorizedBy:  r.AuthorizedBy,
		Via:           session.ViaOverride,
		Reasons:       reasons,
		IssuedAt:      now,
		OverrideKey:   r.Key,
	}
}

// effectiveStatus folds the clock into the stored status.
func (r *Record) effectiveStatus(now time.Time) Status {
	if r.Status == StatusExhausted || r.UsageCount >= r.MaxUsage {
		return StatusExhausted
	}
	if r.Status == StatusExpired || now.After(r.ExpiresAt) {
		return StatusExpired
	}
	return StatusActive
}

// Manager stores override records and the audit log under dir.
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

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, key+".json")
}

// Create validates req and stores a new active override.
func (m *Manager) Create(ctx context.Context, req Request) (*Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := m.now()
	rec := &Record{
		Key:           keyPrefix + uuid.New().String(),
		AgentID:       req.AgentID,
		IncidentID:    req.IncidentID,
		ImpactLevel:   req.ImpactLevel,
		AuthorizedBy:  req.AuthorizedBy,
		Justification: req.Justification,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
		MaxUsage:      req.ImpactLevel.MaxUsage(),
		Status:        StatusActive,
	}
	ev := m.event("create", rec.Key, req.AuthorizedBy, req.Justification, 0, "ok")
	rec.AuditTrail = []AuditEvent{ev}

	path := m.path(rec.Key)
	if err := lock.With(ctx, path, m.lock, func() error { return m.save(path, rec) }); err != nil {
		return nil, err
	}
	m.audit(ctx, ev)
	m.debugLog("[override] created %s for %s (%s, %d uses)", rec.Key, rec.AgentID, rec.ImpactLevel, rec.MaxUsage)
	return rec, nil
}

// Execute consumes one use of key. issue runs under the record's lease
// (typically writing the termination flag); if it fails no use is consumed.
// Rejections are audited.
func (m *Manager) Execute(ctx context.Context, key, reason string, issue func(rec *Record) error) (*Record, error) {
	if !keyPattern.MatchString(key) {
		m.audit(ctx, m.event("reject", "", "", reason, 0, "malformed key"))
		return nil, fmt.Errorf("%w: malformed key", ErrInvalid)
	}

	path := m.path(key)
	var out *Record
	err := lock.With(ctx, path, m.lock, func() error {
		rec, err := m.load(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: unknown key", ErrInvalid)
			}
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		now := m.now()
		switch rec.effectiveStatus(now) {
		case StatusExhausted:
			out = rec
			return fmt.Errorf("%w: %d of %d uses spent", ErrExhausted, rec.UsageCount, rec.MaxUsage)
		case StatusExpired:
			out = rec
			if rec.Status != StatusExpired {
				rec.Status = StatusExpired
				if err := m.save(path, rec); err != nil {
					m.debugLog("[override] persist expiry of %s: %v", key, err)
				}
			}
			return fmt.Errorf("%w at %s", ErrExpired, rec.ExpiresAt.Format(time.RFC3339))
		}

		// The use is persisted before the flag is issued and given back if
		// issuing fails, so a flag never exists without spent quota.
		prev := *rec
		prev.AuditTrail = append([]AuditEvent(nil), rec.AuditTrail...)
		rec.UsageCount++
		if rec.UsageCount >= rec.MaxUsage {
			rec.Status = StatusExhausted
		}
		ev := m.event("execute", key, rec.AgentID, reason, rec.UsageCount, "ok")
		rec.AuditTrail = append(rec.AuditTrail, ev)
		if err := m.save(path, rec); err != nil {
			return err
		}
		if issue != nil {
			if err := issue(rec); err != nil {
				if serr := m.save(path, &prev); serr != nil {
					m.debugLog("[override] return use of %s after failed issue: %v", key, serr)
				}
				return err
			}
		}
		m.audit(ctx, ev)
		out = rec
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalid) || errors.Is(err, ErrExpired) || errors.Is(err, ErrExhausted) {
			m.audit(ctx, m.event("reject", key, "", reason, usage(out), err.Error()))
		}
		return out, err
	}
	m.debugLog("[override] executed %s (%d/%d)", key, out.UsageCount, out.MaxUsage)
	return out, nil
}

// Check reports the current state of key without changing anything.
func (m *Manager) Check(key string) (*Record, error) {
	if !keyPattern.MatchString(key) {
		return nil, fmt.Errorf("%w: malformed key", ErrInvalid)
	}
	rec, err := m.load(m.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: unknown key", ErrInvalid)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	rec.Status = rec.effectiveStatus(m.now())
	return rec, nil
}

func (m *Manager) load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(schema.Override, data); err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode override: %w", err)
	}
	return &rec, nil
}

func (m *Manager) save(path string, rec *Record) error {
	if rec.UsageCount > rec.MaxUsage {
		return fmt.Errorf("override %s: usage %d exceeds quota %d", rec.Key, rec.UsageCount, rec.MaxUsage)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}
	if err := schema.Validate(schema.Override, data); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o600)
}

func (m *Manager) event(action, key, actor, reason string, usageCount int, outcome string) AuditEvent {
	return AuditEvent{
		ID:         uuid.New().String(),
		Action:     action,
		Key:        key,
		At:         m.now(),
		Actor:      actor,
		Reason:     reason,
		UsageCount: usageCount,
		Outcome:    outcome,
	}
}

func usage(rec *Record) int {
	if rec == nil {
		return 0
	}
	return rec.UsageCount
}
