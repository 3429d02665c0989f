package override

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ShayCichocki/stopgate/internal/fsutil"
	"github.com/ShayCichocki/stopgate/internal/sign"
)

// AuditEntry is one line of the daily audit log. Digest is the canonical
// JSON digest of Event, so a hand-edited line no longer matches.
type AuditEntry struct {
	Event  AuditEvent `json:"event"`
	Digest string     `json:"digest"`
}

// Verify reports whether the entry's digest still matches its event.
func (e AuditEntry) Verify() bool {
	raw, err := json.Marshal(e.Event)
	if err != nil {
		return false
	}
	d, err := sign.Digest(raw)
	return err == nil && d == e.Digest
}

func (m *Manager) auditPath(day time.Time) string {
	return filepath.Join(m.dir, "audit", day.UTC().Format("2006-01-02")+".jsonl")
}

// audit appends ev to the day's log. Failures are logged, never returned:
// the record's own trail still holds create and execute events.
func (m *Manager) audit(ctx context.Context, ev AuditEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		m.debugLog("[override] encode audit event: %v", err)
		return
	}
	digest, err := sign.Digest(raw)
	if err != nil {
		m.debugLog("[override] digest audit event: %v", err)
		return
	}
	line, err := json.Marshal(AuditEntry{Event: ev, Digest: digest})
	if err != nil {
		m.debugLog("[override] encode audit entry: %v", err)
		return
	}
	if err := fsutil.AppendLineLocked(ctx, m.auditPath(ev.At), line, m.lock); err != nil {
		m.debugLog("[override] append audit log: %v", err)
	}
}

// AuditLog returns the entries logged on day, oldest first.
func (m *Manager) AuditLog(day time.Time) ([]AuditEntry, error) {
	f, err := os.Open(m.auditPath(day))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return out, fmt.Errorf("decode audit line %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
