// Package logging provides the file-backed debug logger shared by stopgate components.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Func is the debug hook signature components accept.
// A nil Func is valid and discards everything.
type Func func(format string, args ...any)

// DebugLogger writes timestamped lines to a file.
// It is safe for concurrent use.
type DebugLogger struct {
	mu   sync.Mutex
	file *os.File
}

// New creates a logger writing to path.
// If path is empty, returns a no-op logger.
// Creates parent directories if they don't exist.
func New(path string) (*DebugLogger, error) {
	if path == "" {
		return &DebugLogger{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := &DebugLogger{file: f}
	logger.Log("=== stopgate %d started at %s ===", os.Getpid(), time.Now().Format(time.RFC3339))
	return logger, nil
}

// ForStateDir creates a debug logger in stateDir/logs.
// Returns a no-op logger if the directory cannot be created.
func ForStateDir(stateDir string) *DebugLogger {
	logger, err := New(filepath.Join(stateDir, "logs", "stopgate-debug.log"))
	if err != nil {
		return Nop()
	}
	return logger
}

// Nop returns a logger that discards everything.
func Nop() *DebugLogger {
	return &DebugLogger{}
}

// Log writes a timestamped message.
// If the logger is nil or has no file, this is a no-op.
func (l *DebugLogger) Log(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
	l.file.Sync()
}

// Func returns l.Log as a hook for components that take a Func.
func (l *DebugLogger) Func() Func {
	return l.Log
}

// With returns a hook that prefixes every message with component.
func (l *DebugLogger) With(component string) Func {
	return func(format string, args ...any) {
		l.Log("["+component+"] "+format, args...)
	}
}

// Close closes the log file.
// Safe to call on nil logger or logger without file.
func (l *DebugLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.file.Close()
	l.file = nil
	return err
}

// Logf calls fn when it is non-nil.
func (fn Func) Logf(format string, args ...any) {
	if fn != nil {
		fn(format, args...)
	}
}
