// Package exec provides deadline-bounded command execution.
package exec

import (
	"context"
	"strings"
	"time"
)

// Command describes one external process invocation.
type Command struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Name is the program to run.
	Name string
	// Args are passed to the program.
	Args []string
	// Env is appended to the inherited environment.
	Env []string
	// Timeout bounds wall-clock time. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// String renders the command line for logs and results.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Shell builds a command executed through "sh -c".
func Shell(dir, script string, timeout time.Duration) Command {
	return Command{Dir: dir, Name: "sh", Args: []string{"-c", script}, Timeout: timeout}
}

// Result is the outcome of a finished or killed process.
type Result struct {
	// Output is combined stdout and stderr.
	Output []byte
	// ExitCode is the process exit status, or -1 when it was killed.
	ExitCode int
	// TimedOut is true when the deadline elapsed and the process group was killed.
	TimedOut bool
	// Duration is the wall-clock run time.
	Duration time.Duration
}

// OK reports a zero exit status without a timeout.
func (r *Result) OK() bool {
	return r != nil && !r.TimedOut && r.ExitCode == 0
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes cmd and waits for it to exit or for its deadline.
	// A non-zero exit is reported in Result, not as an error. The error is
	// non-nil only when the process could not be started or ctx was cancelled.
	Run(ctx context.Context, cmd Command) (*Result, error)

	// LookPath reports whether a program is available on PATH.
	LookPath(name string) bool
}
