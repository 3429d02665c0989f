package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"time"
)

// killWait bounds how long Wait blocks on inherited pipes after a kill.
const killWait = 2 * time.Second

// ExecRunner implements CommandRunner using os/exec.
// Each process runs in its own process group so a timeout kills its children too.
type ExecRunner struct {
	debug func(format string, args ...any)
}

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// SetDebugLog sets a debug hook that receives one line per command.
func (r *ExecRunner) SetDebugLog(fn func(format string, args ...any)) {
	r.debug = fn
}

// Run executes a command and returns its combined output and exit status.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := osexec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	buf := newCappedBuffer(MaxOutputBytes)
	cmd.Stdout = buf
	cmd.Stderr = buf
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = killWait

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Output:   buf.Bytes(),
		ExitCode: 0,
		Duration: time.Since(start),
	}

	if err != nil && runCtx.Err() != nil {
		res.ExitCode = -1
		if ctx.Err() != nil {
			r.log("cancelled after %s: %s", res.Duration, c)
			return res, ctx.Err()
		}
		res.TimedOut = true
		r.log("timed out after %s: %s", res.Duration, c)
		return res, nil
	}

	if err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			r.log("exit %d after %s: %s", res.ExitCode, res.Duration, c)
			return res, nil
		}
		if errors.Is(err, osexec.ErrWaitDelay) {
			// Killed children may keep pipes open; the process itself exited cleanly.
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", c.Name, err)
	}

	r.log("ok after %s: %s", res.Duration, c)
	return res, nil
}

// LookPath reports whether name resolves on PATH.
func (r *ExecRunner) LookPath(name string) bool {
	_, err := osexec.LookPath(name)
	return err == nil
}

func (r *ExecRunner) log(format string, args ...any) {
	if r.debug != nil {
		r.debug("[exec] "+format, args...)
	}
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)
