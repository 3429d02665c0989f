// Package exectest provides a scripted exec.CommandRunner for tests.
package exectest

import (
	"context"
	"strings"
	"sync"

	"github.com/ShayCichocki/stopgate/internal/exec"
)

// Fake answers commands from a script keyed by command line.
// Unscripted commands succeed with empty output.
type Fake struct {
	mu       sync.Mutex
	binaries map[string]bool
	script   map[string][]*exec.Result
	handlers map[string]func(exec.Command) *exec.Result
	calls    []exec.Command
}

// New creates a fake with the given binaries on PATH.
func New(binaries ...string) *Fake {
	f := &Fake{
		binaries: map[string]bool{},
		script:   map[string][]*exec.Result{},
		handlers: map[string]func(exec.Command) *exec.Result{},
	}
	for _, b := range binaries {
		f.binaries[b] = true
	}
	return f
}

// AddBinary puts name on the fake PATH.
func (f *Fake) AddBinary(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binaries[name] = true
}

// Queue appends results returned, in order, for the command line. The last
// queued result repeats once the queue is drained.
func (f *Fake) Queue(commandLine string, results ...*exec.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[commandLine] = append(f.script[commandLine], results...)
}

// Handle routes a command line to fn, overriding any queue.
func (f *Fake) Handle(commandLine string, fn func(exec.Command) *exec.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[commandLine] = fn
}

// Run returns the next scripted result for cmd.
func (f *Fake) Run(ctx context.Context, cmd exec.Command) (*exec.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	key := cmd.String()
	if h, ok := f.handlers[key]; ok {
		f.mu.Unlock()
		return h(cmd), nil
	}
	defer f.mu.Unlock()

	queue := f.script[key]
	switch len(queue) {
	case 0:
		return &exec.Result{}, nil
	case 1:
		return clone(queue[0]), nil
	default:
		f.script[key] = queue[1:]
		return clone(queue[0]), nil
	}
}

// LookPath reports binaries registered with New or AddBinary.
func (f *Fake) LookPath(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.binaries[name]
}

// Calls returns every command run so far.
func (f *Fake) Calls() []exec.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exec.Command(nil), f.calls...)
}

// CallCount counts runs whose command line starts with prefix.
func (f *Fake) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c.String(), prefix) {
			n++
		}
	}
	return n
}

// OK is a successful result with output.
func OK(output string) *exec.Result {
	return &exec.Result{Output: []byte(output)}
}

// Exit is a failed result.
func Exit(code int, output string) *exec.Result {
	return &exec.Result{ExitCode: code, Output: []byte(output)}
}

// Timeout is a result killed at its deadline.
func Timeout(output string) *exec.Result {
	return &exec.Result{ExitCode: -1, TimedOut: true, Output: []byte(output)}
}

func clone(r *exec.Result) *exec.Result {
	c := *r
	c.Output = append([]byte(nil), r.Output...)
	return &c
}

var _ exec.CommandRunner = (*Fake)(nil)
