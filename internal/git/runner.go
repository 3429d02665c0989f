package git

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/stopgate/internal/exec"
)

// DefaultTimeout bounds every git invocation.
const DefaultTimeout = 30 * time.Second

// stashIdent gives stash commits an identity on machines without user.name.
var stashIdent = []string{"-c", "user.name=stopgate", "-c", "user.email=stopgate@localhost"}

func withIdent(args ...string) []string {
	return append(append([]string(nil), stashIdent...), args...)
}

// ExecRunner implements Runner on top of an exec.CommandRunner.
type ExecRunner struct {
	repoPath string
	cmd      exec.CommandRunner
	timeout  time.Duration
}

// NewRunner creates a new git runner for the repository at the given path.
func NewRunner(repoPath string, cmd exec.CommandRunner) *ExecRunner {
	if cmd == nil {
		cmd = exec.NewRunner()
	}
	return &ExecRunner{repoPath: repoPath, cmd: cmd, timeout: DefaultTimeout}
}

// run executes a git command and returns its trimmed output.
func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	res, err := r.cmd.Run(ctx, exec.Command{
		Dir:     r.repoPath,
		Name:    "git",
		Args:    args,
		Env:     []string{"GIT_TERMINAL_PROMPT=0"},
		Timeout: r.timeout,
	})
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	if res.TimedOut {
		return "", fmt.Errorf("git %s: timed out after %s", strings.Join(args, " "), r.timeout)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git %s: exit status %d: %s", strings.Join(args, " "), res.ExitCode, strings.TrimSpace(string(res.Output)))
	}
	// Leading spaces are significant in porcelain status lines.
	return strings.TrimRight(string(res.Output), " \r\n\t"), nil
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, args...)
}

// IsRepo reports whether repoPath is inside a git work tree.
func (r *ExecRunner) IsRepo(ctx context.Context) bool {
	out, err := r.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Revision returns the commit id of HEAD.
func (r *ExecRunner) Revision(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "HEAD")
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// Status returns the output of git status --porcelain. Untracked directories
// are listed file by file.
func (r *ExecRunner) Status(ctx context.Context) (string, error) {
	return r.run(ctx, "status", "--porcelain", "--untracked-files=all")
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges(ctx context.Context) (bool, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// DirtyFiles returns the paths of modified, staged and untracked files.
func (r *ExecRunner) DirtyFiles(ctx context.Context) ([]string, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return nil, err
	}
	return ParsePorcelain(status), nil
}

// StashCreate records uncommitted changes as a dangling stash commit.
func (r *ExecRunner) StashCreate(ctx context.Context) (string, error) {
	return r.run(ctx, withIdent("stash", "create")...)
}

// StashStore keeps a stash commit reachable under message.
func (r *ExecRunner) StashStore(ctx context.Context, commit, message string) error {
	_, err := r.run(ctx, withIdent("stash", "store", "-m", message, commit)...)
	return err
}

// StashList returns stash entries, newest first.
func (r *ExecRunner) StashList(ctx context.Context) ([]StashEntry, error) {
	out, err := r.run(ctx, "stash", "list", "--format=%gd%x00%H%x00%gs")
	if err != nil {
		return nil, err
	}
	return parseStashList(out), nil
}

// StashApply applies a stash to the working tree, keeping it in the list.
func (r *ExecRunner) StashApply(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "stash", "apply", ref)
	return err
}

// StashDrop removes a stash entry.
func (r *ExecRunner) StashDrop(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "stash", "drop", ref)
	return err
}

// ResetHard resets the index and working tree to rev.
func (r *ExecRunner) ResetHard(ctx context.Context, rev string) error {
	_, err := r.run(ctx, "reset", "--hard", rev)
	return err
}

// ParsePorcelain extracts paths from git status --porcelain output.
// Renames report the destination path.
func ParsePorcelain(status string) []string {
	if status == "" {
		return nil
	}
	var paths []string
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		paths = append(paths, strings.Trim(path, `"`))
	}
	return paths
}

func parseStashList(out string) []StashEntry {
	if out == "" {
		return nil
	}
	var entries []StashEntry
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\x00", 3)
		if len(parts) != 3 {
			continue
		}
		entries = append(entries, StashEntry{Ref: parts[0], Commit: parts[1], Message: parts[2]})
	}
	return entries
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
