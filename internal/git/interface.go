// Package git provides an interface for git operations.
package git

import "context"

// RevisionOperations reads the current repository position.
type RevisionOperations interface {
	// IsRepo reports whether the working directory is inside a git work tree.
	IsRepo(ctx context.Context) bool
	// Revision returns the full commit id of HEAD.
	Revision(ctx context.Context) (string, error)
	// CurrentBranch returns the name of the current branch.
	CurrentBranch(ctx context.Context) (string, error)
}

// StatusOperations inspects uncommitted changes.
type StatusOperations interface {
	// Status returns the output of git status --porcelain --untracked-files=all.
	Status(ctx context.Context) (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges(ctx context.Context) (bool, error)
	// DirtyFiles returns the paths reported by git status --porcelain.
	DirtyFiles(ctx context.Context) ([]string, error)
}

// StashOperations shelves and restores uncommitted changes without
// touching the working tree until apply.
type StashOperations interface {
	// StashCreate records the working tree as a stash commit and returns its id.
	// It returns "" when there is nothing to stash.
	StashCreate(ctx context.Context) (string, error)
	// StashStore adds a stash commit to the stash list under message.
	StashStore(ctx context.Context, commit, message string) error
	// StashList returns stash entries, newest first.
	StashList(ctx context.Context) ([]StashEntry, error)
	// StashApply applies a stash commit or ref to the working tree.
	StashApply(ctx context.Context, ref string) error
	// StashDrop removes a stash ref from the list.
	StashDrop(ctx context.Context, ref string) error
}

// ResetOperations moves HEAD.
type ResetOperations interface {
	// ResetHard resets the index and working tree to rev.
	ResetHard(ctx context.Context, rev string) error
}

// Runner defines the complete interface for git operations.
// Consumers should prefer using focused interfaces when possible.
type Runner interface {
	RevisionOperations
	StatusOperations
	StashOperations
	ResetOperations
	// Run executes an arbitrary git command with the given arguments.
	Run(ctx context.Context, args ...string) (string, error)
}

// StashEntry is one line of git stash list.
type StashEntry struct {
	// Ref is the reflog selector, e.g. stash@{0}.
	Ref string `json:"ref"`
	// Commit is the stash commit id.
	Commit string `json:"commit"`
	// Message is the stash subject.
	Message string `json:"message"`
}
