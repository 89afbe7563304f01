package gitops

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crazytieguy/coven/internal/recorder"
)

// NotGitRepoError is returned when a path is not inside a git repository.
type NotGitRepoError struct {
	Dir string
}

func (e *NotGitRepoError) Error() string { return fmt.Sprintf("%s is not a git repository", e.Dir) }

// DetachedHeadError is returned when a worktree's HEAD is not on a branch.
type DetachedHeadError struct{}

func (e *DetachedHeadError) Error() string { return "worktree is in detached HEAD state" }

// IsMainWorktreeError is returned when land is attempted from the main worktree.
type IsMainWorktreeError struct{}

func (e *IsMainWorktreeError) Error() string { return "cannot land from the main worktree" }

// DirtyWorkingTreeError is returned when an operation requires a clean tree.
type DirtyWorkingTreeError struct {
	Status string
}

func (e *DirtyWorkingTreeError) Error() string {
	return fmt.Sprintf("worktree is not clean:\n%s", e.Status)
}

// UntrackedFilesError is returned when remove refuses to discard untracked files.
type UntrackedFilesError struct {
	Files []string
}

func (e *UntrackedFilesError) Error() string {
	return fmt.Sprintf("worktree has untracked files: %s", strings.Join(e.Files, ", "))
}

// BranchExistsError is returned by spawn when the requested branch name collides.
type BranchExistsError struct {
	Name string
}

func (e *BranchExistsError) Error() string { return fmt.Sprintf("branch %q already exists", e.Name) }
func (e *BranchExistsError) VCRCode() string { return "BranchExists" }

// RebaseConflictError carries the list of files left conflicting by a failed
// rebase. Per spec this list must always be populated — a failure while
// diffing for conflicts is propagated, never swallowed into an empty slice.
type RebaseConflictError struct {
	Files []string
}

func (e *RebaseConflictError) Error() string {
	return fmt.Sprintf("rebase conflict in: %s", strings.Join(e.Files, ", "))
}
func (e *RebaseConflictError) VCRCode() string { return "RebaseConflict" }

// FastForwardFailedError is returned by land when main advanced between the
// rebase and the fast-forward merge.
type FastForwardFailedError struct{}

func (e *FastForwardFailedError) Error() string { return "fast-forward of main failed (main advanced)" }
func (e *FastForwardFailedError) VCRCode() string { return "FastForwardFailed" }

// GitCommandError wraps a generic, non-typed git subprocess failure.
type GitCommandError struct {
	Args   []string
	Stderr string
}

func (e *GitCommandError) Error() string {
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Stderr)
}
func (e *GitCommandError) VCRCode() string { return "GitCommand" }

func init() {
	recorder.RegisterErrorCode("BranchExists", decodeJSON[BranchExistsError])
	recorder.RegisterErrorCode("RebaseConflict", decodeJSON[RebaseConflictError])
	recorder.RegisterErrorCode("FastForwardFailed", decodeJSON[FastForwardFailedError])
	recorder.RegisterErrorCode("GitCommand", decodeJSON[GitCommandError])
}

func decodeJSON[T any](payload json.RawMessage) (error, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	// v is addressable through a pointer receiver for Error(); box it.
	ptr := &v
	if e, ok := any(ptr).(error); ok {
		return e, nil
	}
	return nil, fmt.Errorf("gitops: %T does not implement error", v)
}
