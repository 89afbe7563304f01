// Package resolve implements ConflictResolver (§4.8): the bounded retry
// machine entered when a land attempt reports a rebase conflict, or when
// main advances out from under a fast-forward.
package resolve

import (
	"errors"
	"fmt"

	"github.com/crazytieguy/coven/internal/gitops"
	"github.com/crazytieguy/coven/internal/session"
)

// MaxLandAttempts bounds both the rebase-conflict retry counter and the
// separate fast-forward-failed retry counter, to prevent live-lock.
const MaxLandAttempts = 5

// Outcome reports how resolution ended.
type Outcome int

const (
	// Landed means land ultimately succeeded.
	Landed Outcome = iota
	// NeedsPause means attempts were exhausted; the worker must reset to
	// main and wait for an operator to acknowledge before continuing.
	NeedsPause
)

// Logf receives the "clean the worktree" diagnostic the worker should log;
// resolve.go never logs silently.
type Logf func(format string, args ...any)

// Resolver drives the land-conflict retry schedule for one worktree.
type Resolver struct {
	Repo       *gitops.Repo
	Driver     *session.Driver
	MainBranch string
	WorkDir    string
	Log        Logf

	landAttempts int
	ffAttempts   int
}

// New returns a Resolver for one worker's worktree/repo pair.
func New(repo *gitops.Repo, driver *session.Driver, mainBranch, workDir string, log Logf) *Resolver {
	if log == nil {
		log = func(string, ...any) {}
	}
	return &Resolver{Repo: repo, Driver: driver, MainBranch: mainBranch, WorkDir: workDir, Log: log}
}

// ResolveRebaseConflict is entered when land returns a RebaseConflictError.
// runner is the just-finished agent session (nil if it died before Init, in
// which case resolution starts a fresh session instead of aborting work).
// sessionID is the recorded session id to resume, or "" if none.
func (r *Resolver) ResolveRebaseConflict(runner *session.Runner, sessionID string, files []string) (Outcome, error) {
	for {
		r.landAttempts++
		if r.landAttempts > MaxLandAttempts {
			return r.pause("rebase conflict retries exhausted")
		}

		prompt := fmt.Sprintf("The rebase onto %s produced conflicts in:\n%s\n\nResolve them and run `git rebase --continue`.",
			r.MainBranch, bulletList(files))

		var err error
		runner, err = r.resumeOrFresh(runner, sessionID, prompt)
		if err != nil {
			return r.pause(fmt.Sprintf("resuming agent for conflict resolution: %s", err))
		}
		sessionID = drainToResultOrExit(runner)

		inProgress, err := r.Repo.IsRebaseInProgress()
		if err != nil {
			return r.pause(fmt.Sprintf("checking rebase state: %s", err))
		}

		if inProgress {
			if err := runner.Send("Run `git rebase --continue` to complete the rebase."); err != nil {
				return r.pause(fmt.Sprintf("nudging agent: %s", err))
			}
			drainToResultOrExit(runner)

			inProgress, err = r.Repo.IsRebaseInProgress()
			if err != nil {
				return r.pause(fmt.Sprintf("checking rebase state: %s", err))
			}
			if inProgress {
				r.Repo.AbortRebase()
				continue // counts as one failed attempt; loop retries step 1
			}
		}

		unique, err := r.Repo.HasUniqueCommits(r.MainBranch)
		if err != nil {
			return r.pause(fmt.Sprintf("checking unique commits: %s", err))
		}
		if !unique {
			return r.pause("worktree has no unique commits after conflict resolution")
		}

		err = r.Repo.Land(r.MainBranch)
		if err == nil {
			return Landed, nil
		}

		var rc *gitops.RebaseConflictError
		if errors.As(err, &rc) {
			files = rc.Files
			continue
		}

		var ff *gitops.FastForwardFailedError
		if errors.As(err, &ff) {
			outcome, ffErr := r.ResolveFastForward()
			return outcome, ffErr
		}

		return r.pause(fmt.Sprintf("land failed: %s", err))
	}
}

// ResolveFastForward retries land after a FastForwardFailed race (main
// advanced between the worker's read of main's head and its compare-and-swap
// update-ref). This path never requires operator input, but is bounded by
// MaxLandAttempts like the conflict path, to avoid live-lock against a
// constantly-advancing main.
func (r *Resolver) ResolveFastForward() (Outcome, error) {
	for {
		r.ffAttempts++
		if r.ffAttempts > MaxLandAttempts {
			return r.pause("fast-forward retries exhausted")
		}

		if err := r.Repo.SyncToMain(r.MainBranch); err != nil {
			var rc *gitops.RebaseConflictError
			if errors.As(err, &rc) {
				return r.ResolveRebaseConflict(nil, "", rc.Files)
			}
			return r.pause(fmt.Sprintf("re-syncing to main: %s", err))
		}

		err := r.Repo.Land(r.MainBranch)
		if err == nil {
			return Landed, nil
		}
		var ff *gitops.FastForwardFailedError
		if errors.As(err, &ff) {
			continue
		}
		var rc *gitops.RebaseConflictError
		if errors.As(err, &rc) {
			return r.ResolveRebaseConflict(nil, "", rc.Files)
		}
		return r.pause(fmt.Sprintf("land failed: %s", err))
	}
}

// pause aborts any in-progress rebase, resets the branch to main (discarding
// the worker's commits), cleans the worktree, and reports NeedsPause with a
// message for the operator. The caller renders the message and waits for
// Enter before re-entering WorkerLoop.
func (r *Resolver) pause(reason string) (Outcome, error) {
	r.Repo.AbortRebase()
	if err := r.Repo.ResetToMain(r.MainBranch); err != nil {
		r.Log("resolve: reset to main failed: %s", err)
	}
	if err := r.Repo.Clean(); err != nil {
		r.Log("resolve: cleaning worktree failed: %s", err)
	}
	return NeedsPause, fmt.Errorf("%s", reason)
}

func (r *Resolver) resumeOrFresh(runner *session.Runner, sessionID, prompt string) (*session.Runner, error) {
	if runner != nil {
		if err := runner.Send(prompt); err != nil {
			return nil, err
		}
		return runner, nil
	}
	return r.Driver.Spawn(session.Config{Prompt: prompt, Resume: sessionID, WorkingDir: r.WorkDir})
}

// drainToResultOrExit reads events until Result or ProcessExit, returning
// the session id observed at Init (if any), so a subsequent resume call can
// target the same conversation.
func drainToResultOrExit(runner *session.Runner) string {
	sessionID := ""
	for {
		ev, err := runner.Next()
		if err != nil {
			return sessionID
		}
		switch ev.Kind {
		case session.EventInit:
			sessionID = ev.SessionID
		case session.EventResult, session.EventProcessExit:
			return sessionID
		}
	}
}

func bulletList(files []string) string {
	out := ""
	for _, f := range files {
		out += "- " + f + "\n"
	}
	return out
}

