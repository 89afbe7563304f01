// Package gitops provides thin, typed wrappers over git invoked as a
// subprocess: spawning worker worktrees, syncing and landing branches onto
// main, and the utilities the conflict-resolution sub-machine needs. Every
// git invocation and every source of non-determinism (branch name choice)
// flows through a recorder.Recorder so a worker's entire run can be replayed.
package gitops

import (
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/crazytieguy/coven/internal/recorder"
)

// Retry constants for transient git errors (index/ref lock contention
// between sibling workers sharing one .git directory).
const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
	"unable to create",
}

func isTransient(msg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Worktree identifies a worker's isolated checkout.
type Worktree struct {
	Path   string
	Branch string
}

// Repo wraps git operations rooted at Dir (a worktree or the main checkout).
type Repo struct {
	Dir string

	rec       *recorder.Recorder
	sleepFunc func(time.Duration)
	rng       *rand.Rand
}

// NewRepo creates a Repo for dir, routing every git invocation through rec.
// rec may be nil, in which case calls run live with no journaling.
func NewRepo(dir string, rec *recorder.Recorder) *Repo {
	return &Repo{
		Dir:       dir,
		rec:       rec,
		sleepFunc: time.Sleep,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type runArgs struct {
	Dir  string   `json:"dir"`
	Args []string `json:"args"`
}

// run executes a git command in r.Dir, retrying transient lock contention
// with exponential backoff, and recording the call.
func (r *Repo) run(args ...string) (string, error) {
	label := "git:" + strings.Join(args, " ")
	a := runArgs{Dir: r.Dir, Args: args}
	return recorder.Call(r.rec, label, a, func(a runArgs) (string, error) {
		delay := retryInitialDelay
		var lastErr error
		for attempt := 0; attempt < retryMaxAttempts; attempt++ {
			cmd := exec.Command("git", a.Args...)
			cmd.Dir = a.Dir
			out, err := cmd.CombinedOutput()
			if err == nil {
				return strings.TrimSpace(string(out)), nil
			}
			stderr := strings.TrimSpace(string(out))
			lastErr = &GitCommandError{Args: a.Args, Stderr: stderr}
			if !isTransient(stderr) || attempt == retryMaxAttempts-1 {
				return "", lastErr
			}
			r.sleepFunc(delay)
			delay *= retryMultiplier
		}
		return "", lastErr
	})
}

// MainBranchName returns the repository's main branch: the branch
// origin/HEAD points at, falling back to the branch checked out in r.Dir.
func (r *Repo) MainBranchName() (string, error) {
	out, err := r.run("symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil {
		return strings.TrimPrefix(out, "origin/"), nil
	}
	// No origin/HEAD (local-only repo); fall back to the current branch of
	// the main worktree, which callers resolve before spawning workers.
	out, err = r.run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if out == "HEAD" {
		return "", &DetachedHeadError{}
	}
	return out, nil
}

// MainHeadSHA returns the tip commit of the given main branch.
func (r *Repo) MainHeadSHA(mainBranch string) (string, error) {
	return r.run("rev-parse", mainBranch)
}

// GitCommonDir returns the repository's common git directory (shared across
// all worktrees), used as the root for coven's shared on-disk state.
func (r *Repo) GitCommonDir() (string, error) {
	out, err := r.run("rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(out) {
		return out, nil
	}
	return filepath.Join(r.Dir, out), nil
}

// Spawn creates a new worktree on branch (generating an adjective-noun-N name
// if branch is ""), fails with BranchExistsError on collision, and
// best-effort mirrors files that are gitignored in main into the new
// worktree (build caches, local env files — anything a fresh `git worktree
// add` would otherwise leave absent).
func (r *Repo) Spawn(basePath, branch string) (Worktree, error) {
	if branch == "" {
		name, err := recorder.Call(r.rec, "gitops:generate-branch-name", struct{}{}, func(struct{}) (string, error) {
			return randomBranchName(r.rng), nil
		})
		if err != nil {
			return Worktree{}, err
		}
		branch = name
	}

	if r.branchExists(branch) {
		return Worktree{}, &BranchExistsError{Name: branch}
	}

	mainBranch, err := r.MainBranchName()
	if err != nil {
		return Worktree{}, err
	}

	worktreePath := filepath.Join(basePath, branch)
	if err := ensureParentDir(r.rec, filepath.Dir(worktreePath)); err != nil {
		return Worktree{}, err
	}

	if _, err := r.run("worktree", "add", "-b", branch, worktreePath, mainBranch); err != nil {
		return Worktree{}, err
	}

	mirrorGitignoredFiles(r.rec, r.Dir, worktreePath)

	return Worktree{Path: worktreePath, Branch: branch}, nil
}

type mkdirArgs struct{ Path string }

func ensureParentDir(rec *recorder.Recorder, path string) error {
	_, err := recorder.Call(rec, "fs:mkdir-all", mkdirArgs{Path: path}, func(a mkdirArgs) (struct{}, error) {
		return struct{}{}, os.MkdirAll(a.Path, 0755)
	})
	return err
}

// mirrorGitignoredFiles best-effort copies files that are gitignored in the
// main checkout into the newly spawned worktree, so local-only artifacts
// (e.g. .env, vendored caches) are present from the first iteration. Failure
// to mirror an individual file is not fatal — this is explicitly best-effort.
func mirrorGitignoredFiles(rec *recorder.Recorder, mainDir, worktreeDir string) {
	type listArgs struct{ Dir string }
	out, err := recorder.Call(rec, "git:ls-files-ignored", listArgs{Dir: mainDir}, func(a listArgs) (string, error) {
		cmd := exec.Command("git", "ls-files", "--others", "--ignored", "--exclude-standard")
		cmd.Dir = a.Dir
		out, err := cmd.CombinedOutput()
		return strings.TrimSpace(string(out)), err
	})
	if err != nil || out == "" {
		return
	}

	for _, rel := range strings.Split(out, "\n") {
		if rel == "" {
			continue
		}
		src := filepath.Join(mainDir, rel)
		dst := filepath.Join(worktreeDir, rel)
		copyArgs := struct{ Src, Dst string }{Src: src, Dst: dst}
		_, _ = recorder.Call(rec, "fs:copy-file", copyArgs, func(a struct{ Src, Dst string }) (struct{}, error) {
			return struct{}{}, copyFile(a.Src, a.Dst)
		})
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil // best-effort: source may have vanished
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	info, err := os.Stat(src)
	mode := os.FileMode(0644)
	if err == nil {
		mode = info.Mode()
	}
	return os.WriteFile(dst, data, mode)
}

func (r *Repo) branchExists(branch string) bool {
	_, err := r.run("rev-parse", "--verify", branch)
	return err == nil
}

// IsClean reports whether the worktree has no uncommitted or untracked changes.
func (r *Repo) IsClean() (bool, error) {
	out, err := r.run("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

func (r *Repo) statusOrEmpty() string {
	out, _ := r.run("status", "--porcelain")
	return out
}

// IsRebaseInProgress reports whether the worktree has a rebase underway.
func (r *Repo) IsRebaseInProgress() (bool, error) {
	out, err := r.run("rev-parse", "--git-path", "rebase-merge")
	if err != nil {
		return false, err
	}
	rebaseMerge := out
	if !filepath.IsAbs(rebaseMerge) {
		rebaseMerge = filepath.Join(r.Dir, out)
	}
	if dirExists(rebaseMerge) {
		return true, nil
	}
	out2, err := r.run("rev-parse", "--git-path", "rebase-apply")
	if err != nil {
		return false, err
	}
	rebaseApply := out2
	if !filepath.IsAbs(rebaseApply) {
		rebaseApply = filepath.Join(r.Dir, out2)
	}
	return dirExists(rebaseApply), nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// AbortRebase aborts any in-progress rebase. A failure (no rebase in
// progress) is swallowed, matching git's own idempotent behavior here.
func (r *Repo) AbortRebase() {
	_, _ = r.run("rebase", "--abort")
}

// Clean removes untracked files and resets any unstaged modifications.
// Every call is recorded and its failure is surfaced to the caller (never
// silently ignored), per the "clean the worktree is never a silent call" rule.
func (r *Repo) Clean() error {
	if _, err := r.run("clean", "-fd"); err != nil {
		return fmt.Errorf("gitops: clean: %w", err)
	}
	if _, err := r.run("checkout", "--", "."); err != nil {
		// Nothing staged to discard is not an error worth failing on.
		if !strings.Contains(err.Error(), "did not match any file") {
			return fmt.Errorf("gitops: checkout: %w", err)
		}
	}
	return nil
}

// ResetToMain hard-resets the worktree branch to mainBranch, discarding the
// worker's own commits. Callers must only invoke this after operator
// acknowledgment per the conflict-resolution ceiling (§4.8).
func (r *Repo) ResetToMain(mainBranch string) error {
	_, err := r.run("reset", "--hard", mainBranch)
	return err
}

// HasUniqueCommits reports whether the current branch has commits ahead of mainBranch.
func (r *Repo) HasUniqueCommits(mainBranch string) (bool, error) {
	out, err := r.run("rev-list", "--count", mainBranch+"..HEAD")
	if err != nil {
		return false, err
	}
	return out != "0", nil
}

// CommitsBetween returns commit hashes in (from, to], oldest first. If from
// is empty, returns all commits up to and including to.
func (r *Repo) CommitsBetween(from, to string) ([]string, error) {
	rangeSpec := to
	if from != "" {
		rangeSpec = from + ".." + to
	}
	out, err := r.run("rev-list", "--reverse", rangeSpec)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ChangedFiles lists files touched in (from, to], via `git diff --name-only`.
// If from is empty, returns every file in to (via `git ls-tree`).
func (r *Repo) ChangedFiles(from, to string) ([]string, error) {
	args := []string{"ls-tree", "-r", "--name-only", to}
	if from != "" {
		args = []string{"diff", "--name-only", from + ".." + to}
	}
	out, err := r.run(args...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// covenIgnorePatterns loads .covenignore from the worktree root, if present.
func (r *Repo) covenIgnorePatterns() *ignore.GitIgnore {
	data, err := os.ReadFile(filepath.Join(r.Dir, ".covenignore"))
	if err != nil {
		return nil
	}
	return ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...)
}

// CommitsOnlyTouchIgnoredFiles reports whether every file changed in (from,
// to] matches .covenignore, so a sleeping worker's watcher can skip waking
// for doc/config-only commits. A missing .covenignore, or an empty changed
// file list, always reports false.
func (r *Repo) CommitsOnlyTouchIgnoredFiles(from, to string) (bool, error) {
	gi := r.covenIgnorePatterns()
	if gi == nil {
		return false, nil
	}
	files, err := r.ChangedFiles(from, to)
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}
	for _, f := range files {
		if f == "" {
			continue
		}
		if !gi.MatchesPath(f) {
			return false, nil
		}
	}
	return true, nil
}

// conflictFiles lists files left in conflict after a failed rebase. The diff
// invocation's own failure is propagated rather than swallowed into an empty
// list, per the conflict-reporting rule in §4.2.
func (r *Repo) conflictFiles() ([]string, error) {
	out, err := r.run("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("gitops: listing conflict files: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// SyncToMain rebases the worker branch onto the current tip of mainBranch.
// If the worker branch has no extra commits this degenerates to a fast-forward.
func (r *Repo) SyncToMain(mainBranch string) error {
	return r.rebaseOnto(mainBranch)
}

func (r *Repo) rebaseOnto(mainBranch string) error {
	clean, err := r.IsClean()
	if err != nil {
		return err
	}
	if !clean {
		return &DirtyWorkingTreeError{Status: r.statusOrEmpty()}
	}

	if _, err := r.run("rebase", mainBranch); err != nil {
		files, diffErr := r.conflictFiles()
		if diffErr != nil {
			return diffErr
		}
		if len(files) == 0 {
			// Rebase failed but nothing is left conflicting — a generic git failure.
			return err
		}
		return &RebaseConflictError{Files: files}
	}
	return nil
}

// Land rebases the worker branch onto mainBranch, then fast-forwards
// mainBranch to the rebased tip. Not atomic from the filesystem's view: a
// RebaseConflictError may leave the worktree mid-rebase.
func (r *Repo) Land(mainBranch string) error {
	head, err := r.run("rev-parse", mainBranch)
	if err != nil {
		return err
	}

	branch, err := r.run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}
	if branch == "HEAD" {
		return &DetachedHeadError{}
	}

	worktreeList, err := r.run("worktree", "list", "--porcelain")
	if err != nil {
		return err
	}
	if isMainWorktree(worktreeList, r.Dir, branch, mainBranch) {
		return &IsMainWorktreeError{}
	}

	if err := r.rebaseOnto(mainBranch); err != nil {
		return err
	}

	rebasedTip, err := r.run("rev-parse", "HEAD")
	if err != nil {
		return err
	}

	// Fast-forward main to the rebased tip, but only if main has not moved
	// since we read its head above — otherwise a sibling worker landed in the
	// window and we must retry the whole rebase against the new tip.
	currentMainHead, err := r.run("rev-parse", mainBranch)
	if err != nil {
		return err
	}
	if currentMainHead != head {
		return &FastForwardFailedError{}
	}

	if _, err := r.run("update-ref", "refs/heads/"+mainBranch, rebasedTip, head); err != nil {
		return &FastForwardFailedError{}
	}

	return nil
}

func isMainWorktree(porcelainList, dir, branch, mainBranch string) bool {
	for _, block := range strings.Split(porcelainList, "\n\n") {
		lines := strings.Split(block, "\n")
		var path, b string
		for _, l := range lines {
			if strings.HasPrefix(l, "worktree ") {
				path = strings.TrimPrefix(l, "worktree ")
			}
			if strings.HasPrefix(l, "branch refs/heads/") {
				b = strings.TrimPrefix(l, "branch refs/heads/")
			}
		}
		if b == mainBranch && path != dir {
			return false
		}
	}
	return branch == mainBranch
}

// Remove removes wt and deletes its branch. r must be rooted at the main
// repository checkout (git worktree remove cannot run from inside the
// worktree being removed). Fails if the worktree has uncommitted or
// untracked files.
func (r *Repo) Remove(wt Worktree) error {
	wtRepo := NewRepo(wt.Path, r.rec)
	wtRepo.sleepFunc = r.sleepFunc
	clean, err := wtRepo.IsClean()
	if err != nil {
		return err
	}
	if !clean {
		return &DirtyWorkingTreeError{Status: wtRepo.statusOrEmpty()}
	}

	if _, err := r.run("worktree", "remove", wt.Path); err != nil {
		return err
	}
	_, _ = r.run("branch", "-D", wt.Branch)
	return nil
}
