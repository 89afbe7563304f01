// Package worker implements WorkerLoop (§4.9): the top-level state machine
// that composes a worktree, the dispatch lock, agent sessions, transition
// parsing, and landing into one long-lived cooperative task.
package worker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/crazytieguy/coven/internal/config"
	"github.com/crazytieguy/coven/internal/fileutil"
	"github.com/crazytieguy/coven/internal/gitops"
	"github.com/crazytieguy/coven/internal/recorder"
	"github.com/crazytieguy/coven/internal/registry"
	"github.com/crazytieguy/coven/internal/resolve"
	"github.com/crazytieguy/coven/internal/session"
	"github.com/crazytieguy/coven/internal/transition"
	"github.com/crazytieguy/coven/internal/watch"
)

// Logf is how the worker surfaces diagnostics; callers typically pass a
// slog-backed function.
type Logf func(format string, args ...any)

// Worker holds everything one long-lived worker needs for its lifetime.
type Worker struct {
	MainRepo     *gitops.Repo // rooted at the repository's primary checkout
	Config       *config.Config
	Catalog      *config.Catalog
	Rec          *recorder.Recorder
	WorktreeBase string
	Branch       string // fixed branch name, or "" to let Spawn generate one
	ExtraArgs    []string
	Log          Logf

	Cancel <-chan struct{} // operator interrupt
	Stdin  io.Reader       // operator resume signal after a pause; defaults to os.Stdin

	gitCommonDir string
	stateDir     string
	registry     *registry.Registry
	driver       *session.Driver
}

// Run drives the worker loop until cancellation or a fatal error.
func Run(w *Worker) error {
	if w.Log == nil {
		w.Log = func(string, ...any) {}
	}
	if w.Stdin == nil {
		w.Stdin = os.Stdin
	}

	gitCommonDir, err := w.MainRepo.GitCommonDir()
	if err != nil {
		return fmt.Errorf("worker: not a git repository: %w", err)
	}
	w.gitCommonDir = gitCommonDir
	w.stateDir = fileutil.CovenStateDir(gitCommonDir)
	w.registry = registry.New(fileutil.CovenSubdir(gitCommonDir, "registry"), w.Rec)
	w.driver = session.New(w.Rec, w.Config.Settings.AgentCommand)

	mainBranch, err := w.MainRepo.MainBranchName()
	if err != nil {
		return fmt.Errorf("worker: resolving main branch: %w", err)
	}

	wt, err := w.MainRepo.Spawn(w.WorktreeBase, w.Branch)
	if err != nil {
		return fmt.Errorf("worker: spawning worktree: %w", err)
	}

	repo := gitops.NewRepo(wt.Path, w.Rec)

	if err := w.registry.Register(wt.Path, wt.Branch); err != nil {
		return fmt.Errorf("worker: registering: %w", err)
	}
	defer func() {
		if err := w.registry.Deregister(wt.Branch); err != nil {
			w.Log("worker: deregister failed: %s", err)
		}
	}()

	defer func() {
		if err := w.MainRepo.Remove(wt); err != nil {
			w.Log("worker: removing worktree %s failed: %s", wt.Path, err)
		}
	}()

	if w.Config.Permissions != nil {
		if err := writePermissions(wt.Path, w.Config.Permissions); err != nil {
			w.Log("worker: writing permissions: %s", err)
		}
	}

	logPath := fileutil.LogPathFor(gitCommonDir, wt.Branch)
	if err := fileutil.EnsureDir(filepath.Dir(logPath)); err != nil {
		return fmt.Errorf("worker: creating log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("worker: opening log file: %w", err)
	}
	defer logFile.Close()

	loop := &loopState{
		w: w, repo: repo, wt: wt, mainBranch: mainBranch, logFile: logFile,
	}
	return loop.run()
}

// loopState carries the running state threaded through one worker's
// iterations of AcquireDispatchLock → RunAgent → ParseTransition → ...
type loopState struct {
	w          *Worker
	repo       *gitops.Repo
	wt         gitops.Worktree
	mainBranch string
	logFile    *os.File
}

func (l *loopState) run() error {
	dispatchAgent := l.w.Config.Settings.DispatchAgent

	agentName := dispatchAgent
	var agentArgs map[string]string

	for {
		select {
		case <-l.w.Cancel:
			return nil
		default:
		}

		if cancelled, err := l.syncToMain(); err != nil {
			return err
		} else if cancelled {
			return nil
		}

		guard, err := registry.AcquireDispatchLock(l.w.Rec, l.w.stateDir)
		if err != nil {
			return fmt.Errorf("worker: acquiring dispatch lock: %w", err)
		}

		if err := l.w.registry.Update(l.wt.Path, l.wt.Branch, &agentName, cleanArgs(agentArgs)); err != nil {
			guard.Close()
			return fmt.Errorf("worker: updating registry: %w", err)
		}

		finalText, sessionID, cancelled, err := l.runAgent(agentName, agentArgs)
		guard.Close()
		if err != nil {
			return fmt.Errorf("worker: running entry agent %s: %w", agentName, err)
		}
		if cancelled {
			return nil
		}

		tr, err := l.parseTransitionWithRetry(finalText, sessionID)
		if err != nil {
			return fmt.Errorf("worker: agent %s did not produce a valid transition: %w", agentName, err)
		}

		if tr.Sleep {
			if cancelled, err := l.waitForNewCommits(); err != nil {
				return err
			} else if cancelled {
				return nil
			}
			agentName, agentArgs = dispatchAgent, nil
			continue
		}

		def := l.w.Catalog.Get(tr.Next.Agent)
		sem := registry.NewSemaphore(l.w.Rec, fileutil.CovenSubdir(l.w.gitCommonDir, "semaphores"), tr.Next.Agent, maxConcurrency(def))
		semGuard, err := sem.Acquire(l.w.Cancel)
		if err != nil {
			return fmt.Errorf("worker: acquiring semaphore for %s: %w", tr.Next.Agent, err)
		}

		if err := l.w.registry.Update(l.wt.Path, l.wt.Branch, &tr.Next.Agent, cleanArgs(tr.Next.Args)); err != nil {
			semGuard.Close()
			return fmt.Errorf("worker: updating registry: %w", err)
		}

		finalText, sessionID, cancelled, err = l.runAgent(tr.Next.Agent, tr.Next.Args)
		if err != nil {
			semGuard.Close()
			return fmt.Errorf("worker: running agent %s: %w", tr.Next.Agent, err)
		}
		if cancelled {
			semGuard.Close()
			return nil
		}

		outcome, err := l.ensureCommitsAndLand(def, finalText, sessionID)
		semGuard.Close()
		if err != nil {
			return err
		}

		switch outcome {
		case outcomeCancelled:
			return nil
		case outcomeSleep:
			if cancelled, err := l.waitForNewCommits(); err != nil {
				return err
			} else if cancelled {
				return nil
			}
		case outcomeSkippedLanding:
			// fall through to entry agent without waiting
		case outcomeLanded:
			// fall through to entry agent
		}
		agentName, agentArgs = dispatchAgent, nil
	}
}

type outcome int

const (
	outcomeLanded outcome = iota
	outcomeSleep
	outcomeSkippedLanding
	// outcomeCancelled means the worker paused for an operator pause-and-Enter
	// wait (§4.8 step 3) and was cancelled while waiting.
	outcomeCancelled
)

func (l *loopState) syncToMain() (cancelled bool, err error) {
	err = l.repo.SyncToMain(l.mainBranch)
	if err == nil {
		return false, nil
	}
	var rc *gitops.RebaseConflictError
	if errors.As(err, &rc) {
		res := resolve.New(l.repo, l.w.driver, l.mainBranch, l.wt.Path, l.w.Log)
		ro, resolveErr := res.ResolveRebaseConflict(nil, "", rc.Files)
		if ro == resolve.NeedsPause {
			return l.awaitOperatorResume(resolveErr), nil
		}
		return false, resolveErr
	}
	return false, fmt.Errorf("syncing to main: %w", err)
}

// runAgent renders the agent's prompt (with sibling status injected), spawns
// a session, and drains it to completion, returning the final assistant text
// and the session id (for later resume, e.g. by ConflictResolver).
func (l *loopState) runAgent(agentName string, args map[string]string) (finalText, sessionID string, cancelled bool, err error) {
	prompt, err := l.buildPrompt(agentName, args)
	if err != nil {
		return "", "", false, err
	}

	extraArgs := append([]string{}, l.w.Config.Settings.AgentArgs...)
	if def := l.w.Catalog.Get(agentName); def != nil {
		extraArgs = append(extraArgs, def.ClaudeArgs...)
	}
	extraArgs = append(extraArgs, l.w.ExtraArgs...)

	runner, err := l.w.driver.Spawn(session.Config{
		Prompt: prompt, WorkingDir: l.wt.Path, ExtraArgs: extraArgs,
	})
	if err != nil {
		return "", "", false, err
	}

	interrupted := false
	for {
		ev, nextErr := l.nextEvent(runner, &interrupted)
		if nextErr != nil {
			return "", sessionID, interrupted, nextErr
		}
		l.logEvent(agentName, ev)
		switch ev.Kind {
		case session.EventInit:
			sessionID = ev.SessionID
		case session.EventResult:
			return ev.FinalText, sessionID, interrupted, nil
		case session.EventProcessExit:
			return finalText, sessionID, interrupted, nil
		case session.EventParseWarning:
			l.w.Log("worker: session parse warning: %s", ev.Warning)
		}
	}
}

// nextEvent reads the next session event. The first time Cancel fires while
// a read is in flight, it calls Interrupt on the live session (graceful
// SIGINT with bounded wait and SIGKILL escalation, per session.Runner.Interrupt)
// instead of leaving the agent to finish on its own schedule; subsequent
// reads proceed as normal, draining the session to its actual exit.
func (l *loopState) nextEvent(runner *session.Runner, interrupted *bool) (session.Event, error) {
	if *interrupted {
		return runner.Next()
	}

	type result struct {
		ev  session.Event
		err error
	}
	done := make(chan result, 1)
	go func() {
		ev, err := runner.Next()
		done <- result{ev, err}
	}()

	select {
	case r := <-done:
		return r.ev, r.err
	case <-l.w.Cancel:
		*interrupted = true
		if err := runner.Interrupt(); err != nil {
			l.w.Log("worker: interrupting agent session: %s", err)
		}
		r := <-done
		return r.ev, r.err
	}
}

// logEvent mirrors one session event into the worker's per-branch transcript
// log, consulted by `coven logs <branch>`.
func (l *loopState) logEvent(agentName string, ev session.Event) {
	if l.logFile == nil {
		return
	}
	var line string
	switch ev.Kind {
	case session.EventStreamText:
		line = ev.Text
	case session.EventThinking:
		line = "[thinking] " + ev.Text
	case session.EventToolUse:
		line = fmt.Sprintf("[tool] %s %s", ev.ToolName, ev.ToolInput)
	case session.EventResult:
		line = fmt.Sprintf("[%s result] %s", agentName, ev.FinalText)
	default:
		return
	}
	fmt.Fprintf(l.logFile, "%s\n", line)
}

func (l *loopState) buildPrompt(agentName string, args map[string]string) (string, error) {
	if agentName == l.w.Config.Settings.DispatchAgent {
		def := l.w.Catalog.Get(agentName)
		base := ""
		if def != nil {
			rendered, err := def.Render(args)
			if err != nil {
				return "", err
			}
			base = rendered
		}
		return l.withSiblingStatus(base), nil
	}

	def := l.w.Catalog.Get(agentName)
	if def == nil {
		return "", fmt.Errorf("unknown agent %q", agentName)
	}
	rendered, err := def.Render(args)
	if err != nil {
		return "", err
	}
	return l.withSiblingStatus(rendered), nil
}

func (l *loopState) withSiblingStatus(prompt string) string {
	records, warnings, err := l.w.registry.ReadAll(registry.IsProcessAlive)
	for _, warn := range warnings {
		l.w.Log("worker: registry: %s", warn)
	}
	if err != nil {
		l.w.Log("worker: reading registry for sibling status: %s", err)
		return prompt
	}
	return prompt + "\n\n## Other active workers\n\n" + registry.FormatForSiblings(records, l.wt.Branch)
}

func (l *loopState) parseTransitionWithRetry(finalText, sessionID string) (transition.Transition, error) {
	tr, err := transition.Parse(finalText)
	if err == nil {
		return tr, nil
	}

	if sessionID == "" {
		return transition.Transition{}, err
	}

	runner, spawnErr := l.w.driver.Spawn(session.Config{
		Prompt: transition.ReminderMessage, Resume: sessionID, WorkingDir: l.wt.Path,
	})
	if spawnErr != nil {
		return transition.Transition{}, err
	}
	retryText := ""
	for {
		ev, nerr := runner.Next()
		if nerr != nil {
			break
		}
		if ev.Kind == session.EventResult {
			retryText = ev.FinalText
			break
		}
		if ev.Kind == session.EventProcessExit {
			break
		}
	}

	return transition.Parse(retryText)
}

func (l *loopState) ensureCommitsAndLand(def *config.AgentDef, finalText, sessionID string) (outcome, error) {
	unique, err := l.repo.HasUniqueCommits(l.mainBranch)
	if err != nil {
		return outcomeLanded, fmt.Errorf("checking unique commits: %w", err)
	}

	if !unique {
		if def != nil && def.OnNoCommits == "sleep" {
			return outcomeSleep, nil
		}
		if sessionID != "" {
			l.resumeReminder(sessionID)
			unique, err = l.repo.HasUniqueCommits(l.mainBranch)
			if err != nil {
				return outcomeLanded, fmt.Errorf("checking unique commits: %w", err)
			}
		}
		if !unique {
			return outcomeSkippedLanding, nil
		}
	}

	if failedGate := l.runGates(); failedGate != "" {
		l.w.Log("worker: gate %q failed, skipping land this round", failedGate)
		return outcomeSkippedLanding, nil
	}

	err = l.repo.Land(l.mainBranch)
	if err == nil {
		return outcomeLanded, nil
	}

	res := resolve.New(l.repo, l.w.driver, l.mainBranch, l.wt.Path, l.w.Log)

	var rc *gitops.RebaseConflictError
	if errors.As(err, &rc) {
		var runner *session.Runner
		ro, resolveErr := res.ResolveRebaseConflict(runner, sessionID, rc.Files)
		return l.handleResolveOutcome(ro, resolveErr)
	}
	var ff *gitops.FastForwardFailedError
	if errors.As(err, &ff) {
		ro, resolveErr := res.ResolveFastForward()
		return l.handleResolveOutcome(ro, resolveErr)
	}
	return outcomeLanded, fmt.Errorf("landing: %w", err)
}

// handleResolveOutcome turns a resolve.Outcome into the worker loop's own
// outcome type. NeedsPause means the retry budget was exhausted: per §4.8
// step 3 this is an explicit operator pause, not a fatal error, so it renders
// the reason and waits for the operator rather than propagating resolveErr.
func (l *loopState) handleResolveOutcome(ro resolve.Outcome, resolveErr error) (outcome, error) {
	if ro == resolve.Landed {
		return outcomeLanded, nil
	}
	if l.awaitOperatorResume(resolveErr) {
		return outcomeCancelled, nil
	}
	return outcomeSkippedLanding, nil
}

// awaitOperatorResume renders reason as a pause message and blocks until the
// operator presses Enter on stdin, or Cancel fires first.
func (l *loopState) awaitOperatorResume(reason error) (cancelled bool) {
	l.w.Log("worker: paused for operator: %s (press Enter to continue)", reason)

	lineRead := make(chan struct{})
	go func() {
		bufio.NewReader(l.w.Stdin).ReadString('\n')
		close(lineRead)
	}()

	select {
	case <-lineRead:
		return false
	case <-l.w.Cancel:
		return true
	}
}

// runGates runs every configured gate against the worktree before a land
// attempt, in order, stopping at the first failure. It returns the failing
// gate's name, or "" if all gates passed (or none are configured). A gate
// failure is not fatal to the worker: the round is simply skipped, giving
// the agent another turn to fix it.
func (l *loopState) runGates() string {
	for _, g := range l.w.Config.Gates {
		runStr := strings.ReplaceAll(g.Run, "{staged}", "")
		c := exec.Command("sh", "-c", runStr)
		c.Dir = l.wt.Path
		if err := c.Run(); err != nil {
			return g.Name
		}
	}
	return ""
}

func (l *loopState) resumeReminder(sessionID string) {
	runner, err := l.w.driver.Spawn(session.Config{
		Prompt: "No commits were made. If there is work to do, make it and commit it now.",
		Resume: sessionID, WorkingDir: l.wt.Path,
	})
	if err != nil {
		l.w.Log("worker: resuming for no-commit reminder: %s", err)
		return
	}
	for {
		ev, err := runner.Next()
		if err != nil || ev.Kind == session.EventResult || ev.Kind == session.EventProcessExit {
			return
		}
	}
}

// waitForNewCommits installs a RefWatcher per §4.4's race rule and blocks
// until main's SHA changes to something other than an ignored-only commit
// (per .covenignore), or cancel fires.
func (l *loopState) waitForNewCommits() (cancelled bool, err error) {
	rw, err := watch.New(l.w.gitCommonDir, l.mainBranch)
	if err != nil {
		return false, fmt.Errorf("installing ref watcher: %w", err)
	}
	defer rw.Close()

	initialSHA, err := l.repo.MainHeadSHA(l.mainBranch)
	if err != nil {
		return false, fmt.Errorf("reading initial main SHA: %w", err)
	}
	rw.Drain()

	if wake, err := l.shouldWake(initialSHA); err != nil {
		return false, err
	} else if wake {
		return false, nil
	}

	for {
		changed, cancelled := rw.Recv(l.w.Cancel)
		if cancelled {
			return true, nil
		}
		if !changed {
			continue
		}
		if wake, err := l.shouldWake(initialSHA); err != nil {
			return false, err
		} else if wake {
			return false, nil
		}
	}
}

// shouldWake re-reads main's head and reports whether the worker should wake:
// the SHA moved, and the commits since initialSHA are not entirely covered
// by .covenignore (mirrors the teacher's .lineignore intent — doc/config-only
// commits never wake a sleeping worker).
func (l *loopState) shouldWake(initialSHA string) (bool, error) {
	sha, err := l.repo.MainHeadSHA(l.mainBranch)
	if err != nil {
		return false, fmt.Errorf("reading main SHA: %w", err)
	}
	if sha == initialSHA {
		return false, nil
	}
	onlyIgnored, err := l.repo.CommitsOnlyTouchIgnoredFiles(initialSHA, sha)
	if err != nil {
		l.w.Log("worker: checking ignored-only commits: %s", err)
		return true, nil
	}
	return !onlyIgnored, nil
}

func cleanArgs(args map[string]string) map[string]string {
	if args == nil {
		return map[string]string{}
	}
	return args
}

func maxConcurrency(def *config.AgentDef) int {
	if def == nil {
		return 0
	}
	return def.MaxConcurrency
}

func writePermissions(worktreeDir string, perms *config.Permissions) error {
	claudeDir := fileutil.ClaudeDir(worktreeDir)
	if err := os.MkdirAll(claudeDir, 0755); err != nil {
		return err
	}
	settings := map[string]any{"permissions": perms}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(claudeDir, "settings.json"), append(data, '\n'), 0644)
}
