// Package registry implements the on-disk registry of live workers (§4.3),
// the cross-process dispatch lock that serializes dispatch-agent runs
// cluster-wide, and the per-agent concurrency semaphore. All of it lives
// under a shared directory (the git common directory's coven subtree) that
// every worker in the cluster reads and writes.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/crazytieguy/coven/internal/recorder"
)

// Record is one worker's entry in the shared registry.
type Record struct {
	PID          int               `json:"pid"`
	WorktreePath string            `json:"worktree_path"`
	Branch       string            `json:"branch"`
	Agent        *string           `json:"agent"`
	Args         map[string]string `json:"args"`
}

// AlreadyRegisteredError is returned by Register when a record already
// exists for this worker's branch.
type AlreadyRegisteredError struct {
	Branch string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("worker for branch %q is already registered", e.Branch)
}
func (e *AlreadyRegisteredError) VCRCode() string { return "AlreadyRegistered" }

// MalformedRecordError describes a registry file that failed to parse. It is
// returned as a warning from ReadAll, never silently swallowed — the
// offending file is quarantined (removed) so it doesn't wedge future reads.
type MalformedRecordError struct {
	Path string
	Err  error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed registry record %s (quarantined): %s", e.Path, e.Err)
}

func init() {
	recorder.RegisterErrorCode("AlreadyRegistered", func(payload json.RawMessage) (error, error) {
		var e AlreadyRegisteredError
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return &e, nil
	})
}

// Registry manages worker records under Dir.
type Registry struct {
	Dir string
	rec *recorder.Recorder
}

// New creates a Registry rooted at dir (typically
// fileutil.CovenSubdir(gitCommonDir, "registry")), routing filesystem and
// liveness-probe calls through rec.
func New(dir string, rec *recorder.Recorder) *Registry {
	return &Registry{Dir: dir, rec: rec}
}

func (r *Registry) path(branch string) string {
	return recordPath(r.Dir, branch)
}

// recordPath names the record file for branch, flattening "/" so that a
// branch like "coven/task-a" maps to one file directly under dir.
func recordPath(dir, branch string) string {
	return filepath.Join(dir, strings.ReplaceAll(branch, "/", "_")+".json")
}

type registerArgs struct {
	Dir          string
	Branch       string
	WorktreePath string
	PID          int
}

// Register creates a new record for this worker. Fails with
// AlreadyRegisteredError if a record file for this branch already exists,
// whether or not its PID is still alive.
func (r *Registry) Register(worktreePath, branch string) error {
	args := registerArgs{Dir: r.Dir, Branch: branch, WorktreePath: worktreePath, PID: os.Getpid()}
	_, err := recorder.Call(r.rec, "registry:register", args, func(a registerArgs) (struct{}, error) {
		if err := os.MkdirAll(a.Dir, 0755); err != nil {
			return struct{}{}, err
		}
		path := recordPath(a.Dir, a.Branch)
		if _, statErr := os.Stat(path); statErr == nil {
			return struct{}{}, &AlreadyRegisteredError{Branch: a.Branch}
		}
		rec := Record{PID: a.PID, WorktreePath: a.WorktreePath, Branch: a.Branch, Args: map[string]string{}}
		return struct{}{}, writeRecordFile(path, rec)
	})
	return err
}

type updateArgs struct {
	Dir          string
	Branch       string
	WorktreePath string
	PID          int
	Agent        *string
	Args         map[string]string
}

// Update atomically rewrites the record for this worker's branch to reflect
// exactly the given agent and args. Callers must invoke this immediately
// after semaphore acquisition and before the agent's prompt is assembled, so
// the on-disk record never lags the agent that is actually running, and must
// pass only caller-owned args — no transient sibling-status context.
func (r *Registry) Update(worktreePath, branch string, agent *string, args map[string]string) error {
	clean := map[string]string{}
	for k, v := range args {
		clean[k] = v
	}
	a := updateArgs{Dir: r.Dir, Branch: branch, WorktreePath: worktreePath, PID: os.Getpid(), Agent: agent, Args: clean}
	_, err := recorder.Call(r.rec, "registry:update", a, func(a updateArgs) (struct{}, error) {
		if err := os.MkdirAll(a.Dir, 0755); err != nil {
			return struct{}{}, err
		}
		rec := Record{PID: a.PID, WorktreePath: a.WorktreePath, Branch: a.Branch, Agent: a.Agent, Args: a.Args}
		return struct{}{}, writeRecordFile(recordPath(a.Dir, a.Branch), rec)
	})
	return err
}

// Deregister best-effort removes this worker's record. Failure is warn-only:
// the caller logs it but worker shutdown proceeds regardless.
func (r *Registry) Deregister(branch string) error {
	args := struct{ Path string }{Path: r.path(branch)}
	_, err := recorder.Call(r.rec, "registry:deregister", args, func(a struct{ Path string }) (struct{}, error) {
		err := os.Remove(a.Path)
		if os.IsNotExist(err) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	return err
}

// writeRecordFile writes rec as JSON via a temp-file-then-rename, so
// concurrent readers never observe a partially written file.
func writeRecordFile(path string, rec Record) error {
	if rec.Args == nil {
		rec.Args = map[string]string{}
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

type readAllArgs struct {
	Dir string
}

type readAllResult struct {
	Records  []Record `json:"records"`
	Warnings []string `json:"warnings"`
}

// ReadAll scans dir, parsing each *.json file. Files that fail to parse are
// removed and reported as warnings (never silently discarded). Records whose
// PID is no longer alive are filtered out of the returned slice.
func (r *Registry) ReadAll(isAlive func(pid int) bool) ([]Record, []error, error) {
	args := readAllArgs{Dir: r.Dir}
	result, err := recorder.Call(r.rec, "registry:read-all", args, func(a readAllArgs) (readAllResult, error) {
		entries, err := os.ReadDir(a.Dir)
		if os.IsNotExist(err) {
			return readAllResult{}, nil
		}
		if err != nil {
			return readAllResult{}, err
		}

		var out readAllResult
		for _, ent := range entries {
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
				continue
			}
			path := filepath.Join(a.Dir, ent.Name())
			data, readErr := os.ReadFile(path)
			if readErr != nil {
				continue
			}
			var rec Record
			if parseErr := json.Unmarshal(data, &rec); parseErr != nil {
				_ = os.Remove(path)
				out.Warnings = append(out.Warnings, (&MalformedRecordError{Path: path, Err: parseErr}).Error())
				continue
			}
			out.Records = append(out.Records, rec)
		}
		return out, nil
	})
	if err != nil {
		return nil, nil, err
	}

	var warnings []error
	for _, w := range result.Warnings {
		warnings = append(warnings, fmt.Errorf("%s", w))
	}

	var live []Record
	for _, rec := range result.Records {
		if isAlive(rec.PID) {
			live = append(live, rec)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Branch < live[j].Branch })
	return live, warnings, nil
}

// FormatForSiblings produces a stable, key-sorted, human-readable summary of
// records that the worker appends to the next agent's prompt text (it is not
// passed through the session's system-prompt option). Records
// for excludingBranch are omitted. This text is never itself stored in the
// registry.
func FormatForSiblings(records []Record, excludingBranch string) string {
	var lines []string
	for _, rec := range records {
		if rec.Branch == excludingBranch {
			continue
		}
		agent := "idle"
		if rec.Agent != nil && *rec.Agent != "" {
			agent = *rec.Agent
		}
		keys := make([]string, 0, len(rec.Args))
		for k := range rec.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var argParts []string
		for _, k := range keys {
			argParts = append(argParts, fmt.Sprintf("%s=%s", k, rec.Args[k]))
		}
		line := fmt.Sprintf("- %s: %s", rec.Branch, agent)
		if len(argParts) > 0 {
			line += " (" + strings.Join(argParts, ", ") + ")"
		}
		lines = append(lines, line)
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return "(no other workers active)"
	}
	return strings.Join(lines, "\n")
}

// IsProcessAlive reports whether pid is a live process, probed via the
// cheapest available "does this PID exist" syscall (signal 0), never by
// shelling out.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
