// Package session implements SessionDriver (§4.6): it spawns the LLM
// subprocess behind a pty, feeds it a prompt, and exposes a typed event
// stream in place of raw process plumbing. Every observable effect (spawn,
// each event read, send, interrupt) is routed through the recorder seam —
// the driver itself is never consulted outside it.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/crazytieguy/coven/internal/recorder"
)

// Config describes one session invocation.
type Config struct {
	Prompt             string
	Resume             string
	ExtraArgs          []string
	WorkingDir         string
	AppendSystemPrompt string
}

// EventKind distinguishes the variants of the session event stream.
type EventKind string

const (
	EventInit         EventKind = "init"
	EventStreamText   EventKind = "stream_text"
	EventToolUse      EventKind = "tool_use"
	EventToolResult   EventKind = "tool_result"
	EventThinking     EventKind = "thinking"
	EventResult       EventKind = "result"
	EventParseWarning EventKind = "parse_warning"
	EventProcessExit  EventKind = "process_exit"
)

// Event is one item in the session event stream.
type Event struct {
	Kind EventKind `json:"kind"`

	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	Text string `json:"text,omitempty"`

	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`

	FinalText string  `json:"final_text,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`

	Warning string `json:"warning,omitempty"`

	ExitCode *int `json:"exit_code,omitempty"`
}

// Driver spawns sessions for a configured agent command (e.g. "claude").
type Driver struct {
	Command string
	rec     *recorder.Recorder
}

// New returns a Driver invoking command, journaling through rec.
func New(rec *recorder.Recorder, command string) *Driver {
	return &Driver{Command: command, rec: rec}
}

// Runner is one live (or replayed) session.
type Runner struct {
	rec *recorder.Recorder

	cmd    *exec.Cmd
	ptmx   *os.File
	stdin  io.WriteCloser
	reader *bufio.Scanner

	exited   bool
	exitCode *int
}

type spawnArgs struct {
	Command            string
	Prompt             string
	Resume             string
	ExtraArgs          []string
	WorkingDir         string
	AppendSystemPrompt string
}

// handleSurrogate is the recordable stand-in for a live *Runner: on replay
// there is no subprocess, so Runner.rec alone drives subsequent event reads.
type handleSurrogate struct {
	Spawned bool `json:"spawned"`
}

// Spawn starts a new session (or resumes one, if cfg.Resume is set).
func (d *Driver) Spawn(cfg Config) (*Runner, error) {
	args := spawnArgs{
		Command: d.Command, Prompt: cfg.Prompt, Resume: cfg.Resume,
		ExtraArgs: cfg.ExtraArgs, WorkingDir: cfg.WorkingDir, AppendSystemPrompt: cfg.AppendSystemPrompt,
	}
	runner, err := recorder.CallWithSurrogate(d.rec, "session:spawn", args,
		func(a spawnArgs) (*Runner, error) { return spawnLive(d.rec, a) },
		func(r *Runner) handleSurrogate { return handleSurrogate{Spawned: r != nil} },
		func(s handleSurrogate) *Runner {
			if !s.Spawned {
				return nil
			}
			return &Runner{rec: d.rec}
		},
	)
	return runner, err
}

// buildArgs assembles the CLI argument list: resume flag, append-system-prompt,
// then the caller's extra args (project defaults + agent claude_args + user
// passthroughs, already unioned by the caller), in stream-json mode.
func buildArgs(a spawnArgs) []string {
	out := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if a.Resume != "" {
		out = append(out, "--resume", a.Resume)
	}
	if a.AppendSystemPrompt != "" {
		out = append(out, "--append-system-prompt", a.AppendSystemPrompt)
	}
	if !hasPermissionModeFlag(a.ExtraArgs) {
		out = append(out, "--permission-mode", "acceptEdits")
	}
	out = append(out, a.ExtraArgs...)
	return out
}

func hasPermissionModeFlag(extra []string) bool {
	for _, a := range extra {
		if a == "--permission-mode" || strings.HasPrefix(a, "--permission-mode=") {
			return true
		}
	}
	return false
}

func spawnLive(rec *recorder.Recorder, a spawnArgs) (*Runner, error) {
	args := buildArgs(a)
	cmd := exec.Command(a.Command, args...)
	cmd.Dir = a.WorkingDir

	ptmx, pts, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pty: %w", err)
	}

	stdinR, stdinW := io.Pipe()
	cmd.Stdin = stdinR
	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		ptmx.Close()
		return nil, fmt.Errorf("starting agent: %w", err)
	}
	pts.Close()

	if _, err := io.WriteString(stdinW, a.Prompt+"\n"); err != nil {
		return nil, fmt.Errorf("writing initial prompt: %w", err)
	}

	sc := bufio.NewScanner(ptmx)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &Runner{rec: rec, cmd: cmd, ptmx: ptmx, stdin: stdinW, reader: sc}, nil
}

type nextArgs struct{}

// Next blocks for the next event in the stream. After a Result event the
// session stays alive awaiting Send or external termination; ProcessExit is
// terminal.
func (r *Runner) Next() (Event, error) {
	return recorder.Call(r.rec, "session:next", nextArgs{}, func(nextArgs) (Event, error) {
		return r.nextLive()
	})
}

func (r *Runner) nextLive() (Event, error) {
	if r.exited {
		return Event{Kind: EventProcessExit, ExitCode: r.exitCode}, nil
	}
	if r.reader == nil {
		return Event{}, errors.New("session: no live reader (replay state desync)")
	}

	for r.reader.Scan() {
		line := strings.TrimSpace(r.reader.Text())
		if line == "" {
			continue
		}
		ev, ok := parseStreamLine(line)
		if !ok {
			return Event{Kind: EventParseWarning, Warning: "unrecognized stream-json line: " + line}, nil
		}
		return ev, nil
	}

	err := r.reader.Err()
	var pathErr *os.PathError
	if err != nil && !(errors.As(err, &pathErr) && pathErr.Err == syscall.EIO) && !errors.Is(err, io.EOF) {
		return Event{}, err
	}

	waitErr := r.cmd.Wait()
	r.exited = true
	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	r.exitCode = &code
	return Event{Kind: EventProcessExit, ExitCode: &code}, nil
}

// claudeStreamLine is the subset of Claude Code's stream-json wire format
// this driver understands.
type claudeStreamLine struct {
	Type string `json:"type"`

	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	Message *struct {
		Content []struct {
			Type  string `json:"type"`
			Text  string `json:"text,omitempty"`
			Name  string `json:"name,omitempty"`
			Input json.RawMessage `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`

	Result     string  `json:"result,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

func parseStreamLine(line string) (Event, bool) {
	var sl claudeStreamLine
	if err := json.Unmarshal([]byte(line), &sl); err != nil {
		return Event{}, false
	}

	switch sl.Type {
	case "system":
		if sl.Subtype == "init" {
			return Event{Kind: EventInit, SessionID: sl.SessionID, Model: sl.Model}, true
		}
		return Event{}, false
	case "assistant":
		if sl.Message == nil {
			return Event{Kind: EventParseWarning, Warning: "assistant event with no message"}, true
		}
		for _, c := range sl.Message.Content {
			switch c.Type {
			case "text":
				return Event{Kind: EventStreamText, Text: c.Text}, true
			case "tool_use":
				return Event{Kind: EventToolUse, ToolName: c.Name, ToolInput: string(c.Input)}, true
			case "thinking":
				return Event{Kind: EventThinking, Text: c.Text}, true
			}
		}
		return Event{Kind: EventParseWarning, Warning: "assistant event with no recognized content block"}, true
	case "user":
		if sl.Message != nil {
			for _, c := range sl.Message.Content {
				if c.Type == "tool_result" {
					return Event{Kind: EventToolResult, Text: c.Text}, true
				}
			}
		}
		return Event{}, false
	case "result":
		return Event{Kind: EventResult, SessionID: sl.SessionID, FinalText: sl.Result, CostUSD: sl.TotalCostUSD}, true
	default:
		return Event{}, false
	}
}

type sendArgs struct {
	Text string
}

// Send writes a follow-up user turn into the running conversation.
func (r *Runner) Send(text string) error {
	_, err := recorder.Call(r.rec, "session:send", sendArgs{Text: text}, func(a sendArgs) (struct{}, error) {
		if r.stdin == nil {
			return struct{}{}, errors.New("session: cannot send, no live stdin (replay state desync)")
		}
		_, err := io.WriteString(r.stdin, a.Text+"\n")
		return struct{}{}, err
	})
	return err
}

// GracePeriod is how long Interrupt waits after SIGINT before escalating to
// SIGKILL.
var GracePeriod = 5 * time.Second

type interruptArgs struct{}

// Interrupt attempts a graceful stop: SIGINT, wait up to GracePeriod, then
// SIGKILL. A no-op, not an error, if the process has already exited.
func (r *Runner) Interrupt() error {
	_, err := recorder.Call(r.rec, "session:interrupt", interruptArgs{}, func(interruptArgs) (struct{}, error) {
		return struct{}{}, r.interruptLive()
	})
	return err
}

func (r *Runner) interruptLive() error {
	if r.exited || r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	if err := r.cmd.Process.Signal(syscall.SIGINT); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}

	done := make(chan struct{})
	go func() {
		r.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.exited = true
		return nil
	case <-time.After(GracePeriod):
		return r.cmd.Process.Kill()
	}
}

// Close releases the pty and stdin pipe. Safe to call after the process has
// already exited.
func (r *Runner) Close() error {
	if r.stdin != nil {
		r.stdin.Close()
	}
	if r.ptmx != nil {
		return r.ptmx.Close()
	}
	return nil
}
