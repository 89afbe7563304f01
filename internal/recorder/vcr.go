// Package recorder implements the record/replay seam ("VCR") that the
// worker loop's external calls are routed through: git invocations,
// registry reads, session events, and lock acquisition. Ref-watcher wakeups
// and operator input read from stdin are not routed through it and are not
// journaled. In Live mode it is a transparent pass-through; in Record mode
// it journals every call; in Replay mode it feeds calls back from a
// previously recorded journal and fails loudly on any divergence.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Mode selects how a Recorder handles calls.
type Mode int

const (
	// Live invokes the real computation and returns its result unchanged.
	Live Mode = iota
	// Record invokes the real computation and appends the call to the journal.
	Record
	// Replay consumes the next journal entry instead of invoking anything.
	Replay
)

// errEnvelope is how an error return from a recorded call is serialized.
// Code is empty for opaque errors (rehydrated as errors.New(Text)); non-empty
// Code selects a registered reconstructor fed Payload.
type errEnvelope struct {
	Code    string          `json:"code,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Text    string          `json:"text,omitempty"`
}

// entry is one journal line: the call's label, its serialized arguments, and
// its serialized (value, error) outcome.
type entry struct {
	Label  string          `json:"label"`
	Args   json.RawMessage `json:"args"`
	Value  json.RawMessage `json:"result,omitempty"`
	Err    *errEnvelope    `json:"error,omitempty"`
}

// StructuredError is implemented by typed errors (e.g. gitops.RebaseConflict)
// that want to round-trip through the journal as themselves rather than as an
// opaque display string.
type StructuredError interface {
	error
	// VCRCode returns a stable identifier for this error's shape, used to
	// find the matching reconstructor registered via RegisterErrorCode.
	VCRCode() string
}

var (
	codecMu sync.Mutex
	codecs  = map[string]func(json.RawMessage) (error, error){}
)

// RegisterErrorCode registers how to reconstruct a StructuredError with the
// given VCRCode from its recorded JSON payload. Packages that define typed
// errors call this from an init() func.
func RegisterErrorCode(code string, reconstruct func(json.RawMessage) (error, error)) {
	codecMu.Lock()
	defer codecMu.Unlock()
	codecs[code] = reconstruct
}

func reconstructError(env *errEnvelope) error {
	if env == nil {
		return nil
	}
	if env.Code == "" {
		return fmt.Errorf("%s", env.Text)
	}
	codecMu.Lock()
	fn, ok := codecs[env.Code]
	codecMu.Unlock()
	if !ok {
		return fmt.Errorf("%s", env.Text)
	}
	err, decodeErr := fn(env.Payload)
	if decodeErr != nil {
		return fmt.Errorf("recorder: reconstructing error code %q: %w", env.Code, decodeErr)
	}
	return err
}

func serializeError(err error) *errEnvelope {
	if err == nil {
		return nil
	}
	if se, ok := err.(StructuredError); ok {
		payload, marshalErr := json.Marshal(se)
		if marshalErr == nil {
			return &errEnvelope{Code: se.VCRCode(), Payload: payload, Text: se.Error()}
		}
	}
	return &errEnvelope{Text: err.Error()}
}

// Mismatch is returned on replay when the live call's label or arguments
// diverge from the next recorded journal entry.
type Mismatch struct {
	Index        int
	ExpectLabel  string
	ExpectArgs   string
	ActualLabel  string
	ActualArgs   string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("vcr mismatch at entry %d: expected call %q with args %s, got %q with args %s",
		m.Index, m.ExpectLabel, m.ExpectArgs, m.ActualLabel, m.ActualArgs)
}

// Recorder is the seam every external call flows through. A single Recorder
// instance belongs to exactly one worker process; concurrent workers each
// own a separate Recorder backed by a separate journal file.
type Recorder struct {
	mode Mode

	// runID identifies this recording for diagnostics and fixture naming; it
	// has no effect on replay matching, which is positional by label+args.
	runID string

	mu      sync.Mutex
	out     *bufio.Writer
	outFile io.Closer
	written []entry

	replay []entry
	idx    int
}

// NewLive returns a Recorder that performs no journaling.
func NewLive() *Recorder {
	return &Recorder{mode: Live}
}

// NewRecorder opens path for writing (truncating) and returns a Recorder in
// Record mode that appends one ndjson line per call.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: creating journal %s: %w", path, err)
	}
	return &Recorder{mode: Record, out: bufio.NewWriter(f), outFile: f, runID: uuid.NewString()}, nil
}

// RunID identifies this recording run, for diagnostics and fixture naming.
// Empty outside Record mode.
func (r *Recorder) RunID() string { return r.runID }

// NewReplayer loads path's ndjson journal and returns a Recorder in Replay
// mode that feeds calls back from it in order.
func NewReplayer(path string) (*Recorder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: opening journal %s: %w", path, err)
	}
	defer f.Close()

	var entries []entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("recorder: parsing journal line: %w", err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("recorder: reading journal %s: %w", path, err)
	}
	return &Recorder{mode: Replay, replay: entries}, nil
}

// Close flushes and closes the underlying journal file, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out != nil {
		if err := r.out.Flush(); err != nil {
			return err
		}
	}
	if r.outFile != nil {
		return r.outFile.Close()
	}
	return nil
}

// Mode returns the recorder's current mode.
func (r *Recorder) Mode() Mode { return r.mode }

func argsJSON(args any) json.RawMessage {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte(fmt.Sprintf("%q", err.Error()))
	}
	return data
}

// Call routes a single external call, labeled for the journal, through the
// recorder's current mode. f is only ever invoked in Live and Record modes;
// in Replay mode the recorded result is returned without running f.
func Call[A any, R any](rec *Recorder, label string, args A, f func(A) (R, error)) (R, error) {
	return call(rec, label, args, f, nil, nil)
}

// CallWithSurrogate is like Call but for computations whose result is not
// itself JSON-serializable (an OS file handle, a subprocess guard). toSurrogate
// projects the live result down to a serializable stand-in recorded in the
// journal; fromSurrogate reconstructs a value honoring the same lifetime
// contract (e.g. a no-op guard) from that surrogate on replay.
func CallWithSurrogate[A any, R any, S any](
	rec *Recorder, label string, args A, f func(A) (R, error),
	toSurrogate func(R) S, fromSurrogate func(S) R,
) (R, error) {
	toAny := func(r R) any { return toSurrogate(r) }
	fromAny := func(raw json.RawMessage) (R, error) {
		var s S
		if err := json.Unmarshal(raw, &s); err != nil {
			var zero R
			return zero, err
		}
		return fromSurrogate(s), nil
	}
	return call(rec, label, args, f, toAny, fromAny)
}

func call[A any, R any](
	rec *Recorder, label string, args A, f func(A) (R, error),
	toSurrogate func(R) any, fromSurrogate func(json.RawMessage) (R, error),
) (R, error) {
	if rec == nil {
		return f(args)
	}

	switch rec.mode {
	case Live:
		return f(args)

	case Record:
		value, err := f(args)
		rec.mu.Lock()
		e := entry{Label: label, Args: argsJSON(args), Err: serializeError(err)}
		if err == nil {
			var serialize any = value
			if toSurrogate != nil {
				serialize = toSurrogate(value)
			}
			e.Value = argsJSON(serialize)
		}
		rec.written = append(rec.written, e)
		if rec.out != nil {
			line, _ := json.Marshal(e)
			rec.out.Write(line)
			rec.out.WriteByte('\n')
		}
		rec.mu.Unlock()
		return value, err

	case Replay:
		rec.mu.Lock()
		if rec.idx >= len(rec.replay) {
			rec.mu.Unlock()
			var zero R
			return zero, fmt.Errorf("vcr: journal exhausted, unexpected call %q", label)
		}
		e := rec.replay[rec.idx]
		wantArgs := string(argsJSON(args))
		gotArgs := string(e.Args)
		if e.Label != label || !jsonEqual(wantArgs, gotArgs) {
			idx := rec.idx
			rec.mu.Unlock()
			var zero R
			return zero, &Mismatch{
				Index: idx, ExpectLabel: e.Label, ExpectArgs: gotArgs,
				ActualLabel: label, ActualArgs: wantArgs,
			}
		}
		rec.idx++
		rec.mu.Unlock()

		if e.Err != nil {
			var zero R
			return zero, reconstructError(e.Err)
		}
		if fromSurrogate != nil {
			return fromSurrogate(e.Value)
		}
		var value R
		if len(e.Value) > 0 {
			if err := json.Unmarshal(e.Value, &value); err != nil {
				var zero R
				return zero, fmt.Errorf("vcr: decoding result for %q: %w", label, err)
			}
		}
		return value, nil

	default:
		return f(args)
	}
}

// jsonEqual compares two JSON-encoded byte strings for semantic equality by
// round-tripping through generic decoding, so key order and whitespace
// differences don't cause spurious mismatches.
func jsonEqual(a, b string) bool {
	if a == b {
		return true
	}
	var av, bv any
	if json.Unmarshal([]byte(a), &av) != nil {
		return false
	}
	if json.Unmarshal([]byte(b), &bv) != nil {
		return false
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return string(ab) == string(bb)
}
