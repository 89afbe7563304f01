// Package watch implements RefWatcher (§4.4): a filesystem notifier over a
// repository's main-branch ref files, used to wake a sleeping worker when a
// new commit lands on main.
package watch

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// RefWatcher watches the loose ref, packed-refs, and the containing refs
// directory for a single branch, and presents a single "something changed"
// receive operation. Spurious wakeups are legal by design; callers must
// reconfirm by re-reading the ref's SHA.
//
// RefWatcher is not routed through the recorder: fsnotify wakeups are
// treated as a pure scheduling hint (§4.4), never as data the replay mode
// needs to reproduce — callers always reconfirm by re-reading the ref SHA
// through the recorder-backed gitops.Repo, which is what replay matches on.
type RefWatcher struct {
	w      *fsnotify.Watcher
	events chan struct{}
	errs   chan error
	done   chan struct{}
}

// New installs a watcher over gitCommonDir's ref files for branch. Per the
// setup race rule, callers must read the initial SHA only after New returns,
// then drain any notifications accumulated during setup and re-read once
// more before relying on watcher events exclusively.
func New(gitCommonDir, branch string) (*RefWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	refsHeadsDir := filepath.Join(gitCommonDir, "refs", "heads")
	looseRef := filepath.Join(refsHeadsDir, branch)
	packedRefs := filepath.Join(gitCommonDir, "packed-refs")

	if err := w.Add(refsHeadsDir); err != nil {
		w.Close()
		return nil, err
	}
	// packed-refs lives directly under the common dir; watch that directory
	// too, since the file may not exist yet at setup time.
	if err := w.Add(gitCommonDir); err != nil {
		w.Close()
		return nil, err
	}

	rw := &RefWatcher{
		w:      w,
		events: make(chan struct{}, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	go rw.pump(looseRef, packedRefs)

	return rw, nil
}

func (rw *RefWatcher) pump(looseRef, packedRefs string) {
	for {
		select {
		case ev, ok := <-rw.w.Events:
			if !ok {
				return
			}
			if ev.Name == looseRef || ev.Name == packedRefs || filepath.Base(ev.Name) == filepath.Base(looseRef) {
				select {
				case rw.events <- struct{}{}:
				default:
				}
			}
		case err, ok := <-rw.w.Errors:
			if !ok {
				return
			}
			select {
			case rw.errs <- err:
			default:
			}
		case <-rw.done:
			return
		}
	}
}

// Recv blocks until a watched path changed or cancel fires, returning which.
// A true return means "reconfirm the SHA"; it does not guarantee the SHA
// actually changed.
func (rw *RefWatcher) Recv(cancel <-chan struct{}) (changed bool, cancelled bool) {
	select {
	case <-rw.events:
		return true, false
	case <-cancel:
		return false, true
	case <-rw.errs:
		// Treat watcher errors as a wakeup: the caller will reconfirm the SHA
		// and, if nothing changed, Recv is called again.
		return true, false
	}
}

// Drain discards any events queued so far without blocking, used to close
// the setup race window per §4.4.
func (rw *RefWatcher) Drain() {
	for {
		select {
		case <-rw.events:
		default:
			return
		}
	}
}

// Close stops the watcher and releases its OS resources.
func (rw *RefWatcher) Close() error {
	close(rw.done)
	return rw.w.Close()
}
