package registry

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/crazytieguy/coven/internal/recorder"
)

// LockGuard releases an acquired lock (dispatch lock or semaphore permit)
// when closed.
type LockGuard struct {
	close func() error
}

// Close releases the underlying lock.
func (g *LockGuard) Close() error {
	if g == nil || g.close == nil {
		return nil
	}
	return g.close()
}

// AcquireDispatchLock blocks until it holds the cluster-wide exclusive
// dispatch lock under dir. By design this wait is unbounded: a stuck lock
// means a dead or wedged worker holding it, and recovery is an operator
// action (kill the process, remove the lock file), not automatic retry.
func AcquireDispatchLock(rec *recorder.Recorder, dir string) (*LockGuard, error) {
	path := filepath.Join(dir, "dispatch.lock")
	args := struct{ Path string }{Path: path}
	guard, err := recorder.CallWithSurrogate(rec, "registry:acquire-dispatch-lock", args,
		func(a struct{ Path string }) (*flockGuard, error) {
			return acquireFlock(a.Path)
		},
		toUnitSurrogate, fromUnitSurrogate,
	)
	if err != nil {
		return nil, err
	}
	return &LockGuard{close: guard.Close}, nil
}

// Semaphore is a counted set of N advisory file locks enforcing
// max_concurrency for one agent. Acquire polls cooperatively with a bounded
// sleep between attempts, rather than blocking indefinitely, since contention
// here is expected to clear as sibling workers finish their turn with the
// agent.
type Semaphore struct {
	Dir         string
	Agent       string
	Concurrency int
	PollEvery   time.Duration

	rec *recorder.Recorder
}

// NewSemaphore returns a Semaphore for agent with the given max_concurrency
// (0 means unlimited — Acquire always succeeds immediately without touching
// the filesystem).
func NewSemaphore(rec *recorder.Recorder, dir, agent string, concurrency int) *Semaphore {
	return &Semaphore{Dir: dir, Agent: agent, Concurrency: concurrency, PollEvery: 200 * time.Millisecond, rec: rec}
}

type semTryArgs struct {
	Path string
}

// tryAcquireSurrogate is the recordable surrogate for one slot-acquisition
// attempt: whether it succeeded. The *flockGuard itself never touches the
// journal.
type tryAcquireSurrogate struct {
	Acquired bool `json:"acquired"`
}

// Acquire blocks until it holds one of the agent's N semaphore slots, or
// returns immediately if the agent has unlimited concurrency. Each failed
// sweep over all N slots yields the runtime via a bounded sleep before
// retrying.
func (s *Semaphore) Acquire(cancel <-chan struct{}) (*LockGuard, error) {
	if s.Concurrency <= 0 {
		return &LockGuard{}, nil
	}

	for {
		for i := 0; i < s.Concurrency; i++ {
			path := filepath.Join(s.Dir, fmt.Sprintf("%s.%d", s.Agent, i))
			guard, err := recorder.CallWithSurrogate(s.rec, "registry:try-acquire-semaphore", semTryArgs{Path: path},
				func(a semTryArgs) (*flockGuard, error) {
					g, ok, err := tryAcquireFlock(a.Path)
					if err != nil {
						return nil, err
					}
					if !ok {
						return nil, nil
					}
					return g, nil
				},
				func(g *flockGuard) tryAcquireSurrogate { return tryAcquireSurrogate{Acquired: g != nil} },
				func(s tryAcquireSurrogate) *flockGuard {
					if !s.Acquired {
						return nil
					}
					return &flockGuard{}
				},
			)
			if err != nil {
				return nil, err
			}
			if guard != nil {
				return &LockGuard{close: guard.Close}, nil
			}
		}

		select {
		case <-cancel:
			return nil, errCancelled
		case <-time.After(s.PollEvery):
		}
	}
}

var errCancelled = errCancel{}

type errCancel struct{}

func (errCancel) Error() string { return "semaphore acquisition cancelled" }
