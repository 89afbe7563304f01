package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRefWatcherWakesOnLooseRefChange(t *testing.T) {
	gitCommonDir := t.TempDir()
	refsHeadsDir := filepath.Join(gitCommonDir, "refs", "heads")
	if err := os.MkdirAll(refsHeadsDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	rw, err := New(gitCommonDir, "main")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer rw.Close()

	// Setup race: discard anything the watcher queued before we start writing.
	rw.Drain()

	looseRef := filepath.Join(refsHeadsDir, "main")
	if err := os.WriteFile(looseRef, []byte("deadbeef\n"), 0644); err != nil {
		t.Fatalf("writing loose ref: %v", err)
	}

	cancel := make(chan struct{})
	timeout := time.AfterFunc(2*time.Second, func() { close(cancel) })
	defer timeout.Stop()

	changed, cancelled := rw.Recv(cancel)
	if cancelled {
		t.Fatal("Recv() timed out waiting for the loose ref write")
	}
	if !changed {
		t.Error("Recv() returned changed=false for a loose ref write")
	}
}

func TestRefWatcherRecvCancel(t *testing.T) {
	gitCommonDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(gitCommonDir, "refs", "heads"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	rw, err := New(gitCommonDir, "main")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer rw.Close()
	rw.Drain()

	cancel := make(chan struct{})
	close(cancel)

	changed, cancelled := rw.Recv(cancel)
	if !cancelled {
		t.Error("Recv() with an already-closed cancel channel should return cancelled=true")
	}
	if changed {
		t.Error("Recv() should not report changed=true on cancellation")
	}
}

func TestRefWatcherDrainDiscardsQueuedEvents(t *testing.T) {
	gitCommonDir := t.TempDir()
	refsHeadsDir := filepath.Join(gitCommonDir, "refs", "heads")
	if err := os.MkdirAll(refsHeadsDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	rw, err := New(gitCommonDir, "main")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer rw.Close()

	looseRef := filepath.Join(refsHeadsDir, "main")
	if err := os.WriteFile(looseRef, []byte("deadbeef\n"), 0644); err != nil {
		t.Fatalf("writing loose ref: %v", err)
	}
	// Give the watcher's pump goroutine a moment to pick up the fs event
	// before we discard it.
	time.Sleep(100 * time.Millisecond)
	rw.Drain()

	cancel := make(chan struct{})
	close(cancel)
	changed, cancelled := rw.Recv(cancel)
	if !cancelled || changed {
		t.Errorf("Recv() after Drain() = (changed=%v, cancelled=%v), want (false, true)", changed, cancelled)
	}
}
